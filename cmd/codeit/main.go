package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/f1amekaiser/CodeIt/auth"
	"github.com/f1amekaiser/CodeIt/room"
	"github.com/f1amekaiser/CodeIt/runner"
	"github.com/f1amekaiser/CodeIt/server"
	"github.com/f1amekaiser/CodeIt/session"
	"github.com/f1amekaiser/CodeIt/store"
	"github.com/f1amekaiser/CodeIt/terminal"
	"github.com/f1amekaiser/CodeIt/workspace"
)

func main() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "codeit",
		Usage: "collaborative code editing and sandboxed execution server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the HTTP server to listen on.",
				Value:   "0.0.0.0:8080",
				EnvVars: []string{"CODEIT_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "interpreter",
				Usage:   "Binary used to execute submitted files.",
				Value:   "python3",
				EnvVars: []string{"CODEIT_INTERPRETER"},
			},
			&cli.StringFlag{
				Name:    "workspace-root",
				Usage:   "Directory holding per-session scratch workspaces.",
				Value:   filepath.Join(os.TempDir(), "codeit"),
				EnvVars: []string{"CODEIT_WORKSPACE_ROOT"},
			},
			&cli.DurationFlag{
				Name:    "idle-timeout",
				Usage:   "Wall-clock limit for a run before it is force-killed.",
				Value:   runner.DefaultLimits.IdleTimeout,
				EnvVars: []string{"CODEIT_IDLE_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "cpu-limit",
				Usage:   "CPU-seconds limit per run.",
				Value:   runner.DefaultLimits.CPUTime,
				EnvVars: []string{"CODEIT_CPU_LIMIT"},
			},
			&cli.Uint64Flag{
				Name:    "memory-limit-mb",
				Usage:   "Address-space limit per run, in MiB.",
				Value:   runner.DefaultLimits.MemoryBytes >> 20,
				EnvVars: []string{"CODEIT_MEMORY_LIMIT_MB"},
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Postgres connection string for users and rooms.",
				Required: true,
				EnvVars:  []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:     "jwt-secret",
				Usage:    "Secret for signing auth tokens.",
				Required: true,
				EnvVars:  []string{"JWT_SECRET"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Enable debug logging.",
				EnvVars: []string{"CODEIT_DEBUG"},
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	db, err := store.Open(ctx.String("database-url"))
	if err != nil {
		return err
	}
	users := store.NewUsers(db)
	rooms := store.NewRooms(db)
	authSvc := auth.NewService(users, ctx.String("jwt-secret"))

	term := &terminal.Handler{
		Verifier:  authSvc,
		Rooms:     rooms,
		Directory: room.NewDirectory(),
		Registry:  session.NewRegistry(),
		Workspaces: &workspace.Manager{
			Root: ctx.String("workspace-root"),
		},
		Runner: &runner.Runner{
			Interpreter: ctx.String("interpreter"),
			Limits: runner.Limits{
				CPUTime:     ctx.Duration("cpu-limit"),
				MemoryBytes: ctx.Uint64("memory-limit-mb") << 20,
				IdleTimeout: ctx.Duration("idle-timeout"),
			},
		},
	}

	opts := []server.Option{
		server.WithListenAddr(ctx.String("listen-addr")),
		server.WithLogger(logger),
	}
	if ctx.Bool("debug") {
		opts = append(opts, server.WithLogLevel(zapcore.DebugLevel))
	}

	srv, err := server.New(authSvc, rooms, authSvc, term, opts...)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}
	return srv.Run()
}
