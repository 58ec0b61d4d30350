// Package server wires the HTTP surface: auth and room REST endpoints, the
// terminal websocket, a one-shot run endpoint, and a health check.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/f1amekaiser/CodeIt/runner"
	"github.com/f1amekaiser/CodeIt/terminal"
)

// UserService signs up and logs in accounts, returning tokens.
type UserService interface {
	Signup(ctx context.Context, username, password string) (string, error)
	Login(ctx context.Context, username, password string) (string, error)
}

// RoomService manages the persistent room directory.
type RoomService interface {
	Create(ctx context.Context, name, password, createdBy string) error
	Exists(ctx context.Context, name string) (bool, error)
}

// TokenVerifier validates tokens on authenticated endpoints.
type TokenVerifier interface {
	Verify(token string) (subject string, err error)
}

// Server is the CodeIt HTTP server.
type Server struct {
	logger     *zap.SugaredLogger
	listenAddr string
	started    time.Time

	users    UserService
	rooms    RoomService
	verifier TokenVerifier
	terminal *terminal.Handler

	httpServer *http.Server
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// New constructs a server. The terminal handler's logger is replaced with a
// child of the server's logger so the whole tree logs consistently.
func New(users UserService, rooms RoomService, verifier TokenVerifier, term *terminal.Handler, opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		logger:     logger.Named("server").Sugar(),
		listenAddr: "0.0.0.0:8080",
		users:      users,
		rooms:      rooms,
		verifier:   verifier,
		terminal:   term,
	}
	for _, o := range opts {
		o(s)
	}
	s.terminal.Log = s.logger.Named("terminal")
	if s.terminal.Workspaces.Log == nil {
		s.terminal.Workspaces.Log = s.logger.Named("workspace")
	}
	if s.terminal.Runner.Log == nil {
		s.terminal.Runner.Log = s.logger.Named("runner")
	}
	return s, nil
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	router := httprouter.New()
	router.GET("/healthz", s.healthz)
	router.POST("/auth/signup", s.signup)
	router.POST("/auth/login", s.login)
	router.POST("/rooms", s.authed(s.createRoom))
	router.GET("/rooms/:name/exists", s.authed(s.roomExists))
	router.GET("/terminal", s.terminalWS)
	router.POST("/run", s.authed(s.runOnce))

	s.started = time.Now()
	server := &http.Server{Handler: router}
	s.httpServer = server

	s.logger.Infof("listening on %s", listener.Addr())
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop() error {
	return s.httpServer.Close()
}

type ctxKey int

const ctxKeyUser ctxKey = 0

// authed wraps a handler with bearer-token verification and stashes the
// principal in the request context.
func (s *Server) authed(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		token := r.Header.Get("Authorization")
		token = strings.TrimPrefix(token, "Bearer ")
		user, err := s.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), ctxKeyUser, user)), params)
	}
}

func requestUser(r *http.Request) string {
	user, _ := r.Context().Value(ctxKeyUser).(string)
	return user
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.started).Truncate(time.Second).String(),
	})
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) signup(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, err := s.users.Signup(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, err := s.users.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type createRoomRequest struct {
	RoomName string `json:"roomName"`
	Password string `json:"password"`
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := s.rooms.Create(r.Context(), req.RoomName, req.Password, requestUser(r))
	if err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "already exists") {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message": "room created successfully", "room": req.RoomName})
}

func (s *Server) roomExists(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	exists, err := s.rooms.Exists(r.Context(), params.ByName("name"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

func (s *Server) terminalWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.terminal.ServeHTTP(w, r)
}

type runOnceRequest struct {
	Code     string `json:"code"`
	Filename string `json:"filename"`
}

type runOnceResponse struct {
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output"`
}

// runOnce is a buffered one-shot runner for simple clients: it executes the
// submitted code to completion and returns all output in the response. The
// streaming terminal channel is the primary interface; this one is much
// easier to curl.
func (s *Server) runOnce(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req runOnceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Filename == "" {
		req.Filename = "main.py"
	}

	ws := s.terminal.Workspaces
	dir, err := ws.Ensure("run-" + uuid.NewString())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer ws.Destroy(dir)
	if _, err := ws.WriteSource(dir, req.Filename, req.Code); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var mu sync.Mutex
	var buf bytes.Buffer
	done := make(chan runner.Result, 1)
	proc, err := s.terminal.Runner.Start(dir, req.Filename,
		runner.Events{
			Output: func(b []byte) {
				mu.Lock()
				buf.Write(b)
				mu.Unlock()
			},
			Ended: func(res runner.Result) {
				done <- res
			},
		}, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Kill the process if the request is aborted. In the normal case this
	// is a no-op as the process is already gone.
	go func() {
		<-r.Context().Done()
		proc.Kill()
	}()

	res := <-done
	mu.Lock()
	output := buf.String()
	mu.Unlock()
	writeJSON(w, http.StatusOK, runOnceResponse{ExitCode: res.ExitCode, Output: output})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
