// Package terminal implements the real-time protocol: it accepts websocket
// connections, registers them as sessions, and interprets join/code/run/
// stdin/kill messages, emitting room, sync, output, and ended events.
package terminal

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/f1amekaiser/CodeIt/room"
	"github.com/f1amekaiser/CodeIt/runner"
	"github.com/f1amekaiser/CodeIt/session"
	"github.com/f1amekaiser/CodeIt/workspace"
)

const sendTimeout = 10 * time.Second

// TokenVerifier checks the opaque signed token presented at connect time and
// returns the principal it identifies.
type TokenVerifier interface {
	Verify(token string) (subject string, err error)
}

// RoomAuth verifies a room credential against the persistent room directory
// service. The returned error is shown to the client verbatim on failure.
type RoomAuth interface {
	VerifyPassword(ctx context.Context, name, password string) error
}

// Handler serves the terminal websocket endpoint.
type Handler struct {
	Log        *zap.SugaredLogger
	Verifier   TokenVerifier
	Rooms      RoomAuth
	Directory  *room.Directory
	Registry   *session.Registry
	Workspaces *workspace.Manager
	Runner     *runner.Runner
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	user, err := h.Verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		h.Log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := h.Registry.Register(uuid.NewString())
	c := &termConn{
		log:    h.Log.Named("conn").With("session", sess.ID, "user", user),
		h:      h,
		conn:   wsConn,
		ctx:    ctx,
		cancel: cancel,
		sess:   sess,
	}
	c.log.Debug("terminal connected")
	c.run()
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// termConn is the per-connection state machine. All inbound messages are
// handled on the single reader goroutine, so run/kill transitions for one
// session never interleave. Process callbacks arrive on runner goroutines
// and only touch the connection through send, which is safe concurrently.
type termConn struct {
	log    *zap.SugaredLogger
	h      *Handler
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()
	sess   *session.Session
}

func (c *termConn) run() {
	defer c.teardown()
	for {
		var msg clientMessage
		err := wsjson.Read(c.ctx, c.conn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			c.log.Debug("client closed connection")
			return
		}
		if err != nil {
			c.log.Debugf("message reader got error: %s", err)
			return
		}
		switch {
		case msg.Join != nil:
			c.handleJoin(msg.Join)
		case msg.Code != nil:
			c.handleCode(msg.Code)
		case msg.Run != nil:
			c.handleRun(msg.Run)
		case msg.Stdin != "":
			c.handleStdin(msg.Stdin)
		case msg.Kill:
			c.handleKill()
		}
	}
}

// teardown is the disconnect path: leave the room, terminate and clean up
// any live process, drop the registry entry, and make sure the workspace is
// gone even if no run ever completed its own cleanup.
func (c *termConn) teardown() {
	if name := c.sess.Room(); name != "" {
		c.h.Directory.Leave(name, c)
	}
	if p := c.sess.SwapProc(nil); p != nil {
		p.Discard()
		p.Kill()
		<-p.Done()
	}
	c.h.Registry.Remove(c.sess.ID)
	c.h.Workspaces.Destroy(c.h.Workspaces.Path(c.sess.ID))
	c.cancel()
	c.conn.Close(websocket.StatusNormalClosure, "")
	c.log.Debug("terminal disconnected")
}

func (c *termConn) send(msg serverMessage) {
	ctx, cancel := context.WithTimeout(c.ctx, sendTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.conn, msg); err != nil {
		c.log.Debugf("error sending message: %s", err)
	}
}

// SendCode implements room.Member.
func (c *termConn) SendCode(text string) {
	c.send(serverMessage{CodeSync: &codeSync{Text: text}})
}

func (c *termConn) handleJoin(req *joinRequest) {
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	if err := c.h.Rooms.VerifyPassword(ctx, req.Room, req.Password); err != nil {
		// Rejection mutates nothing: the session keeps its old room and
		// never sees the new room's buffer.
		c.send(serverMessage{RoomError: err.Error()})
		return
	}

	if old := c.sess.Room(); old != "" {
		c.h.Directory.Leave(old, c)
	}
	code, hasCode := c.h.Directory.Join(req.Room, c)
	c.sess.SetRoom(req.Room)
	c.log.Debugf("joined room %s", req.Room)

	c.send(serverMessage{RoomJoined: req.Room})
	if hasCode {
		c.send(serverMessage{CodeSync: &codeSync{Text: code}})
	}
}

func (c *termConn) handleCode(req *codeUpdate) {
	name := c.sess.Room()
	if name == "" {
		return
	}
	c.h.Directory.UpdateCode(name, c, req.Text)
}

func (c *termConn) handleRun(req *runRequest) {
	// Enforce at-most-one live process: the previous run, if any, is killed
	// and fully cleaned up before the new one starts. Discard first so that
	// none of its output or its ended event reaches the client.
	if old := c.sess.SwapProc(nil); old != nil {
		old.Discard()
		old.Kill()
		<-old.Done()
	}

	dir, err := c.h.Workspaces.Ensure(c.sess.ID)
	if err != nil {
		c.runFailed(fmt.Sprintf("run failed: %s", err))
		return
	}
	if _, err := c.h.Workspaces.WriteSource(dir, req.Filename, req.Code); err != nil {
		c.runFailed(fmt.Sprintf("run failed: %s", err))
		return
	}

	c.send(serverMessage{Output: []byte(fmt.Sprintf("$ %s %s\n", c.h.Runner.InterpreterName(), req.Filename))})

	proc, err := c.h.Runner.Start(dir, req.Filename,
		runner.Events{
			Output: func(b []byte) {
				c.send(serverMessage{Output: b})
			},
			Ended: func(res runner.Result) {
				// A non-discarded ended event always belongs to the current
				// process: superseded runs are discarded before a new one
				// starts.
				c.sess.SwapProc(nil)
				c.send(serverMessage{Ended: &runEnded{ExitCode: res.ExitCode, TimedOut: res.TimedOut}})
			},
		},
		func() {
			c.h.Workspaces.Destroy(dir)
		})
	if err != nil {
		c.h.Workspaces.Destroy(dir)
		c.runFailed(err.Error())
		return
	}
	c.sess.SwapProc(proc)
}

// runFailed surfaces spawn and infrastructure failures as terminal output
// plus an ended event. The session stays usable for subsequent runs.
func (c *termConn) runFailed(msg string) {
	c.log.Debugf("run failed: %s", msg)
	c.send(serverMessage{Output: []byte(msg + "\n")})
	c.send(serverMessage{Ended: &runEnded{ExitCode: -1}})
}

// handleStdin forwards input to the running process. Input with no running
// process is silently dropped.
func (c *termConn) handleStdin(text string) {
	if p := c.sess.Proc(); p != nil {
		p.Input(text)
	}
}

// handleKill terminates the running process, if any. A no-op otherwise.
func (c *termConn) handleKill() {
	if p := c.sess.Proc(); p != nil {
		p.Kill()
	}
}
