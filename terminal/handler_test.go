package terminal

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/f1amekaiser/CodeIt/room"
	"github.com/f1amekaiser/CodeIt/runner"
	"github.com/f1amekaiser/CodeIt/session"
	"github.com/f1amekaiser/CodeIt/workspace"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

type staticVerifier struct{}

func (staticVerifier) Verify(token string) (string, error) {
	if token == "" {
		return "", errors.New("missing token")
	}
	return "user-" + token, nil
}

type fakeRooms struct {
	passwords map[string]string
}

func (f fakeRooms) VerifyPassword(ctx context.Context, name, password string) error {
	pw, ok := f.passwords[name]
	if !ok {
		return errors.New("room does not exist")
	}
	if pw != password {
		return errors.New("invalid room password")
	}
	return nil
}

type testEnv struct {
	h    *Handler
	srv  *httptest.Server
	root string
}

func newTestEnv(t *testing.T, limits runner.Limits) *testEnv {
	t.Helper()
	root := t.TempDir()
	h := &Handler{
		Log:        log.Named(t.Name()),
		Verifier:   staticVerifier{},
		Rooms:      fakeRooms{passwords: map[string]string{"team1": "pw", "team2": "pw"}},
		Directory:  room.NewDirectory(),
		Registry:   session.NewRegistry(),
		Workspaces: &workspace.Manager{Root: root},
		Runner:     &runner.Runner{Interpreter: "sh", Limits: limits},
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testEnv{h: h, srv: srv, root: root}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, e.srv.URL+"?token=tok", nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "")
	})
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg clientMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, msg))
}

func recv(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var msg serverMessage
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return msg
}

// collectRun reads events until the ended event, returning the concatenated
// output and the ended payload.
func collectRun(t *testing.T, conn *websocket.Conn) (string, runEnded) {
	t.Helper()
	var out strings.Builder
	for {
		msg := recv(t, conn)
		if msg.Output != nil {
			out.Write(msg.Output)
		}
		if msg.Ended != nil {
			return out.String(), *msg.Ended
		}
	}
}

func waitWorkspacesGone(t *testing.T, root string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := os.ReadDir(root)
		require.NoError(t, err)
		if len(entries) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("workspace directories were not cleaned up")
}

func TestConnectRequiresToken(t *testing.T) {
	env := newTestEnv(t, runner.Limits{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := websocket.Dial(ctx, env.srv.URL, nil) //nolint:bodyclose
	require.Error(t, err)
}

func TestJoinAndBroadcast(t *testing.T) {
	env := newTestEnv(t, runner.Limits{})
	connA := env.dial(t)
	connB := env.dial(t)

	// A joins a room with no prior code: room-joined only, no code-sync
	send(t, connA, clientMessage{Join: &joinRequest{Room: "team1", Password: "pw"}})
	msg := recv(t, connA)
	assert.Equal(t, "team1", msg.RoomJoined)
	assert.Nil(t, msg.CodeSync)

	send(t, connB, clientMessage{Join: &joinRequest{Room: "team1", Password: "pw"}})
	msg = recv(t, connB)
	assert.Equal(t, "team1", msg.RoomJoined)
	assert.Nil(t, msg.CodeSync)

	// A updates: B receives the sync exactly once
	send(t, connA, clientMessage{Code: &codeUpdate{Text: "print(1)"}})
	msg = recv(t, connB)
	require.NotNil(t, msg.CodeSync)
	assert.Equal(t, "print(1)", msg.CodeSync.Text)

	// B updates: A's next event is that sync, proving A never received an
	// echo of its own update
	send(t, connB, clientMessage{Code: &codeUpdate{Text: "print(2)"}})
	msg = recv(t, connA)
	require.NotNil(t, msg.CodeSync)
	assert.Equal(t, "print(2)", msg.CodeSync.Text)
}

func TestJoinWrongPassword(t *testing.T) {
	env := newTestEnv(t, runner.Limits{})
	conn := env.dial(t)

	send(t, conn, clientMessage{Join: &joinRequest{Room: "team1", Password: "wrong"}})
	msg := recv(t, conn)
	assert.Equal(t, "invalid room password", msg.RoomError)
	assert.Nil(t, msg.CodeSync, "rejection must not reveal the room's code")
	assert.Equal(t, 0, env.h.Directory.MemberCount("team1"))

	// the session is untouched and can still join with the right credential
	send(t, conn, clientMessage{Join: &joinRequest{Room: "team1", Password: "pw"}})
	msg = recv(t, conn)
	assert.Equal(t, "team1", msg.RoomJoined)
}

func TestJoinUnknownRoom(t *testing.T) {
	env := newTestEnv(t, runner.Limits{})
	conn := env.dial(t)

	send(t, conn, clientMessage{Join: &joinRequest{Room: "nope", Password: "pw"}})
	msg := recv(t, conn)
	assert.Equal(t, "room does not exist", msg.RoomError)
}

func TestJoinReceivesExistingCode(t *testing.T) {
	env := newTestEnv(t, runner.Limits{})
	connA := env.dial(t)

	send(t, connA, clientMessage{Join: &joinRequest{Room: "team1", Password: "pw"}})
	recv(t, connA)
	send(t, connA, clientMessage{Code: &codeUpdate{Text: "x = 42"}})

	// the update has no ack, so give the directory a moment to apply it
	require.Eventually(t, func() bool {
		_, hasCode := env.h.Directory.Code("team1")
		return hasCode
	}, 5*time.Second, 10*time.Millisecond)

	connB := env.dial(t)
	send(t, connB, clientMessage{Join: &joinRequest{Room: "team1", Password: "pw"}})
	msg := recv(t, connB)
	assert.Equal(t, "team1", msg.RoomJoined)
	msg = recv(t, connB)
	require.NotNil(t, msg.CodeSync)
	assert.Equal(t, "x = 42", msg.CodeSync.Text)
}

func TestSwitchingRoomsLeavesThePreviousOne(t *testing.T) {
	env := newTestEnv(t, runner.Limits{})
	conn := env.dial(t)

	send(t, conn, clientMessage{Join: &joinRequest{Room: "team1", Password: "pw"}})
	recv(t, conn)
	send(t, conn, clientMessage{Join: &joinRequest{Room: "team2", Password: "pw"}})
	recv(t, conn)

	assert.Equal(t, 0, env.h.Directory.MemberCount("team1"))
	assert.Equal(t, 1, env.h.Directory.MemberCount("team2"))
}

func TestRunStreamsOutput(t *testing.T) {
	env := newTestEnv(t, runner.Limits{})
	conn := env.dial(t)

	send(t, conn, clientMessage{Run: &runRequest{Code: "echo hi", Filename: "x.sh"}})
	out, ended := collectRun(t, conn)
	assert.Contains(t, out, "$ sh x.sh")
	assert.Contains(t, out, "hi")
	assert.Equal(t, 0, ended.ExitCode)
	assert.False(t, ended.TimedOut)

	waitWorkspacesGone(t, env.root)
}

func TestSecondRunSupersedesFirst(t *testing.T) {
	env := newTestEnv(t, runner.Limits{})
	conn := env.dial(t)

	send(t, conn, clientMessage{Run: &runRequest{Code: "sleep 5; echo first", Filename: "x.sh"}})
	send(t, conn, clientMessage{Run: &runRequest{Code: "echo second", Filename: "x.sh"}})

	out, ended := collectRun(t, conn)
	assert.Contains(t, out, "second")
	assert.NotContains(t, out, "first", "superseded run's output must never surface")
	assert.Equal(t, 0, ended.ExitCode)
}

func TestKillTerminatesRun(t *testing.T) {
	env := newTestEnv(t, runner.Limits{})
	conn := env.dial(t)

	send(t, conn, clientMessage{Run: &runRequest{Code: "sleep 30", Filename: "x.sh"}})
	// swallow the acknowledgement before killing
	recv(t, conn)
	send(t, conn, clientMessage{Kill: true})

	_, ended := collectRun(t, conn)
	assert.Equal(t, -1, ended.ExitCode)
	waitWorkspacesGone(t, env.root)
}

func TestKillWithoutProcessIsNoop(t *testing.T) {
	env := newTestEnv(t, runner.Limits{})
	conn := env.dial(t)

	send(t, conn, clientMessage{Kill: true})

	// the session is still fully usable
	send(t, conn, clientMessage{Run: &runRequest{Code: "echo alive", Filename: "x.sh"}})
	out, ended := collectRun(t, conn)
	assert.Contains(t, out, "alive")
	assert.Equal(t, 0, ended.ExitCode)
}

func TestStdinReachesRun(t *testing.T) {
	env := newTestEnv(t, runner.Limits{})
	conn := env.dial(t)

	send(t, conn, clientMessage{Run: &runRequest{Code: "read line; echo got $line", Filename: "x.sh"}})
	send(t, conn, clientMessage{Stdin: "foo"})

	out, ended := collectRun(t, conn)
	assert.Contains(t, out, "got foo")
	assert.Equal(t, 0, ended.ExitCode)
}

func TestStdinWithoutProcessIsDropped(t *testing.T) {
	env := newTestEnv(t, runner.Limits{})
	conn := env.dial(t)

	send(t, conn, clientMessage{Stdin: "into the void"})
	send(t, conn, clientMessage{Run: &runRequest{Code: "echo alive", Filename: "x.sh"}})
	out, _ := collectRun(t, conn)
	assert.Contains(t, out, "alive")
}

func TestIdleTimeoutNotifiesBeforeEnded(t *testing.T) {
	env := newTestEnv(t, runner.Limits{IdleTimeout: 300 * time.Millisecond})
	conn := env.dial(t)

	send(t, conn, clientMessage{Run: &runRequest{Code: "sleep 30", Filename: "x.sh"}})
	out, ended := collectRun(t, conn)
	assert.Contains(t, out, "terminated due to inactivity")
	assert.True(t, ended.TimedOut)
	assert.Equal(t, -1, ended.ExitCode)
	waitWorkspacesGone(t, env.root)
}

func TestInvalidFilenameFailsTheRunOnly(t *testing.T) {
	env := newTestEnv(t, runner.Limits{})
	conn := env.dial(t)

	send(t, conn, clientMessage{Run: &runRequest{Code: "echo hi", Filename: "../escape.sh"}})
	out, ended := collectRun(t, conn)
	assert.Contains(t, out, "run failed")
	assert.Equal(t, -1, ended.ExitCode)

	// the session survives and can run again
	send(t, conn, clientMessage{Run: &runRequest{Code: "echo hi", Filename: "x.sh"}})
	out, ended = collectRun(t, conn)
	assert.Contains(t, out, "hi")
	assert.Equal(t, 0, ended.ExitCode)
}

func TestDisconnectReleasesEverything(t *testing.T) {
	env := newTestEnv(t, runner.Limits{})
	conn := env.dial(t)

	send(t, conn, clientMessage{Join: &joinRequest{Room: "team1", Password: "pw"}})
	recv(t, conn)
	send(t, conn, clientMessage{Run: &runRequest{Code: "sleep 30", Filename: "x.sh"}})
	recv(t, conn)
	require.Equal(t, 1, env.h.Registry.Len())

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	require.Eventually(t, func() bool {
		return env.h.Registry.Len() == 0
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, env.h.Directory.MemberCount("team1"))
	waitWorkspacesGone(t, env.root)
}
