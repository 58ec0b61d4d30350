package client

import (
	"context"
	"fmt"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event is one server-to-client terminal event. Exactly one field is set.
type Event struct {
	RoomJoined string    `json:"roomJoined,omitempty"`
	RoomError  string    `json:"roomError,omitempty"`
	CodeSync   *CodeSync `json:"codeSync,omitempty"`
	Output     []byte    `json:"output,omitempty"`
	Ended      *RunEnded `json:"ended,omitempty"`
}

type CodeSync struct {
	Text string `json:"text"`
}

type RunEnded struct {
	ExitCode int  `json:"exitCode"`
	TimedOut bool `json:"timedOut,omitempty"`
}

type terminalMessage struct {
	Join  *joinMessage `json:"join,omitempty"`
	Code  *codeMessage `json:"code,omitempty"`
	Run   *runMessage  `json:"run,omitempty"`
	Stdin string       `json:"stdin,omitempty"`
	Kill  bool         `json:"kill,omitempty"`
}

type joinMessage struct {
	Room     string `json:"room"`
	Password string `json:"password"`
}

type codeMessage struct {
	Text string `json:"text"`
}

type runMessage struct {
	Code     string `json:"code"`
	Filename string `json:"filename"`
}

// Terminal is a live terminal connection. Events arrive on the Events
// channel until the connection closes, at which point the channel is closed.
type Terminal struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()
	events chan Event
}

// OpenTerminal dials the terminal websocket using the client's token.
func (c *Client) OpenTerminal(ctx context.Context) (*Terminal, error) {
	u := c.wsURL + "/terminal?token=" + c.token
	c.Logger.Debugw("dialing terminal WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing terminal WebSocket conn: %w", err)
	}

	tctx, cancel := context.WithCancel(context.Background())
	t := &Terminal{
		conn:   wsConn,
		ctx:    tctx,
		cancel: cancel,
		events: make(chan Event, 64),
	}
	go t.readLoop(c)
	return t, nil
}

func (t *Terminal) readLoop(c *Client) {
	defer close(t.events)
	for {
		var ev Event
		err := wsjson.Read(t.ctx, t.conn, &ev)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				c.Logger.Debugf("terminal reader got error: %s", err)
			}
			return
		}
		t.events <- ev
	}
}

// Events returns the stream of server events.
func (t *Terminal) Events() <-chan Event {
	return t.events
}

// JoinRoom requests membership in a room.
func (t *Terminal) JoinRoom(ctx context.Context, room, password string) error {
	return wsjson.Write(ctx, t.conn, terminalMessage{Join: &joinMessage{Room: room, Password: password}})
}

// UpdateCode publishes the session's shared buffer to its room.
func (t *Terminal) UpdateCode(ctx context.Context, text string) error {
	return wsjson.Write(ctx, t.conn, terminalMessage{Code: &codeMessage{Text: text}})
}

// Run executes the given code in the session's sandbox.
func (t *Terminal) Run(ctx context.Context, code, filename string) error {
	return wsjson.Write(ctx, t.conn, terminalMessage{Run: &runMessage{Code: code, Filename: filename}})
}

// Input sends a line of standard input to the running process.
func (t *Terminal) Input(ctx context.Context, text string) error {
	return wsjson.Write(ctx, t.conn, terminalMessage{Stdin: text})
}

// Kill terminates the running process.
func (t *Terminal) Kill(ctx context.Context) error {
	return wsjson.Write(ctx, t.conn, terminalMessage{Kill: true})
}

// Close ends the terminal session.
func (t *Terminal) Close() error {
	t.cancel()
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
