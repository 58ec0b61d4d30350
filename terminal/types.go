package terminal

// clientMessage is an inbound terminal message. Exactly one field is set per
// message; field presence selects the operation, like a tagged union.
type clientMessage struct {
	Join  *joinRequest `json:"join,omitempty"`
	Code  *codeUpdate  `json:"code,omitempty"`
	Run   *runRequest  `json:"run,omitempty"`
	Stdin string       `json:"stdin,omitempty"`
	Kill  bool         `json:"kill,omitempty"`
}

type joinRequest struct {
	Room     string `json:"room"`
	Password string `json:"password"`
}

type codeUpdate struct {
	Text string `json:"text"`
}

type runRequest struct {
	Code     string `json:"code"`
	Filename string `json:"filename"`
}

// serverMessage is an outbound terminal event. Output messages may arrive in
// any number between a run acknowledgement and its ended event.
type serverMessage struct {
	RoomJoined string    `json:"roomJoined,omitempty"`
	RoomError  string    `json:"roomError,omitempty"`
	CodeSync   *codeSync `json:"codeSync,omitempty"`
	Output     []byte    `json:"output,omitempty"`
	Ended      *runEnded `json:"ended,omitempty"`
}

type codeSync struct {
	Text string `json:"text"`
}

type runEnded struct {
	ExitCode int  `json:"exitCode"`
	TimedOut bool `json:"timedOut,omitempty"`
}
