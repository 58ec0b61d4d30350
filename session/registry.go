// Package session tracks per-connection state: the session's current room,
// its active process handle, and its place in the connection registry.
package session

import (
	"sync"

	"github.com/f1amekaiser/CodeIt/runner"
)

// Session is the server-side state for one live connection. At most one
// process handle is held at any instant; swapping in a new one is how the
// terminal layer enforces the one-live-process invariant.
type Session struct {
	ID string

	mu   sync.Mutex
	room string
	proc *runner.Proc
}

// Room returns the session's current room, or "" if it has not joined one.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) SetRoom(name string) {
	s.mu.Lock()
	s.room = name
	s.mu.Unlock()
}

// Proc returns the active process handle, if any.
func (s *Session) Proc() *runner.Proc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// SwapProc installs p as the session's process handle and returns the
// previous one, which the caller is responsible for terminating.
func (s *Session) SwapProc(p *runner.Proc) *runner.Proc {
	s.mu.Lock()
	old := s.proc
	s.proc = p
	s.mu.Unlock()
	return old
}

// Registry maps connection identifiers to sessions. It is initialized empty
// at server start; entries exist exactly as long as their connection.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register creates and records a session for the connection.
func (r *Registry) Register(id string) *Session {
	s := &Session{ID: id}
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s
}

// Remove forgets the session. Resource teardown is the caller's job; the
// registry only owns the map entry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Get looks up a session by connection identifier.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
