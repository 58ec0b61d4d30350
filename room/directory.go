// Package room holds the in-memory room directory: the last-known shared
// code buffer per room and the set of members to fan updates out to.
// Persistence and credential checks live elsewhere; this is a last-write-wins
// cache that exists only for the server's lifetime.
package room

import "sync"

// Member is a room participant that can receive code synchronization pushes.
// Implementations must tolerate being called from another member's goroutine.
type Member interface {
	SendCode(text string)
}

// Directory maps room names to their shared buffer and membership. All
// mutations happen under one lock, which also serializes broadcasts so every
// member observes updates for a room in the order they were issued.
type Directory struct {
	mu    sync.Mutex
	rooms map[string]*entry
}

type entry struct {
	code    string
	hasCode bool
	members map[Member]struct{}
}

func NewDirectory() *Directory {
	return &Directory{rooms: make(map[string]*entry)}
}

// Join adds m to the room, creating the entry on first join. It returns the
// room's current code and whether any code has been set since the room first
// appeared, so the caller can decide whether to push a sync to the joiner.
func (d *Directory) Join(name string, m Member) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.rooms[name]
	if !ok {
		e = &entry{members: make(map[Member]struct{})}
		d.rooms[name] = e
	}
	e.members[m] = struct{}{}
	return e.code, e.hasCode
}

// Leave removes m from the room. The entry and its code survive so that
// later joiners still see the buffer.
func (d *Directory) Leave(name string, m Member) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.rooms[name]; ok {
		delete(e.members, m)
	}
}

// UpdateCode overwrites the room's buffer and pushes the new text to every
// member except the originator. A no-op for rooms nobody has joined.
func (d *Directory) UpdateCode(name string, from Member, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.rooms[name]
	if !ok {
		return
	}
	e.code = text
	e.hasCode = true
	for m := range e.members {
		if m != from {
			m.SendCode(text)
		}
	}
}

// Code returns the room's buffer and whether code has ever been set.
func (d *Directory) Code(name string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.rooms[name]; ok {
		return e.code, e.hasCode
	}
	return "", false
}

// MemberCount returns the number of members currently joined to the room.
func (d *Directory) MemberCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.rooms[name]; ok {
		return len(e.members)
	}
	return 0
}
