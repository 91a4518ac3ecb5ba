// Package room tracks which connection is in which broadcast room. A
// connection is a member of at most one room at a time.
package room

import (
	"errors"
	"sort"
	"sync"
)

// ErrUnknownRoom is returned for a room outside the configured set.
var ErrUnknownRoom = errors.New("room: unknown room")

// Router owns room membership. It references connection ids and owns no
// session state.
type Router struct {
	mu      sync.RWMutex
	rooms   []string
	members map[string]map[string]struct{} // room -> connIDs
	current map[string]string              // connID -> room
}

// NewRouter creates a router over a fixed set of room names.
func NewRouter(rooms []string) *Router {
	r := &Router{
		rooms:   append([]string(nil), rooms...),
		members: make(map[string]map[string]struct{}, len(rooms)),
		current: make(map[string]string),
	}
	for _, name := range rooms {
		r.members[name] = make(map[string]struct{})
	}
	return r
}

// Rooms returns the configured room names in configuration order.
func (r *Router) Rooms() []string {
	return append([]string(nil), r.rooms...)
}

// Valid reports whether name is one of the configured rooms.
func (r *Router) Valid(name string) bool {
	_, ok := r.members[name]
	return ok
}

// Join moves connID into room and returns the room it left ("" if none).
// Leave and join happen under one lock, so no reader observes the connection
// in zero or two rooms.
func (r *Router) Join(connID, room string) (string, error) {
	set, ok := r.members[room]
	if !ok {
		return "", ErrUnknownRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current[connID]
	if prev == room {
		return prev, nil
	}
	if prev != "" {
		delete(r.members[prev], connID)
	}
	set[connID] = struct{}{}
	r.current[connID] = room
	return prev, nil
}

// Leave removes connID from its current room and returns that room.
func (r *Router) Leave(connID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.current[connID]
	if !ok {
		return ""
	}
	delete(r.members[prev], connID)
	delete(r.current, connID)
	return prev
}

// MembersOf returns the connection ids in room, sorted.
func (r *Router) MembersOf(room string) []string {
	return r.MembersExcept(room, "")
}

// MembersExcept returns the members of room other than connID, sorted.
func (r *Router) MembersExcept(room, connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.members[room]
	out := make([]string, 0, len(set))
	for id := range set {
		if id != connID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// IsMember reports whether connID is currently in room.
func (r *Router) IsMember(connID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[room][connID]
	return ok
}

// CurrentRoom returns the room connID is in.
func (r *Router) CurrentRoom(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.current[connID]
	return room, ok
}

// Counts returns the number of members per room.
func (r *Router) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.members))
	for name, set := range r.members {
		out[name] = len(set)
	}
	return out
}
