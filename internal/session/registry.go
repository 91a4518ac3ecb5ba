package session

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry maps live connection ids to users. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	users       map[string]*User  // connID -> user
	byName      map[string]string // username -> connID
	order       []string          // connIDs in registration order
	defaultRoom string
	now         func() time.Time
	logger      *zap.Logger
}

// NewRegistry creates an empty registry. New users start in defaultRoom.
func NewRegistry(defaultRoom string, logger *zap.Logger) *Registry {
	return &Registry{
		users:       make(map[string]*User),
		byName:      make(map[string]string),
		defaultRoom: defaultRoom,
		now:         time.Now,
		logger:      logger.Named("session"),
	}
}

// Register binds a user to connID with status online in the default room.
//
// A connID registered twice is an invariant violation: the transport assigns
// a fresh id per connection. It is reported through DPanic and returned as
// ErrDuplicateConnection.
func (r *Registry) Register(connID, username, avatar string) (User, error) {
	if err := ValidateUsername(username); err != nil {
		return User{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[connID]; ok {
		r.logger.DPanic("duplicate connection registration",
			zap.String("conn", connID),
			zap.String("username", username),
		)
		return User{}, ErrDuplicateConnection
	}
	if _, ok := r.byName[username]; ok {
		return User{}, ErrUsernameTaken
	}

	u := &User{
		ConnID:   connID,
		Username: username,
		Avatar:   avatar,
		Status:   StatusOnline,
		Room:     r.defaultRoom,
		JoinedAt: r.now(),
	}
	r.users[connID] = u
	r.byName[username] = connID
	r.order = append(r.order, connID)
	return *u, nil
}

// Unregister removes the session and returns the user that was bound to it.
// A second call for the same connID returns ErrNotFound.
func (r *Registry) Unregister(connID string) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[connID]
	if !ok {
		return User{}, ErrNotFound
	}
	delete(r.users, connID)
	delete(r.byName, u.Username)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return *u, nil
}

// ListOnline returns a snapshot of all registered users in registration order.
func (r *Registry) ListOnline() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]User, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.users[id])
	}
	return out
}

// SetStatus updates the status of connID and returns the previous value.
func (r *Registry) SetStatus(connID, status string) (string, error) {
	if !ValidStatus(status) {
		return "", ErrInvalidStatus
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[connID]
	if !ok {
		return "", ErrNotFound
	}
	prev := u.Status
	u.Status = status
	return prev, nil
}

// SetRoom records the user's current room and returns the previous one.
// Membership itself is owned by the room router.
func (r *Registry) SetRoom(connID, room string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[connID]
	if !ok {
		return "", ErrNotFound
	}
	prev := u.Room
	u.Room = room
	return prev, nil
}

// Get returns the user bound to connID.
func (r *Registry) Get(connID string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[connID]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

// FindByUsername returns the online user with the given name.
func (r *Registry) FindByUsername(username string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byName[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return *r.users[id], nil
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
