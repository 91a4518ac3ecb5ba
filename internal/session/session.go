// Package session tracks live connections and the user bound to each of them.
// The in-memory Registry is the authoritative source of who is online; the
// optional Redis Mirror keeps a best-effort copy for external tooling.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// MaxUsernameChars bounds the length of a username.
const MaxUsernameChars = 32

var (
	ErrNotFound            = errors.New("session: not found")
	ErrDuplicateConnection = errors.New("session: connection already registered")
	ErrUsernameTaken       = errors.New("session: username already online")
	ErrInvalidUsername     = errors.New("session: invalid username")
	ErrInvalidStatus       = errors.New("session: invalid status")
)

// User is the identity bound to one connection for its lifetime.
type User struct {
	ConnID   string    `json:"-"`
	Username string    `json:"username"`
	Avatar   string    `json:"avatar"`
	Status   string    `json:"status"`
	Room     string    `json:"room"`
	JoinedAt time.Time `json:"joinedAt"`
}

// ValidStatus reports whether s is a known presence status.
func ValidStatus(s string) bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// ValidateUsername checks length and rejects whitespace.
func ValidateUsername(name string) error {
	n := utf8.RuneCountInString(name)
	if n == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidUsername)
	}
	if n > MaxUsernameChars {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidUsername, MaxUsernameChars)
	}
	if !utf8.ValidString(name) || strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, name)
	}
	return nil
}
