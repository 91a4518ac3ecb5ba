// Package chat holds the public room message model, a bounded per-room
// history and text validation helpers.
package chat

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// PublicMessage is a message broadcast to a room. Immutable once created.
type PublicMessage struct {
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	Username  string    `json:"username"`
	Avatar    string    `json:"avatar"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NewPublicMessage stamps a message with a time-ordered id.
func NewPublicMessage(room, username, avatar, text string, ts time.Time) PublicMessage {
	return PublicMessage{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Room:      room,
		Username:  username,
		Avatar:    avatar,
		Text:      text,
		Timestamp: ts,
	}
}

// Preview shortens text to at most n runes, marking truncation with "...".
func Preview(text string, n int) string {
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	return string(runes[:n]) + "..."
}

// Mentions returns the distinct @names in text, in order of appearance.
func Mentions(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, field := range strings.Fields(text) {
		if !strings.HasPrefix(field, "@") {
			continue
		}
		name := strings.TrimRight(field[1:], ".,!?:;")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}
