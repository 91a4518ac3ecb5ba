// Package conversation stores private messages between pairs of users along
// with their read receipts.
package conversation

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHistory is the number of messages retained per conversation.
const DefaultHistory = 200

// ErrNotFound is returned when a message does not exist in a conversation or
// the reader is not its recipient.
var ErrNotFound = errors.New("conversation: message not found")

// Key identifies a conversation by its two participants, A <= B.
type Key struct {
	A string
	B string
}

// KeyFor canonicalizes an unordered pair of usernames.
func KeyFor(u1, u2 string) Key {
	if u2 < u1 {
		u1, u2 = u2, u1
	}
	return Key{A: u1, B: u2}
}

// PrivateMessage is one direct message. Read moves from false to true once,
// and ReadAt is set on that transition.
type PrivateMessage struct {
	ID        string     `json:"id"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Text      string     `json:"text"`
	Timestamp time.Time  `json:"timestamp"`
	Read      bool       `json:"read"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

type thread struct {
	msgs  []PrivateMessage
	index map[string]int // message id -> position in msgs
}

// Store holds every conversation in memory. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	threads map[Key]*thread
	history int
	now     func() time.Time
}

// NewStore creates a store keeping at most history messages per
// conversation. history <= 0 selects DefaultHistory.
func NewStore(history int) *Store {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Store{
		threads: make(map[Key]*thread),
		history: history,
		now:     time.Now,
	}
}

// Append records a new unread message from -> to.
func (s *Store) Append(from, to, text string) PrivateMessage {
	msg := PrivateMessage{
		ID:        uuid.Must(uuid.NewV7()).String(),
		From:      from,
		To:        to,
		Text:      text,
		Timestamp: s.now(),
	}
	key := KeyFor(from, to)

	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[key]
	if !ok {
		th = &thread{index: make(map[string]int)}
		s.threads[key] = th
	}
	th.msgs = append(th.msgs, msg)
	th.index[msg.ID] = len(th.msgs) - 1
	if len(th.msgs) > s.history {
		th.trim(len(th.msgs) - s.history)
	}
	return msg
}

// trim drops the n oldest messages and rebuilds the index.
func (th *thread) trim(n int) {
	for _, m := range th.msgs[:n] {
		delete(th.index, m.ID)
	}
	th.msgs = append([]PrivateMessage(nil), th.msgs[n:]...)
	for i, m := range th.msgs {
		th.index[m.ID] = i
	}
}

// MarkRead flips a message to read on behalf of reader, who must be its
// recipient. changed is false when the message was already read; the stored
// message is returned either way.
func (s *Store) MarkRead(key Key, messageID, reader string) (PrivateMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[key]
	if !ok {
		return PrivateMessage{}, false, ErrNotFound
	}
	i, ok := th.index[messageID]
	if !ok {
		return PrivateMessage{}, false, ErrNotFound
	}
	msg := &th.msgs[i]
	if msg.To != reader {
		return PrivateMessage{}, false, ErrNotFound
	}
	if msg.Read {
		return *msg, false, nil
	}
	at := s.now()
	msg.Read = true
	msg.ReadAt = &at
	return *msg, true, nil
}

// ConversationFor returns the retained messages between two users, oldest
// first.
func (s *Store) ConversationFor(u1, u2 string) []PrivateMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	th, ok := s.threads[KeyFor(u1, u2)]
	if !ok {
		return []PrivateMessage{}
	}
	return append([]PrivateMessage(nil), th.msgs...)
}
