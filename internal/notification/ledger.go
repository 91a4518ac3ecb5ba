// Package notification keeps a per-user list of notifications and the number
// of them still unread.
package notification

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notification types.
const (
	TypeWelcome        = "welcome"
	TypeRoomActivity   = "room_activity"
	TypeRoomJoin       = "room_join"
	TypePrivateMessage = "private_message"
	TypeMention        = "mention"
)

// Notification is one record owned by a single user. Only Read changes after
// creation, and only from false to true.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
	Room      string    `json:"room,omitempty"`
	From      string    `json:"from,omitempty"`
	// MessageID links a private_message notification to the message that
	// produced it.
	MessageID string `json:"messageId,omitempty"`
}

type inbox struct {
	entries   []Notification
	byID      map[string]int
	byMessage map[string]int
	unread    int
}

// Ledger stores notifications per username. The unread counter is updated in
// the same critical section as the entry it counts.
type Ledger struct {
	mu    sync.Mutex
	boxes map[string]*inbox
	now   func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		boxes: make(map[string]*inbox),
		now:   time.Now,
	}
}

func (l *Ledger) box(user string) *inbox {
	b, ok := l.boxes[user]
	if !ok {
		b = &inbox{byID: make(map[string]int), byMessage: make(map[string]int)}
		l.boxes[user] = b
	}
	return b
}

// Push appends n as unread for user, assigning its id and timestamp.
func (l *Ledger) Push(user string, n Notification) Notification {
	n.ID = uuid.Must(uuid.NewV7()).String()
	n.Read = false

	l.mu.Lock()
	defer l.mu.Unlock()

	if n.Timestamp.IsZero() {
		n.Timestamp = l.now()
	}
	b := l.box(user)
	b.entries = append(b.entries, n)
	b.byID[n.ID] = len(b.entries) - 1
	if n.MessageID != "" {
		b.byMessage[n.MessageID] = len(b.entries) - 1
	}
	b.unread++
	return n
}

// MarkOne marks a notification read. It returns false when the id is unknown
// or the notification was already read.
func (l *Ledger) MarkOne(user, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.boxes[user]
	if !ok {
		return false
	}
	i, ok := b.byID[id]
	if !ok {
		return false
	}
	return b.markAt(i)
}

// MarkByMessage marks read the notification linked to a private message.
func (l *Ledger) MarkByMessage(user, messageID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.boxes[user]
	if !ok {
		return false
	}
	i, ok := b.byMessage[messageID]
	if !ok {
		return false
	}
	return b.markAt(i)
}

func (b *inbox) markAt(i int) bool {
	if b.entries[i].Read {
		return false
	}
	b.entries[i].Read = true
	b.unread--
	return true
}

// MarkAll marks every unread notification of user read and returns how many
// changed.
func (l *Ledger) MarkAll(user string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.boxes[user]
	if !ok {
		return 0
	}
	cleared := 0
	for i := range b.entries {
		if b.markAt(i) {
			cleared++
		}
	}
	return cleared
}

// UnreadCount returns the number of unread notifications of user.
func (l *Ledger) UnreadCount(user string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.boxes[user]; ok {
		return b.unread
	}
	return 0
}

// Recent returns up to limit notifications, newest first. limit <= 0 returns
// all of them.
func (l *Ledger) Recent(user string, limit int) []Notification {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.boxes[user]
	if !ok {
		return []Notification{}
	}
	n := len(b.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Notification, 0, n)
	for i := len(b.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, b.entries[i])
	}
	return out
}
