package notification

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rescan counts unread entries by walking the inbox.
func rescan(l *Ledger, user string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	if b, ok := l.boxes[user]; ok {
		for _, e := range b.entries {
			if !e.Read {
				n++
			}
		}
	}
	return n
}

func TestPush(t *testing.T) {
	l := NewLedger()
	n := l.Push("alice", Notification{Type: TypeWelcome, Title: "Welcome", Read: true})

	assert.NotEmpty(t, n.ID)
	assert.False(t, n.Read)
	assert.False(t, n.Timestamp.IsZero())
	assert.Equal(t, 1, l.UnreadCount("alice"))
	assert.Equal(t, 0, l.UnreadCount("bob"))
}

func TestMarkOne_Idempotent(t *testing.T) {
	l := NewLedger()
	n := l.Push("alice", Notification{Type: TypeWelcome})
	l.Push("alice", Notification{Type: TypeMention})

	assert.True(t, l.MarkOne("alice", n.ID))
	assert.Equal(t, 1, l.UnreadCount("alice"))
	assert.False(t, l.MarkOne("alice", n.ID))
	assert.Equal(t, 1, l.UnreadCount("alice"))

	assert.False(t, l.MarkOne("alice", "missing"))
	assert.False(t, l.MarkOne("bob", n.ID))
}

func TestMarkAll(t *testing.T) {
	l := NewLedger()
	first := l.Push("alice", Notification{Type: TypeWelcome})
	l.Push("alice", Notification{Type: TypeRoomActivity})
	l.Push("alice", Notification{Type: TypeRoomActivity})
	l.MarkOne("alice", first.ID)

	assert.Equal(t, 2, l.MarkAll("alice"))
	assert.Equal(t, 0, l.UnreadCount("alice"))
	assert.Equal(t, 0, l.MarkAll("alice"))
	assert.Equal(t, 0, l.MarkAll("nobody"))
}

func TestMarkByMessage(t *testing.T) {
	l := NewLedger()
	l.Push("bob", Notification{Type: TypePrivateMessage, From: "alice", MessageID: "m1"})
	l.Push("bob", Notification{Type: TypePrivateMessage, From: "alice", MessageID: "m2"})

	assert.True(t, l.MarkByMessage("bob", "m2"))
	assert.False(t, l.MarkByMessage("bob", "m2"))
	assert.False(t, l.MarkByMessage("bob", "m3"))

	recent := l.Recent("bob", 0)
	require.Len(t, recent, 2)
	assert.True(t, recent[0].Read, "m2 should be read")
	assert.False(t, recent[1].Read, "m1 should stay unread")
}

func TestRecent_NewestFirst(t *testing.T) {
	l := NewLedger()
	for i := 0; i < 5; i++ {
		l.Push("alice", Notification{Type: TypeRoomActivity, Message: fmt.Sprintf("n%d", i)})
	}

	got := l.Recent("alice", 3)
	require.Len(t, got, 3)
	assert.Equal(t, "n4", got[0].Message)
	assert.Equal(t, "n2", got[2].Message)

	assert.Len(t, l.Recent("alice", 0), 5)
	assert.Len(t, l.Recent("alice", 50), 5)
	assert.NotNil(t, l.Recent("nobody", 5))
}

// The running counter must agree with a full rescan after every mutation.
func TestUnreadCount_MatchesRescan(t *testing.T) {
	l := NewLedger()
	rng := rand.New(rand.NewSource(42))
	users := []string{"alice", "bob", "carol"}
	ids := map[string][]string{}

	for step := 0; step < 2000; step++ {
		user := users[rng.Intn(len(users))]
		switch op := rng.Intn(10); {
		case op < 5:
			n := l.Push(user, Notification{Type: TypeRoomActivity, MessageID: fmt.Sprintf("m%d", step)})
			ids[user] = append(ids[user], n.ID)
		case op < 8:
			if len(ids[user]) > 0 {
				l.MarkOne(user, ids[user][rng.Intn(len(ids[user]))])
			}
		case op < 9:
			l.MarkByMessage(user, fmt.Sprintf("m%d", rng.Intn(step+1)))
		default:
			l.MarkAll(user)
		}

		for _, u := range users {
			require.Equal(t, rescan(l, u), l.UnreadCount(u), "step %d user %s", step, u)
		}
	}
}
