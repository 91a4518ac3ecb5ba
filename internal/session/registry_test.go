package session

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry("general", zaptest.NewLogger(t))
}

func TestRegister_Defaults(t *testing.T) {
	r := newTestRegistry(t)

	u, err := r.Register("c1", "alice", "🦊")
	require.NoError(t, err)
	assert.Equal(t, "c1", u.ConnID)
	assert.Equal(t, StatusOnline, u.Status)
	assert.Equal(t, "general", u.Room)
	assert.False(t, u.JoinedAt.IsZero())
	assert.Equal(t, 1, r.Count())
}

func TestRegister_Errors(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("c1", "alice", "")
	require.NoError(t, err)

	_, err = r.Register("c2", "alice", "")
	assert.ErrorIs(t, err, ErrUsernameTaken)

	_, err = r.Register("c3", "has space", "")
	assert.ErrorIs(t, err, ErrInvalidUsername)

	_, err = r.Register("c3", "", "")
	assert.ErrorIs(t, err, ErrInvalidUsername)

	assert.Equal(t, 1, r.Count())
}

func TestRegister_DuplicateConnection(t *testing.T) {
	r := NewRegistry("general", zap.NewNop())
	_, err := r.Register("c1", "alice", "")
	require.NoError(t, err)

	_, err = r.Register("c1", "bob", "")
	assert.ErrorIs(t, err, ErrDuplicateConnection)

	dev := NewRegistry("general", zaptest.NewLogger(t, zaptest.WrapOptions(zap.Development())))
	_, err = dev.Register("c1", "alice", "")
	require.NoError(t, err)
	assert.Panics(t, func() { _, _ = dev.Register("c1", "bob", "") })
}

func TestUnregister_Idempotent(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("c1", "alice", "")
	require.NoError(t, err)

	u, err := r.Unregister("c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	_, err = r.Unregister("c1")
	assert.ErrorIs(t, err, ErrNotFound)

	// The name is free again.
	_, err = r.Register("c2", "alice", "")
	assert.NoError(t, err)
}

func TestListOnline_RegistrationOrder(t *testing.T) {
	r := newTestRegistry(t)
	for i, name := range []string{"carol", "alice", "bob", "dave"} {
		_, err := r.Register(fmt.Sprintf("c%d", i), name, "")
		require.NoError(t, err)
	}
	_, err := r.Unregister("c1")
	require.NoError(t, err)

	var names []string
	for _, u := range r.ListOnline() {
		names = append(names, u.Username)
	}
	assert.Equal(t, []string{"carol", "bob", "dave"}, names)
}

func TestListOnline_MatchesRegisterUnregister(t *testing.T) {
	r := newTestRegistry(t)
	rng := rand.New(rand.NewSource(7))
	live := map[string]bool{}

	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("c%d", rng.Intn(40))
		if live[id] {
			_, err := r.Unregister(id)
			require.NoError(t, err)
			delete(live, id)
		} else {
			_, err := r.Register(id, "u-"+id, "")
			require.NoError(t, err)
			live[id] = true
		}

		online := r.ListOnline()
		require.Len(t, online, len(live))
		for _, u := range online {
			assert.True(t, live[u.ConnID], "disconnected session %s listed", u.ConnID)
		}
	}
}

func TestSetStatus(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("c1", "alice", "")
	require.NoError(t, err)

	prev, err := r.SetStatus("c1", StatusAway)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, prev)

	prev, err = r.SetStatus("c1", StatusAway)
	require.NoError(t, err)
	assert.Equal(t, StatusAway, prev)

	_, err = r.SetStatus("c1", "sleeping")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = r.SetStatus("missing", StatusBusy)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetRoomAndLookup(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("c1", "alice", "")
	require.NoError(t, err)

	prev, err := r.SetRoom("c1", "random")
	require.NoError(t, err)
	assert.Equal(t, "general", prev)

	u, err := r.FindByUsername("alice")
	require.NoError(t, err)
	assert.Equal(t, "random", u.Room)

	_, err = r.FindByUsername("bob")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get("c9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_Concurrent(t *testing.T) {
	r := newTestRegistry(t)
	var wg sync.WaitGroup
	for g := 0; g < 50; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", g)
			if _, err := r.Register(id, fmt.Sprintf("user%d", g), ""); err != nil {
				t.Errorf("register %s: %v", id, err)
				return
			}
			_ = r.ListOnline()
			if g%2 == 0 {
				_, _ = r.Unregister(id)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 25, r.Count())
}

func TestValidStatus(t *testing.T) {
	for _, s := range []string{"online", "away", "busy", "offline"} {
		assert.True(t, ValidStatus(s), s)
	}
	assert.False(t, ValidStatus(""))
	assert.False(t, ValidStatus("Online"))
}
