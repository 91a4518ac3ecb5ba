package conversation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFor_Canonical(t *testing.T) {
	assert.Equal(t, KeyFor("bob", "alice"), KeyFor("alice", "bob"))
	k := KeyFor("bob", "alice")
	assert.Equal(t, "alice", k.A)
	assert.Equal(t, "bob", k.B)

	// Names containing the separator do not collide.
	assert.NotEqual(t, KeyFor("a|b", "c"), KeyFor("a", "b|c"))
}

func TestAppendAndConversationFor(t *testing.T) {
	s := NewStore(0)
	m1 := s.Append("alice", "bob", "hi")
	m2 := s.Append("bob", "alice", "hey")
	s.Append("alice", "carol", "other")

	assert.False(t, m1.Read)
	assert.Nil(t, m1.ReadAt)
	assert.NotEqual(t, m1.ID, m2.ID)

	msgs := s.ConversationFor("bob", "alice")
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Text)
	assert.Equal(t, "hey", msgs[1].Text)

	assert.Empty(t, s.ConversationFor("bob", "carol"))
}

func TestMarkRead_OnceOnly(t *testing.T) {
	s := NewStore(0)
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	m := s.Append("alice", "bob", "hi")
	key := KeyFor("alice", "bob")

	clock = clock.Add(time.Minute)
	got, changed, err := s.MarkRead(key, m.ID, "bob")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, got.Read)
	require.NotNil(t, got.ReadAt)
	first := *got.ReadAt

	clock = clock.Add(time.Minute)
	got, changed, err = s.MarkRead(key, m.ID, "bob")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, first, *got.ReadAt)
}

func TestMarkRead_NotFound(t *testing.T) {
	s := NewStore(0)
	m := s.Append("alice", "bob", "hi")

	_, _, err := s.MarkRead(KeyFor("alice", "bob"), "nope", "bob")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = s.MarkRead(KeyFor("alice", "carol"), m.ID, "carol")
	assert.ErrorIs(t, err, ErrNotFound)

	// Only the recipient can mark a message read.
	_, _, err = s.MarkRead(KeyFor("alice", "bob"), m.ID, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.ConversationFor("alice", "bob")[0].Read)
}

func TestHistoryCap(t *testing.T) {
	s := NewStore(3)
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, s.Append("alice", "bob", fmt.Sprintf("m%d", i)).ID)
	}

	msgs := s.ConversationFor("alice", "bob")
	require.Len(t, msgs, 3)
	assert.Equal(t, "m2", msgs[0].Text)
	assert.Equal(t, "m4", msgs[2].Text)

	_, _, err := s.MarkRead(KeyFor("alice", "bob"), ids[0], "bob")
	assert.ErrorIs(t, err, ErrNotFound)
	_, changed, err := s.MarkRead(KeyFor("alice", "bob"), ids[3], "bob")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, s.ConversationFor("alice", "bob")[1].Read)
}
