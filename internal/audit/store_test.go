package audit

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley/chat-app/internal/activity"
)

// newTestDB connects to POSTGRES_DSN, migrates, and removes rows written by
// the test user afterwards. Tests skip when no database is configured.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set, skipping")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("Postgres not available, skipping: %v", err)
	}
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		_, _ = db.Exec(`DELETE FROM activity_log WHERE username LIKE 'test_%'`)
		db.Close()
	})
	return db
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	assert.NoError(t, Migrate(db))
}

func TestStore_InsertAndCount(t *testing.T) {
	db := newTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	user := "test_" + time.Now().Format("150405.000000")
	require.NoError(t, s.Insert(ctx, activity.Event{Kind: activity.UserOnline, Username: user, Room: "general"}))
	require.NoError(t, s.Observe(ctx, []activity.Event{
		{Kind: activity.StatusChanged, Username: user, Status: "away", OccurredAt: time.Now()},
		{Kind: activity.UserOffline, Username: user, OccurredAt: time.Now()},
	}))

	n, err := s.CountSince(ctx, activity.UserOnline, user, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CountSince(ctx, activity.StatusChanged, user, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_ObserveRollsBackBadBatch(t *testing.T) {
	db := newTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	user := "test_rb_" + time.Now().Format("150405.000000")
	err := s.Observe(ctx, []activity.Event{
		{Kind: activity.UserOnline, Username: user},
		{Kind: activity.UserOffline},
	})
	require.Error(t, err)

	n, err := s.CountSince(ctx, activity.UserOnline, user, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInsert_RejectsIncompleteEvent(t *testing.T) {
	s := NewStore(nil)
	assert.Error(t, s.Insert(context.Background(), activity.Event{Kind: activity.UserOnline}))
	assert.Error(t, s.Insert(context.Background(), activity.Event{Username: "test_x"}))
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{
		"000001_create_activity_log.down.sql",
		"000001_create_activity_log.up.sql",
	}, names)
}
