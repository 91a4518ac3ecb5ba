// Package audit persists chat activity to PostgreSQL. Rows record who came
// and went, status and room changes, and which notifications were raised.
// Message text is never stored.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/parley/chat-app/internal/activity"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open connects to dsn and checks the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	return db, nil
}

// Migrate brings the schema up to date. Running it on a current schema is a
// no-op.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("audit: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("audit: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("audit: migrate up: %w", err)
	}
	return nil
}

// Store writes and queries activity rows.
type Store struct {
	db *sql.DB
}

// NewStore creates a store on db. The schema must already be migrated.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Insert records one event.
func (s *Store) Insert(ctx context.Context, ev activity.Event) error {
	return insert(ctx, s.db, ev)
}

func insert(ctx context.Context, db execer, ev activity.Event) error {
	if ev.Kind == "" || ev.Username == "" {
		return fmt.Errorf("audit: event needs kind and username, got %q/%q", ev.Kind, ev.Username)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	const query = `
		INSERT INTO activity_log (kind, username, conn_id, room, status, notification_type, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := db.ExecContext(ctx, query,
		string(ev.Kind),
		ev.Username,
		ev.ConnID,
		ev.Room,
		ev.Status,
		ev.NotificationType,
		ev.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Observe inserts a batch in one transaction. It lets the chat server write
// to the audit log directly when no message bus is configured.
func (s *Store) Observe(ctx context.Context, events []activity.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: begin: %w", err)
	}
	for _, ev := range events {
		if err := insert(ctx, tx, ev); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: commit: %w", err)
	}
	return nil
}

// CountSince returns how many events of kind were recorded for username
// within window.
func (s *Store) CountSince(ctx context.Context, kind activity.Kind, username string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM activity_log
		WHERE kind = $1
		  AND username = $2
		  AND occurred_at >= NOW() - $3::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, string(kind), username, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("audit: count since: %w", err)
	}
	return count, nil
}
