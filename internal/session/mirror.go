package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/parley/chat-app/internal/activity"
)

const (
	// PresencePrefix is the Redis key prefix for per-connection presence hashes.
	PresencePrefix = "presence:"

	// OnlineSetKey holds the connection ids currently online.
	OnlineSetKey = "presence:online"

	// PresenceTTL bounds how long a hash survives without a refresh, so a
	// crashed server does not leave users online forever.
	PresenceTTL = 1 * time.Hour
)

// Presence is the Redis projection of a registered user.
type Presence struct {
	ConnID     string `redis:"conn_id"`
	Username   string `redis:"username"`
	Avatar     string `redis:"avatar"`
	Status     string `redis:"status"`
	Room       string `redis:"room"`
	Server     string `redis:"server"`
	JoinedAt   int64  `redis:"joined_at"`   // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Mirror copies committed presence activity into Redis. It implements
// activity.Observer.
type Mirror struct {
	client     *redis.Client
	serverName string
	logger     *zap.Logger
}

// NewMirror connects to Redis and verifies the connection.
func NewMirror(redisAddr string, db int, serverName string, logger *zap.Logger) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewMirrorWithClient(client, serverName, logger), nil
}

// NewMirrorWithClient wraps an existing client.
func NewMirrorWithClient(client *redis.Client, serverName string, logger *zap.Logger) *Mirror {
	return &Mirror{client: client, serverName: serverName, logger: logger.Named("presence")}
}

// Observe applies a batch of activity events in a single pipeline.
func (m *Mirror) Observe(ctx context.Context, events []activity.Event) error {
	pipe := m.client.Pipeline()
	queued := 0
	for _, ev := range events {
		if ev.ConnID == "" {
			continue
		}
		key := PresencePrefix + ev.ConnID
		ts := ev.OccurredAt.Unix()

		switch ev.Kind {
		case activity.UserOnline:
			pipe.HSet(ctx, key, map[string]interface{}{
				"conn_id":     ev.ConnID,
				"username":    ev.Username,
				"avatar":      ev.Avatar,
				"status":      ev.Status,
				"room":        ev.Room,
				"server":      m.serverName,
				"joined_at":   ts,
				"last_active": ts,
			})
			pipe.Expire(ctx, key, PresenceTTL)
			pipe.SAdd(ctx, OnlineSetKey, ev.ConnID)
		case activity.UserOffline:
			pipe.Del(ctx, key)
			pipe.SRem(ctx, OnlineSetKey, ev.ConnID)
		case activity.StatusChanged:
			pipe.HSet(ctx, key, "status", ev.Status, "last_active", ts)
			pipe.Expire(ctx, key, PresenceTTL)
		case activity.RoomChanged:
			pipe.HSet(ctx, key, "room", ev.Room, "last_active", ts)
			pipe.Expire(ctx, key, PresenceTTL)
		default:
			continue
		}
		queued++
	}
	if queued == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: mirror presence: %w", err)
	}
	return nil
}

// Get reads one presence hash. Returns nil if not found.
func (m *Mirror) Get(ctx context.Context, connID string) (*Presence, error) {
	var p Presence
	if err := m.client.HGetAll(ctx, PresencePrefix+connID).Scan(&p); err != nil {
		return nil, err
	}
	if p.ConnID == "" {
		return nil, nil
	}
	return &p, nil
}

// Online returns the mirrored set of online connection ids.
func (m *Mirror) Online(ctx context.Context) ([]string, error) {
	return m.client.SMembers(ctx, OnlineSetKey).Result()
}

// Refresh extends the TTL of the given presence hashes and drops online set
// members whose hash has expired. Set members carry no TTL of their own, so
// this is what clears entries left behind by a server that never purged.
func (m *Mirror) Refresh(ctx context.Context, connIDs []string) error {
	online, err := m.Online(ctx)
	if err != nil {
		return fmt.Errorf("session: refresh presence: %w", err)
	}

	pipe := m.client.Pipeline()
	for _, id := range connIDs {
		pipe.Expire(ctx, PresencePrefix+id, PresenceTTL)
	}
	exists := make([]*redis.IntCmd, len(online))
	for i, id := range online {
		exists[i] = pipe.Exists(ctx, PresencePrefix+id)
	}
	if pipe.Len() == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: refresh presence: %w", err)
	}

	var stale []interface{}
	for i, cmd := range exists {
		if cmd.Val() == 0 {
			stale = append(stale, online[i])
		}
	}
	if len(stale) == 0 {
		return nil
	}
	if err := m.client.SRem(ctx, OnlineSetKey, stale...).Err(); err != nil {
		return fmt.Errorf("session: drop stale presence: %w", err)
	}
	m.logger.Info("dropped stale presence", zap.Int("count", len(stale)))
	return nil
}

// Purge removes every presence entry written by this server. It runs at
// shutdown so the mirror does not report users of a stopped process.
func (m *Mirror) Purge(ctx context.Context) error {
	ids, err := m.Online(ctx)
	if err != nil {
		return err
	}
	pipe := m.client.Pipeline()
	for _, id := range ids {
		p, err := m.Get(ctx, id)
		if err != nil {
			return err
		}
		if p != nil && p.Server != m.serverName {
			continue
		}
		pipe.Del(ctx, PresencePrefix+id)
		pipe.SRem(ctx, OnlineSetKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return err
	}
	m.logger.Info("presence purged", zap.Int("candidates", len(ids)))
	return nil
}

// Close closes the Redis connection.
func (m *Mirror) Close() error {
	return m.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (m *Mirror) Client() *redis.Client {
	return m.client
}
