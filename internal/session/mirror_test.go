package session

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/parley/chat-app/internal/activity"
)

// newTestMirror connects to a local Redis and removes test_ presence keys
// before and after the test. Skips when Redis is not running.
func newTestMirror(t *testing.T) *Mirror {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, PresencePrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		members, _ := client.SMembers(ctx, OnlineSetKey).Result()
		for _, m := range members {
			if len(m) > 5 && m[:5] == "test_" {
				client.SRem(ctx, OnlineSetKey, m)
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewMirrorWithClient(client, "test-server", zaptest.NewLogger(t))
}

func TestMirror_Lifecycle(t *testing.T) {
	m := newTestMirror(t)
	ctx := context.Background()
	now := time.Now()

	err := m.Observe(ctx, []activity.Event{{
		Kind: activity.UserOnline, ConnID: "test_c1", Username: "alice",
		Avatar: "🦊", Status: StatusOnline, Room: "general", OccurredAt: now,
	}})
	if err != nil {
		t.Fatalf("Observe(online) error: %v", err)
	}

	p, err := m.Get(ctx, "test_c1")
	if err != nil || p == nil {
		t.Fatalf("Get() = %v, %v; want presence", p, err)
	}
	if p.Username != "alice" || p.Room != "general" || p.Server != "test-server" {
		t.Errorf("unexpected presence: %+v", p)
	}

	err = m.Observe(ctx, []activity.Event{
		{Kind: activity.StatusChanged, ConnID: "test_c1", Username: "alice", Status: StatusAway, OccurredAt: now},
		{Kind: activity.RoomChanged, ConnID: "test_c1", Username: "alice", Room: "tech", OccurredAt: now},
		{Kind: activity.NotificationPushed, Username: "alice", NotificationType: "welcome", OccurredAt: now},
	})
	if err != nil {
		t.Fatalf("Observe(updates) error: %v", err)
	}
	p, _ = m.Get(ctx, "test_c1")
	if p.Status != StatusAway || p.Room != "tech" {
		t.Errorf("expected away in tech, got %+v", p)
	}

	online, err := m.Online(ctx)
	if err != nil {
		t.Fatalf("Online() error: %v", err)
	}
	if !contains(online, "test_c1") {
		t.Errorf("expected test_c1 in online set %v", online)
	}

	if err := m.Observe(ctx, []activity.Event{{Kind: activity.UserOffline, ConnID: "test_c1", OccurredAt: now}}); err != nil {
		t.Fatalf("Observe(offline) error: %v", err)
	}
	p, _ = m.Get(ctx, "test_c1")
	if p != nil {
		t.Errorf("expected presence removed, got %+v", p)
	}
}

func TestMirror_Purge(t *testing.T) {
	m := newTestMirror(t)
	ctx := context.Background()

	err := m.Observe(ctx, []activity.Event{
		{Kind: activity.UserOnline, ConnID: "test_p1", Username: "a", OccurredAt: time.Now()},
		{Kind: activity.UserOnline, ConnID: "test_p2", Username: "b", OccurredAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("Observe() error: %v", err)
	}
	if err := m.Refresh(ctx, []string{"test_p1", "test_p2"}); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if err := m.Purge(ctx); err != nil {
		t.Fatalf("Purge() error: %v", err)
	}
	online, _ := m.Online(ctx)
	if contains(online, "test_p1") || contains(online, "test_p2") {
		t.Errorf("expected purged entries, online=%v", online)
	}
}

func TestMirror_RefreshDropsExpiredMembers(t *testing.T) {
	m := newTestMirror(t)
	ctx := context.Background()

	err := m.Observe(ctx, []activity.Event{
		{Kind: activity.UserOnline, ConnID: "test_live", Username: "a", OccurredAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("Observe() error: %v", err)
	}
	// A crashed server's member whose hash has already expired.
	if err := m.Client().SAdd(ctx, OnlineSetKey, "test_ghost").Err(); err != nil {
		t.Fatalf("SAdd() error: %v", err)
	}

	if err := m.Refresh(ctx, []string{"test_live"}); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	online, _ := m.Online(ctx)
	if contains(online, "test_ghost") {
		t.Errorf("expected test_ghost dropped, online=%v", online)
	}
	if !contains(online, "test_live") {
		t.Errorf("expected test_live kept, online=%v", online)
	}
	ttl, _ := m.Client().TTL(ctx, PresencePrefix+"test_live").Result()
	if ttl <= PresenceTTL-time.Minute {
		t.Errorf("expected refreshed TTL, got %v", ttl)
	}
}

func TestMirror_PurgeKeepsOtherServers(t *testing.T) {
	m := newTestMirror(t)
	other := NewMirrorWithClient(m.Client(), "other-server", zaptest.NewLogger(t))
	ctx := context.Background()

	if err := other.Observe(ctx, []activity.Event{
		{Kind: activity.UserOnline, ConnID: "test_o1", Username: "o", OccurredAt: time.Now()},
	}); err != nil {
		t.Fatalf("Observe() error: %v", err)
	}
	if err := m.Purge(ctx); err != nil {
		t.Fatalf("Purge() error: %v", err)
	}
	p, err := m.Get(ctx, "test_o1")
	if err != nil || p == nil {
		t.Fatalf("Get() = %v, %v; want the other server's presence", p, err)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
