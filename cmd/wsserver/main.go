package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"go.uber.org/zap"

	"github.com/parley/chat-app/internal/activity"
	"github.com/parley/chat-app/internal/audit"
	"github.com/parley/chat-app/internal/chat"
	"github.com/parley/chat-app/internal/config"
	"github.com/parley/chat-app/internal/conversation"
	"github.com/parley/chat-app/internal/dispatch"
	"github.com/parley/chat-app/internal/logging"
	"github.com/parley/chat-app/internal/messaging"
	"github.com/parley/chat-app/internal/notification"
	"github.com/parley/chat-app/internal/ratelimit"
	"github.com/parley/chat-app/internal/room"
	"github.com/parley/chat-app/internal/session"
	"github.com/parley/chat-app/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.Must(cfg.Log.Level, cfg.Log.Development)
	defer logger.Sync()

	stores := dispatch.Stores{
		Sessions:      session.NewRegistry(cfg.Chat.DefaultRoom, logger),
		Rooms:         room.NewRouter(cfg.Chat.Rooms),
		Conversations: conversation.NewStore(cfg.Chat.ConversationHistory),
		Ledger:        notification.NewLedger(),
		History:       chat.NewRoomHistory(cfg.Chat.RoomHistory),
	}
	d := dispatch.New(stores, cfg.Chat.PreviewLength, logger)

	ops := map[string]gfshutdown.Operation{}
	fanout := activity.NewFanout(logger)
	// Closed once the server is down and queued activity reached the
	// observers. Observer backends close after it.
	drained := make(chan struct{})

	// --- Redis: presence mirror and rate limits ---
	var (
		mirror  *session.Mirror
		limiter *ratelimit.Limiter
	)
	if cfg.Redis.Addr != "" {
		mirror, err = session.NewMirror(cfg.Redis.Addr, cfg.Redis.DB, serverName(), logger)
		if err != nil {
			logger.Fatal("connect to Redis", zap.Error(err))
		}
		fanout.Add("redis", mirror)
		if cfg.RateLimit.Enabled {
			limiter = ratelimit.NewLimiter(mirror.Client(), logger)
			d.SetLimiter(limiter)
		}
		stop := make(chan struct{})
		go refreshPresence(mirror, stores.Sessions, cfg.Server.HeartbeatInterval, stop, logger)
		ops["redis"] = afterDrain(drained, func(ctx context.Context) error {
			close(stop)
			if err := mirror.Purge(ctx); err != nil {
				logger.Warn("purge presence", zap.Error(err))
			}
			return mirror.Close()
		})
	}

	// --- NATS: activity stream ---
	if cfg.NATS.URL != "" {
		nc, err := messaging.NewNATSClient(messaging.NATSConfigFrom(cfg.NATS), logger)
		if err != nil {
			logger.Fatal("connect to NATS", zap.Error(err))
		}
		fanout.Add("nats", messaging.NewPublisher(nc))
		ops["nats"] = afterDrain(drained, func(context.Context) error {
			nc.Close()
			return nil
		})
	}

	// --- Postgres: direct audit log when no bus carries activity to the auditor ---
	if cfg.Postgres.DSN != "" && cfg.NATS.URL == "" {
		db, err := openAudit(cfg.Postgres.DSN)
		if err != nil {
			logger.Fatal("open audit database", zap.Error(err))
		}
		fanout.Add("postgres", audit.NewStore(db))
		ops["postgres"] = afterDrain(drained, func(context.Context) error { return db.Close() })
	}

	if fanout.Len() > 0 {
		d.SetObserver(fanout)
	}

	router := ws.NewRouter(logger)
	server := ws.NewServer(ws.ServerConfigFrom(cfg.Server), router.Dispatch, logger)
	server.SetOnlineCounter(d)

	a := &app{d: d, server: server, limiter: limiter, logger: logger.Named("handlers")}
	a.register(router)
	server.SetOnDisconnect(a.disconnected)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("server stopped", zap.Error(err))
		}
	}()
	ops["ws"] = func(ctx context.Context) error {
		defer close(drained)
		err := server.Shutdown(ctx)
		if derr := d.Close(ctx); derr != nil {
			logger.Warn("activity not fully drained", zap.Error(derr))
		}
		return err
	}

	logger.Info("chat server started",
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.Strings("rooms", cfg.Chat.Rooms),
		zap.Bool("redis", mirror != nil),
		zap.Bool("rate_limit", limiter != nil),
		zap.Bool("nats", cfg.NATS.URL != ""),
		zap.Int("observers", fanout.Len()),
	)

	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.Server.ShutdownTimeout, ops)
	code := <-wait
	logger.Info("chat server exited", zap.Int("code", code))
	_ = logger.Sync()
	os.Exit(code)
}

// afterDrain delays op until the dispatcher has flushed its activity queue.
func afterDrain(drained <-chan struct{}, op gfshutdown.Operation) gfshutdown.Operation {
	return func(ctx context.Context) error {
		select {
		case <-drained:
		case <-ctx.Done():
		}
		return op(ctx)
	}
}

func openAudit(dsn string) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := audit.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := audit.Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// refreshPresence keeps mirrored presence entries of live sessions from
// expiring.
func refreshPresence(m *session.Mirror, reg *session.Registry, every time.Duration, stop <-chan struct{}, logger *zap.Logger) {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			users := reg.ListOnline()
			ids := make([]string, 0, len(users))
			for _, u := range users {
				ids = append(ids, u.ConnID)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := m.Refresh(ctx, ids); err != nil {
				logger.Warn("refresh presence", zap.Error(err))
			}
			cancel()
		}
	}
}

func serverName() string {
	if v := os.Getenv("SERVER_NAME"); v != "" {
		return v
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "chat-1"
}
