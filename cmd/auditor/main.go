// Command auditor subscribes to the chat activity stream on NATS and writes
// every event to the PostgreSQL audit log.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"go.uber.org/zap"

	"github.com/parley/chat-app/internal/activity"
	"github.com/parley/chat-app/internal/audit"
	"github.com/parley/chat-app/internal/config"
	"github.com/parley/chat-app/internal/logging"
	"github.com/parley/chat-app/internal/messaging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.Must(cfg.Log.Level, cfg.Log.Development).Named("auditor")
	defer logger.Sync()

	if cfg.NATS.URL == "" || cfg.Postgres.DSN == "" {
		logger.Fatal("auditor needs both NATS_URL and POSTGRES_DSN")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	db, err := audit.Open(ctx, cfg.Postgres.DSN)
	cancel()
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	if err := audit.Migrate(db); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}
	store := audit.NewStore(db)

	natsCfg := messaging.NATSConfigFrom(cfg.NATS)
	natsCfg.Name = natsCfg.Name + "-auditor"
	nc, err := messaging.NewNATSClient(natsCfg, logger)
	if err != nil {
		logger.Fatal("connect to NATS", zap.Error(err))
	}

	err = nc.SubscribeActivity(func(ev activity.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := store.Insert(ctx, ev); err != nil {
			logger.Error("record activity", zap.String("kind", string(ev.Kind)), zap.String("username", ev.Username), zap.Error(err))
			return
		}
		logger.Debug("recorded", zap.String("kind", string(ev.Kind)), zap.String("username", ev.Username))
	})
	if err != nil {
		logger.Fatal("subscribe to activity", zap.Error(err))
	}

	logger.Info("auditor running", zap.String("nats_url", natsCfg.URL))

	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.Server.ShutdownTimeout, map[string]gfshutdown.Operation{
		"nats": func(context.Context) error {
			nc.Close()
			return nil
		},
		"postgres": func(context.Context) error {
			return db.Close()
		},
	})
	code := <-wait
	_ = logger.Sync()
	os.Exit(code)
}
