// Package messaging carries chat activity over NATS. The chat server
// publishes one message per activity event; other services such as the
// auditor subscribe to the whole subject tree.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/parley/chat-app/internal/activity"
	"github.com/parley/chat-app/internal/config"
	"github.com/parley/chat-app/internal/metrics"
)

// SubjectActivity is the root of activity subjects: chat.activity.<kind>.
const SubjectActivity = "chat.activity"

// ActivitySubject returns the subject events of kind are published on.
func ActivitySubject(kind activity.Kind) string {
	return SubjectActivity + "." + string(kind)
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int // -1 retries forever
}

// DefaultNATSConfig returns local development defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "parley",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSConfigFrom maps the loaded configuration section.
func NATSConfigFrom(c config.NATS) NATSConfig {
	cfg := DefaultNATSConfig()
	cfg.URL = c.URL
	if c.Name != "" {
		cfg.Name = c.Name
	}
	if c.ReconnectWait > 0 {
		cfg.ReconnectWait = c.ReconnectWait
	}
	return cfg
}

// NATSClient wraps a NATS connection and remembers its subscriptions so
// Close can drain them.
type NATSClient struct {
	conn   *nats.Conn
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	logger *zap.Logger
}

// NewNATSClient connects to NATS. The initial connection must succeed;
// later drops are retried by the NATS client itself.
func NewNATSClient(cfg NATSConfig, logger *zap.Logger) (*NATSClient, error) {
	logger = logger.Named("nats")
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	logger.Info("connected", zap.String("url", nc.ConnectedUrl()))

	return &NATSClient{
		conn:   nc,
		subs:   make(map[string]*nats.Subscription),
		logger: logger,
	}, nil
}

// Publish sends data to subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers handler for subject, replacing an earlier subscription
// on the same subject.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	prev := c.subs[subject]
	c.subs[subject] = sub
	c.mu.Unlock()

	if prev != nil {
		_ = prev.Unsubscribe()
	}
	return nil
}

// SubscribeActivity delivers every activity event published by any chat
// server. Undecodable messages are logged and dropped.
func (c *NATSClient) SubscribeActivity(handler func(activity.Event)) error {
	return c.Subscribe(SubjectActivity+".>", func(msg *nats.Msg) {
		var ev activity.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.logger.Warn("bad activity payload", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		handler(ev)
	})
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush(ctx context.Context) error {
	return c.conn.FlushWithContext(ctx)
}

// Close drains subscriptions and the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("drain subscription", zap.String("subject", subject), zap.Error(err))
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("drain connection", zap.Error(err))
	}
}

// Publisher forwards activity batches to NATS. It implements
// activity.Observer.
type Publisher struct {
	client *NATSClient
}

// NewPublisher creates a Publisher on client.
func NewPublisher(client *NATSClient) *Publisher {
	return &Publisher{client: client}
}

// Observe publishes each event on its kind's subject. Every event is tried;
// the failures are returned together.
func (p *Publisher) Observe(_ context.Context, events []activity.Event) error {
	var errs []error
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal %s: %w", ev.Kind, err))
			continue
		}
		if err := p.client.Publish(ActivitySubject(ev.Kind), data); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", ev.Kind, err))
			continue
		}
		metrics.ActivityPublished.WithLabelValues(string(ev.Kind)).Inc()
	}
	return errors.Join(errs...)
}
