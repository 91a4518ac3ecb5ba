// Package dispatch implements the presence and notification core. Each
// inbound client event is handled by one Dispatcher method which mutates the
// session, room, conversation and notification stores and returns the
// outbound events to deliver. Handlers never run concurrently with each
// other, so every event observes and leaves a consistent state.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parley/chat-app/internal/activity"
	"github.com/parley/chat-app/internal/chat"
	"github.com/parley/chat-app/internal/conversation"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/notification"
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/ratelimit"
	"github.com/parley/chat-app/internal/room"
	"github.com/parley/chat-app/internal/session"
)

// DefaultPreviewLength is the number of characters of message text copied
// into notifications.
const DefaultPreviewLength = 50

const (
	// DefaultObserverQueue is the number of committed batches that may wait
	// for the activity observer before new ones are dropped.
	DefaultObserverQueue = 1024

	observeTimeout = 5 * time.Second
)

// Outbound is one server event addressed to a set of connections.
type Outbound struct {
	To      []string
	Type    string
	Payload interface{}
}

// Limiter throttles actions per connection. Implemented by ratelimit.Limiter.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) int
}

// Stores groups the in-memory state the dispatcher coordinates.
type Stores struct {
	Sessions      *session.Registry
	Rooms         *room.Router
	Conversations *conversation.Store
	Ledger        *notification.Ledger
	History       *chat.RoomHistory
}

// Dispatcher is the reaction table from inbound events to store mutations
// and outbound events.
type Dispatcher struct {
	mu sync.Mutex

	// Batches are queued under mu, so the observer goroutine sees them in
	// commit order. The observer itself never runs under mu.
	obsQueue chan observed
	obsDone  chan struct{}

	sessions      *session.Registry
	rooms         *room.Router
	conversations *conversation.Store
	ledger        *notification.Ledger
	history       *chat.RoomHistory

	observer   activity.Observer
	limiter    Limiter
	previewLen int
	now        func() time.Time
	logger     *zap.Logger
}

// New creates a Dispatcher over the given stores. previewLen <= 0 selects
// DefaultPreviewLength.
func New(stores Stores, previewLen int, logger *zap.Logger) *Dispatcher {
	if previewLen <= 0 {
		previewLen = DefaultPreviewLength
	}
	return &Dispatcher{
		sessions:      stores.Sessions,
		rooms:         stores.Rooms,
		conversations: stores.Conversations,
		ledger:        stores.Ledger,
		history:       stores.History,
		previewLen:    previewLen,
		now:           time.Now,
		logger:        logger.Named("dispatch"),
	}
}

type observed struct {
	msgType string
	events  []activity.Event
}

// SetObserver installs the receiver of committed activity events and starts
// the goroutine that feeds it. Call it once, before serving, and stop it with
// Close.
func (d *Dispatcher) SetObserver(o activity.Observer) {
	d.startObserver(o, DefaultObserverQueue)
}

func (d *Dispatcher) startObserver(o activity.Observer, queue int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.obsQueue != nil {
		return
	}
	d.observer = o
	d.obsQueue = make(chan observed, queue)
	d.obsDone = make(chan struct{})
	go d.observe(d.obsQueue, d.obsDone)
}

func (d *Dispatcher) observe(queue <-chan observed, done chan<- struct{}) {
	defer close(done)
	for item := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), observeTimeout)
		err := d.observer.Observe(ctx, item.events)
		cancel()
		if err != nil {
			d.logger.Warn("activity observer failed", zap.String("type", item.msgType), zap.Error(err))
		}
	}
}

// enqueue hands a committed batch to the observer goroutine. It must be
// called with mu held and never blocks: a full queue drops the batch.
func (d *Dispatcher) enqueue(msgType string, events []activity.Event) {
	if d.obsQueue == nil || len(events) == 0 {
		return
	}
	select {
	case d.obsQueue <- observed{msgType: msgType, events: events}:
	default:
		metrics.ActivityDropped.Add(float64(len(events)))
		d.logger.Warn("activity queue full, dropping batch",
			zap.String("type", msgType),
			zap.Int("events", len(events)),
		)
	}
}

// Close stops accepting activity and waits until the observer has seen every
// queued batch or ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	queue, done := d.obsQueue, d.obsDone
	d.obsQueue = nil
	d.mu.Unlock()
	if queue == nil {
		return nil
	}
	close(queue)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetLimiter enables per-connection throttling of message and typing events.
func (d *Dispatcher) SetLimiter(l Limiter) {
	d.limiter = l
}

// OnlineCount returns the number of joined users.
func (d *Dispatcher) OnlineCount() int {
	return d.sessions.Count()
}

// RoomCounts returns the number of members per room.
func (d *Dispatcher) RoomCounts() map[string]int {
	return d.rooms.Counts()
}

// batch collects the effects of one handler.
type batch struct {
	out    []Outbound
	events []activity.Event
}

func (b *batch) send(msgType string, payload interface{}, to ...string) {
	if len(to) == 0 {
		return
	}
	b.out = append(b.out, Outbound{To: to, Type: msgType, Payload: payload})
}

func (b *batch) fail(connID, code, message string) {
	b.send(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message}, connID)
}

func (b *batch) record(ev activity.Event) {
	b.events = append(b.events, ev)
}

// run executes fn under the dispatcher lock and queues its activity for the
// observer.
func (d *Dispatcher) run(_ context.Context, msgType string, fn func(b *batch)) []Outbound {
	start := time.Now()
	var b batch

	d.mu.Lock()
	fn(&b)
	d.enqueue(msgType, b.events)
	d.mu.Unlock()

	metrics.EventsTotal.WithLabelValues(msgType).Inc()
	metrics.HandlerLatency.WithLabelValues(msgType).Observe(time.Since(start).Seconds())
	for _, o := range b.out {
		if e, ok := o.Payload.(protocol.ErrorMsg); ok {
			metrics.EventErrors.WithLabelValues(e.Code).Inc()
		}
	}
	return b.out
}

// joined resolves the user bound to connID or records a not_joined error.
func (d *Dispatcher) joined(b *batch, connID string) (session.User, bool) {
	u, err := d.sessions.Get(connID)
	if err != nil {
		b.fail(connID, protocol.CodeNotJoined, "join before sending events")
		return session.User{}, false
	}
	return u, true
}

// throttle checks the limiter outside the dispatcher lock. It returns the
// rate_limited reply when the action must be dropped.
func (d *Dispatcher) throttle(ctx context.Context, connID string, rule ratelimit.Rule, action string) []Outbound {
	if d.limiter == nil {
		return nil
	}
	ok, err := d.limiter.Allow(ctx, connID, rule)
	if err != nil || ok {
		return nil
	}
	metrics.RateLimited.WithLabelValues(action).Inc()
	return []Outbound{{
		To:      []string{connID},
		Type:    protocol.TypeRateLimited,
		Payload: protocol.RateLimitedMsg{RetryAfter: d.limiter.RetryAfter(ctx, connID, rule)},
	}}
}

// push appends a notification for username and, when connID is non-empty,
// delivers it with the new unread count.
func (d *Dispatcher) push(b *batch, username, connID string, n notification.Notification) notification.Notification {
	n = d.ledger.Push(username, n)
	metrics.NotificationsPushed.WithLabelValues(n.Type).Inc()
	b.record(activity.Event{
		Kind:             activity.NotificationPushed,
		ConnID:           connID,
		Username:         username,
		Room:             n.Room,
		NotificationType: n.Type,
		OccurredAt:       n.Timestamp,
	})
	if connID != "" {
		b.send(protocol.TypeNotification, protocol.NotificationMsg{Notification: n}, connID)
		d.sendUnread(b, username, connID)
	}
	return n
}

func (d *Dispatcher) sendUnread(b *batch, username, connID string) {
	b.send(protocol.TypeUnreadCount, protocol.UnreadCountMsg{Count: d.ledger.UnreadCount(username)}, connID)
}

// others returns every joined connection except connID.
func (d *Dispatcher) others(users []session.User, connID string) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u.ConnID != connID {
			out = append(out, u.ConnID)
		}
	}
	return out
}
