// Package activity defines the presence and notification events the
// dispatcher reports after a handler has committed. Observers receive copies;
// they never feed back into the in-memory stores.
package activity

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Kind identifies an activity event.
type Kind string

const (
	UserOnline         Kind = "user_online"
	UserOffline        Kind = "user_offline"
	StatusChanged      Kind = "status_changed"
	RoomChanged        Kind = "room_changed"
	NotificationPushed Kind = "notification_pushed"
)

// Kinds lists every event kind, in a stable order.
var Kinds = []Kind{UserOnline, UserOffline, StatusChanged, RoomChanged, NotificationPushed}

// Event is one activity record. Message text is never included.
type Event struct {
	Kind             Kind      `json:"kind"`
	ConnID           string    `json:"conn_id,omitempty"`
	Username         string    `json:"username"`
	Avatar           string    `json:"avatar,omitempty"`
	Room             string    `json:"room,omitempty"`
	Status           string    `json:"status,omitempty"`
	NotificationType string    `json:"notification_type,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// Observer consumes committed activity. Implementations must be safe for
// concurrent use and should not block for long.
type Observer interface {
	Observe(ctx context.Context, events []Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, events []Event) error

func (f ObserverFunc) Observe(ctx context.Context, events []Event) error {
	return f(ctx, events)
}

// Fanout forwards events to several observers. A failing observer is logged
// and does not stop the others.
type Fanout struct {
	observers []namedObserver
	logger    *zap.Logger
}

type namedObserver struct {
	name string
	obs  Observer
}

// NewFanout creates an empty fan-out.
func NewFanout(logger *zap.Logger) *Fanout {
	return &Fanout{logger: logger.Named("activity")}
}

// Add registers an observer under a name used in log fields.
func (f *Fanout) Add(name string, obs Observer) {
	f.observers = append(f.observers, namedObserver{name: name, obs: obs})
}

// Len returns the number of registered observers.
func (f *Fanout) Len() int { return len(f.observers) }

// Observe implements Observer.
func (f *Fanout) Observe(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	for _, o := range f.observers {
		if err := o.obs.Observe(ctx, events); err != nil {
			f.logger.Warn("observer failed",
				zap.String("observer", o.name),
				zap.Int("events", len(events)),
				zap.Error(err),
			)
		}
	}
	return nil
}
