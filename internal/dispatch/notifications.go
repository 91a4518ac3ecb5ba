package dispatch

import (
	"context"

	"github.com/parley/chat-app/internal/protocol"
)

// MarkNotificationRead marks one notification read and always replies with
// the current unread count.
func (d *Dispatcher) MarkNotificationRead(ctx context.Context, connID string, m protocol.MarkNotificationReadMsg) []Outbound {
	return d.run(ctx, protocol.TypeMarkNotificationRead, func(b *batch) {
		u, ok := d.joined(b, connID)
		if !ok {
			return
		}
		d.ledger.MarkOne(u.Username, m.ID)
		d.sendUnread(b, u.Username, connID)
	})
}

// MarkAllNotificationsRead clears every unread notification. The unread
// count is sent even when nothing changed so a reconnected client resyncs.
func (d *Dispatcher) MarkAllNotificationsRead(ctx context.Context, connID string) []Outbound {
	return d.run(ctx, protocol.TypeMarkAllNotificationsRead, func(b *batch) {
		u, ok := d.joined(b, connID)
		if !ok {
			return
		}
		cleared := d.ledger.MarkAll(u.Username)
		d.sendUnread(b, u.Username, connID)
		b.send(protocol.TypeNotificationsCleared, protocol.NotificationsClearedMsg{Count: cleared}, connID)
	})
}

// FetchNotifications replies with the newest notifications and the unread
// count.
func (d *Dispatcher) FetchNotifications(ctx context.Context, connID string, m protocol.FetchNotificationsMsg) []Outbound {
	return d.run(ctx, protocol.TypeFetchNotifications, func(b *batch) {
		u, ok := d.joined(b, connID)
		if !ok {
			return
		}
		b.send(protocol.TypeNotificationList, protocol.NotificationListMsg{
			Notifications: d.ledger.Recent(u.Username, m.Limit),
			Unread:        d.ledger.UnreadCount(u.Username),
		}, connID)
	})
}
