package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parley/chat-app/internal/activity"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/notification"
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/ratelimit"
	"github.com/parley/chat-app/internal/session"
)

// Join registers the connection, places it in the default room, greets it
// and announces it to everyone else.
func (d *Dispatcher) Join(ctx context.Context, connID string, m protocol.JoinMsg) []Outbound {
	return d.run(ctx, protocol.TypeJoin, func(b *batch) {
		if _, err := d.sessions.Get(connID); err == nil {
			b.fail(connID, protocol.CodeAlreadyJoined, "connection already joined")
			return
		}

		u, err := d.sessions.Register(connID, m.Username, m.Avatar)
		switch {
		case errors.Is(err, session.ErrUsernameTaken):
			b.fail(connID, protocol.CodeUsernameTaken, fmt.Sprintf("%s is already online", m.Username))
			return
		case errors.Is(err, session.ErrInvalidUsername):
			b.fail(connID, protocol.CodeInvalidUsername, err.Error())
			return
		case err != nil:
			b.fail(connID, protocol.CodeInternal, "could not register session")
			return
		}

		if _, err := d.rooms.Join(connID, u.Room); err != nil {
			// The default room is validated at startup.
			d.logger.DPanic("default room rejected", zap.String("room", u.Room), zap.Error(err))
		}
		metrics.OnlineUsers.Set(float64(d.sessions.Count()))

		b.record(activity.Event{
			Kind:       activity.UserOnline,
			ConnID:     connID,
			Username:   u.Username,
			Avatar:     u.Avatar,
			Room:       u.Room,
			Status:     u.Status,
			OccurredAt: u.JoinedAt,
		})

		users := d.sessions.ListOnline()
		b.send(protocol.TypeRosterSnapshot, protocol.RosterSnapshotMsg{
			Users: users,
			Rooms: d.rooms.Rooms(),
			Room:  u.Room,
		}, connID)
		d.push(b, u.Username, connID, notification.Notification{
			Type:    notification.TypeWelcome,
			Title:   "Welcome to the chat!",
			Message: "You have successfully joined the chat. Start messaging now!",
		})
		b.send(protocol.TypePresenceDelta, protocol.PresenceDeltaMsg{
			Kind:  protocol.PresenceJoined,
			User:  u,
			Users: users,
		}, d.others(users, connID)...)

		d.logger.Info("user joined",
			zap.String("conn", connID),
			zap.String("username", u.Username),
			zap.Int("online", len(users)),
		)
	})
}

// Disconnect removes the session. A connection that never joined, or has
// already been removed, produces no events.
func (d *Dispatcher) Disconnect(ctx context.Context, connID string) []Outbound {
	return d.run(ctx, protocol.TypeDisconnect, func(b *batch) {
		u, err := d.sessions.Unregister(connID)
		if err != nil {
			return
		}
		d.rooms.Leave(connID)
		metrics.OnlineUsers.Set(float64(d.sessions.Count()))

		u.Status = session.StatusOffline
		b.record(activity.Event{
			Kind:       activity.UserOffline,
			ConnID:     connID,
			Username:   u.Username,
			Room:       u.Room,
			Status:     u.Status,
			OccurredAt: d.now(),
		})

		users := d.sessions.ListOnline()
		rest := d.others(users, connID)
		b.send(protocol.TypePresenceDelta, protocol.PresenceDeltaMsg{
			Kind:  protocol.PresenceLeft,
			User:  u,
			Users: users,
		}, rest...)
		b.send(protocol.TypeStatusChanged, protocol.StatusChangedMsg{
			Username: u.Username,
			Status:   session.StatusOffline,
		}, rest...)

		d.logger.Info("user left",
			zap.String("conn", connID),
			zap.String("username", u.Username),
			zap.Int("online", len(users)),
		)
	})
}

// SetStatus changes the user's presence status and tells everyone else.
// Setting the current status again is silent.
func (d *Dispatcher) SetStatus(ctx context.Context, connID string, m protocol.SetStatusMsg) []Outbound {
	return d.run(ctx, protocol.TypeSetStatus, func(b *batch) {
		u, ok := d.joined(b, connID)
		if !ok {
			return
		}
		prev, err := d.sessions.SetStatus(connID, m.Status)
		if errors.Is(err, session.ErrInvalidStatus) {
			b.fail(connID, protocol.CodeInvalidStatus, fmt.Sprintf("unknown status %q", m.Status))
			return
		}
		if err != nil || prev == m.Status {
			return
		}

		b.record(activity.Event{
			Kind:       activity.StatusChanged,
			ConnID:     connID,
			Username:   u.Username,
			Status:     m.Status,
			OccurredAt: d.now(),
		})
		b.send(protocol.TypeStatusChanged, protocol.StatusChangedMsg{
			Username: u.Username,
			Status:   m.Status,
		}, d.others(d.sessions.ListOnline(), connID)...)
	})
}

// JoinRoom switches the connection's current room. The switcher gets a
// room_join notification which is delivered but not kept in the ledger; the
// members of the new room get room_joined.
func (d *Dispatcher) JoinRoom(ctx context.Context, connID string, m protocol.JoinRoomMsg) []Outbound {
	return d.run(ctx, protocol.TypeJoinRoom, func(b *batch) {
		u, ok := d.joined(b, connID)
		if !ok {
			return
		}
		if !d.rooms.Valid(m.Room) {
			b.fail(connID, protocol.CodeInvalidRoom, fmt.Sprintf("unknown room %q", m.Room))
			return
		}
		if cur, _ := d.rooms.CurrentRoom(connID); cur == m.Room {
			return
		}

		prev, err := d.rooms.Join(connID, m.Room)
		if err != nil {
			b.fail(connID, protocol.CodeInvalidRoom, err.Error())
			return
		}
		if _, err := d.sessions.SetRoom(connID, m.Room); err != nil {
			d.logger.Warn("room switch for unknown session", zap.String("conn", connID), zap.Error(err))
		}

		now := d.now()
		b.record(activity.Event{
			Kind:       activity.RoomChanged,
			ConnID:     connID,
			Username:   u.Username,
			Room:       m.Room,
			OccurredAt: now,
		})
		b.send(protocol.TypeNotification, protocol.NotificationMsg{Notification: notification.Notification{
			ID:        uuid.Must(uuid.NewV7()).String(),
			Type:      notification.TypeRoomJoin,
			Title:     "Joined #" + m.Room,
			Message:   fmt.Sprintf("You have joined the %s room", m.Room),
			Timestamp: now,
			Room:      m.Room,
		}}, connID)
		b.send(protocol.TypeRoomJoined, protocol.RoomJoinedMsg{
			Username:     u.Username,
			Avatar:       u.Avatar,
			Room:         m.Room,
			PreviousRoom: prev,
		}, d.rooms.MembersExcept(m.Room, connID)...)
	})
}

// Typing relays typing_start or typing_stop to the other members of a room.
func (d *Dispatcher) Typing(ctx context.Context, connID string, m protocol.TypingMsg, isTyping bool) []Outbound {
	if out := d.throttle(ctx, connID, ratelimit.RuleTyping, "typing"); out != nil {
		return out
	}
	msgType := protocol.TypeTypingStop
	if isTyping {
		msgType = protocol.TypeTypingStart
	}
	return d.run(ctx, msgType, func(b *batch) {
		u, ok := d.joined(b, connID)
		if !ok {
			return
		}
		if !d.rooms.Valid(m.Room) {
			b.fail(connID, protocol.CodeInvalidRoom, fmt.Sprintf("unknown room %q", m.Room))
			return
		}
		b.send(protocol.TypeTyping, protocol.ServerTypingMsg{
			Username: u.Username,
			Room:     m.Room,
			IsTyping: isTyping,
		}, d.rooms.MembersExcept(m.Room, connID)...)
	})
}
