package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/parley/chat-app/internal/chat"
	"github.com/parley/chat-app/internal/conversation"
	"github.com/parley/chat-app/internal/notification"
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/ratelimit"
	"github.com/parley/chat-app/internal/session"
)

// SendPublic broadcasts a message to the members of a room. Every other
// online user who is not in that room gets a room_activity notification;
// members of the room who are @mentioned get a mention notification.
func (d *Dispatcher) SendPublic(ctx context.Context, connID string, m protocol.SendPublicMsg) []Outbound {
	if out := d.throttle(ctx, connID, ratelimit.RulePublic, "public"); out != nil {
		return out
	}
	return d.run(ctx, protocol.TypeSendPublic, func(b *batch) {
		u, ok := d.joined(b, connID)
		if !ok {
			return
		}
		if !d.rooms.Valid(m.Room) {
			b.fail(connID, protocol.CodeInvalidRoom, fmt.Sprintf("unknown room %q", m.Room))
			return
		}
		if err := chat.ValidateMessage(m.Text); err != nil {
			b.fail(connID, protocol.CodeInvalidMessage, err.Error())
			return
		}

		msg := chat.NewPublicMessage(m.Room, u.Username, u.Avatar, m.Text, d.now())
		d.history.Add(msg)

		members := d.rooms.MembersOf(m.Room)
		b.send(protocol.TypePublicMessage, protocol.PublicMessageMsg{Message: msg}, members...)

		inRoom := make(map[string]bool, len(members))
		for _, id := range members {
			inRoom[id] = true
		}
		preview := u.Username + ": " + chat.Preview(m.Text, d.previewLen)
		for _, other := range d.sessions.ListOnline() {
			if other.ConnID == connID || inRoom[other.ConnID] {
				continue
			}
			d.push(b, other.Username, other.ConnID, notification.Notification{
				Type:    notification.TypeRoomActivity,
				Title:   "New message in #" + m.Room,
				Message: preview,
				Room:    m.Room,
				From:    u.Username,
			})
		}

		for _, name := range chat.Mentions(m.Text) {
			target, err := d.sessions.FindByUsername(name)
			if err != nil || target.ConnID == connID || !inRoom[target.ConnID] {
				continue
			}
			d.push(b, target.Username, target.ConnID, notification.Notification{
				Type:    notification.TypeMention,
				Title:   fmt.Sprintf("%s mentioned you in #%s", u.Username, m.Room),
				Message: preview,
				Room:    m.Room,
				From:    u.Username,
			})
		}
	})
}

// SendPrivate stores a direct message and delivers it when the recipient is
// online. The recipient's notification is kept either way.
func (d *Dispatcher) SendPrivate(ctx context.Context, connID string, m protocol.SendPrivateMsg) []Outbound {
	if out := d.throttle(ctx, connID, ratelimit.RulePrivate, "private"); out != nil {
		return out
	}
	return d.run(ctx, protocol.TypeSendPrivate, func(b *batch) {
		u, ok := d.joined(b, connID)
		if !ok {
			return
		}
		if err := session.ValidateUsername(m.To); err != nil || m.To == u.Username {
			b.fail(connID, protocol.CodeInvalidRecipient, fmt.Sprintf("cannot send to %q", m.To))
			return
		}
		if err := chat.ValidateMessage(m.Text); err != nil {
			b.fail(connID, protocol.CodeInvalidMessage, err.Error())
			return
		}

		msg := d.conversations.Append(u.Username, m.To, m.Text)

		recipientConn := ""
		if r, err := d.sessions.FindByUsername(m.To); err == nil {
			recipientConn = r.ConnID
		}
		if recipientConn != "" {
			b.send(protocol.TypePrivateMessage, protocol.PrivateMessageMsg{Message: msg}, recipientConn)
		}
		d.push(b, m.To, recipientConn, notification.Notification{
			Type:      notification.TypePrivateMessage,
			Title:     "New message from " + u.Username,
			Message:   chat.Preview(m.Text, d.previewLen),
			From:      u.Username,
			MessageID: msg.ID,
		})

		status := protocol.AckPending
		if recipientConn != "" {
			status = protocol.AckDelivered
		}
		b.send(protocol.TypePrivateSendAck, protocol.PrivateSendAckMsg{
			Status:  status,
			Message: msg,
		}, connID)
	})
}

// MarkRead records that the caller read a private message from peer. The
// first read clears the linked notification, updates the reader's unread
// count and sends a read receipt to the author. Repeats produce nothing.
func (d *Dispatcher) MarkRead(ctx context.Context, connID string, m protocol.MarkReadMsg) []Outbound {
	return d.run(ctx, protocol.TypeMarkRead, func(b *batch) {
		u, ok := d.joined(b, connID)
		if !ok {
			return
		}
		key := conversation.KeyFor(u.Username, m.Peer)
		msg, changed, err := d.conversations.MarkRead(key, m.MessageID, u.Username)
		if errors.Is(err, conversation.ErrNotFound) {
			b.fail(connID, protocol.CodeNotFound, "message not found")
			return
		}
		if err != nil || !changed {
			return
		}

		if !d.ledger.MarkByMessage(u.Username, msg.ID) {
			d.logger.Debug("no unread notification linked to message",
				zap.String("username", u.Username),
				zap.String("message", msg.ID),
			)
		}
		d.sendUnread(b, u.Username, connID)

		if author, err := d.sessions.FindByUsername(msg.From); err == nil {
			b.send(protocol.TypeReadReceipt, protocol.ReadReceiptMsg{
				MessageID: msg.ID,
				Reader:    u.Username,
				ReadAt:    *msg.ReadAt,
			}, author.ConnID)
		}
	})
}

// FetchHistory replies with the recent public messages of a room.
func (d *Dispatcher) FetchHistory(ctx context.Context, connID string, m protocol.FetchHistoryMsg) []Outbound {
	return d.run(ctx, protocol.TypeFetchHistory, func(b *batch) {
		if _, ok := d.joined(b, connID); !ok {
			return
		}
		room := m.Room
		if room == "" {
			room, _ = d.rooms.CurrentRoom(connID)
		}
		if !d.rooms.Valid(room) {
			b.fail(connID, protocol.CodeInvalidRoom, fmt.Sprintf("unknown room %q", m.Room))
			return
		}
		b.send(protocol.TypeRoomHistory, protocol.RoomHistoryMsg{
			Room:     room,
			Messages: d.history.Last(room, m.Limit),
		}, connID)
	})
}

// FetchConversation replies with the caller's conversation with peer.
func (d *Dispatcher) FetchConversation(ctx context.Context, connID string, m protocol.FetchConversationMsg) []Outbound {
	return d.run(ctx, protocol.TypeFetchConversation, func(b *batch) {
		u, ok := d.joined(b, connID)
		if !ok {
			return
		}
		b.send(protocol.TypeConversation, protocol.ConversationMsg{
			Peer:     m.Peer,
			Messages: d.conversations.ConversationFor(u.Username, m.Peer),
		}, connID)
	})
}
