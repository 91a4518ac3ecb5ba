package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/parley/chat-app/internal/dispatch"
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/ratelimit"
	"github.com/parley/chat-app/internal/ws"
)

const handlerTimeout = 5 * time.Second

// app binds the dispatcher to the WebSocket transport.
type app struct {
	d       *dispatch.Dispatcher
	server  *ws.Server
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

type handlerFunc func(ctx context.Context, connID string, msg interface{}) []dispatch.Outbound

func (a *app) wrap(fn handlerFunc) ws.MessageHandler {
	return func(conn *ws.Connection, msg interface{}) {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		dispatch.Deliver(a.server, fn(ctx, conn.ID, msg), a.logger)
	}
}

func (a *app) register(r *ws.Router) {
	r.Register(protocol.TypeJoin, a.wrap(func(ctx context.Context, id string, msg interface{}) []dispatch.Outbound {
		return a.d.Join(ctx, id, msg.(protocol.JoinMsg))
	}))
	r.Register(protocol.TypeSendPublic, a.wrap(func(ctx context.Context, id string, msg interface{}) []dispatch.Outbound {
		return a.d.SendPublic(ctx, id, msg.(protocol.SendPublicMsg))
	}))
	r.Register(protocol.TypeSendPrivate, a.wrap(func(ctx context.Context, id string, msg interface{}) []dispatch.Outbound {
		return a.d.SendPrivate(ctx, id, msg.(protocol.SendPrivateMsg))
	}))
	r.Register(protocol.TypeMarkRead, a.wrap(func(ctx context.Context, id string, msg interface{}) []dispatch.Outbound {
		return a.d.MarkRead(ctx, id, msg.(protocol.MarkReadMsg))
	}))
	r.Register(protocol.TypeMarkNotificationRead, a.wrap(func(ctx context.Context, id string, msg interface{}) []dispatch.Outbound {
		return a.d.MarkNotificationRead(ctx, id, msg.(protocol.MarkNotificationReadMsg))
	}))
	r.Register(protocol.TypeMarkAllNotificationsRead, a.wrap(func(ctx context.Context, id string, _ interface{}) []dispatch.Outbound {
		return a.d.MarkAllNotificationsRead(ctx, id)
	}))
	r.Register(protocol.TypeJoinRoom, a.wrap(func(ctx context.Context, id string, msg interface{}) []dispatch.Outbound {
		return a.d.JoinRoom(ctx, id, msg.(protocol.JoinRoomMsg))
	}))
	r.Register(protocol.TypeTypingStart, a.wrap(func(ctx context.Context, id string, msg interface{}) []dispatch.Outbound {
		return a.d.Typing(ctx, id, msg.(protocol.TypingMsg), true)
	}))
	r.Register(protocol.TypeTypingStop, a.wrap(func(ctx context.Context, id string, msg interface{}) []dispatch.Outbound {
		return a.d.Typing(ctx, id, msg.(protocol.TypingMsg), false)
	}))
	r.Register(protocol.TypeSetStatus, a.wrap(func(ctx context.Context, id string, msg interface{}) []dispatch.Outbound {
		return a.d.SetStatus(ctx, id, msg.(protocol.SetStatusMsg))
	}))
	r.Register(protocol.TypeFetchHistory, a.wrap(func(ctx context.Context, id string, msg interface{}) []dispatch.Outbound {
		return a.d.FetchHistory(ctx, id, msg.(protocol.FetchHistoryMsg))
	}))
	r.Register(protocol.TypeFetchConversation, a.wrap(func(ctx context.Context, id string, msg interface{}) []dispatch.Outbound {
		return a.d.FetchConversation(ctx, id, msg.(protocol.FetchConversationMsg))
	}))
	r.Register(protocol.TypeFetchNotifications, a.wrap(func(ctx context.Context, id string, msg interface{}) []dispatch.Outbound {
		return a.d.FetchNotifications(ctx, id, msg.(protocol.FetchNotificationsMsg))
	}))

	// An explicit disconnect leaves first, then closes the socket with a
	// normal close frame so the client does not reconnect.
	r.Register(protocol.TypeDisconnect, func(conn *ws.Connection, _ interface{}) {
		a.disconnected(conn.ID)
		a.server.Kick(conn.ID, "bye")
	})
}

// disconnected runs for every connection that goes away. A second call for
// the same connection is a no-op in the dispatcher.
func (a *app) disconnected(connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	dispatch.Deliver(a.server, a.d.Disconnect(ctx, connID), a.logger)
	if a.limiter != nil {
		if err := a.limiter.Reset(ctx, connID); err != nil {
			a.logger.Debug("reset rate limits", zap.String("conn", connID), zap.Error(err))
		}
	}
}
