package ws

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// Router routes inbound frames to handlers by message type. Ping is answered
// directly; malformed and unsupported messages get an error event.
type Router struct {
	handlers map[string]MessageHandler
	logger   *zap.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		handlers: make(map[string]MessageHandler),
		logger:   logger.Named("router"),
	}
}

// Register sets the handler for msgType, replacing any previous one.
func (r *Router) Register(msgType string, h MessageHandler) {
	r.handlers[msgType] = h
}

// Dispatch is the server's onMessage callback.
func (r *Router) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		code, text := protocol.CodeParseError, "invalid message format"
		if errors.Is(err, protocol.ErrUnknownType) {
			code, text = protocol.CodeUnsupportedType, "unsupported message type"
		}
		r.logger.Debug("rejecting message", zap.String("conn", conn.ID), zap.String("type", msgType), zap.Error(err))
		r.reply(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: text})
		metrics.EventErrors.WithLabelValues(code).Inc()
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch(time.Now())
		r.reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	h, ok := r.handlers[msgType]
	if !ok {
		r.logger.Warn("no handler registered", zap.String("type", msgType))
		r.reply(conn, protocol.TypeError, protocol.ErrorMsg{
			Code:    protocol.CodeUnsupportedType,
			Message: "unsupported message type",
		})
		metrics.EventErrors.WithLabelValues(protocol.CodeUnsupportedType).Inc()
		return
	}
	h(conn, msg)
}

func (r *Router) reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		r.logger.Error("encode reply", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		r.logger.Debug("write reply", zap.String("conn", conn.ID), zap.Error(err))
	}
}
