package dispatch

import (
	"go.uber.org/zap"

	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/protocol"
)

// Sender writes an encoded frame to one connection. Implemented by ws.Server.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Deliver encodes each outbound event once and writes it to every target.
// A failed write is logged and counted; the remaining targets still receive
// the event.
func Deliver(sender Sender, out []Outbound, logger *zap.Logger) {
	for _, o := range out {
		data, err := protocol.NewServerMessage(o.Type, o.Payload)
		if err != nil {
			logger.Error("encode outbound", zap.String("type", o.Type), zap.Error(err))
			continue
		}
		for _, id := range o.To {
			if err := sender.SendMessage(id, data); err != nil {
				metrics.DeliveryFailures.Inc()
				logger.Debug("deliver failed",
					zap.String("type", o.Type),
					zap.String("conn", id),
					zap.Error(err),
				)
			}
		}
	}
}
