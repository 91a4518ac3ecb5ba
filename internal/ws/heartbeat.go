package ws

import (
	"time"

	"go.uber.org/zap"
)

// HeartbeatConfig controls liveness probing.
type HeartbeatConfig struct {
	Interval time.Duration // time between ping rounds
	Timeout  time.Duration // grace after Interval before a silent conn is dropped
}

// DefaultHeartbeatConfig pings every 30s and drops connections silent for 40s.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

func (s *Server) runHeartbeat() {
	if s.config.Heartbeat.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.Heartbeat.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.checkConnections(now)
		}
	}
}

// checkConnections drops connections that have been silent for longer than
// Interval+Timeout and pings the rest. Browsers answer pings automatically,
// and any frame counts as activity.
func (s *Server) checkConnections(now time.Time) {
	deadline := s.config.Heartbeat.Interval + s.config.Heartbeat.Timeout
	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			s.logger.Info("heartbeat timeout", zap.String("conn", c.ID), zap.Duration("idle", idle.Round(time.Second)))
			s.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			s.logger.Debug("heartbeat ping failed", zap.String("conn", c.ID), zap.Error(err))
			s.RemoveConnection(c)
		}
	}
}
