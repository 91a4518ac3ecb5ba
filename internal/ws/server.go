// Package ws is the WebSocket transport of the chat server. Connections are
// upgraded with gobwas/ws, watched with epoll and read by a bounded worker
// pool; every complete text frame is handed to a single message callback.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parley/chat-app/internal/config"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// ServerConfigFrom maps the loaded configuration section.
func ServerConfigFrom(c config.Server) ServerConfig {
	return ServerConfig{
		ListenAddr:     c.ListenAddr,
		WorkerPoolSize: c.WorkerPoolSize,
		MaxConnections: c.MaxConnections,
		ReadTimeout:    c.ReadTimeout,
		WriteTimeout:   c.WriteTimeout,
		Heartbeat: HeartbeatConfig{
			Interval: c.HeartbeatInterval,
			Timeout:  c.HeartbeatTimeout,
		},
	}
}

// OnlineCounter reports the number of joined users for the health endpoint.
type OnlineCounter interface {
	OnlineCount() int
}

// RoomCounter is implemented by online counters that can also report room
// occupancy. Health responses include it when available.
type RoomCounter interface {
	RoomCounts() map[string]int
}

// Server accepts WebSocket connections and feeds their frames to onMessage.
type Server struct {
	config       ServerConfig
	poller       *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(connID string)
	online       OnlineCounter
	httpServer   *http.Server
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
	logger       *zap.Logger
}

// NewServer creates a server. onMessage runs on a worker goroutine; frames of
// one connection are delivered one at a time and in order.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte), logger *zap.Logger) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		logger:     logger.Named("ws"),
	}
}

// SetOnDisconnect registers the callback run once for every connection that
// goes away, whatever the cause.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetOnlineCounter sets the source of onlineUsers in health responses.
func (s *Server) SetOnlineCounter(c OnlineCounter) {
	s.online = c
}

// Handler returns the HTTP routes: the WebSocket endpoint, health checks and
// Prometheus metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	poller, err := NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.poller = poller
	s.startedAt = time.Now()
	s.httpServer = &http.Server{Handler: s.Handler()}

	go s.eventLoop()
	go s.runHeartbeat()

	s.logger.Info("listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections),
	)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.poller == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	id := uuid.Must(uuid.NewV7()).String()
	if err := s.poller.Add(conn); err != nil {
		s.logger.Error("epoll add failed", zap.String("conn", id), zap.Error(err))
		_ = conn.Close()
		return
	}
	c := newConnection(id, conn, socketFD(conn), s.poller.Reader(conn), s.config.WriteTimeout, time.Now())
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	hello, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: id})
	if err == nil {
		err = s.SendMessage(id, hello)
	}
	if err != nil {
		s.logger.Warn("send session_created", zap.String("conn", id), zap.Error(err))
	}

	s.logger.Debug("connection opened", zap.String("conn", id), zap.Int("fd", c.Fd), zap.Int("total", s.conns.Count()))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Status      string         `json:"status"`
		OnlineUsers int            `json:"onlineUsers"`
		Connections int            `json:"connections"`
		Rooms       map[string]int `json:"rooms,omitempty"`
		Uptime      string         `json:"uptime"`
		Timestamp   time.Time      `json:"timestamp"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
		Timestamp:   time.Now().UTC(),
	}
	if s.online != nil {
		resp.OnlineUsers = s.online.OnlineCount()
		if rc, ok := s.online.(RoomCounter); ok {
			resp.Rooms = rc.RoomCounts()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) eventLoop() {
	for {
		ready, err := s.poller.Wait()
		select {
		case <-s.done:
			return
		default:
		}
		if err != nil {
			if !isEINTR(err) {
				s.logger.Error("epoll wait", zap.Error(err))
			}
			continue
		}

		for _, nc := range ready {
			nc := nc
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				defer s.poller.Resume(nc)
				s.handleConn(nc)
			}()
		}
	}
}

// handleConn reads one frame from a readable connection.
func (s *Server) handleConn(nc net.Conn) {
	c := s.conns.GetByConn(nc)
	if c == nil {
		return
	}
	// Level-triggered epoll can report the same conn again before the
	// previous worker finishes.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = nc.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}
	hdr, rd, err := wsutil.NextReader(c.reader, ws.StateServerSide)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = nc.SetReadDeadline(time.Time{})
	c.Touch(time.Now())

	if hdr.OpCode.IsControl() {
		if err := s.control(c, hdr, rd); err != nil {
			s.RemoveConnection(c)
		}
		return
	}

	data, err := io.ReadAll(rd)
	if err != nil {
		s.RemoveConnection(c)
		return
	}
	if len(data) == 0 || s.onMessage == nil {
		return
	}
	s.onMessage(c, data)
}

// control answers ping and close frames. A close frame yields an error so
// the caller drops the connection.
func (s *Server) control(c *Connection, hdr ws.Header, r io.Reader) error {
	var reply bytes.Buffer
	err := wsutil.ControlHandler{Src: r, Dst: &reply, State: ws.StateServerSide}.Handle(hdr)
	if reply.Len() > 0 {
		_ = c.write(func(w io.Writer) error {
			_, werr := w.Write(reply.Bytes())
			return werr
		})
	}
	return err
}

// RemoveConnection unregisters and closes c. The disconnect callback runs
// exactly once per connection even when several paths race to remove it.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()
	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}
	s.logger.Debug("connection closed", zap.String("conn", c.ID), zap.Int("total", s.conns.Count()))
}

// Kick closes connID with a normal close frame. Clients do not retry a close
// initiated this way.
func (s *Server) Kick(connID, reason string) {
	c := s.conns.Get(connID)
	if c == nil {
		return
	}
	_ = c.WriteClose(ws.StatusNormalClosure, reason)
	s.RemoveConnection(c)
}

// SendMessage writes a text frame to connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

// Connections exposes the live connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections and closes the live ones with a
// going-away frame, which clients treat as retryable. The disconnect
// callback is not run.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("shutting down", zap.Int("connections", s.conns.Count()))
		close(s.done)

		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}
		for _, c := range s.conns.All() {
			_ = c.WriteClose(ws.StatusGoingAway, "server shutting down")
			if s.poller != nil {
				_ = s.poller.Remove(c.Conn)
			}
			s.conns.Remove(c.ID)
		}
		metrics.ConnectionsTotal.Set(0)
		if s.poller != nil {
			_ = s.poller.Close()
		}
	})
	return err
}
