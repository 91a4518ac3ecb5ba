package ws

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one accepted WebSocket with its write lock and liveness
// timestamp.
type Connection struct {
	ID        string
	Conn      net.Conn
	Fd        int
	CreatedAt time.Time

	reader       io.Reader // source for frame reads; see poller.Reader
	lastSeen     atomic.Int64
	writeMu      sync.Mutex
	writeTimeout time.Duration
	processing   int32 // 1 while a worker is reading a frame
}

func newConnection(id string, conn net.Conn, fd int, reader io.Reader, writeTimeout time.Duration, now time.Time) *Connection {
	c := &Connection{
		ID:           id,
		Conn:         conn,
		Fd:           fd,
		CreatedAt:    now,
		reader:       reader,
		writeTimeout: writeTimeout,
	}
	c.Touch(now)
	return c
}

// Touch records activity on the connection.
func (c *Connection) Touch(t time.Time) {
	c.lastSeen.Store(t.UnixNano())
}

// LastSeen returns the time of the last frame received.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// write runs fn under the write lock with the connection's write deadline,
// so a client that stops reading cannot hold a worker.
func (c *Connection) write(fn func(w io.Writer) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return fn(c.Conn)
}

// WriteMessage sends a text frame. Concurrent writers are serialized.
func (c *Connection) WriteMessage(data []byte) error {
	return c.write(func(w io.Writer) error {
		return wsutil.WriteServerMessage(w, ws.OpText, data)
	})
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	return c.write(func(w io.Writer) error {
		return ws.WriteFrame(w, ws.NewPingFrame(nil))
	})
}

// WriteClose sends a close frame with the given status and reason.
func (c *Connection) WriteClose(code ws.StatusCode, reason string) error {
	return c.write(func(w io.Writer) error {
		return ws.WriteFrame(w, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	})
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager indexes live connections by id and by net.Conn.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	cm.byID[c.ID] = c
	cm.byConn[c.Conn] = c
	cm.mu.Unlock()
}

// Remove drops a connection by id and closes it. It reports whether the
// connection was still registered, so concurrent removals clean up once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	c, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, c.Conn)
	}
	cm.mu.Unlock()

	if ok {
		_ = c.Close()
	}
	return ok
}

// Get returns the connection with the given id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByConn returns the connection wrapping nc, or nil.
func (cm *ConnectionManager) GetByConn(nc net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[nc]
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of the live connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		out = append(out, c)
	}
	return out
}
