// Package client is the WebSocket transport used by the terminal client. It
// connects with gobwas/ws, the same library the server uses, and hands every
// server message to a single callback.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/reconnect"
)

// DefaultReadTimeout is how long the connection may stay silent before it
// counts as dropped. The server pings every 30s by default.
const DefaultReadTimeout = 60 * time.Second

// Handler receives the type and the full raw JSON of each server message. It
// runs on the read goroutine.
type Handler func(msgType string, raw json.RawMessage)

// Conn is one WebSocket connection to the chat server. It satisfies
// reconnect.Conn.
type Conn struct {
	conn      net.Conn
	src       io.Reader // conn, or the handshake reader when it holds early frames
	handler   Handler
	mu        sync.Mutex // serializes frame writes
	sessionID string

	readTimeout time.Duration

	done      chan struct{}
	err       error
	closing   chan struct{}
	closeOnce sync.Once
}

// Option configures a Conn.
type Option func(*Conn)

// WithReadTimeout sets how long the server may stay silent, pings included,
// before the connection is treated as dropped. d <= 0 disables the deadline.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Conn) { c.readTimeout = d }
}

// Dial connects to url and starts the read loop.
func Dial(ctx context.Context, url string, handler Handler, opts ...Option) (*Conn, error) {
	netConn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	c := &Conn{
		conn:        netConn,
		src:         netConn,
		handler:     handler,
		readTimeout: DefaultReadTimeout,
		done:        make(chan struct{}),
		closing:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if br != nil {
		c.src = br
	}
	go c.readLoop()
	return c, nil
}

// Send encodes payload under msgType and writes it as one text frame.
func (c *Conn) Send(msgType string, payload interface{}) error {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// SessionID returns the id from session_created, or "" before it arrived.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Wait blocks until the read loop ends. A close frame from the server is
// reported as reconnect.ErrServerClosed unless its status is going-away,
// which a restarting server sends. A local Close returns nil.
func (c *Conn) Wait() error {
	<-c.done
	return c.err
}

// Close sends a normal close frame and closes the socket. Safe to call more
// than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.mu.Lock()
		_ = ws.WriteFrame(c.conn, ws.MaskFrameInPlace(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		data, err := c.readText()
		if err != nil {
			c.err = c.classify(err)
			_ = c.conn.Close()
			return
		}

		var env struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			continue
		}
		if env.Type == protocol.TypeSessionCreated {
			c.mu.Lock()
			c.sessionID = env.SessionID
			c.mu.Unlock()
		}
		if c.handler != nil {
			c.handler(env.Type, json.RawMessage(data))
		}
	}
}

// readText returns the next text message. Control frames are answered here;
// replies are buffered and written under the write lock so they never
// interleave with Send.
func (c *Conn) readText() ([]byte, error) {
	rd := wsutil.Reader{
		Source:    c.src,
		State:     ws.StateClientSide,
		CheckUTF8: true,
	}
	rd.OnIntermediate = c.control
	for {
		if c.readTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
				return nil, err
			}
		}
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.control(hdr, &rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(&rd)
	}
}

func (c *Conn) control(hdr ws.Header, r io.Reader) error {
	var reply bytes.Buffer
	err := wsutil.ControlHandler{
		Src:   r,
		Dst:   &reply,
		State: ws.StateClientSide,
	}.Handle(hdr)
	if reply.Len() > 0 {
		c.mu.Lock()
		_, werr := c.conn.Write(reply.Bytes())
		c.mu.Unlock()
		if err == nil {
			err = werr
		}
	}
	return err
}

func (c *Conn) classify(err error) error {
	select {
	case <-c.closing:
		return nil
	default:
	}
	var closed wsutil.ClosedError
	if errors.As(err, &closed) && closed.Code != ws.StatusGoingAway {
		return fmt.Errorf("client: %w (code %d %q)", reconnect.ErrServerClosed, closed.Code, closed.Reason)
	}
	return fmt.Errorf("client: read: %w", err)
}
