//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
)

type watched struct {
	br     *bufio.Reader
	resume chan struct{}
	gone   chan struct{}
}

// Epoll emulates readiness notification with one goroutine per connection.
// Each goroutine peeks for the next byte, reports the connection and then
// waits for Resume before peeking again, so it never races the frame reader.
type Epoll struct {
	mu        sync.Mutex
	conns     map[net.Conn]*watched
	ready     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns: make(map[net.Conn]*watched),
		ready: make(chan net.Conn, 128),
		done:  make(chan struct{}),
	}, nil
}

// Add starts watching conn.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watched{
		br:     bufio.NewReader(conn),
		resume: make(chan struct{}, 1),
		gone:   make(chan struct{}),
	}
	e.mu.Lock()
	e.conns[conn] = w
	e.mu.Unlock()
	go e.monitor(conn, w)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, w *watched) {
	for {
		_, err := w.br.Peek(1)
		select {
		case e.ready <- conn:
		case <-w.gone:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-w.resume:
		case <-w.gone:
			return
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor of conn look for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	w, ok := e.conns[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Reader returns the buffered reader that holds the peeked byte.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.conns[conn]; ok {
		return w.br
	}
	return conn
}

// Remove stops watching conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(w.gone)
	}
	return nil
}

// Wait blocks until at least one connection is readable and drains any
// others that are already ready.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.ready:
	case <-e.done:
		return nil, net.ErrClosed
	}
	conns := []net.Conn{first}
	for {
		select {
		case c := <-e.ready:
			conns = append(conns, c)
		default:
			return conns, nil
		}
	}
}

// Close stops every monitor.
func (e *Epoll) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}

func isEINTR(error) bool { return false }

func socketFD(net.Conn) int { return -1 }
