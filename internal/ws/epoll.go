//go:build linux

package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll reports which registered connections have data to read. Reads are
// done by the server's worker pool, so idle connections cost no goroutine.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]net.Conn
	fds    map[net.Conn]int
	events []unix.EpollEvent
}

// NewEpoll creates an epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		conns:  make(map[int]net.Conn),
		fds:    make(map[net.Conn]int),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add watches conn for readability and hang-up.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return err
	}
	e.mu.Lock()
	e.conns[fd] = conn
	e.fds[conn] = fd
	e.mu.Unlock()
	return nil
}

// Remove stops watching conn. The descriptor is looked up from Add since a
// closed conn no longer exposes it.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	fd, ok := e.fds[conn]
	if ok {
		delete(e.fds, conn)
		delete(e.conns, fd)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}
	// Closing the socket already removed it from the interest list.
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && !errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
		return err
	}
	return nil
}

// Wait blocks until at least one connection is readable.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	ready := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := e.conns[int(e.events[i].Fd)]; ok {
			ready = append(ready, c)
		}
	}
	return ready, nil
}

// Resume is a no-op: epoll is level-triggered and reports unread data again.
func (e *Epoll) Resume(net.Conn) {}

// Reader returns the source frames are read from.
func (e *Epoll) Reader(conn net.Conn) io.Reader { return conn }

// Close releases the epoll descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.conns = make(map[int]net.Conn)
	e.fds = make(map[net.Conn]int)
	e.mu.Unlock()
	return unix.Close(e.fd)
}

func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}

// socketFD returns the descriptor of conn without duplicating it, or -1.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(s uintptr) { fd = int(s) })
	return fd
}
