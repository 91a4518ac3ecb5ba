// Package reconnect keeps one logical client connection alive. It retries
// transport drops with capped exponential backoff plus jitter, gives up after
// a fixed number of attempts, and never retries a close initiated by the
// server. A manual Reconnect restarts from any state.
package reconnect

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parley/chat-app/internal/metrics"
)

// ErrServerClosed is returned by Conn.Wait when the server closed the
// connection on purpose.
var ErrServerClosed = errors.New("reconnect: closed by server")

// State of the controller.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Backoff
	Exhausted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	case Exhausted:
		return "exhausted"
	}
	return "unknown"
}

// Defaults for Options.
const (
	DefaultBase        = 1000 * time.Millisecond
	DefaultCap         = 30000 * time.Millisecond
	DefaultJitter      = 1000 * time.Millisecond
	DefaultMaxAttempts = 5
)

// Conn is a live transport.
type Conn interface {
	// Wait blocks until the transport ends. It returns ErrServerClosed (or
	// an error wrapping it) for a server-initiated close.
	Wait() error
	Close() error
}

// Dialer opens a new transport.
type Dialer func(ctx context.Context) (Conn, error)

// Timer is a pending callback.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. Tests substitute a manual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Status is a snapshot of the controller.
type Status struct {
	State          State
	Attempt        int
	LastDisconnect time.Time
	// NextDelay is the scheduled retry delay while in Backoff.
	NextDelay time.Duration
	// Err is the last dial or transport error, if any.
	Err error
}

// Options configures a Controller. Zero values select the defaults.
type Options struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
	// Jitter returns the random delay added to each backoff.
	Jitter func() time.Duration
	Clock  Clock
	Logger *zap.Logger

	// OnConnected runs after each successful dial, before the controller
	// starts waiting on the connection.
	OnConnected func(Conn)
	// OnStateChange receives every transition in order.
	OnStateChange func(Status)
}

func (o *Options) setDefaults() {
	if o.Base <= 0 {
		o.Base = DefaultBase
	}
	if o.Cap <= 0 {
		o.Cap = DefaultCap
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Jitter == nil {
		o.Jitter = func() time.Duration { return time.Duration(rand.Int63n(int64(DefaultJitter))) }
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Controller owns one logical connection and at most one retry timer.
type Controller struct {
	dial Dialer
	opts Options

	mu     sync.Mutex
	hookMu sync.Mutex
	status Status
	conn   Conn
	timer  Timer
	// gen changes whenever a manual action supersedes in-flight work; stale
	// dial results and timers compare against it and drop themselves.
	gen    uint64
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// New creates a controller in the Disconnected state.
func New(dial Dialer, opts Options) *Controller {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		dial:   dial,
		opts:   opts,
		status: Status{State: Disconnected},
		ctx:    ctx,
		cancel: cancel,
		logger: opts.Logger.Named("reconnect"),
	}
}

// Delay returns the backoff before retry n without jitter:
// min(base * 2^n, cap).
func (c *Controller) Delay(n int) time.Duration {
	d := c.opts.Base
	for i := 0; i < n && d < c.opts.Cap; i++ {
		d *= 2
	}
	if d > c.opts.Cap {
		d = c.opts.Cap
	}
	return d
}

// Status returns the current snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Start dials from the Disconnected state. It returns once the first dial
// has either connected or scheduled a retry.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.closed || c.status.State != Disconnected {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.status.Attempt = 0
	snap := c.setLocked(Connecting, nil)
	c.mu.Unlock()

	c.emit(snap)
	c.connect(gen)
}

// Reconnect cancels any pending retry, tears down the live transport, resets
// the attempt counter and dials immediately. Valid from every state.
func (c *Controller) Reconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.stopTimerLocked()
	live := c.conn
	c.conn = nil
	c.status.Attempt = 0
	snap := c.setLocked(Connecting, nil)
	c.mu.Unlock()

	if live != nil {
		_ = live.Close()
	}
	c.logger.Info("manual reconnect")
	c.emit(snap)
	c.connect(gen)
}

// Close stops the controller for good: the timer is cancelled, the transport
// closed and no hook runs afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.gen++
	c.stopTimerLocked()
	live := c.conn
	c.conn = nil
	c.status.State = Disconnected
	c.mu.Unlock()

	c.cancel()
	if live != nil {
		return live.Close()
	}
	return nil
}

func (c *Controller) connect(gen uint64) {
	conn, err := c.dial(c.ctx)

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		if err == nil && conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.logger.Warn("dial failed", zap.Int("attempt", c.status.Attempt), zap.Error(err))
		snap := c.backoffLocked(gen, c.status.Attempt, err)
		c.mu.Unlock()
		c.emit(snap)
		return
	}

	c.conn = conn
	c.status.Attempt = 0
	c.status.LastDisconnect = time.Time{}
	snap := c.setLocked(Connected, nil)
	c.mu.Unlock()

	c.logger.Info("connected")
	c.emit(snap)
	if c.opts.OnConnected != nil {
		c.opts.OnConnected(conn)
	}
	go c.watch(gen, conn)
}

// watch waits for the transport to end and decides whether to retry.
func (c *Controller) watch(gen uint64, conn Conn) {
	err := conn.Wait()

	c.mu.Lock()
	if c.closed || gen != c.gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.status.LastDisconnect = c.opts.Clock.Now()

	var snap Status
	if errors.Is(err, ErrServerClosed) {
		c.logger.Info("server closed the connection, not retrying")
		snap = c.setLocked(Disconnected, err)
	} else {
		c.logger.Warn("connection lost", zap.Error(err))
		snap = c.backoffLocked(gen, 0, err)
	}
	c.mu.Unlock()
	c.emit(snap)
}

// backoffLocked enters Backoff(n) and arms the retry timer, or enters
// Exhausted when n has reached MaxAttempts.
func (c *Controller) backoffLocked(gen uint64, n int, cause error) Status {
	c.stopTimerLocked()
	c.status.Attempt = n
	if n >= c.opts.MaxAttempts {
		c.status.NextDelay = 0
		c.logger.Warn("giving up", zap.Int("attempts", n))
		return c.setLocked(Exhausted, cause)
	}

	delay := c.Delay(n) + c.opts.Jitter()
	c.status.NextDelay = delay
	c.timer = c.opts.Clock.AfterFunc(delay, func() { c.fire(gen) })
	return c.setLocked(Backoff, cause)
}

func (c *Controller) fire(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.status.State != Backoff {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.status.Attempt++
	snap := c.setLocked(Connecting, c.status.Err)
	c.mu.Unlock()

	metrics.ReconnectAttempts.Inc()
	c.emit(snap)
	c.connect(gen)
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) setLocked(s State, err error) Status {
	c.status.State = s
	c.status.Err = err
	if s != Backoff {
		c.status.NextDelay = 0
	}
	return c.status
}

func (c *Controller) emit(s Status) {
	if c.opts.OnStateChange == nil {
		return
	}
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.opts.OnStateChange(s)
}
