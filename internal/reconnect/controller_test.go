package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fire runs the single pending timer and returns its delay.
func (c *fakeClock) fire(t *testing.T) time.Duration {
	t.Helper()
	p := c.pending()
	require.Len(t, p, 1, "expected exactly one pending timer")
	c.mu.Lock()
	p[0].fired = true
	c.now = c.now.Add(p[0].delay)
	c.mu.Unlock()
	p[0].fn()
	return p[0].delay
}

type fakeConn struct {
	done      chan error
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan error, 1), closed: make(chan struct{})}
}

func (c *fakeConn) Wait() error {
	select {
	case err := <-c.done:
		return err
	case <-c.closed:
		return errors.New("closed locally")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// scriptedDialer fails the first `failures` dials, then hands out fresh conns.
type scriptedDialer struct {
	mu       sync.Mutex
	failures int
	calls    int
	conns    []*fakeConn
}

func (d *scriptedDialer) dial(context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.failures > 0 {
		d.failures--
		return nil, fmt.Errorf("dial %d refused", d.calls)
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *scriptedDialer) setFailures(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

func (d *scriptedDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *scriptedDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func newTestController(t *testing.T, d *scriptedDialer, clock *fakeClock, jitter time.Duration) (*Controller, func() []State) {
	var mu sync.Mutex
	var states []State
	c := New(d.dial, Options{
		Clock:  clock,
		Jitter: func() time.Duration { return jitter },
		Logger: zaptest.NewLogger(t),
		OnStateChange: func(s Status) {
			mu.Lock()
			states = append(states, s.State)
			mu.Unlock()
		},
	})
	t.Cleanup(func() { _ = c.Close() })
	return c, func() []State {
		mu.Lock()
		defer mu.Unlock()
		return append([]State(nil), states...)
	}
}

func TestDelay_CappedExponential(t *testing.T) {
	c := New(nil, Options{})
	assert.Equal(t, 1*time.Second, c.Delay(0))
	assert.Equal(t, 2*time.Second, c.Delay(1))
	assert.Equal(t, 4*time.Second, c.Delay(2))
	assert.Equal(t, 16*time.Second, c.Delay(4))
	assert.Equal(t, 30*time.Second, c.Delay(5))
	assert.Equal(t, 30*time.Second, c.Delay(60))
}

func TestController_BackoffThenExhausted(t *testing.T) {
	clock := newFakeClock()
	d := &scriptedDialer{failures: 100}
	c, _ := newTestController(t, d, clock, 250*time.Millisecond)

	c.Start()
	assert.Equal(t, Backoff, c.Status().State)
	assert.Equal(t, 0, c.Status().Attempt)

	want := []time.Duration{1250, 2250, 4250, 8250, 16250}
	for i, ms := range want {
		assert.Equal(t, ms*time.Millisecond, c.Status().NextDelay, "retry %d", i)
		assert.Equal(t, ms*time.Millisecond, clock.fire(t))
		assert.Equal(t, i+1, c.Status().Attempt)
	}

	st := c.Status()
	assert.Equal(t, Exhausted, st.State)
	assert.Equal(t, 5, st.Attempt)
	assert.Error(t, st.Err)
	assert.Empty(t, clock.pending(), "no timer after giving up")
	assert.Equal(t, 6, d.callCount())
}

func TestController_DefaultJitterWindow(t *testing.T) {
	clock := newFakeClock()
	d := &scriptedDialer{failures: 3}
	c := New(d.dial, Options{Clock: clock, Logger: zaptest.NewLogger(t)})
	defer c.Close()

	c.Start()
	windows := [][2]time.Duration{
		{1000 * time.Millisecond, 2000 * time.Millisecond},
		{2000 * time.Millisecond, 3000 * time.Millisecond},
		{4000 * time.Millisecond, 5000 * time.Millisecond},
	}
	for i, w := range windows {
		got := clock.fire(t)
		assert.GreaterOrEqual(t, got, w[0], "retry %d", i)
		assert.Less(t, got, w[1], "retry %d", i)
	}
	assert.Equal(t, Connected, c.Status().State)
	assert.Equal(t, 0, c.Status().Attempt)
}

func TestController_DropRetriesAndResets(t *testing.T) {
	clock := newFakeClock()
	d := &scriptedDialer{}
	c, states := newTestController(t, d, clock, 0)

	c.Start()
	require.Equal(t, Connected, c.Status().State)

	d.setFailures(1)
	d.last().done <- errors.New("connection reset")

	require.Eventually(t, func() bool { return len(states()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, Backoff, c.Status().State)
	assert.False(t, c.Status().LastDisconnect.IsZero())
	assert.Equal(t, time.Second, clock.fire(t))
	assert.Equal(t, Backoff, c.Status().State)
	assert.Equal(t, 1, c.Status().Attempt)

	assert.Equal(t, 2*time.Second, clock.fire(t))
	assert.Equal(t, Connected, c.Status().State)
	assert.Equal(t, 0, c.Status().Attempt)

	assert.Equal(t, []State{Connecting, Connected, Backoff, Connecting, Backoff, Connecting, Connected}, states())
}

func TestController_ServerCloseIsNotRetried(t *testing.T) {
	clock := newFakeClock()
	d := &scriptedDialer{}
	c, _ := newTestController(t, d, clock, 0)

	c.Start()
	d.last().done <- fmt.Errorf("read: %w", ErrServerClosed)

	require.Eventually(t, func() bool { return c.Status().State == Disconnected }, time.Second, time.Millisecond)
	assert.Empty(t, clock.pending())
	assert.Equal(t, 1, d.callCount())
}

func TestController_ManualReconnectFromExhausted(t *testing.T) {
	clock := newFakeClock()
	d := &scriptedDialer{failures: 6}
	c, _ := newTestController(t, d, clock, 0)

	c.Start()
	for i := 0; i < 5; i++ {
		clock.fire(t)
	}
	require.Equal(t, Exhausted, c.Status().State)

	c.Reconnect()
	assert.Equal(t, Connected, c.Status().State)
	assert.Equal(t, 0, c.Status().Attempt)
}

func TestController_ManualReconnectCancelsTimer(t *testing.T) {
	clock := newFakeClock()
	d := &scriptedDialer{failures: 2}
	c, _ := newTestController(t, d, clock, 0)

	c.Start()
	clock.fire(t)
	require.Equal(t, Backoff, c.Status().State)
	require.Equal(t, 1, c.Status().Attempt)
	armed := clock.pending()
	require.Len(t, armed, 1)

	c.Reconnect()
	assert.True(t, armed[0].stopped)
	assert.Equal(t, Connected, c.Status().State)
	assert.Equal(t, 0, c.Status().Attempt)

	// A timer that slipped past Stop must not dial again.
	calls := d.callCount()
	armed[0].fn()
	assert.Equal(t, calls, d.callCount())
	assert.Equal(t, Connected, c.Status().State)
}

func TestController_ManualReconnectReplacesLiveConn(t *testing.T) {
	clock := newFakeClock()
	d := &scriptedDialer{}
	c, _ := newTestController(t, d, clock, 0)

	c.Start()
	first := d.last()

	c.Reconnect()
	assert.True(t, first.isClosed())
	assert.NotSame(t, first, d.last())
	assert.Equal(t, Connected, c.Status().State)

	// The old watcher wakes up from the local close and must stay quiet.
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, Connected, c.Status().State)
	assert.Empty(t, clock.pending())
}

func TestController_CloseCancelsEverything(t *testing.T) {
	clock := newFakeClock()
	d := &scriptedDialer{failures: 1}
	c, _ := newTestController(t, d, clock, 0)

	c.Start()
	armed := clock.pending()
	require.Len(t, armed, 1)

	require.NoError(t, c.Close())
	assert.True(t, armed[0].stopped)
	assert.Equal(t, Disconnected, c.Status().State)

	armed[0].fn()
	assert.Equal(t, 1, d.callCount())

	c.Reconnect()
	c.Start()
	assert.Equal(t, 1, d.callCount())
}

func TestController_StaleDialIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	conn := newFakeConn()
	c := New(func(context.Context) (Conn, error) {
		close(entered)
		<-release
		return conn, nil
	}, Options{Clock: newFakeClock(), Logger: zaptest.NewLogger(t)})

	done := make(chan struct{})
	go func() {
		c.Start()
		close(done)
	}()

	<-entered
	require.NoError(t, c.Close())
	close(release)
	<-done

	assert.True(t, conn.isClosed())
	assert.Equal(t, Disconnected, c.Status().State)
}

func TestController_OnConnectedRunsPerDial(t *testing.T) {
	d := &scriptedDialer{}
	var mu sync.Mutex
	var got []Conn
	c := New(d.dial, Options{
		Clock:  newFakeClock(),
		Logger: zaptest.NewLogger(t),
		OnConnected: func(conn Conn) {
			mu.Lock()
			got = append(got, conn)
			mu.Unlock()
		},
	})
	defer c.Close()

	c.Start()
	c.Reconnect()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.NotSame(t, got[0], got[1])
}
