package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stockmetrics/pricestream/internal/connection"
)

// connConfig carries everything a conn needs from its Manager.
type connConfig struct {
	symbol      string
	url         string
	dialer      Dialer
	policy      Policy
	maxAttempts int           // 0 = never report exhaustion
	limiter     *rate.Limiter // nil = unlimited dials
	logger      *slog.Logger

	onFrame  func(c *conn, msg connection.TimestampedMessage)
	onStatus func(c *conn, st Status)
}

// conn is the connection state machine for one symbol.
//
//	Idle -> Connecting -> Open -> Error -> Reconnecting -> Connecting ...
//	any  -> Closed (only via close; terminal)
type conn struct {
	connConfig

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   State
	attempt int       // Consecutive failures since the last Open
	live    Transport // Set while Open; closed by close
}

func newConn(parent context.Context, cfg connConfig) *conn {
	ctx, cancel := context.WithCancel(parent)
	return &conn{
		connConfig: cfg,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      StateIdle,
	}
}

// State returns the current lifecycle state.
func (c *conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the number of consecutive failures since the last Open.
func (c *conn) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// close moves the connection to Closed, releases the open transport and
// cancels any dial, read or reconnect wait. It does not wait for the run
// goroutine, so it is safe to call from inside a tick callback. Returns
// false if already closed.
func (c *conn) close() bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.state = StateClosed
	t := c.live
	c.live = nil
	c.mu.Unlock()

	c.cancel()
	if t != nil {
		t.Close()
	}
	c.logger.Info("stream closed")
	return true
}

// run drives the state machine until close is called.
func (c *conn) run() {
	defer close(c.done)

	for {
		if !c.transition(StateConnecting, nil) {
			return
		}

		t, err := c.dial()
		if err == nil {
			if !c.open(t) {
				t.Close()
				return
			}
			err = c.pump(t)
			t.Close()
			if err == nil {
				// Closed while open.
				return
			}
		}

		if !c.fail(err) {
			return
		}

		if !c.waitReconnect() {
			return
		}
	}
}

// dial opens a new transport, honoring the shared dial limiter.
func (c *conn) dial() (Transport, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(c.ctx); err != nil {
			return nil, err
		}
	}
	return c.dialer.Dial(c.ctx, c.url)
}

// transition sets state unless the connection is closed.
func (c *conn) transition(to State, err error) bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.state = to
	st := Status{Symbol: c.symbol, State: to, Attempt: c.attempt, Err: err}
	c.mu.Unlock()

	c.emit(st)
	return true
}

// open marks t ready and resets the backoff.
func (c *conn) open(t Transport) bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	recovered := c.attempt > 0
	c.state = StateOpen
	c.attempt = 0
	c.live = t
	c.mu.Unlock()

	if recovered {
		c.logger.Info("stream reconnected")
	} else {
		c.logger.Debug("stream open")
	}
	c.emit(Status{Symbol: c.symbol, State: StateOpen})
	return true
}

// fail records a transport failure and moves to Error.
func (c *conn) fail(err error) bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.attempt++
	c.state = StateError
	c.live = nil
	attempt := c.attempt
	c.mu.Unlock()

	c.logger.Warn("stream error", "attempt", attempt, "error", err)
	if c.maxAttempts > 0 && attempt == c.maxAttempts {
		c.logger.Error("stream unavailable, still retrying",
			"attempts", attempt,
		)
	}

	c.emit(Status{Symbol: c.symbol, State: StateError, Attempt: attempt, Err: err})
	return true
}

// waitReconnect moves to Reconnecting and sleeps for the backoff delay.
// Returns false if the connection was closed meanwhile.
func (c *conn) waitReconnect() bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.state = StateReconnecting
	attempt := c.attempt
	c.mu.Unlock()

	delay := c.policy.NextDelay(attempt)
	st := Status{
		Symbol:  c.symbol,
		State:   StateReconnecting,
		Attempt: attempt,
		Delay:   delay,
	}
	if c.maxAttempts > 0 && attempt >= c.maxAttempts {
		st.Exhausted = true
		st.Err = ErrExhaustedRetries
	}
	c.emit(st)

	c.logger.Info("attempting reconnection", "attempt", attempt, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// pump forwards frames until the transport fails or the connection closes.
// Returns nil when closed, otherwise the transport error.
func (c *conn) pump(t Transport) error {
	for {
		select {
		case <-c.ctx.Done():
			return nil

		case msg, ok := <-t.Messages():
			if !ok {
				return connection.ErrServerClosed
			}
			c.deliver(msg)

		case err := <-t.Errors():
			// Frames read before the failure still go out first.
			c.drain(t)
			if err == nil {
				err = connection.ErrServerClosed
			}
			return err
		}
	}
}

// drain delivers any frames already buffered on t.
func (c *conn) drain(t Transport) {
	for {
		select {
		case msg, ok := <-t.Messages():
			if !ok {
				return
			}
			c.deliver(msg)
		default:
			return
		}
	}
}

// deliver hands a frame to the registry while the connection is Open.
func (c *conn) deliver(msg connection.TimestampedMessage) {
	if c.State() != StateOpen {
		return
	}
	c.onFrame(c, msg)
}

func (c *conn) emit(st Status) {
	if c.onStatus != nil {
		c.onStatus(c, st)
	}
}
