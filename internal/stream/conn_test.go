package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stockmetrics/pricestream/internal/connection"
)

func newTestConn(t *testing.T, d Dialer, onFrame func(*conn, connection.TimestampedMessage)) *conn {
	t.Helper()
	if onFrame == nil {
		onFrame = func(*conn, connection.TimestampedMessage) {}
	}
	return newConn(context.Background(), connConfig{
		symbol:  "AAPL",
		url:     "ws://feed.test/stream/prices/AAPL",
		dialer:  d,
		policy:  NewPolicy(BackoffConfig{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2}),
		logger:  discardLogger(),
		onFrame: onFrame,
	})
}

func waitDone(t *testing.T, c *conn) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
}

func TestConn_CloseWhileOpen(t *testing.T) {
	d := newFakeDialer(nil)
	c := newTestConn(t, d, nil)
	go c.run()

	tr := d.nextTransport(t)
	waitFor(t, "open", func() bool { return c.State() == StateOpen })

	if !c.close() {
		t.Fatal("first close returned false")
	}
	if c.close() {
		t.Error("second close returned true")
	}

	waitDone(t, c)
	if !tr.isClosed() {
		t.Error("transport not closed")
	}
	if c.State() != StateClosed {
		t.Errorf("state = %v, want closed", c.State())
	}
}

func TestConn_CloseBeforeRun(t *testing.T) {
	d := newFakeDialer(nil)
	c := newTestConn(t, d, nil)
	c.close()

	go c.run()
	waitDone(t, c)

	if got := d.dialCount(); got != 0 {
		t.Errorf("dials = %d, want 0", got)
	}
}

func TestConn_CloseDuringBackoff(t *testing.T) {
	d := newFakeDialer(func(int) error { return errors.New("refused") })
	c := newTestConn(t, d, nil)
	c.policy = NewPolicy(BackoffConfig{Initial: time.Hour, Max: time.Hour, Multiplier: 2})
	go c.run()

	waitFor(t, "reconnecting", func() bool { return c.State() == StateReconnecting })
	if got := c.Attempt(); got != 1 {
		t.Errorf("attempt = %d, want 1", got)
	}

	c.close()
	waitDone(t, c)

	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestConn_CloseFromFrameCallback(t *testing.T) {
	d := newFakeDialer(nil)

	frames := make(chan string, 8)
	c := newTestConn(t, d, func(c *conn, msg connection.TimestampedMessage) {
		frames <- string(msg.Data)
		c.close()
	})
	go c.run()

	tr := d.nextTransport(t)
	tr.send(`{"last":1}`)
	tr.send(`{"last":2}`)

	waitDone(t, c)

	if got := len(frames); got != 1 {
		t.Errorf("delivered %d frames, want 1", got)
	}
}

func TestConn_DrainsBufferedFramesBeforeError(t *testing.T) {
	d := newFakeDialer(func(n int) error {
		if n > 1 {
			return errors.New("refused")
		}
		return nil
	})

	frames := make(chan string, 8)
	c := newTestConn(t, d, func(_ *conn, msg connection.TimestampedMessage) {
		frames <- string(msg.Data)
	})

	go c.run()
	first := d.nextTransport(t)

	first.send(`{"last":1}`)
	first.send(`{"last":2}`)
	first.fail(errors.New("reset"))

	waitFor(t, "error", func() bool { return c.Attempt() >= 1 })
	c.close()
	waitDone(t, c)

	if got := len(frames); got != 2 {
		t.Errorf("delivered %d frames, want 2", got)
	}
}

func TestConn_ClosedMessagesChannel(t *testing.T) {
	d := newFakeDialer(nil)
	c := newTestConn(t, d, nil)

	statuses := make(chan Status, 16)
	c.onStatus = func(_ *conn, st Status) { statuses <- st }
	go c.run()
	defer func() {
		c.close()
		waitDone(t, c)
	}()

	tr := d.nextTransport(t)
	close(tr.msgs)

	for {
		st := recvStatus(t, statuses)
		if st.State == StateError {
			if !errors.Is(st.Err, connection.ErrServerClosed) {
				t.Errorf("Err = %v, want ErrServerClosed", st.Err)
			}
			return
		}
	}
}
