package stream

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stockmetrics/pricestream/internal/connection"
)

// fakeTransport is an in-memory Transport driven by the test.
type fakeTransport struct {
	msgs   chan connection.TimestampedMessage
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		msgs:   make(chan connection.TimestampedMessage, 256),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Messages() <-chan connection.TimestampedMessage { return f.msgs }
func (f *fakeTransport) Errors() <-chan error                          { return f.errs }

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) send(raw string) {
	f.msgs <- frame(raw)
}

func frame(raw string) connection.TimestampedMessage {
	return connection.TimestampedMessage{Data: []byte(raw), ReceivedAt: time.Now()}
}

func (f *fakeTransport) fail(err error) {
	f.errs <- err
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// fakeDialer records dialed URLs. fail decides the outcome of dial n
// (1-based); a nil fail or nil result means success.
type fakeDialer struct {
	mu     sync.Mutex
	urls   []string
	fail   func(n int) error
	opened chan *fakeTransport
}

func newFakeDialer(fail func(n int) error) *fakeDialer {
	return &fakeDialer{
		fail:   fail,
		opened: make(chan *fakeTransport, 64),
	}
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Transport, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	n := len(d.urls)
	d.mu.Unlock()

	if d.fail != nil {
		if err := d.fail(n); err != nil {
			return nil, err
		}
	}

	t := newFakeTransport()
	d.opened <- t
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) dialedURLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

func (d *fakeDialer) nextTransport(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-d.opened:
		return tr
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for dial")
		return nil
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testManagerConfig() Config {
	return Config{
		BaseURL: "ws://feed.test",
		Backoff: BackoffConfig{
			Initial:    5 * time.Millisecond,
			Max:        40 * time.Millisecond,
			Multiplier: 2,
		},
	}
}

func newTestManager(t *testing.T, cfg Config, d Dialer, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	m, err := NewManager(cfg, d, opts...)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := m.Stop(ctx); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})
	return m
}

// tickSink returns a Callback that forwards ticks to the returned channel.
func tickSink() (Callback, chan PriceTick) {
	ch := make(chan PriceTick, 256)
	return func(tick PriceTick) { ch <- tick }, ch
}

func recvTick(t *testing.T, ch <-chan PriceTick) PriceTick {
	t.Helper()
	select {
	case tick := <-ch:
		return tick
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for tick")
		return PriceTick{}
	}
}

func expectNoTick(t *testing.T, ch <-chan PriceTick) {
	t.Helper()
	select {
	case tick := <-ch:
		t.Fatalf("unexpected tick: %+v", tick)
	case <-time.After(50 * time.Millisecond):
	}
}

func recvStatus(t *testing.T, ch <-chan Status) Status {
	t.Helper()
	select {
	case st := <-ch:
		return st
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status")
		return Status{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
