package view

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stockmetrics/pricestream/internal/connection"
	"github.com/stockmetrics/pricestream/internal/stream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// feedTransport is an in-memory stream socket.
type feedTransport struct {
	msgs chan connection.TimestampedMessage
	errs chan error
}

func (t *feedTransport) Messages() <-chan connection.TimestampedMessage { return t.msgs }
func (t *feedTransport) Errors() <-chan error                          { return t.errs }
func (t *feedTransport) Close() error                                  { return nil }

// fakeFeed dials in-memory transports keyed by the symbol in the URL.
type fakeFeed struct {
	mu    sync.Mutex
	live  map[string]*feedTransport
	dials map[string]int
	down  bool
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		live:  make(map[string]*feedTransport),
		dials: make(map[string]int),
	}
}

func (f *fakeFeed) dial(_ context.Context, url string) (stream.Transport, error) {
	sym := path.Base(url)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials[sym]++
	if f.down {
		return nil, errors.New("connection refused")
	}
	t := &feedTransport{
		msgs: make(chan connection.TimestampedMessage, 64),
		errs: make(chan error, 1),
	}
	f.live[sym] = t
	return t, nil
}

func (f *fakeFeed) dialCount(sym string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials[sym]
}

func (f *fakeFeed) transport(t *testing.T, sym string) *feedTransport {
	t.Helper()
	var tr *feedTransport
	waitFor(t, "dial of "+sym, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		tr = f.live[sym]
		return tr != nil
	})
	return tr
}

func (f *fakeFeed) send(t *testing.T, sym, raw string) {
	t.Helper()
	f.transport(t, sym).msgs <- connection.TimestampedMessage{Data: []byte(raw), ReceivedAt: time.Now()}
}

// drop fails the live transport for sym and refuses new dials.
func (f *fakeFeed) drop(t *testing.T, sym string) {
	t.Helper()
	tr := f.transport(t, sym)
	f.mu.Lock()
	f.down = true
	delete(f.live, sym)
	f.mu.Unlock()
	tr.errs <- errors.New("connection reset")
}

func newTestManager(t *testing.T, feed *fakeFeed, maxAttempts int) *stream.Manager {
	t.Helper()
	m, err := stream.NewManager(stream.Config{
		BaseURL: "ws://feed.test",
		Backoff: stream.BackoffConfig{
			Initial:    2 * time.Millisecond,
			Max:        10 * time.Millisecond,
			Multiplier: 2,
		},
		MaxAttempts: maxAttempts,
	}, stream.DialFunc(feed.dial), stream.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m
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

func liveConnections(m *stream.Manager) int {
	return int(m.Stats().LiveConnections)
}
