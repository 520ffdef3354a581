package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestNewManager_Validation(t *testing.T) {
	d := newFakeDialer(nil)

	tests := []struct {
		name    string
		baseURL string
		dialer  Dialer
	}{
		{"nil dialer", "ws://localhost:8082", nil},
		{"http scheme", "http://localhost:8082", d},
		{"missing host", "ws://", d},
		{"empty", "", d},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewManager(Config{BaseURL: tt.baseURL}, tt.dialer); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestManager_SubscribeValidation(t *testing.T) {
	m := newTestManager(t, testManagerConfig(), newFakeDialer(nil))
	fn, _ := tickSink()

	if _, err := m.Subscribe("  ", fn); !errors.Is(err, ErrInvalidSymbol) {
		t.Errorf("blank symbol: err = %v, want ErrInvalidSymbol", err)
	}
	if _, err := m.Subscribe("A/B", fn); !errors.Is(err, ErrInvalidSymbol) {
		t.Errorf("slash symbol: err = %v, want ErrInvalidSymbol", err)
	}
	if _, err := m.Subscribe("AAPL", nil); !errors.Is(err, ErrNilCallback) {
		t.Errorf("nil callback: err = %v, want ErrNilCallback", err)
	}
	if got := m.Stats().Symbols; got != 0 {
		t.Errorf("Symbols = %d, want 0", got)
	}
}

func TestManager_SubscribeNormalizesSymbol(t *testing.T) {
	d := newFakeDialer(nil)
	m := newTestManager(t, testManagerConfig(), d)
	fn, _ := tickSink()

	h, err := m.Subscribe(" aapl ", fn)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if h.Symbol != "AAPL" {
		t.Errorf("Handle.Symbol = %q, want AAPL", h.Symbol)
	}

	d.nextTransport(t)
	urls := d.dialedURLs()
	if len(urls) != 1 || urls[0] != "ws://feed.test/stream/prices/AAPL" {
		t.Errorf("dialed %v, want [ws://feed.test/stream/prices/AAPL]", urls)
	}
}

func TestManager_TickDelivery(t *testing.T) {
	d := newFakeDialer(nil)
	m := newTestManager(t, testManagerConfig(), d)
	fn, ticks := tickSink()

	if _, err := m.Subscribe("AAPL", fn); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	tr := d.nextTransport(t)
	tr.send(`{"last":150.2,"timestamp":1000}`)

	got := recvTick(t, ticks)
	want := PriceTick{Symbol: "AAPL", Price: 150.2, ObservedAt: time.UnixMilli(1000)}
	if got.Symbol != want.Symbol || got.Price != want.Price || !got.ObservedAt.Equal(want.ObservedAt) {
		t.Errorf("tick = %+v, want %+v", got, want)
	}
}

func TestManager_SharedConnection(t *testing.T) {
	d := newFakeDialer(nil)
	m := newTestManager(t, testManagerConfig(), d)

	fnA, ticksA := tickSink()
	fnB, ticksB := tickSink()

	hA, err := m.Subscribe("AAPL", fnA)
	if err != nil {
		t.Fatalf("Subscribe A failed: %v", err)
	}
	hB, err := m.Subscribe("aapl", fnB)
	if err != nil {
		t.Fatalf("Subscribe B failed: %v", err)
	}
	if hA.ConsumerID == hB.ConsumerID {
		t.Fatal("expected distinct consumer IDs")
	}

	tr := d.nextTransport(t)
	tr.send(`{"last":1}`)
	recvTick(t, ticksA)
	recvTick(t, ticksB)

	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}

	stats := m.Stats()
	if stats.Symbols != 1 || stats.Consumers != 2 {
		t.Errorf("stats = %+v, want 1 symbol / 2 consumers", stats)
	}

	// One consumer leaving keeps the stream open for the other.
	m.Unsubscribe(hA)
	if tr.isClosed() {
		t.Fatal("transport closed while a consumer remains")
	}
	tr.send(`{"last":2}`)
	if got := recvTick(t, ticksB); got.Price != 2 {
		t.Errorf("price = %v, want 2", got.Price)
	}
	expectNoTick(t, ticksA)

	// The last consumer closes the stream.
	m.Unsubscribe(hB)
	waitFor(t, "transport close", tr.isClosed)

	if _, ok := m.State("AAPL"); ok {
		t.Error("expected AAPL removed from registry")
	}
	waitFor(t, "live connections to drop", func() bool {
		return m.Stats().LiveConnections == 0
	})
}

func TestManager_UnsubscribeIdempotent(t *testing.T) {
	d := newFakeDialer(nil)
	m := newTestManager(t, testManagerConfig(), d)
	fn, _ := tickSink()

	h1, _ := m.Subscribe("AAPL", fn)
	h2, _ := m.Subscribe("AAPL", fn)
	d.nextTransport(t)

	m.Unsubscribe(h1)
	m.Unsubscribe(h1)
	m.Unsubscribe(Handle{})
	m.Unsubscribe(Handle{Symbol: "NOPE"})

	stats := m.Stats()
	if stats.Symbols != 1 || stats.Consumers != 1 {
		t.Errorf("stats = %+v, want 1 symbol / 1 consumer", stats)
	}

	m.Unsubscribe(h2)
	if got := m.Stats().Symbols; got != 0 {
		t.Errorf("Symbols = %d, want 0", got)
	}
}

func TestManager_IndependentSymbols(t *testing.T) {
	d := newFakeDialer(nil)
	m := newTestManager(t, testManagerConfig(), d)

	fnA, ticksA := tickSink()
	fnM, ticksM := tickSink()

	if _, err := m.Subscribe("AAPL", fnA); err != nil {
		t.Fatal(err)
	}
	trA := d.nextTransport(t)
	if _, err := m.Subscribe("MSFT", fnM); err != nil {
		t.Fatal(err)
	}
	trM := d.nextTransport(t)

	trA.send(`{"last":150}`)
	trM.send(`{"last":410}`)

	if got := recvTick(t, ticksA); got.Symbol != "AAPL" || got.Price != 150 {
		t.Errorf("AAPL tick = %+v", got)
	}
	if got := recvTick(t, ticksM); got.Symbol != "MSFT" || got.Price != 410 {
		t.Errorf("MSFT tick = %+v", got)
	}
	expectNoTick(t, ticksA)

	// A failing MSFT stream does not disturb AAPL.
	trM.fail(errors.New("reset by peer"))
	trA.send(`{"last":151}`)
	if got := recvTick(t, ticksA); got.Price != 151 {
		t.Errorf("AAPL price = %v, want 151", got.Price)
	}
}

func TestManager_OrderPreserved(t *testing.T) {
	d := newFakeDialer(nil)
	m := newTestManager(t, testManagerConfig(), d)
	fn, ticks := tickSink()

	if _, err := m.Subscribe("AAPL", fn); err != nil {
		t.Fatal(err)
	}
	tr := d.nextTransport(t)

	const n = 100
	for i := 0; i < n; i++ {
		tr.send(fmt.Sprintf(`{"last":%d}`, i))
	}
	for i := 0; i < n; i++ {
		if got := recvTick(t, ticks); got.Price != float64(i) {
			t.Fatalf("tick %d price = %v", i, got.Price)
		}
	}
}

func TestManager_MalformedFrameKeepsConnection(t *testing.T) {
	d := newFakeDialer(nil)
	m := newTestManager(t, testManagerConfig(), d)
	fn, ticks := tickSink()

	if _, err := m.Subscribe("AAPL", fn); err != nil {
		t.Fatal(err)
	}
	tr := d.nextTransport(t)

	tr.send(`not json`)
	tr.send(`{"last":"150"}`)
	tr.send(`{"price":150}`)
	tr.send(`{"last":150.5}`)

	if got := recvTick(t, ticks); got.Price != 150.5 {
		t.Errorf("price = %v, want 150.5", got.Price)
	}
	if tr.isClosed() {
		t.Error("malformed frames closed the transport")
	}
	if got := m.Stats().DecodeErrors; got != 3 {
		t.Errorf("DecodeErrors = %d, want 3", got)
	}
	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if st, _ := m.State("AAPL"); st != StateOpen {
		t.Errorf("state = %v, want open", st)
	}
}

func TestManager_PanickingCallback(t *testing.T) {
	d := newFakeDialer(nil)

	var (
		mu       sync.Mutex
		reported []error
	)
	m := newTestManager(t, testManagerConfig(), d, WithErrorHandler(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))

	if _, err := m.Subscribe("AAPL", func(PriceTick) { panic("consumer bug") }); err != nil {
		t.Fatal(err)
	}
	fn, ticks := tickSink()
	if _, err := m.Subscribe("AAPL", fn); err != nil {
		t.Fatal(err)
	}

	tr := d.nextTransport(t)
	tr.send(`{"last":1}`)
	tr.send(`{"last":2}`)

	recvTick(t, ticks)
	recvTick(t, ticks)

	mu.Lock()
	n := len(reported)
	mu.Unlock()
	if n != 2 {
		t.Errorf("reported %d errors, want 2", n)
	}

	var ce *CallbackError
	mu.Lock()
	ok := n > 0 && errors.As(reported[0], &ce)
	mu.Unlock()
	if !ok || ce.Symbol != "AAPL" {
		t.Errorf("expected *CallbackError for AAPL")
	}
	if got := m.Stats().CallbackErrors; got != 2 {
		t.Errorf("CallbackErrors = %d, want 2", got)
	}
	if tr.isClosed() {
		t.Error("panicking callback closed the transport")
	}
}

func TestManager_MidStreamSubscriber(t *testing.T) {
	d := newFakeDialer(nil)
	m := newTestManager(t, testManagerConfig(), d)

	fnA, ticksA := tickSink()
	if _, err := m.Subscribe("AAPL", fnA); err != nil {
		t.Fatal(err)
	}
	tr := d.nextTransport(t)
	tr.send(`{"last":1}`)
	recvTick(t, ticksA)

	fnB, ticksB := tickSink()
	if _, err := m.Subscribe("AAPL", fnB); err != nil {
		t.Fatal(err)
	}
	tr.send(`{"last":2}`)

	if got := recvTick(t, ticksB); got.Price != 2 {
		t.Errorf("late subscriber first price = %v, want 2", got.Price)
	}
	if got := recvTick(t, ticksA); got.Price != 2 {
		t.Errorf("early subscriber price = %v, want 2", got.Price)
	}
	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestManager_UnsubscribeInsideCallback(t *testing.T) {
	d := newFakeDialer(nil)
	m := newTestManager(t, testManagerConfig(), d)

	var (
		h     Handle
		ready = make(chan struct{})
		calls = make(chan PriceTick, 16)
	)
	h, err := m.Subscribe("AAPL", func(tick PriceTick) {
		<-ready
		calls <- tick
		m.Unsubscribe(h)
	})
	if err != nil {
		t.Fatal(err)
	}
	close(ready)

	tr := d.nextTransport(t)
	tr.send(`{"last":1}`)
	tr.send(`{"last":2}`)

	recvTick(t, calls)
	waitFor(t, "transport close", tr.isClosed)
	expectNoTick(t, calls)
}

func TestManager_ResubscribeAfterLastUnsubscribe(t *testing.T) {
	d := newFakeDialer(nil)
	m := newTestManager(t, testManagerConfig(), d)

	fn1, ticks1 := tickSink()
	h1, _ := m.Subscribe("AAPL", fn1)
	old := d.nextTransport(t)
	m.Unsubscribe(h1)

	fn2, ticks2 := tickSink()
	if _, err := m.Subscribe("AAPL", fn2); err != nil {
		t.Fatal(err)
	}
	fresh := d.nextTransport(t)

	// Frames on the retired transport are never delivered.
	old.send(`{"last":1}`)
	expectNoTick(t, ticks2)

	fresh.send(`{"last":2}`)
	if got := recvTick(t, ticks2); got.Price != 2 {
		t.Errorf("price = %v, want 2", got.Price)
	}
	expectNoTick(t, ticks1)

	if got := d.dialCount(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
}

func TestManager_StaleConnectionDiscarded(t *testing.T) {
	d := newFakeDialer(nil)
	m := newTestManager(t, testManagerConfig(), d)
	fn, ticks := tickSink()

	h, err := m.Subscribe("AAPL", fn)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	d.nextTransport(t)
	waitFor(t, "open", func() bool {
		st, _ := m.State("AAPL")
		return st == StateOpen
	})

	m.mu.Lock()
	old := m.subs["AAPL"].conn
	m.mu.Unlock()

	m.Unsubscribe(h)
	if _, err := m.Subscribe("AAPL", fn); err != nil {
		t.Fatal(err)
	}
	d.nextTransport(t)

	// The retired state machine can no longer reach consumers.
	if got := m.consumersOf(old); got != nil {
		t.Errorf("consumersOf(old) = %v, want nil", got)
	}
	m.handleFrame(old, frame(`{"last":9}`))
	expectNoTick(t, ticks)
}

func TestManager_ReconnectSequence(t *testing.T) {
	dialErr := errors.New("connection refused")
	d := newFakeDialer(func(n int) error {
		if n == 2 {
			return dialErr
		}
		return nil
	})
	m := newTestManager(t, testManagerConfig(), d)

	statuses := make(chan Status, 64)
	fn, ticks := tickSink()
	_, err := m.Subscribe("MSFT", fn, WithStatus(func(st Status) { statuses <- st }))
	if err != nil {
		t.Fatal(err)
	}

	expect := func(state State, attempt int, delay time.Duration) Status {
		t.Helper()
		st := recvStatus(t, statuses)
		if st.Symbol != "MSFT" || st.State != state || st.Attempt != attempt || st.Delay != delay {
			t.Fatalf("status = %+v, want %v attempt=%d delay=%v", st, state, attempt, delay)
		}
		return st
	}

	expect(StateConnecting, 0, 0)
	expect(StateOpen, 0, 0)

	tr1 := d.nextTransport(t)
	dropErr := errors.New("reset by peer")
	tr1.fail(dropErr)

	if st := expect(StateError, 1, 0); !errors.Is(st.Err, dropErr) {
		t.Errorf("Err = %v, want %v", st.Err, dropErr)
	}
	expect(StateReconnecting, 1, 5*time.Millisecond)
	expect(StateConnecting, 1, 0)
	if st := expect(StateError, 2, 0); !errors.Is(st.Err, dialErr) {
		t.Errorf("Err = %v, want %v", st.Err, dialErr)
	}
	expect(StateReconnecting, 2, 10*time.Millisecond)
	expect(StateConnecting, 2, 0)
	expect(StateOpen, 0, 0)

	if !tr1.isClosed() {
		t.Error("failed transport was not closed")
	}

	tr3 := d.nextTransport(t)
	tr3.send(`{"last":410.1}`)
	if got := recvTick(t, ticks); got.Price != 410.1 {
		t.Errorf("price after reconnect = %v, want 410.1", got.Price)
	}

	// Reaching Open resets the backoff.
	tr3.fail(dropErr)
	expect(StateError, 1, 0)
	if st := expect(StateReconnecting, 1, 5*time.Millisecond); st.Exhausted {
		t.Error("unexpected Exhausted without MaxAttempts")
	}
	expect(StateConnecting, 1, 0)
	expect(StateOpen, 0, 0)
}

func TestManager_ExhaustedRetries(t *testing.T) {
	d := newFakeDialer(func(int) error { return errors.New("refused") })
	cfg := testManagerConfig()
	cfg.MaxAttempts = 2
	m := newTestManager(t, cfg, d)

	statuses := make(chan Status, 256)
	fn, _ := tickSink()
	if _, err := m.Subscribe("MSFT", fn, WithStatus(func(st Status) { statuses <- st })); err != nil {
		t.Fatal(err)
	}

	var reconnecting []Status
	for len(reconnecting) < 3 {
		if st := recvStatus(t, statuses); st.State == StateReconnecting {
			reconnecting = append(reconnecting, st)
		}
	}

	if reconnecting[0].Exhausted {
		t.Errorf("attempt 1 reported exhausted: %+v", reconnecting[0])
	}
	for _, st := range reconnecting[1:] {
		if !st.Exhausted || !errors.Is(st.Err, ErrExhaustedRetries) {
			t.Errorf("attempt %d: status = %+v, want exhausted", st.Attempt, st)
		}
	}

	// Retrying continues past exhaustion.
	waitFor(t, "further dials", func() bool { return d.dialCount() >= 4 })
}

func TestManager_UnsubscribeCancelsReconnect(t *testing.T) {
	d := newFakeDialer(func(int) error { return errors.New("refused") })
	cfg := testManagerConfig()
	cfg.Backoff = BackoffConfig{Initial: time.Hour, Max: time.Hour, Multiplier: 2}
	m := newTestManager(t, cfg, d)
	fn, _ := tickSink()

	h, _ := m.Subscribe("AAPL", fn)
	waitFor(t, "reconnecting", func() bool {
		st, _ := m.State("AAPL")
		return st == StateReconnecting
	})

	m.Unsubscribe(h)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestManager_Stop(t *testing.T) {
	d := newFakeDialer(nil)
	m := newTestManager(t, testManagerConfig(), d)
	fn, ticks := tickSink()

	var transports []*fakeTransport
	for _, sym := range []string{"AAPL", "MSFT", "GOOG"} {
		if _, err := m.Subscribe(sym, fn); err != nil {
			t.Fatal(err)
		}
		transports = append(transports, d.nextTransport(t))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	for i, tr := range transports {
		if !tr.isClosed() {
			t.Errorf("transport %d not closed", i)
		}
	}
	if got := m.Stats(); got.Symbols != 0 || got.LiveConnections != 0 {
		t.Errorf("stats after Stop = %+v", got)
	}

	transports[0].send(`{"last":1}`)
	expectNoTick(t, ticks)

	if _, err := m.Subscribe("AAPL", fn); !errors.Is(err, ErrManagerStopped) {
		t.Errorf("Subscribe after Stop: err = %v, want ErrManagerStopped", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestManager_Watch(t *testing.T) {
	d := newFakeDialer(nil)
	m := newTestManager(t, testManagerConfig(), d)
	fn, ticks := tickSink()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Watch(ctx, "AAPL", fn)
	}()

	tr := d.nextTransport(t)
	tr.send(`{"last":3}`)
	recvTick(t, ticks)

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Watch returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not return")
	}

	waitFor(t, "transport close", tr.isClosed)
	if _, ok := m.State("AAPL"); ok {
		t.Error("expected AAPL removed after Watch returned")
	}
}

func TestManager_WatchInvalidSymbol(t *testing.T) {
	m := newTestManager(t, testManagerConfig(), newFakeDialer(nil))
	fn, _ := tickSink()

	if err := m.Watch(context.Background(), "", fn); !errors.Is(err, ErrInvalidSymbol) {
		t.Errorf("Watch err = %v, want ErrInvalidSymbol", err)
	}
}

func TestManager_DialLimiter(t *testing.T) {
	d := newFakeDialer(nil)
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	m := newTestManager(t, testManagerConfig(), d, WithDialLimiter(limiter))
	fn, _ := tickSink()

	if _, err := m.Subscribe("AAPL", fn); err != nil {
		t.Fatal(err)
	}
	d.nextTransport(t)

	hM, err := m.Subscribe("MSFT", fn)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1 while limited", got)
	}
	if st, _ := m.State("MSFT"); st != StateConnecting {
		t.Errorf("MSFT state = %v, want connecting", st)
	}

	// Unsubscribing aborts the limiter wait.
	m.Unsubscribe(hM)
}

func TestManager_Stats(t *testing.T) {
	d := newFakeDialer(nil)
	m := newTestManager(t, testManagerConfig(), d)
	fn, ticks := tickSink()

	m.Subscribe("AAPL", fn)
	m.Subscribe("AAPL", fn)
	trA := d.nextTransport(t)
	m.Subscribe("MSFT", fn)
	d.nextTransport(t)

	waitFor(t, "both open", func() bool {
		a, _ := m.State("AAPL")
		b, _ := m.State("MSFT")
		return a == StateOpen && b == StateOpen
	})

	trA.send(`{"last":1}`)
	recvTick(t, ticks)
	recvTick(t, ticks)

	stats := m.Stats()
	if stats.Symbols != 2 || stats.Consumers != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Dials != 2 || stats.LiveConnections != 2 {
		t.Errorf("dials/live = %d/%d, want 2/2", stats.Dials, stats.LiveConnections)
	}
	if stats.TicksDispatched != 2 {
		t.Errorf("TicksDispatched = %d, want 2", stats.TicksDispatched)
	}
	if len(stats.PerSymbol) != 2 || stats.PerSymbol[0].Symbol != "AAPL" || stats.PerSymbol[0].Consumers != 2 {
		t.Errorf("PerSymbol = %+v", stats.PerSymbol)
	}
	if !strings.EqualFold(stats.PerSymbol[1].State.String(), "open") {
		t.Errorf("MSFT state = %v", stats.PerSymbol[1].State)
	}
}

func TestManager_TeardownClosesSocketDuringSlowCallback(t *testing.T) {
	d := newFakeDialer(nil)
	m := newTestManager(t, testManagerConfig(), d)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)

	h, err := m.Subscribe("AAPL", func(PriceTick) {
		entered <- struct{}{}
		<-release
	})
	if err != nil {
		t.Fatal(err)
	}
	old := d.nextTransport(t)
	waitFor(t, "open", func() bool {
		st, _ := m.State("AAPL")
		return st == StateOpen
	})

	old.send(`{"last":1}`)
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}

	// The symbol goroutine is still inside the callback.
	m.Unsubscribe(h)
	if !old.isClosed() {
		t.Error("old transport left open after the last consumer left")
	}
	if got := m.Stats().LiveConnections; got != 0 {
		t.Errorf("live connections = %d after teardown, want 0", got)
	}

	fn, _ := tickSink()
	if _, err := m.Subscribe("AAPL", fn); err != nil {
		t.Fatal(err)
	}
	d.nextTransport(t)
	waitFor(t, "new connection counted", func() bool { return m.Stats().LiveConnections == 1 })

	if got := m.Stats().Symbols; got != 1 {
		t.Errorf("symbols = %d, want 1", got)
	}
}
