package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/stockmetrics/pricestream/internal/connection"
)

// Config configures a Manager.
type Config struct {
	BaseURL     string        // ws:// or wss:// root; streams live at {BaseURL}/stream/prices/{SYMBOL}
	Backoff     BackoffConfig // Reconnect delay policy
	MaxAttempts int           // Consecutive failures before reporting Exhausted (0 = never)
}

// Option configures optional Manager dependencies.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithErrorHandler receives consumer callback failures (*CallbackError).
func WithErrorHandler(fn func(error)) Option {
	return func(m *Manager) {
		m.onError = fn
	}
}

// WithDialLimiter throttles dials across all symbols.
func WithDialLimiter(l *rate.Limiter) Option {
	return func(m *Manager) {
		m.limiter = l
	}
}

// SubscribeOption configures one consumer.
type SubscribeOption func(*consumer)

// WithStatus attaches a connection status observer to the consumer.
func WithStatus(fn StatusFunc) SubscribeOption {
	return func(c *consumer) {
		c.onStatus = fn
	}
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Symbols         int           `json:"symbols"`
	Consumers       int           `json:"consumers"`
	LiveConnections int64         `json:"live_connections"`
	Dials           int64         `json:"dials"`
	DecodeErrors    int64         `json:"decode_errors"`
	CallbackErrors  int64         `json:"callback_errors"`
	TicksDispatched int64         `json:"ticks_dispatched"`
	PerSymbol       []SymbolStats `json:"per_symbol"`
}

// SymbolStats describes one symbol's subscription.
type SymbolStats struct {
	Symbol    string `json:"symbol"`
	Consumers int    `json:"consumers"`
	State     State  `json:"state"`
	Attempt   int    `json:"attempt"`
}

// subscription is the shared state for one symbol. Its refcount is
// len(consumers); it is deleted from the registry when that reaches zero.
type subscription struct {
	symbol    string
	conn      *conn
	consumers []*consumer
}

// Manager is the subscription registry. It is safe for concurrent use.
type Manager struct {
	cfg     Config
	dialer  Dialer
	policy  Policy
	limiter *rate.Limiter
	logger  *slog.Logger
	onError func(error)
	disp    *dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	subs    map[string]*subscription
	stopped bool

	dials        atomic.Int64
	live         atomic.Int64
	decodeErrors atomic.Int64
}

// NewManager creates a Manager that opens streams with dialer.
func NewManager(cfg Config, dialer Dialer, opts ...Option) (*Manager, error) {
	if dialer == nil {
		return nil, errors.New("nil dialer")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, fmt.Errorf("base url %q: want ws:// or wss:// with host", cfg.BaseURL)
	}

	m := &Manager{
		cfg:    cfg,
		dialer: dialer,
		policy: NewPolicy(cfg.Backoff),
		subs:   make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.disp = &dispatcher{logger: m.logger, onError: m.onError}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	return m, nil
}

// Subscribe registers onTick for symbol and returns its Handle. The first
// consumer of a symbol opens its stream; later consumers share it. Delivery
// starts asynchronously once the stream is open.
func (m *Manager) Subscribe(symbol string, onTick Callback, opts ...SubscribeOption) (Handle, error) {
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return Handle{}, err
	}
	if onTick == nil {
		return Handle{}, ErrNilCallback
	}

	c := &consumer{id: uuid.New(), onTick: onTick}
	for _, opt := range opts {
		opt(c)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return Handle{}, ErrManagerStopped
	}

	sub, ok := m.subs[sym]
	if !ok {
		sub = &subscription{symbol: sym, conn: m.newConn(sym)}
		m.subs[sym] = sub

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			sub.conn.run()
		}()

		m.logger.Info("stream subscription created", "symbol", sym)
	}
	sub.consumers = append(sub.consumers, c)

	m.logger.Debug("consumer subscribed",
		"symbol", sym,
		"consumer", c.id,
		"refcount", len(sub.consumers),
	)

	return Handle{Symbol: sym, ConsumerID: c.id}, nil
}

// Unsubscribe detaches the consumer behind h. No tick is delivered to it
// once Unsubscribe returns. When the last consumer of a symbol leaves, its
// stream is closed and any pending reconnect cancelled. Unknown or repeated
// handles are ignored.
func (m *Manager) Unsubscribe(h Handle) {
	m.mu.Lock()
	sub, ok := m.subs[h.Symbol]
	if !ok {
		m.mu.Unlock()
		return
	}

	i := slices.IndexFunc(sub.consumers, func(c *consumer) bool {
		return c.id == h.ConsumerID
	})
	if i < 0 {
		m.mu.Unlock()
		return
	}

	sub.consumers[i].detached.Store(true)
	sub.consumers = slices.Delete(sub.consumers, i, i+1)
	refs := len(sub.consumers)

	var closing *conn
	if refs == 0 {
		delete(m.subs, h.Symbol)
		closing = sub.conn
	}
	m.mu.Unlock()

	m.logger.Debug("consumer unsubscribed",
		"symbol", h.Symbol,
		"consumer", h.ConsumerID,
		"refcount", refs,
	)

	if closing != nil {
		closing.close()
	}
}

// Watch subscribes for the lifetime of ctx and always unsubscribes on return.
func (m *Manager) Watch(ctx context.Context, symbol string, onTick Callback, opts ...SubscribeOption) error {
	h, err := m.Subscribe(symbol, onTick, opts...)
	if err != nil {
		return err
	}
	defer m.Unsubscribe(h)

	<-ctx.Done()
	return ctx.Err()
}

// Stop ends the session: every consumer is detached, every stream closed and
// the registry cleared. It waits for stream goroutines until ctx expires.
// Stop must not be called from inside a callback.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	subs := m.subs
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	m.logger.Info("stopping stream manager", "symbols", len(subs))

	for _, sub := range subs {
		for _, c := range sub.consumers {
			c.detached.Store(true)
		}
		sub.conn.close()
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("stream manager stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("stream manager stop timed out")
		return ctx.Err()
	}
}

// State returns the connection state for symbol, if subscribed.
func (m *Manager) State(symbol string) (State, bool) {
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return StateIdle, false
	}

	m.mu.Lock()
	sub, ok := m.subs[sym]
	m.mu.Unlock()

	if !ok {
		return StateIdle, false
	}
	return sub.conn.State(), true
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	per := make([]SymbolStats, 0, len(m.subs))
	consumers := 0
	for sym, sub := range m.subs {
		consumers += len(sub.consumers)
		per = append(per, SymbolStats{
			Symbol:    sym,
			Consumers: len(sub.consumers),
			State:     sub.conn.State(),
			Attempt:   sub.conn.Attempt(),
		})
	}
	m.mu.Unlock()

	sort.Slice(per, func(i, j int) bool { return per[i].Symbol < per[j].Symbol })

	return Stats{
		Symbols:         len(per),
		Consumers:       consumers,
		LiveConnections: m.live.Load(),
		Dials:           m.dials.Load(),
		DecodeErrors:    m.decodeErrors.Load(),
		CallbackErrors:  m.disp.callbackErrors.Load(),
		TicksDispatched: m.disp.dispatched.Load(),
		PerSymbol:       per,
	}
}

// newConn builds the state machine for sym. Must be called with mu held.
func (m *Manager) newConn(sym string) *conn {
	return newConn(m.ctx, connConfig{
		symbol:      sym,
		url:         streamURL(m.cfg.BaseURL, sym),
		dialer:      DialFunc(m.dial),
		policy:      m.policy,
		maxAttempts: m.cfg.MaxAttempts,
		limiter:     m.limiter,
		logger:      m.logger.With("symbol", sym),
		onFrame:     m.handleFrame,
		onStatus:    m.handleStatus,
	})
}

// dial counts dials and live transports around the configured dialer.
func (m *Manager) dial(ctx context.Context, streamURL string) (Transport, error) {
	m.dials.Add(1)
	t, err := m.dialer.Dial(ctx, streamURL)
	if err != nil {
		return nil, err
	}
	m.live.Add(1)
	return &countedTransport{Transport: t, live: &m.live}, nil
}

// handleFrame decodes a frame and fans the tick out.
func (m *Manager) handleFrame(c *conn, msg connection.TimestampedMessage) {
	tick, err := Decode(c.symbol, msg.Data, msg.ReceivedAt)
	if err != nil {
		m.decodeErrors.Add(1)
		c.logger.Debug("dropping malformed frame", "error", err)
		return
	}

	consumers := m.consumersOf(c)
	if len(consumers) == 0 {
		return
	}
	m.disp.dispatch(tick, consumers)
}

// handleStatus fans a status change out to status observers.
func (m *Manager) handleStatus(c *conn, st Status) {
	consumers := m.consumersOf(c)
	if len(consumers) == 0 {
		return
	}
	m.disp.notify(st, consumers)
}

// consumersOf snapshots the consumers of c's symbol, or nil when c is no
// longer that symbol's current connection.
func (m *Manager) consumersOf(c *conn) []*consumer {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[c.symbol]
	if !ok || sub.conn != c {
		return nil
	}
	return slices.Clone(sub.consumers)
}

// countedTransport decrements the live count exactly once on Close.
type countedTransport struct {
	Transport
	once sync.Once
	live *atomic.Int64
}

func (t *countedTransport) Close() error {
	t.once.Do(func() { t.live.Add(-1) })
	return t.Transport.Close()
}
