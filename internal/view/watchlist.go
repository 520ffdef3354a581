package view

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/stockmetrics/pricestream/internal/stream"
)

var (
	ErrClosed     = errors.New("view closed")
	ErrNotWatched = errors.New("symbol not on watchlist")
)

// Subscriber is the part of stream.Manager the views need.
type Subscriber interface {
	Subscribe(symbol string, onTick stream.Callback, opts ...stream.SubscribeOption) (stream.Handle, error)
	Unsubscribe(h stream.Handle)
}

// Row is one watchlist line.
type Row struct {
	Symbol     string       `json:"symbol"`
	Price      float64      `json:"price,omitempty"`
	ObservedAt time.Time    `json:"observed_at,omitzero"`
	HasPrice   bool         `json:"has_price"`
	State      stream.State `json:"state"`
	Attempt    int          `json:"attempt,omitempty"`
	Error      string       `json:"error,omitempty"`
	Exhausted  bool         `json:"exhausted,omitempty"`
}

type watchEntry struct {
	handle stream.Handle
	row    Row
}

// Watchlist is an ordered, de-duplicated set of symbols. Each symbol holds
// one stream handle for as long as it stays on the list.
type Watchlist struct {
	sub    Subscriber
	logger *slog.Logger

	mu      sync.Mutex
	order   []string
	entries map[string]*watchEntry
	closed  bool
}

// NewWatchlist creates an empty Watchlist.
func NewWatchlist(sub Subscriber, logger *slog.Logger) *Watchlist {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchlist{
		sub:     sub,
		logger:  logger,
		entries: make(map[string]*watchEntry),
	}
}

// Add puts symbol on the list and returns its normalized form. Adding a
// symbol already present is a no-op.
func (w *Watchlist) Add(symbol string) (string, error) {
	sym, err := stream.NormalizeSymbol(symbol)
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", ErrClosed
	}
	if _, ok := w.entries[sym]; ok {
		return sym, nil
	}

	h, err := w.sub.Subscribe(sym,
		func(t stream.PriceTick) { w.onTick(sym, t) },
		stream.WithStatus(func(st stream.Status) { w.onStatus(sym, st) }),
	)
	if err != nil {
		return "", err
	}

	w.entries[sym] = &watchEntry{
		handle: h,
		row:    Row{Symbol: sym, State: stream.StateConnecting},
	}
	w.order = append(w.order, sym)

	w.logger.Info("symbol added to watchlist", "symbol", sym)
	return sym, nil
}

// Remove drops symbol from the list and releases its handle.
func (w *Watchlist) Remove(symbol string) error {
	sym, err := stream.NormalizeSymbol(symbol)
	if err != nil {
		return err
	}

	w.mu.Lock()
	e, ok := w.entries[sym]
	if !ok {
		w.mu.Unlock()
		return ErrNotWatched
	}
	delete(w.entries, sym)
	w.order = slices.DeleteFunc(w.order, func(s string) bool { return s == sym })
	w.mu.Unlock()

	w.sub.Unsubscribe(e.handle)
	w.logger.Info("symbol removed from watchlist", "symbol", sym)
	return nil
}

// Symbols returns the watched symbols in insertion order.
func (w *Watchlist) Symbols() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.order)
}

// Contains reports whether symbol is on the list.
func (w *Watchlist) Contains(symbol string) bool {
	sym, err := stream.NormalizeSymbol(symbol)
	if err != nil {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.entries[sym]
	return ok
}

// Snapshot returns one Row per symbol in insertion order.
func (w *Watchlist) Snapshot() []Row {
	w.mu.Lock()
	defer w.mu.Unlock()

	rows := make([]Row, 0, len(w.order))
	for _, sym := range w.order {
		rows = append(rows, w.entries[sym].row)
	}
	return rows
}

// Close releases every handle. Further Adds fail with ErrClosed.
func (w *Watchlist) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	entries := w.entries
	w.entries = make(map[string]*watchEntry)
	w.order = nil
	w.mu.Unlock()

	for _, e := range entries {
		w.sub.Unsubscribe(e.handle)
	}
}

func (w *Watchlist) onTick(sym string, t stream.PriceTick) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[sym]
	if !ok {
		return
	}
	e.row.Price = t.Price
	e.row.ObservedAt = t.ObservedAt
	e.row.HasPrice = true
}

func (w *Watchlist) onStatus(sym string, st stream.Status) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[sym]
	if !ok {
		return
	}
	e.row.State = st.State
	e.row.Attempt = st.Attempt

	// Failure details stay visible until the stream opens again.
	switch {
	case st.State == stream.StateOpen:
		e.row.Error = ""
		e.row.Exhausted = false
	case st.Err != nil:
		e.row.Error = st.Err.Error()
	}
	if st.Exhausted {
		e.row.Exhausted = true
	}
}
