package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/stockmetrics/pricestream/internal/stream"
)

// Subscriber is the part of stream.Manager the sinks need.
type Subscriber interface {
	Subscribe(symbol string, onTick stream.Callback, opts ...stream.SubscribeOption) (stream.Handle, error)
	Unsubscribe(h stream.Handle)
}

// Router subscribes every sink to each followed symbol. Each sink holds its
// own handle, so sinks share the symbol's single connection.
type Router struct {
	sub    Subscriber
	sinks  []Sink
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string][]stream.Handle
}

// NewRouter creates a Router feeding sinks from sub.
func NewRouter(sub Subscriber, sinks []Sink, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		sub:     sub,
		sinks:   sinks,
		logger:  logger,
		handles: make(map[string][]stream.Handle),
	}
}

// Follow subscribes all sinks to symbol. Following twice is a no-op.
func (r *Router) Follow(symbol string) error {
	sym, err := stream.NormalizeSymbol(symbol)
	if err != nil {
		return err
	}
	if len(r.sinks) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handles[sym]; ok {
		return nil
	}

	handles := make([]stream.Handle, 0, len(r.sinks))
	for _, s := range r.sinks {
		h, err := r.sub.Subscribe(sym, s.Handle)
		if err != nil {
			for _, prev := range handles {
				r.sub.Unsubscribe(prev)
			}
			return fmt.Errorf("subscribe %s for %s: %w", s.Name(), sym, err)
		}
		handles = append(handles, h)
	}
	r.handles[sym] = handles

	r.logger.Debug("sinks following symbol", "symbol", sym, "sinks", len(handles))
	return nil
}

// Unfollow releases every sink's handle for symbol.
func (r *Router) Unfollow(symbol string) {
	sym, err := stream.NormalizeSymbol(symbol)
	if err != nil {
		return
	}

	r.mu.Lock()
	handles := r.handles[sym]
	delete(r.handles, sym)
	r.mu.Unlock()

	for _, h := range handles {
		r.sub.Unsubscribe(h)
	}
}

// Symbols returns the followed symbols in sorted order.
func (r *Router) Symbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.handles))
	for sym := range r.handles {
		out = append(out, sym)
	}
	slices.Sort(out)
	return out
}

// Close unfollows every symbol.
func (r *Router) Close() {
	for _, sym := range r.Symbols() {
		r.Unfollow(sym)
	}
}

// StartAll starts each sink, stopping the ones already started on failure.
func StartAll(ctx context.Context, sinks []Sink) error {
	for i, s := range sinks {
		if err := s.Start(ctx); err != nil {
			_ = StopAll(ctx, sinks[:i])
			return fmt.Errorf("start %s: %w", s.Name(), err)
		}
	}
	return nil
}

// StopAll stops every sink and joins their errors.
func StopAll(ctx context.Context, sinks []Sink) error {
	var errs []error
	for _, s := range sinks {
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
