package view

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/stockmetrics/pricestream/internal/stream"
)

// DefaultChartWindow is the number of points a chart keeps.
const DefaultChartWindow = 30

// Point is one chart sample.
type Point struct {
	ObservedAt time.Time `json:"observed_at"`
	Price      float64   `json:"price"`
}

// Chart keeps the most recent window of points for one symbol.
type Chart struct {
	symbol string
	window int
	sub    Subscriber
	handle stream.Handle

	mu     sync.Mutex
	points []Point
	closed bool
}

// OpenChart subscribes a new chart to symbol. A window below 1 uses
// DefaultChartWindow.
func OpenChart(sub Subscriber, symbol string, window int) (*Chart, error) {
	if window < 1 {
		window = DefaultChartWindow
	}
	c := &Chart{
		window: window,
		sub:    sub,
		points: make([]Point, 0, window),
	}

	h, err := sub.Subscribe(symbol, c.add)
	if err != nil {
		return nil, err
	}
	c.symbol = h.Symbol
	c.handle = h
	return c, nil
}

// Symbol returns the normalized symbol.
func (c *Chart) Symbol() string {
	return c.symbol
}

// Points returns the window, oldest first.
func (c *Chart) Points() []Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.points)
}

// Latest returns the newest point.
func (c *Chart) Latest() (Point, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.points) == 0 {
		return Point{}, false
	}
	return c.points[len(c.points)-1], true
}

// Close releases the chart's handle. It is safe to call more than once.
func (c *Chart) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.sub.Unsubscribe(c.handle)
}

func (c *Chart) add(t stream.PriceTick) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.points) == c.window {
		copy(c.points, c.points[1:])
		c.points = c.points[:len(c.points)-1]
	}
	c.points = append(c.points, Point{ObservedAt: t.ObservedAt, Price: t.Price})
}

// Charts opens at most one Chart per symbol on demand.
type Charts struct {
	sub    Subscriber
	window int
	logger *slog.Logger

	mu     sync.Mutex
	charts map[string]*Chart
	closed bool
}

// NewCharts creates an empty chart set.
func NewCharts(sub Subscriber, window int, logger *slog.Logger) *Charts {
	if logger == nil {
		logger = slog.Default()
	}
	return &Charts{
		sub:    sub,
		window: window,
		logger: logger,
		charts: make(map[string]*Chart),
	}
}

// Open returns the chart for symbol, opening it on first use.
func (s *Charts) Open(symbol string) (*Chart, error) {
	sym, err := stream.NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if c, ok := s.charts[sym]; ok {
		return c, nil
	}

	c, err := OpenChart(s.sub, sym, s.window)
	if err != nil {
		return nil, err
	}
	s.charts[sym] = c

	s.logger.Debug("chart opened", "symbol", sym, "window", c.window)
	return c, nil
}

// Drop closes the chart for symbol, if any.
func (s *Charts) Drop(symbol string) {
	sym, err := stream.NormalizeSymbol(symbol)
	if err != nil {
		return
	}

	s.mu.Lock()
	c, ok := s.charts[sym]
	delete(s.charts, sym)
	s.mu.Unlock()

	if ok {
		c.Close()
	}
}

// Close closes every chart.
func (s *Charts) Close() {
	s.mu.Lock()
	s.closed = true
	charts := s.charts
	s.charts = make(map[string]*Chart)
	s.mu.Unlock()

	for _, c := range charts {
		c.Close()
	}
}
