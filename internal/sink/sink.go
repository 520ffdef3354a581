package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stockmetrics/pricestream/internal/buffer"
	"github.com/stockmetrics/pricestream/internal/stream"
)

// Sink consumes ticks in the background.
type Sink interface {
	// Name identifies the sink in logs and health output.
	Name() string

	// Handle enqueues a tick without blocking. It is a stream.Callback.
	Handle(tick stream.PriceTick)

	// Start begins writing queued ticks.
	Start(ctx context.Context) error

	// Stop flushes what is queued and shuts down.
	Stop(ctx context.Context) error

	// Stats returns current metrics.
	Stats() Stats
}

// Config holds batching settings shared by all sinks.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int // Maximum queued ticks; the oldest are dropped beyond it
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     1000,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize < 1 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.BufferSize < 1 {
		c.BufferSize = d.BufferSize
	}
	return c
}

// Stats contains sink metrics.
type Stats struct {
	Written int64        `json:"written"`
	Errors  int64        `json:"errors"`
	Flushes int64        `json:"flushes"`
	Buffer  buffer.Stats `json:"buffer"`
}

// tickPayload is the JSON form of a tick handed to downstream systems. It
// mirrors the stream wire schema so consumers can reuse stream.Decode.
type tickPayload struct {
	Symbol    string  `json:"symbol"`
	Last      float64 `json:"last"`
	Timestamp int64   `json:"timestamp"` // Epoch milliseconds
}

func encodeTick(tick stream.PriceTick) ([]byte, error) {
	return json.Marshal(tickPayload{
		Symbol:    tick.Symbol,
		Last:      tick.Price,
		Timestamp: tick.ObservedAt.UnixMilli(),
	})
}
