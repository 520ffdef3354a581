package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stockmetrics/pricestream/internal/buffer"
	"github.com/stockmetrics/pricestream/internal/stream"
)

// writeFunc writes one batch. It must not retain the slice.
type writeFunc func(ctx context.Context, ticks []stream.PriceTick) error

// batcher queues ticks and hands them to write in batches, on size or on
// the flush interval, whichever comes first.
type batcher struct {
	name   string
	cfg    Config
	logger *slog.Logger
	write  writeFunc

	// Input from stream callbacks
	input *buffer.GrowableBuffer[stream.PriceTick]

	// Batching
	batch   []stream.PriceTick
	batchMu sync.Mutex
	flushMu sync.Mutex // Serializes writes so batches land in order

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics Stats
}

func newBatcher(name string, cfg Config, write writeFunc, logger *slog.Logger) *batcher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	initial := cfg.BatchSize
	if initial > cfg.BufferSize {
		initial = cfg.BufferSize
	}

	return &batcher{
		name:   name,
		cfg:    cfg,
		logger: logger.With("sink", name),
		write:  write,
		input:  buffer.NewGrowableBuffer[stream.PriceTick](initial, cfg.BufferSize),
		batch:  make([]stream.PriceTick, 0, cfg.BatchSize),
	}
}

// Name returns the sink name.
func (b *batcher) Name() string {
	return b.name
}

// Handle enqueues tick. The oldest queued tick is dropped when full.
func (b *batcher) Handle(tick stream.PriceTick) {
	b.input.Send(tick)
}

// Start begins consuming ticks.
func (b *batcher) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	// Consumer goroutine
	b.wg.Add(1)
	go b.consumeLoop()

	// Flush ticker goroutine
	b.wg.Add(1)
	go b.flushLoop()

	b.logger.Info("sink started",
		"batch_size", b.cfg.BatchSize,
		"flush_interval", b.cfg.FlushInterval,
		"buffer_size", b.cfg.BufferSize,
	)
	return nil
}

// Stop shuts down the loops, then writes everything still queued using ctx.
func (b *batcher) Stop(ctx context.Context) error {
	b.logger.Info("stopping sink")

	b.input.Close()
	if b.cancel != nil {
		b.cancel()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("sink stop timed out")
		return ctx.Err()
	}

	// Final flush
	for {
		rest := b.input.DrainTo(b.cfg.BatchSize)
		if len(rest) == 0 {
			break
		}
		b.batchMu.Lock()
		b.batch = append(b.batch, rest...)
		b.batchMu.Unlock()
		b.flush(ctx)
	}
	b.flush(ctx)

	b.logger.Info("sink stopped")
	return nil
}

// Stats returns current metrics.
func (b *batcher) Stats() Stats {
	b.batchMu.Lock()
	s := b.metrics
	b.batchMu.Unlock()
	s.Buffer = b.input.Stats()
	return s
}

// consumeLoop reads from the input buffer and accumulates batches.
func (b *batcher) consumeLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		ticks := b.input.DrainTo(b.cfg.BatchSize)
		if len(ticks) == 0 {
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}

		b.batchMu.Lock()
		b.batch = append(b.batch, ticks...)
		shouldFlush := len(b.batch) >= b.cfg.BatchSize
		b.batchMu.Unlock()

		if shouldFlush {
			b.flush(b.ctx)
		}
	}
}

// flushLoop periodically flushes the batch.
func (b *batcher) flushLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.flush(b.ctx)
		}
	}
}

// flush writes the current batch.
func (b *batcher) flush(ctx context.Context) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.batchMu.Lock()
	if len(b.batch) == 0 {
		b.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := b.batch
	b.batch = make([]stream.PriceTick, 0, b.cfg.BatchSize)
	b.batchMu.Unlock()

	start := time.Now()

	if err := b.write(ctx, batch); err != nil {
		b.logger.Error("batch write failed", "error", err, "count", len(batch))
		b.batchMu.Lock()
		b.metrics.Errors++
		b.batchMu.Unlock()
		return
	}

	b.batchMu.Lock()
	b.metrics.Written += int64(len(batch))
	b.metrics.Flushes++
	b.batchMu.Unlock()

	b.logger.Debug("flushed ticks",
		"count", len(batch),
		"duration", time.Since(start),
	)
}
