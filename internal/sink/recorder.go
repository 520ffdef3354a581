package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/stockmetrics/pricestream/internal/stream"
)

const insertTickSQL = `
	INSERT INTO price_ticks (symbol, price, observed_at)
	VALUES ($1, $2, $3)
`

// batchSender sends a pgx batch. *pgxpool.Pool satisfies it.
type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Recorder writes ticks to the price_ticks table.
type Recorder struct {
	*batcher
	db batchSender
}

// NewRecorder creates a Recorder writing through db.
func NewRecorder(cfg Config, db batchSender, logger *slog.Logger) *Recorder {
	r := &Recorder{db: db}
	r.batcher = newBatcher("recorder", cfg, r.batchInsert, logger)
	return r
}

// batchInsert inserts rows using a single pgx.Batch round trip.
func (r *Recorder) batchInsert(ctx context.Context, ticks []stream.PriceTick) error {
	batch := &pgx.Batch{}
	for _, t := range ticks {
		batch.Queue(insertTickSQL, t.Symbol, t.Price, t.ObservedAt)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for i := range ticks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert tick %d of %d: %w", i+1, len(ticks), err)
		}
	}
	return nil
}
