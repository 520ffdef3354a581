package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer runs a statement. *pgxpool.Pool and pgx.Tx satisfy it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// schemaStatements create the price_ticks table. The hypertable conversion
// only runs when the timescaledb extension is installed.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS price_ticks (
		symbol      TEXT             NOT NULL,
		price       DOUBLE PRECISION NOT NULL,
		observed_at TIMESTAMPTZ      NOT NULL,
		recorded_at TIMESTAMPTZ      NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS price_ticks_symbol_observed_at_idx
		ON price_ticks (symbol, observed_at DESC)`,
	`DO $$
	BEGIN
		IF EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb') THEN
			PERFORM create_hypertable('price_ticks', 'observed_at', if_not_exists => TRUE);
		END IF;
	END
	$$`,
}

// EnsureSchema creates the price_ticks table and index if missing.
func EnsureSchema(ctx context.Context, db Execer) error {
	for i, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
