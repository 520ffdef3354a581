package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stockmetrics/pricestream/internal/stream"
)

// ErrNoPrice is returned by Cache.Latest for a symbol never cached.
var ErrNoPrice = errors.New("no cached price")

// CacheConfig holds Redis key layout settings.
type CacheConfig struct {
	TTL           time.Duration // 0 = keys never expire
	KeyPrefix     string        // Latest price key is {KeyPrefix}{SYMBOL}
	ChannelPrefix string        // Pub/sub channel is {ChannelPrefix}{SYMBOL}
}

// Cache keeps the latest tick per symbol in Redis and publishes every tick.
type Cache struct {
	*batcher
	rdb    redis.UniversalClient
	layout CacheConfig
}

// NewCache creates a Cache writing through rdb.
func NewCache(cfg Config, layout CacheConfig, rdb redis.UniversalClient, logger *slog.Logger) *Cache {
	c := &Cache{rdb: rdb, layout: layout}
	c.batcher = newBatcher("cache", cfg, c.writeBatch, logger)
	return c
}

// Key returns the latest-price key for symbol.
func (c *Cache) Key(symbol string) string {
	return c.layout.KeyPrefix + symbol
}

// Channel returns the pub/sub channel for symbol.
func (c *Cache) Channel(symbol string) string {
	return c.layout.ChannelPrefix + symbol
}

// Latest reads the cached tick for symbol.
func (c *Cache) Latest(ctx context.Context, symbol string) (stream.PriceTick, error) {
	raw, err := c.rdb.Get(ctx, c.Key(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return stream.PriceTick{}, fmt.Errorf("%w for %s", ErrNoPrice, symbol)
	}
	if err != nil {
		return stream.PriceTick{}, fmt.Errorf("get %s: %w", c.Key(symbol), err)
	}
	return stream.Decode(symbol, raw, time.Now())
}

// writeBatch pipelines one PUBLISH per tick and one SET per symbol.
func (c *Cache) writeBatch(ctx context.Context, ticks []stream.PriceTick) error {
	latest := make(map[string][]byte, len(ticks))

	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, t := range ticks {
			payload, err := encodeTick(t)
			if err != nil {
				return fmt.Errorf("encode %s tick: %w", t.Symbol, err)
			}
			pipe.Publish(ctx, c.Channel(t.Symbol), payload)
			latest[t.Symbol] = payload
		}
		for sym, payload := range latest {
			pipe.Set(ctx, c.Key(sym), payload, c.layout.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}
