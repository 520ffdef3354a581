package stream

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffConfig configures the reconnect delay policy.
type BackoffConfig struct {
	Initial    time.Duration // Delay after the first failure
	Max        time.Duration // Upper bound for any delay
	Multiplier float64       // Growth factor per consecutive failure
}

// DefaultBackoffConfig returns sensible defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
	}
}

// Policy computes reconnect delays. It is stateless: callers keep their own
// attempt counter and reset it when a connection reaches Open.
type Policy struct {
	cfg BackoffConfig
}

// NewPolicy creates a Policy, filling invalid fields from the defaults.
func NewPolicy(cfg BackoffConfig) Policy {
	d := DefaultBackoffConfig()
	if cfg.Initial <= 0 {
		cfg.Initial = d.Initial
	}
	if cfg.Max <= 0 {
		cfg.Max = d.Max
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = d.Multiplier
	}
	return Policy{cfg: cfg}
}

// Initial returns the delay used after a reset.
func (p Policy) Initial() time.Duration {
	return p.cfg.Initial
}

// NextDelay returns the delay before reconnect attempt number attempt
// (1-based). It is non-decreasing in attempt and never exceeds Max.
func (p Policy) NextDelay(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.cfg.Initial,
		RandomizationFactor: 0,
		Multiplier:          p.cfg.Multiplier,
		MaxInterval:         p.cfg.Max,
	}
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt && delay < p.cfg.Max; i++ {
		delay = b.NextBackOff()
	}
	if delay > p.cfg.Max {
		delay = p.cfg.Max
	}
	return delay
}
