package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if err := c.Stream.validate(); err != nil {
		return err
	}
	if err := c.Reconnect.validate(); err != nil {
		return err
	}

	for i, s := range c.Watchlist.Symbols {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("watchlist.symbols[%d] is empty", i)
		}
	}
	if c.Watchlist.ChartWindow < 1 {
		return errors.New("watchlist.chart_window must be >= 1")
	}

	if c.Recorder.Enabled {
		if err := c.Recorder.Database.validate("recorder.database"); err != nil {
			return err
		}
		if c.Recorder.BatchSize < 1 {
			return errors.New("recorder.batch_size must be >= 1")
		}
		if c.Recorder.BufferSize < 1 {
			return errors.New("recorder.buffer_size must be >= 1")
		}
	}

	if c.Cache.Enabled {
		if c.Cache.Addr == "" {
			return errors.New("cache.addr is required")
		}
		if c.Cache.TTL < 0 {
			return errors.New("cache.ttl must be >= 0")
		}
	}

	if c.Publisher.Enabled {
		if len(c.Publisher.Brokers) == 0 {
			return errors.New("publisher.brokers is required")
		}
		if strings.Count(c.Publisher.TopicPattern, "%s") != 1 {
			return fmt.Errorf("publisher.topic_pattern must contain exactly one %%s, got %q", c.Publisher.TopicPattern)
		}
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	return nil
}

func (s *StreamConfig) validate() error {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return fmt.Errorf("stream.base_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("stream.base_url must use ws or wss, got %q", s.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("stream.base_url must include a host, got %q", s.BaseURL)
	}
	if s.PingTimeout < s.PingInterval {
		return fmt.Errorf("stream.ping_timeout (%v) must be >= ping_interval (%v)", s.PingTimeout, s.PingInterval)
	}
	if s.BufferSize < 1 {
		return errors.New("stream.buffer_size must be >= 1")
	}
	return nil
}

func (r *ReconnectConfig) validate() error {
	if r.InitialDelay <= 0 {
		return errors.New("reconnect.initial_delay must be > 0")
	}
	if r.MaxDelay < r.InitialDelay {
		return fmt.Errorf("reconnect.max_delay (%v) cannot be less than initial_delay (%v)", r.MaxDelay, r.InitialDelay)
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be >= 1, got %v", r.Multiplier)
	}
	if r.DialBurst < 1 {
		return errors.New("reconnect.dial_burst must be >= 1")
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
