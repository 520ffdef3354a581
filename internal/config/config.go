package config

import (
	"time"

	"github.com/stockmetrics/pricestream/internal/connection"
)

// Config is the root configuration for a pricestream instance.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Stream    StreamConfig    `yaml:"stream"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Watchlist WatchlistConfig `yaml:"watchlist"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Cache     CacheConfig     `yaml:"cache"`
	Publisher PublisherConfig `yaml:"publisher"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// StreamConfig holds the price stream endpoint and socket settings.
type StreamConfig struct {
	BaseURL          string        `yaml:"base_url"` // ws:// or wss:// root, no path
	Token            string        `yaml:"token"`    // Optional bearer token
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	BufferSize       int           `yaml:"buffer_size"`
}

// ClientConfig maps the socket settings onto a connection client config.
// The per-symbol URL is filled in by the dialer.
func (s StreamConfig) ClientConfig(userAgent string) connection.ClientConfig {
	return connection.ClientConfig{
		Token:            s.Token,
		UserAgent:        userAgent,
		HandshakeTimeout: s.HandshakeTimeout,
		PingInterval:     s.PingInterval,
		PingTimeout:      s.PingTimeout,
		WriteTimeout:     s.WriteTimeout,
		BufferSize:       s.BufferSize,
	}
}

// ReconnectConfig holds the reconnect backoff and dial throttle.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxAttempts  int           `yaml:"max_attempts"` // Failures before reporting exhaustion; negative = never
	DialRate     float64       `yaml:"dial_rate"`    // Dials per second across all symbols; negative = unlimited
	DialBurst    int           `yaml:"dial_burst"`
}

// WatchlistConfig holds the symbols watched at startup.
type WatchlistConfig struct {
	Symbols     []string `yaml:"symbols"`
	ChartWindow int      `yaml:"chart_window"`
}

// RecorderConfig holds the TimescaleDB tick recorder settings.
type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// CacheConfig holds the Redis latest-price cache settings.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	TTL           time.Duration `yaml:"ttl"`
	KeyPrefix     string        `yaml:"key_prefix"`     // Latest price key is {prefix}{SYMBOL}
	ChannelPrefix string        `yaml:"channel_prefix"` // Pub/sub channel is {prefix}{SYMBOL}
	BufferSize    int           `yaml:"buffer_size"`
}

// PublisherConfig holds the Kafka tick publisher settings.
type PublisherConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	TopicPattern string        `yaml:"topic_pattern"` // fmt pattern taking the symbol
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	BufferSize   int           `yaml:"buffer_size"`
}

// HTTPConfig holds the health and watchlist API server settings.
type HTTPConfig struct {
	Port int `yaml:"port"`
}
