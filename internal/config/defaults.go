package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultBaseURL            = "ws://localhost:8082"
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultPingInterval       = 30 * time.Second
	DefaultPingTimeout        = 60 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultStreamBufferSize   = 1024
	DefaultInitialDelay       = 500 * time.Millisecond
	DefaultMaxDelay           = 30 * time.Second
	DefaultMultiplier         = 2.0
	DefaultMaxAttempts        = 10
	DefaultDialRate           = 5.0
	DefaultDialBurst          = 5
	DefaultChartWindow        = 30
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultBatchSize          = 1000
	DefaultFlushInterval      = 1 * time.Second
	DefaultSinkBufferSize     = 10000
	DefaultCacheAddr          = "localhost:6379"
	DefaultCacheTTL           = 24 * time.Hour
	DefaultCacheKeyPrefix     = "price:"
	DefaultCacheChannelPrefix = "prices."
	DefaultKafkaBroker        = "localhost:9092"
	DefaultTopicPattern       = "prices.%s"
	DefaultBatchTimeout       = 10 * time.Millisecond
	DefaultHTTPPort           = 8080
)

// DefaultSymbols is the watchlist used when none is configured.
var DefaultSymbols = []string{"AAPL", "MSFT"}

func (c *Config) applyDefaults() {
	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	// Stream defaults
	if c.Stream.BaseURL == "" {
		c.Stream.BaseURL = DefaultBaseURL
	}
	if c.Stream.HandshakeTimeout == 0 {
		c.Stream.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Stream.PingInterval == 0 {
		c.Stream.PingInterval = DefaultPingInterval
	}
	if c.Stream.PingTimeout == 0 {
		c.Stream.PingTimeout = DefaultPingTimeout
	}
	if c.Stream.WriteTimeout == 0 {
		c.Stream.WriteTimeout = DefaultWriteTimeout
	}
	if c.Stream.BufferSize == 0 {
		c.Stream.BufferSize = DefaultStreamBufferSize
	}

	// Reconnect defaults
	if c.Reconnect.InitialDelay == 0 {
		c.Reconnect.InitialDelay = DefaultInitialDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultMaxDelay
	}
	if c.Reconnect.Multiplier == 0 {
		c.Reconnect.Multiplier = DefaultMultiplier
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultMaxAttempts
	}
	if c.Reconnect.DialRate == 0 {
		c.Reconnect.DialRate = DefaultDialRate
	}
	if c.Reconnect.DialBurst == 0 {
		c.Reconnect.DialBurst = DefaultDialBurst
	}

	// Watchlist defaults
	if len(c.Watchlist.Symbols) == 0 {
		c.Watchlist.Symbols = append([]string(nil), DefaultSymbols...)
	}
	if c.Watchlist.ChartWindow == 0 {
		c.Watchlist.ChartWindow = DefaultChartWindow
	}

	// Recorder defaults
	applyDBDefaults(&c.Recorder.Database)
	if c.Recorder.BatchSize == 0 {
		c.Recorder.BatchSize = DefaultBatchSize
	}
	if c.Recorder.FlushInterval == 0 {
		c.Recorder.FlushInterval = DefaultFlushInterval
	}
	if c.Recorder.BufferSize == 0 {
		c.Recorder.BufferSize = DefaultSinkBufferSize
	}

	// Cache defaults
	if c.Cache.Addr == "" {
		c.Cache.Addr = DefaultCacheAddr
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = DefaultCacheKeyPrefix
	}
	if c.Cache.ChannelPrefix == "" {
		c.Cache.ChannelPrefix = DefaultCacheChannelPrefix
	}
	if c.Cache.BufferSize == 0 {
		c.Cache.BufferSize = DefaultSinkBufferSize
	}

	// Publisher defaults
	if len(c.Publisher.Brokers) == 0 {
		c.Publisher.Brokers = []string{DefaultKafkaBroker}
	}
	if c.Publisher.TopicPattern == "" {
		c.Publisher.TopicPattern = DefaultTopicPattern
	}
	if c.Publisher.BatchTimeout == 0 {
		c.Publisher.BatchTimeout = DefaultBatchTimeout
	}
	if c.Publisher.BufferSize == 0 {
		c.Publisher.BufferSize = DefaultSinkBufferSize
	}

	// HTTP defaults
	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
