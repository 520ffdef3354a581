package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/stockmetrics/pricestream/internal/config"
	"github.com/stockmetrics/pricestream/internal/database"
	"github.com/stockmetrics/pricestream/internal/sink"
	"github.com/stockmetrics/pricestream/internal/stream"
	"github.com/stockmetrics/pricestream/internal/version"
	"github.com/stockmetrics/pricestream/internal/view"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults only when empty)")
	envPath := flag.String("env", ".env", "optional dotenv file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "load env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting pricestream",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"stream_url", cfg.Stream.BaseURL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("pricestream failed", "error", err)
		os.Exit(1)
	}
	logger.Info("pricestream stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	manager, err := newManager(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := manager.Stop(shutdownCtx); err != nil {
			logger.Warn("stream manager stop", "error", err)
		}
	}()

	deps, err := openSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close()

	if err := sink.StartAll(ctx, deps.sinks); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sink.StopAll(shutdownCtx, deps.sinks); err != nil {
			logger.Warn("sink shutdown", "error", err)
		}
	}()

	router := sink.NewRouter(manager, deps.sinks, logger)
	defer router.Close()

	watchlist := view.NewWatchlist(manager, logger)
	defer watchlist.Close()

	charts := view.NewCharts(manager, cfg.Watchlist.ChartWindow, logger)
	defer charts.Close()

	srv := &server{
		manager:   manager,
		watchlist: watchlist,
		charts:    charts,
		router:    router,
		deps:      deps,
		logger:    logger,
	}
	for _, sym := range cfg.Watchlist.Symbols {
		if _, err := srv.watch(sym); err != nil {
			return fmt.Errorf("watch %s: %w", sym, err)
		}
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", "port", cfg.HTTP.Port)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	logger.Info("pricestream running",
		"symbols", watchlist.Symbols(),
		"sinks", len(deps.sinks),
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.HTTP.Port),
	)

	return g.Wait()
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func newManager(cfg *config.Config, logger *slog.Logger) (*stream.Manager, error) {
	clientCfg := cfg.Stream.ClientConfig(version.UserAgent())

	opts := []stream.Option{
		stream.WithLogger(logger),
		stream.WithErrorHandler(func(err error) {
			logger.Warn("stream consumer error", "error", err)
		}),
	}
	if cfg.Reconnect.DialRate > 0 {
		opts = append(opts, stream.WithDialLimiter(
			rate.NewLimiter(rate.Limit(cfg.Reconnect.DialRate), cfg.Reconnect.DialBurst),
		))
	}

	return stream.NewManager(stream.Config{
		BaseURL: cfg.Stream.BaseURL,
		Backoff: stream.BackoffConfig{
			Initial:    cfg.Reconnect.InitialDelay,
			Max:        cfg.Reconnect.MaxDelay,
			Multiplier: cfg.Reconnect.Multiplier,
		},
		MaxAttempts: max(cfg.Reconnect.MaxAttempts, 0),
	}, stream.WebSocketDialer(clientCfg, logger), opts...)
}

// sinkDeps holds the enabled sinks and the clients behind them.
type sinkDeps struct {
	sinks []sink.Sink
	pool  *pgxpool.Pool
	rdb   *redis.Client
	cache *sink.Cache
}

func openSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sinkDeps, error) {
	deps := &sinkDeps{}

	if cfg.Recorder.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Recorder.Database.Host,
			"port", cfg.Recorder.Database.Port,
			"database", cfg.Recorder.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Recorder.Database)
		if err != nil {
			return nil, err
		}
		deps.pool = pool
		if err := database.EnsureSchema(ctx, pool); err != nil {
			deps.close()
			return nil, err
		}
		deps.sinks = append(deps.sinks, sink.NewRecorder(sink.Config{
			BatchSize:     cfg.Recorder.BatchSize,
			FlushInterval: cfg.Recorder.FlushInterval,
			BufferSize:    cfg.Recorder.BufferSize,
		}, pool, logger.With("sink", "recorder")))
	}

	if cfg.Cache.Enabled {
		deps.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		if err := deps.rdb.Ping(ctx).Err(); err != nil {
			deps.close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Cache.Addr, err)
		}
		deps.cache = sink.NewCache(sink.Config{
			BatchSize:  sink.DefaultConfig().BatchSize,
			BufferSize: cfg.Cache.BufferSize,
		}, sink.CacheConfig{
			TTL:           cfg.Cache.TTL,
			KeyPrefix:     cfg.Cache.KeyPrefix,
			ChannelPrefix: cfg.Cache.ChannelPrefix,
		}, deps.rdb, logger.With("sink", "cache"))
		deps.sinks = append(deps.sinks, deps.cache)
	}

	if cfg.Publisher.Enabled {
		w := sink.NewKafkaWriter(sink.PublisherConfig{
			Brokers:      cfg.Publisher.Brokers,
			TopicPattern: cfg.Publisher.TopicPattern,
			BatchTimeout: cfg.Publisher.BatchTimeout,
		})
		deps.sinks = append(deps.sinks, sink.NewPublisher(sink.Config{
			BufferSize: cfg.Publisher.BufferSize,
		}, cfg.Publisher.TopicPattern, w, logger.With("sink", "publisher")))
	}

	names := make([]string, 0, len(deps.sinks))
	for _, s := range deps.sinks {
		names = append(names, s.Name())
	}
	logger.Info("sinks configured", "sinks", strings.Join(names, ","))
	return deps, nil
}

// ping checks the clients behind enabled sinks.
func (d *sinkDeps) ping(ctx context.Context) map[string]error {
	out := make(map[string]error)
	if d.pool != nil {
		out["timescaledb"] = d.pool.Ping(ctx)
	}
	if d.rdb != nil {
		out["redis"] = d.rdb.Ping(ctx).Err()
	}
	return out
}

func (d *sinkDeps) close() {
	if d.pool != nil {
		d.pool.Close()
	}
	if d.rdb != nil {
		d.rdb.Close()
	}
}
