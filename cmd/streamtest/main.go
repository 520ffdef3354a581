// streamtest subscribes to price streams and prints ticks to the console.
// Usage: go run ./cmd/streamtest --symbols AAPL,MSFT --consumers 2
//
// The stream root comes from STREAM_URL (or .env), then the config file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/stockmetrics/pricestream/internal/buffer"
	"github.com/stockmetrics/pricestream/internal/config"
	"github.com/stockmetrics/pricestream/internal/stream"
	"github.com/stockmetrics/pricestream/internal/version"
)

// printed is one console line source.
type printed struct {
	consumer int
	tick     stream.PriceTick
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	symbols := flag.String("symbols", "", "comma-separated symbols (default: config watchlist)")
	consumers := flag.Int("consumers", 1, "consumers per symbol; all share one connection")
	verbose := flag.Bool("verbose", false, "print full tick JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	if err := config.LoadDotEnv(".env"); err != nil {
		logger.Error("failed to load .env", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	watch := cfg.Watchlist.Symbols
	if *symbols != "" {
		watch = strings.Split(*symbols, ",")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clientCfg := cfg.Stream.ClientConfig(version.UserAgent())

	mgr, err := stream.NewManager(stream.Config{
		BaseURL: cfg.Stream.BaseURL,
		Backoff: stream.BackoffConfig{
			Initial:    cfg.Reconnect.InitialDelay,
			Max:        cfg.Reconnect.MaxDelay,
			Multiplier: cfg.Reconnect.Multiplier,
		},
		MaxAttempts: max(cfg.Reconnect.MaxAttempts, 0),
	}, stream.WebSocketDialer(clientCfg, logger), stream.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create stream manager", "error", err)
		os.Exit(1)
	}

	buf := buffer.NewGrowableBuffer[printed](1000, 100000)

	var handles []stream.Handle
	for _, sym := range watch {
		for i := range *consumers {
			h, err := mgr.Subscribe(sym,
				func(t stream.PriceTick) { buf.Send(printed{consumer: i, tick: t}) },
				stream.WithStatus(func(st stream.Status) {
					if i > 0 {
						return
					}
					logger.Info("stream status",
						"symbol", st.Symbol,
						"state", st.State,
						"attempt", st.Attempt,
						"delay", st.Delay,
						"exhausted", st.Exhausted,
						"error", st.Err,
					)
				}),
			)
			if err != nil {
				logger.Error("failed to subscribe", "symbol", sym, "error", err)
				os.Exit(1)
			}
			handles = append(handles, h)
		}
	}

	go printTicks(ctx, buf, *verbose)

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := mgr.Stats()
				logger.Info("stats",
					"symbols", s.Symbols,
					"consumers", s.Consumers,
					"live_connections", s.LiveConnections,
					"dials", s.Dials,
					"ticks", s.TicksDispatched,
					"decode_errors", s.DecodeErrors,
					"print_buf", buf.Len(),
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop",
		"url", cfg.Stream.BaseURL,
		"symbols", watch,
		"consumers", *consumers,
	)

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	for _, h := range handles {
		mgr.Unsubscribe(h)
	}
	if err := mgr.Stop(shutdownCtx); err != nil {
		logger.Error("stream manager shutdown error", "error", err)
	}
	buf.Close()

	logger.Info("shutdown complete")
}

func printTicks(ctx context.Context, buf *buffer.GrowableBuffer[printed], verbose bool) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			p, ok := buf.TryReceive()
			if !ok {
				time.Sleep(10 * time.Millisecond)
				continue
			}

			if verbose {
				data, _ := json.MarshalIndent(p.tick, "", "  ")
				fmt.Printf("[TICK #%d] %s\n", p.consumer, data)
			} else {
				fmt.Printf("[TICK #%d] symbol=%s price=%.4f at=%s\n",
					p.consumer, p.tick.Symbol, p.tick.Price, p.tick.ObservedAt.Format(time.RFC3339Nano))
			}
		}
	}
}
