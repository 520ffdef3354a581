// fakefeed serves random-walk price streams for local development.
// Usage: go run ./cmd/fakefeed --addr :8082 --interval 250ms
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	addr := flag.String("addr", ":8082", "listen address")
	interval := flag.Duration("interval", 250*time.Millisecond, "time between ticks per stream")
	dropAfter := flag.Int("drop-after", 0, "close each stream after this many ticks (0 = never)")
	garbageEvery := flag.Int("garbage-every", 0, "send a malformed frame every N ticks (0 = never)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	f := newFeed(feedConfig{
		Interval:     *interval,
		DropAfter:    *dropAfter,
		GarbageEvery: *garbageEvery,
	}, logger)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           f.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("fake feed listening", "addr", *addr, "interval", *interval)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
