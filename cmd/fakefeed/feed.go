package main

import (
	"encoding/json"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type feedConfig struct {
	Interval     time.Duration
	DropAfter    int // Close the stream after this many ticks; 0 = never
	GarbageEvery int // Emit a malformed frame every N ticks; 0 = never
}

// feed serves one random-walk stream per connection. Prices persist per
// symbol across connections.
type feed struct {
	cfg      feedConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	prices map[string]float64
}

func newFeed(cfg feedConfig, logger *slog.Logger) *feed {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	return &feed{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		prices: make(map[string]float64),
	}
}

func (f *feed) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream/prices/{symbol}", f.handleStream)
	return mux
}

// step moves symbol's price by up to 0.5% and returns it.
func (f *feed) step(symbol string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.prices[symbol]
	if !ok {
		p = 50 + rand.Float64()*450
	}
	p *= 1 + (rand.Float64()-0.5)*0.01
	p = math.Round(p*100) / 100
	f.prices[symbol] = p
	return p
}

func (f *feed) handleStream(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("upgrade failed", "symbol", symbol, "error", err)
		return
	}
	defer conn.Close()

	logger := f.logger.With("symbol", symbol, "remote", r.RemoteAddr)
	logger.Info("stream opened")

	// Reader drains control frames so pings get answered.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for sent := 1; ; sent++ {
		select {
		case <-closed:
			logger.Info("stream closed by client")
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		frame := f.frame(symbol, sent)
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			logger.Info("stream write failed", "error", err)
			return
		}

		if f.cfg.DropAfter > 0 && sent >= f.cfg.DropAfter {
			logger.Info("dropping stream", "ticks", sent)
			return
		}
	}
}

func (f *feed) frame(symbol string, n int) []byte {
	if f.cfg.GarbageEvery > 0 && n%f.cfg.GarbageEvery == 0 {
		return []byte(`{"last":"n/a"}`)
	}
	data, _ := json.Marshal(struct {
		Symbol    string  `json:"symbol"`
		Last      float64 `json:"last"`
		Timestamp int64   `json:"timestamp"`
	}{
		Symbol:    symbol,
		Last:      f.step(symbol),
		Timestamp: time.Now().UnixMilli(),
	})
	return data
}
