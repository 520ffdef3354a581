package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stockmetrics/pricestream/internal/sink"
	"github.com/stockmetrics/pricestream/internal/stream"
	"github.com/stockmetrics/pricestream/internal/view"
)

// server exposes the watchlist, charts and health over HTTP.
type server struct {
	manager   *stream.Manager
	watchlist *view.Watchlist
	charts    *view.Charts
	router    *sink.Router
	deps      *sinkDeps // nil when no sink is enabled
	logger    *slog.Logger
}

// watch adds symbol to the watchlist and attaches the sinks to it.
func (s *server) watch(symbol string) (string, error) {
	sym, err := s.watchlist.Add(symbol)
	if err != nil {
		return "", err
	}
	if err := s.router.Follow(sym); err != nil {
		s.watchlist.Remove(sym)
		return "", err
	}
	return sym, nil
}

func (s *server) unwatch(symbol string) error {
	if err := s.watchlist.Remove(symbol); err != nil {
		return err
	}
	s.router.Unfollow(symbol)
	s.charts.Drop(symbol)
	return nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /watchlist", s.handleWatchlist)
	mux.HandleFunc("POST /watchlist", s.handleWatch)
	mux.HandleFunc("DELETE /watchlist/{symbol}", s.handleUnwatch)
	mux.HandleFunc("GET /chart/{symbol}", s.handleChart)
	mux.HandleFunc("GET /price/{symbol}", s.handlePrice)
	mux.HandleFunc("GET /debug/subscriptions", s.handleSubscriptions)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats := s.manager.Stats()
	health := struct {
		Status     string         `json:"status"`
		Components map[string]any `json:"components"`
	}{
		Status:     "healthy",
		Components: make(map[string]any),
	}

	health.Components["stream"] = map[string]any{
		"symbols":          stats.Symbols,
		"live_connections": stats.LiveConnections,
		"dials":            stats.Dials,
	}
	if stats.LiveConnections < int64(stats.Symbols) {
		health.Status = "degraded"
	}

	if s.deps != nil {
		for name, err := range s.deps.ping(ctx) {
			if err != nil {
				health.Status = "unhealthy"
				health.Components[name] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
				continue
			}
			health.Components[name] = "connected"
		}
		for _, sk := range s.deps.sinks {
			health.Components["sink."+sk.Name()] = sk.Stats()
		}
	}

	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *server) handleWatchlist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.watchlist.Snapshot())
}

func (s *server) handleWatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sym, err := s.watch(req.Symbol)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.logger.Info("watchlist updated", "added", sym)
	writeJSON(w, http.StatusCreated, map[string]string{"symbol": sym})
}

func (s *server) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	if err := s.unwatch(r.PathValue("symbol")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleChart serves charts for watched symbols only, so every open chart
// is released when its symbol leaves the watchlist.
func (s *server) handleChart(w http.ResponseWriter, r *http.Request) {
	sym, err := stream.NormalizeSymbol(r.PathValue("symbol"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !s.watchlist.Contains(sym) {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", view.ErrNotWatched, sym))
		return
	}

	c, err := s.charts.Open(sym)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	// Removed while the chart was opening.
	if !s.watchlist.Contains(sym) {
		s.charts.Drop(sym)
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", view.ErrNotWatched, sym))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": c.Symbol(),
		"points": c.Points(),
	})
}

func (s *server) handlePrice(w http.ResponseWriter, r *http.Request) {
	if s.deps == nil || s.deps.cache == nil {
		writeError(w, http.StatusNotFound, errors.New("price cache disabled"))
		return
	}
	sym, err := stream.NormalizeSymbol(r.PathValue("symbol"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	tick, err := s.deps.cache.Latest(r.Context(), sym)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":      tick.Symbol,
		"price":       tick.Price,
		"observed_at": tick.ObservedAt,
	})
}

func (s *server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Stats())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, stream.ErrInvalidSymbol):
		return http.StatusBadRequest
	case errors.Is(err, view.ErrNotWatched), errors.Is(err, sink.ErrNoPrice):
		return http.StatusNotFound
	case errors.Is(err, stream.ErrManagerStopped), errors.Is(err, view.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
