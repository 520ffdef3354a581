package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stockmetrics/pricestream/internal/connection"
)

func TestManager_WebSocketFeed(t *testing.T) {
	var (
		paths   = make(chan string, 8)
		accepts atomic.Int32
	)
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		paths <- r.URL.Path

		// The first connection drops after one tick to force a reconnect.
		n := accepts.Add(1)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"last":150.2,"timestamp":1000}`))
		if n == 1 {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"last":151}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := testManagerConfig()
	cfg.BaseURL = "ws" + strings.TrimPrefix(server.URL, "http")

	clientCfg := connection.DefaultClientConfig()
	clientCfg.HandshakeTimeout = time.Second
	m := newTestManager(t, cfg, WebSocketDialer(clientCfg, discardLogger()))

	fn, ticks := tickSink()
	if _, err := m.Subscribe("aapl", fn); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	first := recvTick(t, ticks)
	if first.Symbol != "AAPL" || first.Price != 150.2 || !first.ObservedAt.Equal(time.UnixMilli(1000)) {
		t.Errorf("first tick = %+v", first)
	}

	// Reconnected stream replays its first tick, then skips the garbage frame.
	recvTick(t, ticks)
	if got := recvTick(t, ticks); got.Price != 151 {
		t.Errorf("price = %v, want 151", got.Price)
	}

	if p := <-paths; p != "/stream/prices/AAPL" {
		t.Errorf("path = %q, want /stream/prices/AAPL", p)
	}
	if got := m.Stats().Dials; got < 2 {
		t.Errorf("dials = %d, want at least 2", got)
	}
	if got := m.Stats().DecodeErrors; got != 1 {
		t.Errorf("DecodeErrors = %d, want 1", got)
	}
}
