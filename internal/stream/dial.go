package stream

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/stockmetrics/pricestream/internal/connection"
)

// WebSocketDialer returns a Dialer that opens a fresh connection.Client per
// dial. cfg.URL is replaced by the dialed URL.
func WebSocketDialer(cfg connection.ClientConfig, logger *slog.Logger) Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return DialFunc(func(ctx context.Context, streamURL string) (Transport, error) {
		c := cfg
		c.URL = streamURL
		client := connection.NewClient(c, logger.With("url", streamURL))
		if err := client.Connect(ctx); err != nil {
			client.Close()
			return nil, err
		}
		return client, nil
	})
}

// streamURL builds {base}/stream/prices/{symbol}.
func streamURL(base, symbol string) string {
	return strings.TrimSuffix(base, "/") + "/stream/prices/" + url.PathEscape(symbol)
}
