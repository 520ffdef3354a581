// Package connection implements the per-symbol stream transport.
//
// A Client wraps a single WebSocket to the price stream endpoint:
//   - Dials with an optional bearer token and a versioned User-Agent
//   - Answers server pings and sends its own keepalive pings
//   - Flags the socket stale when no ping/pong arrives within PingTimeout
//   - Delivers every inbound frame with its local receive timestamp
//
// Clients are single-use: reconnection is driven by the stream package,
// which dials a fresh Client for every attempt.
package connection
