package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stockmetrics/pricestream/internal/connection"
)

// Errors
var (
	ErrInvalidSymbol    = errors.New("invalid symbol")
	ErrNilCallback      = errors.New("nil tick callback")
	ErrManagerStopped   = errors.New("manager stopped")
	ErrExhaustedRetries = errors.New("stream unavailable: retries exhausted")
)

// PriceTick is one decoded price update for a symbol.
type PriceTick struct {
	Symbol     string
	Price      float64
	ObservedAt time.Time // Server timestamp, or local receipt time if omitted
}

// Callback receives ticks for a subscribed symbol.
type Callback func(PriceTick)

// StatusFunc receives connection status changes for a subscribed symbol.
type StatusFunc func(Status)

// Handle identifies one Subscribe call. It is the only valid argument to
// Unsubscribe; the zero Handle is accepted and ignored.
type Handle struct {
	Symbol     string
	ConsumerID uuid.UUID
}

// State is the lifecycle state of a symbol's connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateError
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateClosed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown stream state %q", text)
}

// Status is a best-effort report of a connection state change.
type Status struct {
	Symbol    string
	State     State
	Attempt   int           // Consecutive failures since the last Open
	Delay     time.Duration // Wait before the next attempt (Reconnecting only)
	Err       error         // Failure that caused Error, or ErrExhaustedRetries
	Exhausted bool          // Consecutive failures reached Config.MaxAttempts
}

// Transport is one live stream socket. connection.Client satisfies it.
type Transport interface {
	Messages() <-chan connection.TimestampedMessage
	Errors() <-chan error
	Close() error
}

// Dialer opens a Transport to a stream URL. A successful return means the
// stream is ready to deliver frames.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context, url string) (Transport, error)

// Dial calls f(ctx, url).
func (f DialFunc) Dial(ctx context.Context, url string) (Transport, error) {
	return f(ctx, url)
}

// NormalizeSymbol trims and uppercases a ticker symbol.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" || strings.ContainsAny(s, "/?# \t") {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return s, nil
}
