package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

// DecodeError reports a frame that could not be turned into a PriceTick.
// The frame is dropped; the connection is unaffected.
type DecodeError struct {
	Symbol string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s frame: %s: %v", e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s frame: %s", e.Symbol, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// priceFrame is the inbound wire schema. Unknown fields are ignored.
type priceFrame struct {
	Last      json.RawMessage `json:"last"`
	Timestamp json.RawMessage `json:"timestamp"` // Epoch milliseconds
}

// Decode parses a raw stream frame for symbol. A numeric "last" is required.
// ObservedAt is taken from "timestamp" when present, else receivedAt.
func Decode(symbol string, raw []byte, receivedAt time.Time) (PriceTick, error) {
	var f priceFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return PriceTick{}, &DecodeError{Symbol: symbol, Reason: "invalid json", Err: err}
	}

	if isAbsent(f.Last) {
		return PriceTick{}, &DecodeError{Symbol: symbol, Reason: "missing last"}
	}
	var price float64
	if err := json.Unmarshal(f.Last, &price); err != nil {
		return PriceTick{}, &DecodeError{Symbol: symbol, Reason: "non-numeric last", Err: err}
	}

	observedAt := receivedAt
	if !isAbsent(f.Timestamp) {
		var ms float64
		if err := json.Unmarshal(f.Timestamp, &ms); err != nil {
			return PriceTick{}, &DecodeError{Symbol: symbol, Reason: "invalid timestamp", Err: err}
		}
		if ms < 0 || ms > maxEpochMillis {
			return PriceTick{}, &DecodeError{Symbol: symbol, Reason: "timestamp out of range"}
		}
		observedAt = time.UnixMilli(int64(ms))
	}

	return PriceTick{
		Symbol:     symbol,
		Price:      price,
		ObservedAt: observedAt,
	}, nil
}

// maxEpochMillis is year 9999, well inside time.Time range.
const maxEpochMillis = 253402300799999

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
