package stream

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
)

// CallbackError reports a consumer callback that panicked. Delivery to the
// remaining consumers continues.
type CallbackError struct {
	Symbol     string
	ConsumerID uuid.UUID
	Value      any // Recovered panic value
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("consumer %s callback for %s panicked: %v", e.ConsumerID, e.Symbol, e.Value)
}

// Unwrap exposes the panic value when it was an error.
func (e *CallbackError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// consumer is one Subscribe call.
type consumer struct {
	id       uuid.UUID
	onTick   Callback
	onStatus StatusFunc

	// detached is set by Unsubscribe before it returns; the dispatcher
	// checks it immediately before every invocation.
	detached atomic.Bool
}

// dispatcher fans ticks and statuses out to consumers.
type dispatcher struct {
	logger  *slog.Logger
	onError func(error)

	dispatched     atomic.Int64
	callbackErrors atomic.Int64
}

// dispatch invokes every live consumer in order with tick.
func (d *dispatcher) dispatch(tick PriceTick, consumers []*consumer) {
	for _, c := range consumers {
		if c.detached.Load() {
			continue
		}
		d.invoke(tick.Symbol, c, func() { c.onTick(tick) })
		d.dispatched.Add(1)
	}
}

// notify invokes every live consumer's status callback with st.
func (d *dispatcher) notify(st Status, consumers []*consumer) {
	for _, c := range consumers {
		if c.onStatus == nil || c.detached.Load() {
			continue
		}
		d.invoke(st.Symbol, c, func() { c.onStatus(st) })
	}
}

// invoke runs fn, recovering a panic into a CallbackError.
func (d *dispatcher) invoke(symbol string, c *consumer, fn func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := &CallbackError{Symbol: symbol, ConsumerID: c.id, Value: r}
		d.callbackErrors.Add(1)
		d.logger.Error("consumer callback failed",
			"symbol", symbol,
			"consumer", c.id,
			"error", err,
		)
		d.report(err)
	}()
	fn()
}

// report hands err to the error handler; a panicking handler is swallowed.
func (d *dispatcher) report(err error) {
	if d.onError == nil {
		return
	}
	defer func() { recover() }()
	d.onError(err)
}
