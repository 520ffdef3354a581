// Package stream implements the symbol price stream subscription manager.
//
// The Manager keeps at most one streaming connection per symbol and shares it
// between every consumer observing that symbol:
//   - Subscribe opens the symbol's connection on first use (refcount 0 -> 1)
//   - Unsubscribe detaches one consumer; the last one out closes the connection
//   - Each connection reconnects with capped exponential backoff until closed
//   - Inbound frames are decoded into PriceTick values and fanned out to every
//     consumer in registration order; malformed frames and panicking callbacks
//     are isolated from the connection and from each other
//
// Ticks for one symbol are dispatched sequentially on that symbol's connection
// goroutine, in transport order. There is no ordering across symbols.
package stream
