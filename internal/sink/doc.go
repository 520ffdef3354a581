// Package sink implements background consumers of price ticks.
//
// Sinks:
//   - Recorder: batch inserts into the TimescaleDB price_ticks table
//   - Cache: latest price per symbol in Redis, plus a pub/sub fan-out
//   - Publisher: one Kafka message per tick on prices.{SYMBOL}
//
// Each sink's Handle is a stream callback that only enqueues into a bounded
// buffer; writes happen on the sink's own goroutines.
package sink
