// Package database provides the TimescaleDB connection pool used by the tick
// recorder, and the price_ticks schema it writes to.
package database
