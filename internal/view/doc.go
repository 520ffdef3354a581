// Package view holds the in-process consumers behind the dashboard: a
// watchlist of symbols with their last price and stream status, and a chart
// window of recent points per symbol. Both observe the shared per-symbol
// streams through stream.Manager and release their handles on Close.
package view
