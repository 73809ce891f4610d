// Package metric provides Prometheus metrics management for the receive
// pipeline.
//
// MetricsRegistry wraps a private prometheus.Registry so components can
// register their own metrics without colliding with the global default
// registry. Components follow the nil-feature pattern: passing a nil
// registry disables metrics entirely.
//
// Server exposes the registry over HTTP for scraping.
package metric
