// Package natsclient manages the NATS connection used by the heap
// forwarder.
//
// Client wraps a nats.Conn with connect-time retry, reconnect
// housekeeping, and optional Prometheus metrics (connection status and
// reconnect count). It exposes only what the pipeline needs: Connect,
// Publish, GetConnection, Status, and Close.
package natsclient
