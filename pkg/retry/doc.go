// Package retry provides simple exponential backoff retry logic.
//
// The pipeline uses it for operations that can fail transiently —
// connecting and publishing to NATS — while the
// hot packet path never retries (a bad datagram is dropped, not
// reattempted).
//
// Basic usage:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//		return conn.Publish(subject, data)
//	})
//
// Errors wrapped with NonRetryable abort the loop immediately.
package retry
