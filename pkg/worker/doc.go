// Package worker provides the task executors used by the receive
// pipeline.
//
// Pool is a fixed-size pool of goroutines executing submitted tasks; the
// pipeline shares one Pool as its I/O executor for deferred work such as
// ring-stream resume handlers and memory-reader iterations.
//
// Strand is a serialization domain: a single goroutine executing posted
// tasks in order. The bypass service runs its endpoint table and packet
// dispatch on a Strand so the hot path needs no lock.
package worker
