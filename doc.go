// Package spead2 implements the receive path of the SPEAD (Streaming
// Protocol for Exchange of Astronomical Data) telemetry protocol.
//
// Packets arriving over UDP, websocket, or kernel-bypass interfaces are
// reassembled into heaps — application-level messages composed of a
// header, an item index, and payload — and delivered to consumers either
// through a callback hook or a bounded blocking ring.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│            Readers                  │  UDP, memory, websocket,
//	│  (sockets, bypass, in-memory)       │  bypass per endpoint
//	└─────────────────────────────────────┘
//	           ↓ decoded packets (stream mutex)
//	┌─────────────────────────────────────┐
//	│            Stream                   │  Live-heap table,
//	│  (reassembly, pause/resume, stop)   │  heap-ready hook
//	└─────────────────────────────────────┘
//	           ↓ ready heaps
//	┌─────────────────────────────────────┐
//	│          RingStream                 │  Bounded handoff,
//	│  (Pop/TryPop, backpressure)         │  consumer side
//	└─────────────────────────────────────┘
//
// The recv package holds the pipeline; pkg/ringbuf, pkg/worker,
// pkg/retry, errors and metric supply the shared infrastructure; the
// forward package publishes received heaps to NATS and cmd/spead-recv
// ties everything into a daemon.
package spead2
