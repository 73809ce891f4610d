// Package forward publishes received heaps to NATS.
//
// Forwarder is the standard consumer of a RingStream: it pops frozen
// heaps in a loop and publishes each payload to a configured subject,
// retrying transient publish failures. It winds down on its own when
// the ring stops.
package forward
