// Package ringbuf provides a generic bounded blocking ring used to hand
// items from a producer that must not block (the stream's packet path)
// to a consumer that may.
//
// The ring distinguishes three producer outcomes — accepted, full, and
// stopped — and exposes a space-available channel so a refused producer
// can arrange an asynchronous wakeup instead of blocking:
//
//	if err := ring.TryPush(h); errors.Is(err, cerrors.ErrRingFull) {
//		go func() {
//			<-ring.Space()
//			resume()
//		}()
//	}
//
// Stop unblocks consumers; items already in the ring remain poppable
// until drained, after which Pop and TryPop report ErrRingStopped.
package ringbuf
