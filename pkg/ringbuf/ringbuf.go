package ringbuf

import (
	"sync"
	"sync/atomic"

	"github.com/sakthipriyas/spead2/errors"
)

// Ring is a bounded blocking ring. All methods are safe for concurrent
// use by any number of producers and consumers.
type Ring[T any] struct {
	ch      chan T
	stopped chan struct{}
	once    sync.Once

	// space is signalled after every successful pop so a producer that
	// saw ErrRingFull can wait for room without polling
	space chan struct{}

	// Statistics (atomic)
	pushed  atomic.Int64
	popped  atomic.Int64
	refused atomic.Int64
}

// New creates a ring with the given capacity
func New[T any](capacity int) (*Ring[T], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"ringbuf", "New", "capacity validation")
	}
	return &Ring[T]{
		ch:      make(chan T, capacity),
		stopped: make(chan struct{}),
		space:   make(chan struct{}, 1),
	}, nil
}

// TryPush adds an item without blocking. Returns ErrRingFull when there
// is no space and ErrRingStopped once the ring has been stopped.
func (r *Ring[T]) TryPush(item T) error {
	select {
	case <-r.stopped:
		return errors.ErrRingStopped
	default:
	}
	select {
	case r.ch <- item:
		r.pushed.Add(1)
		return nil
	default:
		r.refused.Add(1)
		return errors.ErrRingFull
	}
}

// Push adds an item, blocking until space is available or the ring is
// stopped.
func (r *Ring[T]) Push(item T) error {
	select {
	case <-r.stopped:
		return errors.ErrRingStopped
	default:
	}
	select {
	case r.ch <- item:
		r.pushed.Add(1)
		return nil
	case <-r.stopped:
		return errors.ErrRingStopped
	}
}

// Pop removes the oldest item, blocking until one is available or the
// ring is stopped and drained (ErrRingStopped).
func (r *Ring[T]) Pop() (T, error) {
	var zero T
	select {
	case item := <-r.ch:
		r.popped.Add(1)
		r.signalSpace()
		return item, nil
	case <-r.stopped:
		// Stopped: drain whatever is still buffered
		select {
		case item := <-r.ch:
			r.popped.Add(1)
			r.signalSpace()
			return item, nil
		default:
			return zero, errors.ErrRingStopped
		}
	}
}

// TryPop removes the oldest item without blocking. Returns ErrRingEmpty
// when the ring is running but empty, ErrRingStopped when stopped and
// drained.
func (r *Ring[T]) TryPop() (T, error) {
	var zero T
	select {
	case item := <-r.ch:
		r.popped.Add(1)
		r.signalSpace()
		return item, nil
	default:
	}
	select {
	case <-r.stopped:
		return zero, errors.ErrRingStopped
	default:
		return zero, errors.ErrRingEmpty
	}
}

// Stop unblocks all producers and consumers. Idempotent. Buffered items
// remain available to Pop/TryPop until drained.
func (r *Ring[T]) Stop() {
	r.once.Do(func() {
		close(r.stopped)
	})
}

// IsStopped reports whether Stop has been called
func (r *Ring[T]) IsStopped() bool {
	select {
	case <-r.stopped:
		return true
	default:
		return false
	}
}

// Space returns a channel that receives a token after each pop. The
// channel has capacity one: a single token may represent several pops,
// so a waiter must re-check for space after waking.
func (r *Ring[T]) Space() <-chan struct{} {
	return r.space
}

// Len returns the number of buffered items
func (r *Ring[T]) Len() int { return len(r.ch) }

// Cap returns the ring capacity
func (r *Ring[T]) Cap() int { return cap(r.ch) }

// Stats returns ring statistics
func (r *Ring[T]) Stats() Stats {
	return Stats{
		Pushed:  r.pushed.Load(),
		Popped:  r.popped.Load(),
		Refused: r.refused.Load(),
	}
}

// Stats holds cumulative ring counters
type Stats struct {
	Pushed  int64 `json:"pushed"`
	Popped  int64 `json:"popped"`
	Refused int64 `json:"refused"`
}

func (r *Ring[T]) signalSpace() {
	select {
	case r.space <- struct{}{}:
	default:
	}
}
