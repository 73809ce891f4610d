package recv

import (
	stderrors "errors"
	"sync"

	"github.com/sakthipriyas/spead2/errors"
	"github.com/sakthipriyas/spead2/pkg/ringbuf"
)

// DefaultRingHeaps is the ring capacity used when none is given
const DefaultRingHeaps = 4

// RingStreamConfig configures a RingStream
type RingStreamConfig struct {
	StreamConfig

	// RingHeaps is the handoff ring capacity (default 4)
	RingHeaps int

	// AllowIncomplete surfaces non-contiguous heaps to the ring
	// instead of dropping them (the default)
	AllowIncomplete bool
}

// RingStream is a stream whose handler pushes ready heaps into a
// bounded ring for a blocking consumer. When the ring fills up the
// stream pauses, which in turn suspends its readers' network receives.
type RingStream struct {
	*Stream

	ring           *ringbuf.Ring[*LiveHeap]
	contiguousOnly bool

	// wakeQuit aborts a pending space-available wait during an
	// externally-initiated stop
	wakeQuit chan struct{}
	wakeOnce sync.Once
}

// NewRingStream creates a ring stream. The zero value of cfg uses all
// defaults.
func NewRingStream(cfg RingStreamConfig) (*RingStream, error) {
	ringHeaps := cfg.RingHeaps
	if ringHeaps <= 0 {
		ringHeaps = DefaultRingHeaps
	}
	ring, err := ringbuf.New[*LiveHeap](ringHeaps)
	if err != nil {
		return nil, err
	}

	rs := &RingStream{
		ring:           ring,
		contiguousOnly: !cfg.AllowIncomplete,
		wakeQuit:       make(chan struct{}),
	}
	rs.Stream = newStream(cfg.StreamConfig, rs)
	rs.Stream.streamBase.onStopReceived = rs.networkStopHook
	rs.Stream.stopImplFn = rs.stopImpl
	return rs, nil
}

// HeapReady pushes a heap into the ring without blocking. On a full
// ring it arranges a space-available wakeup on the executor and reports
// not-ready, pausing the stream. Called with the stream mutex held.
func (rs *RingStream) HeapReady(h *LiveHeap) bool {
	if rs.contiguousOnly && !h.IsContiguous() {
		rs.logger.Warn("dropped incomplete heap",
			"cnt", h.Cnt(),
			"received", h.ReceivedLength(),
			"length", h.HeapLength())
		if rs.metrics != nil {
			rs.metrics.RecordHeapDropped(rs.name)
		}
		return true
	}

	err := rs.ring.TryPush(h)
	switch {
	case err == nil:
		return true
	case stderrors.Is(err, errors.ErrRingFull):
		rs.scheduleResume()
		return false
	default:
		// Ring already stopped externally: suppress, drop the heap
		rs.logger.Info("dropped heap due to external stop", "cnt", h.Cnt())
		if rs.metrics != nil {
			rs.metrics.RecordHeapDropped(rs.name)
		}
		return true
	}
}

// scheduleResume arranges for resume to run once the consumer frees a
// slot. The wait must not happen under the stream mutex, so it runs as
// an executor task.
func (rs *RingStream) scheduleResume() {
	task := func() {
		select {
		case <-rs.ring.Space():
		case <-rs.wakeQuit:
			return
		}
		rs.mu.Lock()
		defer rs.mu.Unlock()
		rs.resumeLocked()
		if rs.stopped && !rs.isPaused() {
			// Stop arrived while paused and the queue has drained:
			// finalize by stopping the ring
			rs.ring.Stop()
		}
	}
	if err := rs.exec.Submit(task); err != nil {
		go task()
	}
}

// networkStopHook runs at the end of stopReceived, with the stream
// mutex held. The base stopReceived has already flushed internal heaps
// into the ring, preserving tail data; only then is the ring stopped.
// If the flush left the stream paused, the ring stop is deferred to the
// resume path.
func (rs *RingStream) networkStopHook() {
	if !rs.isPaused() {
		rs.ring.Stop()
	}
}

// stopImpl is the externally-initiated stop. The space wakeup is closed
// first so a pending resume task exits without running, then the ring
// is stopped so the HeapReady calls made by the base stop's flush see a
// stopped ring and drop their heaps, and only then does the base stop
// take the mutex.
func (rs *RingStream) stopImpl() {
	rs.wakeOnce.Do(func() { close(rs.wakeQuit) })
	rs.ring.Stop()
	rs.Stream.defaultStopImpl()
}

// Pop blocks until a contiguous heap is available and returns it
// frozen. Incomplete heaps that reached the ring are logged and
// dropped. Returns ErrRingStopped once the stream is stopped and the
// ring is drained.
func (rs *RingStream) Pop() (*Heap, error) {
	for {
		h, err := rs.ring.Pop()
		if err != nil {
			return nil, err
		}
		if h.IsContiguous() {
			return FreezeHeap(h), nil
		}
		rs.logger.Info("received incomplete heap", "cnt", h.Cnt())
	}
}

// TryPop is Pop without blocking: ErrRingEmpty when running but empty,
// ErrRingStopped when stopped and drained.
func (rs *RingStream) TryPop() (*Heap, error) {
	for {
		h, err := rs.ring.TryPop()
		if err != nil {
			return nil, err
		}
		if h.IsContiguous() {
			return FreezeHeap(h), nil
		}
		rs.logger.Info("received incomplete heap", "cnt", h.Cnt())
	}
}

// Ring exposes the underlying ring for observability
func (rs *RingStream) Ring() *ringbuf.Ring[*LiveHeap] { return rs.ring }
