package recv

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sakthipriyas/spead2/errors"
	"github.com/sakthipriyas/spead2/metric"
	"github.com/sakthipriyas/spead2/pkg/worker"
)

// DefaultMaxHeaps is the live-heap table size used when none is given
const DefaultMaxHeaps = 4

// Handler consumes heaps ejected from the live-heap table. HeapReady is
// called with the stream mutex held; the heap might or might not be
// complete. Returning false means the consumer is temporarily not ready
// to take the heap: the stream keeps it on a resume queue and enters
// the paused state, and the handler must arrange for Stream.Resume to
// be called once it may be ready again.
type Handler interface {
	HeapReady(h *LiveHeap) bool
}

// discardHandler accepts and drops every heap
type discardHandler struct{}

func (discardHandler) HeapReady(*LiveHeap) bool { return true }

// StreamConfig configures a Stream
type StreamConfig struct {
	// Name labels logs and metrics; defaults to "stream"
	Name string

	// BugCompat selects protocol-bug compatibility flags applied
	// during decode
	BugCompat BugCompatMask

	// MaxHeaps is the live-heap table size (default 4)
	MaxHeaps int

	// Handler receives ready heaps; nil means accept-and-discard.
	// RingStream ignores this and installs its own.
	Handler Handler

	// Exec is the shared task executor. When nil the stream creates
	// and owns a small pool of its own.
	Exec *worker.Pool

	// MetricsRegistry enables Prometheus metrics when non-nil
	MetricsRegistry *metric.MetricsRegistry

	Logger *slog.Logger
}

// streamBase holds the single-threaded reassembly state. Callers hold
// the owning Stream's mutex.
//
// The live heaps are stored in a circular table with a parallel table
// of heap cnts (-1 marks a hole). When a heap is removed the table is
// not shifted up; a hole is left, so only a head index is needed. When
// adding a new heap, any heap stored at head+1 is evicted first. Heaps
// may therefore be evicted before storage strictly requires it, but
// this prevents heaps with lost packets from hanging around forever.
type streamBase struct {
	heaps    []*LiveHeap
	heapCnts []int64
	head     int

	// resumeHeaps holds heaps the handler refused. The stream is
	// paused iff this queue is non-empty.
	resumeHeaps []*LiveHeap

	maxHeaps  int
	stopped   bool
	bugCompat BugCompatMask

	handler Handler
	name    string
	logger  *slog.Logger
	metrics *metric.Metrics

	// onStopReceived runs at the end of stopReceived regardless of
	// whether the stop came from the network or the application;
	// RingStream uses it to stop its ring once the flush is done
	onStopReceived func()
}

func (s *streamBase) isStopped() bool { return s.stopped }
func (s *streamBase) isPaused() bool  { return len(s.resumeHeaps) > 0 }

// emit hands one heap to the handler; a refusal queues it for resume
func (s *streamBase) emit(h *LiveHeap) {
	if s.metrics != nil {
		if h.IsComplete() {
			s.metrics.RecordHeapCompleted(s.name)
		} else {
			s.metrics.RecordHeapIncomplete(s.name)
		}
	}
	if !s.handler.HeapReady(h) {
		s.resumeHeaps = append(s.resumeHeaps, h)
		if s.metrics != nil {
			s.metrics.RecordStreamPaused(s.name, true)
		}
	}
}

// addPacket incorporates a decoded packet into the live-heap table.
// Returns true if the packet was accepted.
func (s *streamBase) addPacket(p *PacketHeader) bool {
	if s.stopped {
		s.reject()
		return false
	}
	if p.IsStreamStop {
		s.stopReceived()
		return true
	}

	idx := -1
	for i, cnt := range s.heapCnts {
		if cnt == p.Cnt {
			idx = i
			break
		}
	}

	fresh := false
	if idx < 0 {
		target := (s.head + 1) % s.maxHeaps
		if s.heapCnts[target] >= 0 {
			old := s.heaps[target]
			s.heaps[target] = nil
			s.heapCnts[target] = -1
			s.emit(old)
		}
		s.heaps[target] = newLiveHeap(p.Cnt)
		s.heapCnts[target] = p.Cnt
		s.head = target
		idx = target
		fresh = true
	}

	h := s.heaps[idx]
	if !h.addPacket(p) {
		if fresh {
			// The packet that created the slot was itself rejected;
			// do not leave an empty heap behind
			s.heaps[idx] = nil
			s.heapCnts[idx] = -1
		}
		s.reject()
		return false
	}

	if h.IsComplete() || p.IsHeapEnd {
		s.heaps[idx] = nil
		s.heapCnts[idx] = -1
		s.emit(h)
	}

	if s.metrics != nil {
		s.metrics.RecordPacketReceived(s.name)
	}
	return true
}

func (s *streamBase) reject() {
	if s.metrics != nil {
		s.metrics.RecordPacketRejected(s.name)
	}
}

// flush walks the table oldest-first, emitting every live heap. Each
// heap may individually be refused and queued for resume.
func (s *streamBase) flush() {
	for i := 1; i <= s.maxHeaps; i++ {
		idx := (s.head + i) % s.maxHeaps
		if s.heapCnts[idx] < 0 {
			continue
		}
		h := s.heaps[idx]
		s.heaps[idx] = nil
		s.heapCnts[idx] = -1
		s.emit(h)
	}
}

// stopReceived marks the stream stopped and flushes the table.
// Idempotent.
func (s *streamBase) stopReceived() {
	if s.stopped {
		return
	}
	s.stopped = true
	s.flush()
	if s.onStopReceived != nil {
		s.onStopReceived()
	}
}

// resume re-delivers queued heaps in order, stopping at the first
// refusal
func (s *streamBase) resume() {
	for len(s.resumeHeaps) > 0 {
		h := s.resumeHeaps[0]
		if !s.handler.HeapReady(h) {
			return
		}
		s.resumeHeaps[0] = nil
		s.resumeHeaps = s.resumeHeaps[1:]
	}
	if s.metrics != nil {
		s.metrics.RecordStreamPaused(s.name, false)
	}
}

// discardResumeHeaps throws away the resume queue without calling the
// handler again. Used when the stream is stopped externally.
func (s *streamBase) discardResumeHeaps() {
	for _, h := range s.resumeHeaps {
		s.logger.Info("discarding heap on stop", "cnt", h.Cnt())
		if s.metrics != nil {
			s.metrics.RecordHeapDropped(s.name)
		}
	}
	s.resumeHeaps = nil
	if s.metrics != nil {
		s.metrics.RecordStreamPaused(s.name, false)
	}
}

// Stream is a thread-safe SPEAD stream fed by readers. Packets go
// through AddPacket; heaps come out through the configured Handler.
type Stream struct {
	streamBase

	// mu serializes all access to the reassembly state and the reader
	// set. Held across addPacket, HeapReady, and resume.
	mu sync.Mutex

	readers  []Reader
	stopOnce sync.Once

	exec    *worker.Pool
	ownExec bool

	// stopImplFn runs once when Stop is called; RingStream replaces it
	// to close its ring first
	stopImplFn func()
}

// NewStream creates a stream delivering heaps to cfg.Handler
func NewStream(cfg StreamConfig) *Stream {
	h := cfg.Handler
	if h == nil {
		h = discardHandler{}
	}
	return newStream(cfg, h)
}

func newStream(cfg StreamConfig, handler Handler) *Stream {
	name := cfg.Name
	if name == "" {
		name = "stream"
	}
	maxHeaps := cfg.MaxHeaps
	if maxHeaps <= 0 {
		maxHeaps = DefaultMaxHeaps
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "stream", "name", name)
	}

	var metrics *metric.Metrics
	if cfg.MetricsRegistry != nil {
		metrics = cfg.MetricsRegistry.CoreMetrics()
	}

	s := &Stream{
		streamBase: streamBase{
			heaps:     make([]*LiveHeap, maxHeaps),
			heapCnts:  make([]int64, maxHeaps),
			maxHeaps:  maxHeaps,
			bugCompat: cfg.BugCompat,
			handler:   handler,
			name:      name,
			logger:    logger,
			metrics:   metrics,
		},
		exec: cfg.Exec,
	}
	for i := range s.heapCnts {
		s.heapCnts[i] = -1
	}
	if s.exec == nil {
		s.exec = worker.NewPool(2, 64)
		_ = s.exec.Start()
		s.ownExec = true
	}
	s.stopImplFn = s.defaultStopImpl
	return s
}

// Executor returns the stream's task executor
func (s *Stream) Executor() *worker.Pool { return s.exec }

// BugCompat returns the stream's bug-compatibility mask
func (s *Stream) BugCompat() BugCompatMask { return s.bugCompat }

// IsStopped reports whether the stream has stopped
func (s *Stream) IsStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// IsPaused reports whether the stream is paused
func (s *Stream) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isPaused()
}

// AddPacket incorporates a decoded packet. Returns true if it was
// accepted (new data), false if rejected: duplicate, stream stopped,
// or inconsistent with existing heap state.
func (s *Stream) AddPacket(p *PacketHeader) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addPacket(p)
}

// Resume re-delivers refused heaps to the handler. Custom Handler
// implementations call this once their consumer may have space again.
func (s *Stream) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeLocked()
}

// resumeLocked must be called with the mutex held. If the resume queue
// drains, readers are notified so they can re-arm receives.
func (s *Stream) resumeLocked() {
	if !s.isPaused() {
		return
	}
	s.resume()
	if !s.isPaused() {
		for _, r := range s.readers {
			r.StateChange()
		}
	}
}

// stopReceivedLocked handles a stop coming from the network (or from a
// reader that exhausted its input). Mutex held.
func (s *Stream) stopReceivedLocked() {
	s.streamBase.stopReceived()
}

// AddReader constructs a reader under the stream mutex, attaches it,
// and then awaits its start future with the mutex released. The factory
// runs with the mutex held and must not block.
func (s *Stream) AddReader(factory func(*Stream) (Reader, error)) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrStreamStopped, "stream", "AddReader", "stopped check")
	}
	r, err := factory(s)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.readers = append(s.readers, r)
	fut := r.Start()
	s.mu.Unlock()

	if fut != nil {
		if err := <-fut; err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts the stream down: idempotent, returns only after every
// reader has joined and no callback is still in flight.
func (s *Stream) Stop() {
	s.stopOnce.Do(s.stopImplFn)
}

func (s *Stream) defaultStopImpl() {
	s.mu.Lock()
	s.stopReceivedLocked()
	// Externally-initiated stop discards whatever the handler refused;
	// a network-initiated stop leaves the queue for resume to drain
	s.discardResumeHeaps()
	readers := make([]Reader, len(s.readers))
	copy(readers, s.readers)
	for _, r := range readers {
		r.StateChange()
	}
	s.mu.Unlock()

	for _, r := range readers {
		r.Join()
	}

	s.mu.Lock()
	s.readers = nil
	s.mu.Unlock()

	if s.ownExec {
		_ = s.exec.Stop(5 * time.Second)
	}
}

// MemToStream pushes the packets found in data into the stream,
// stopping at the first decode failure (there is no way to find the
// next packet after a corrupt one), when the stream pauses, or when it
// stops. It returns the number of bytes consumed. The stream is not
// stopped by exhausting the buffer.
func MemToStream(s *Stream, data []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memToStreamLocked(s, data)
}

func memToStreamLocked(s *Stream, data []byte) int {
	consumed := 0
	for len(data) > 0 && !s.stopped && !s.isPaused() {
		p, n, err := DecodePacket(data, s.bugCompat)
		if err != nil {
			break
		}
		s.addPacket(p)
		data = data[n:]
		consumed += n
	}
	return consumed
}
