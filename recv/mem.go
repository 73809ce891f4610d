package recv

import (
	"fmt"
	"log/slog"

	"github.com/sakthipriyas/spead2/errors"
)

// MemReader drains an in-memory buffer of back-to-back packets into a
// stream. When the buffer is exhausted it issues an end-of-stream on
// the stream, as if a stop had arrived from the network.
type MemReader struct {
	owner *Stream
	data  []byte

	// state is guarded by the stream mutex
	state     readerState
	stoppedCh chan struct{}
	logger    *slog.Logger
}

// AddMemReader attaches a memory reader draining data into the stream
func (s *Stream) AddMemReader(data []byte) error {
	return s.AddReader(func(owner *Stream) (Reader, error) {
		return newMemReader(owner, data)
	})
}

func newMemReader(owner *Stream, data []byte) (*MemReader, error) {
	if data == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil buffer"), "mem-reader", "New", "buffer validation")
	}
	return &MemReader{
		owner:     owner,
		data:      data,
		state:     readerPaused,
		stoppedCh: make(chan struct{}),
		logger:    slog.Default().With("component", "mem-reader"),
	}, nil
}

// Start schedules the first drain on the executor. The stream mutex is
// held by the caller.
func (m *MemReader) Start() <-chan error {
	m.enqueueLocked()
	return nil
}

// run drains as much as possible under the stream mutex, then either
// parks (stream paused), finishes (buffer exhausted), or stops.
func (m *MemReader) run() {
	m.owner.mu.Lock()
	defer m.owner.mu.Unlock()

	if m.owner.isStopped() {
		m.finalizeLocked()
		return
	}

	consumed := memToStreamLocked(m.owner, m.data)
	m.data = m.data[consumed:]

	if !m.owner.isStopped() {
		if m.owner.isPaused() {
			m.state = readerPaused
			return
		}
		if len(m.data) == 0 {
			m.owner.stopReceivedLocked()
		}
	}
	m.enqueueLocked()
}

// enqueueLocked schedules the next drain unless the stream is stopped
// or paused. Mutex held.
func (m *MemReader) enqueueLocked() {
	if m.owner.isStopped() {
		m.finalizeLocked()
		return
	}
	if m.owner.isPaused() {
		m.state = readerPaused
		return
	}
	m.state = readerRunning
	if err := m.owner.exec.Submit(m.run); err != nil {
		go m.run()
	}
}

func (m *MemReader) finalizeLocked() {
	if m.state != readerStopped {
		m.state = readerStopped
		close(m.stoppedCh)
	}
}

// StateChange is called with the stream mutex held
func (m *MemReader) StateChange() {
	if m.owner.isStopped() {
		m.finalizeLocked()
		return
	}
	if !m.owner.isPaused() && m.state == readerPaused {
		m.enqueueLocked()
	}
}

// Join blocks until the reader has stopped
func (m *MemReader) Join() {
	<-m.stoppedCh
}
