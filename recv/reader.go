package recv

// Reader is an asynchronous source of packets for a stream.
//
// The lifecycle of a reader is:
//   - construction (stream mutex held)
//   - Start (stream mutex held; returned future awaited without it)
//   - StateChange with the stream stopped (stream mutex held)
//   - Join (stream mutex not held)
//
// A reader is in one of three states: running (an asynchronous receive
// is outstanding), paused (no receive outstanding, possibly packets
// backlogged awaiting consumer readiness), or stopped (no receive
// outstanding, the completion promise fulfilled).
type Reader interface {
	// Start performs second-phase initialization. It is called with
	// the stream mutex held and must not block; work that needs to run
	// without the mutex is arranged asynchronously and reported through
	// the returned channel, which the stream awaits after releasing the
	// mutex. A nil return means there is nothing to wait for.
	Start() <-chan error

	// StateChange notifies the reader that the stream may have changed
	// state: resumed from pause, or stopped. There is no explicit
	// notification of a pause; the packet path checks for pause before
	// passing packets on. Called with the stream mutex held; must not
	// block.
	StateChange()

	// Join blocks until the last completion callback has finished.
	// Guaranteed to be preceded by a StateChange with the stream
	// stopped. Must not acquire the stream mutex.
	Join()
}

// readerState tracks a reader's position in the lifecycle. Guarded by
// the owning stream's mutex.
type readerState int

const (
	readerRunning readerState = iota
	readerPaused
	readerStopped
)

func (s readerState) String() string {
	switch s {
	case readerRunning:
		return "running"
	case readerPaused:
		return "paused"
	case readerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
