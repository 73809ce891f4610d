package worker

import "errors"

var (
	// ErrPoolNotStarted is returned when submitting to a pool that hasn't been started
	ErrPoolNotStarted = errors.New("worker pool not started")

	// ErrPoolAlreadyStarted is returned when starting an already-started pool
	ErrPoolAlreadyStarted = errors.New("worker pool already started")

	// ErrPoolStopped is returned when submitting to a stopped pool
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrQueueFull is returned when the task queue is full
	ErrQueueFull = errors.New("worker queue full")

	// ErrStopTimeout is returned when workers don't finish within the stop timeout
	ErrStopTimeout = errors.New("stop timeout exceeded")

	// ErrStrandStopped is returned when posting to a stopped strand
	ErrStrandStopped = errors.New("strand stopped")
)
