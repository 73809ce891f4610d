package worker

import "sync"

// Strand is a serialization domain: tasks posted to it run on a single
// goroutine, in order, never concurrently. Posting blocks while the
// queue is full.
type Strand struct {
	tasks chan func()
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewStrand creates and starts a strand with the given queue size
func NewStrand(queueSize int) *Strand {
	if queueSize <= 0 {
		queueSize = 64
	}
	s := &Strand{
		tasks: make(chan func(), queueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Post enqueues a task on the strand. Blocks while the queue is full;
// returns ErrStrandStopped once the strand is stopped.
func (s *Strand) Post(task func()) error {
	select {
	case <-s.quit:
		return ErrStrandStopped
	default:
	}
	select {
	case s.tasks <- task:
		return nil
	case <-s.quit:
		return ErrStrandStopped
	}
}

// PostWait posts a task and blocks until it has run, returning its
// error. Must not be called from the strand itself.
func (s *Strand) PostWait(task func() error) error {
	result := make(chan error, 1)
	if err := s.Post(func() { result <- task() }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-s.done:
		// Strand stopped before running the task
		select {
		case err := <-result:
			return err
		default:
			return ErrStrandStopped
		}
	}
}

// Stop stops the strand and waits for the running task to finish.
// The strand picks between a queued task and the stop signal at random,
// so some queued tasks may still run; those left when it exits are
// discarded.
func (s *Strand) Stop() {
	s.once.Do(func() {
		close(s.quit)
	})
	<-s.done
}

func (s *Strand) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case task := <-s.tasks:
			task()
		}
	}
}
