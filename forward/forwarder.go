package forward

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sakthipriyas/spead2/errors"
	"github.com/sakthipriyas/spead2/pkg/retry"
	"github.com/sakthipriyas/spead2/recv"
)

// Publisher is the outbound side of the forwarder; *natsclient.Client
// satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config configures a Forwarder
type Config struct {
	// Subject is the NATS subject heaps are published to
	Subject string

	// Retry governs transient publish failures
	Retry retry.Config

	Logger *slog.Logger
}

// Validate implements config validation
func (c *Config) Validate() error {
	if c.Subject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"forwarder", "Validate", "subject validation")
	}
	return nil
}

// Forwarder drains a ring stream and publishes heap payloads
type Forwarder struct {
	stream  *recv.RingStream
	pub     Publisher
	subject string
	retry   retry.Config

	// id distinguishes forwarder instances in logs when several
	// streams feed the same subject
	id string

	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger

	// Statistics (atomic)
	forwarded atomic.Int64
	failed    atomic.Int64
}

// NewForwarder creates a forwarder for the given stream and publisher
func NewForwarder(stream *recv.RingStream, pub Publisher, cfg Config) (*Forwarder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if stream == nil || pub == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"forwarder", "New", "dependency validation")
	}
	id := uuid.NewString()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "forwarder", "subject", cfg.Subject, "id", id)
	}
	retryCfg := cfg.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.DefaultConfig()
	}
	return &Forwarder{
		stream:  stream,
		pub:     pub,
		subject: cfg.Subject,
		retry:   retryCfg,
		id:      id,
		done:    make(chan struct{}),
		logger:  logger,
	}, nil
}

// Start launches the forwarding loop. It runs until the stream's ring
// stops.
func (f *Forwarder) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	go f.run(ctx)
}

func (f *Forwarder) run(ctx context.Context) {
	defer close(f.done)

	for {
		h, err := f.stream.Pop()
		if err != nil {
			if stderrors.Is(err, errors.ErrRingStopped) {
				f.logger.Info("stream stopped, forwarder winding down",
					"forwarded", f.forwarded.Load(), "failed", f.failed.Load())
			} else {
				f.logger.Error("pop failed", "error", err)
			}
			return
		}

		publish := func() error {
			return f.pub.Publish(f.subject, h.Payload())
		}
		if err := retry.Do(ctx, f.retry, publish); err != nil {
			f.failed.Add(1)
			f.logger.Warn("dropping heap after failed publish", "cnt", h.Cnt(), "error", err)
			if ctx.Err() != nil {
				return
			}
			continue
		}
		f.forwarded.Add(1)
	}
}

// Done is closed once the forwarding loop has exited
func (f *Forwarder) Done() <-chan struct{} {
	return f.done
}

// Stop cancels in-flight publish retries and waits for the loop to
// exit. The stream must be stopped first, or the loop will keep
// waiting for heaps.
func (f *Forwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	<-f.done
}

// Stats returns cumulative forwarder counters
func (f *Forwarder) Stats() (forwarded, failed int64) {
	return f.forwarded.Load(), f.failed.Load()
}
