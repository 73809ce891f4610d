package forward

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cerrors "github.com/sakthipriyas/spead2/errors"
	"github.com/sakthipriyas/spead2/pkg/retry"
	"github.com/sakthipriyas/spead2/recv"
)

type stubPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	failures int
}

func (s *stubPublisher) Publish(subject string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return cerrors.WrapTransient(errors.New("broker unavailable"), "stub", "Publish", "publish")
	}
	owned := make([]byte, len(data))
	copy(owned, data)
	s.subjects = append(s.subjects, subject)
	s.payloads = append(s.payloads, owned)
	return nil
}

func (s *stubPublisher) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

// onePacketHeap builds a wire-format single-packet heap (SPEAD-64-48
// flavour: header, item pointers for cnt / payload offset / payload
// length / heap length, then payload)
func onePacketHeap(cnt int64, payload []byte) []byte {
	const (
		headerLen    = 8
		pointerLen   = 8
		addrBits     = 48
		immediateBit = uint64(1) << 63
	)
	pointers := []uint64{
		immediateBit | 0x01<<addrBits | uint64(cnt),          // heap cnt
		immediateBit | 0x03<<addrBits | 0,                    // payload offset
		immediateBit | 0x04<<addrBits | uint64(len(payload)), // payload length
		immediateBit | 0x02<<addrBits | uint64(len(payload)), // heap length
	}
	out := make([]byte, headerLen+len(pointers)*pointerLen+len(payload))
	out[0] = 0x53
	out[1] = 4
	out[2] = 8
	out[3] = 6
	out[7] = byte(len(pointers))
	for i, p := range pointers {
		for b := 0; b < 8; b++ {
			out[headerLen+i*pointerLen+b] = byte(p >> (56 - 8*b))
		}
	}
	copy(out[headerLen+len(pointers)*pointerLen:], payload)
	return out
}

func newTestStream(t *testing.T) *recv.RingStream {
	t.Helper()
	rs, err := recv.NewRingStream(recv.RingStreamConfig{RingHeaps: 8})
	require.NoError(t, err)
	return rs
}

func TestForwarderPublishesHeaps(t *testing.T) {
	rs := newTestStream(t)
	defer rs.Stop()

	pub := &stubPublisher{}
	f, err := NewForwarder(rs, pub, Config{Subject: "telemetry.heaps"})
	require.NoError(t, err)
	f.Start(context.Background())

	payload := []byte("0123456789abcdef")
	data := append(onePacketHeap(1, payload), onePacketHeap(2, payload)...)
	require.NoError(t, rs.AddMemReader(data))

	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("forwarder did not finish")
	}

	require.Equal(t, 2, pub.count())
	require.Equal(t, "telemetry.heaps", pub.subjects[0])
	require.Equal(t, payload, pub.payloads[0])

	forwarded, failed := f.Stats()
	require.Equal(t, int64(2), forwarded)
	require.Equal(t, int64(0), failed)
}

func TestForwarderRetriesTransientFailures(t *testing.T) {
	rs := newTestStream(t)
	defer rs.Stop()

	pub := &stubPublisher{failures: 2}
	f, err := NewForwarder(rs, pub, Config{
		Subject: "telemetry.heaps",
		Retry: retry.Config{
			MaxAttempts:  5,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2.0,
		},
	})
	require.NoError(t, err)
	f.Start(context.Background())

	require.NoError(t, rs.AddMemReader(onePacketHeap(1, []byte("0123456789abcdef"))))

	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("forwarder did not finish")
	}

	require.Equal(t, 1, pub.count())
	forwarded, failed := f.Stats()
	require.Equal(t, int64(1), forwarded)
	require.Equal(t, int64(0), failed)
}

func TestForwarderDropsAfterExhaustedRetries(t *testing.T) {
	rs := newTestStream(t)
	defer rs.Stop()

	pub := &stubPublisher{failures: 100}
	f, err := NewForwarder(rs, pub, Config{
		Subject: "telemetry.heaps",
		Retry: retry.Config{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2.0,
		},
	})
	require.NoError(t, err)
	f.Start(context.Background())

	require.NoError(t, rs.AddMemReader(onePacketHeap(1, []byte("0123456789abcdef"))))

	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("forwarder did not finish")
	}

	forwarded, failed := f.Stats()
	require.Equal(t, int64(0), forwarded)
	require.Equal(t, int64(1), failed)
}

func TestForwarderStopAfterStreamStop(t *testing.T) {
	rs := newTestStream(t)
	pub := &stubPublisher{}
	f, err := NewForwarder(rs, pub, Config{Subject: "telemetry.heaps"})
	require.NoError(t, err)
	f.Start(context.Background())

	rs.Stop()
	done := make(chan struct{})
	go func() {
		f.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("forwarder Stop did not return")
	}
}

func TestForwarderConfigValidation(t *testing.T) {
	rs := newTestStream(t)
	defer rs.Stop()

	_, err := NewForwarder(rs, &stubPublisher{}, Config{})
	require.Error(t, err)

	_, err = NewForwarder(nil, &stubPublisher{}, Config{Subject: "s"})
	require.Error(t, err)

	_, err = NewForwarder(rs, nil, Config{Subject: "s"})
	require.Error(t, err)
}
