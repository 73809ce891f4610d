package worker

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStrandOrdering(t *testing.T) {
	s := NewStrand(16)
	defer s.Stop()

	var order []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		last := i == 9
		require.NoError(t, s.Post(func() {
			order = append(order, i)
			if last {
				close(done)
			}
		}))
	}
	<-done

	require.Len(t, order, 10)
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestStrandNeverConcurrent(t *testing.T) {
	s := NewStrand(16)
	defer s.Stop()

	var inFlight atomic.Int32
	var maxSeen atomic.Int32
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		last := i == 49
		require.NoError(t, s.Post(func() {
			n := inFlight.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			inFlight.Add(-1)
			if last {
				close(done)
			}
		}))
	}
	<-done
	require.Equal(t, int32(1), maxSeen.Load())
}

func TestStrandPostWait(t *testing.T) {
	s := NewStrand(4)
	defer s.Stop()

	err := s.PostWait(func() error { return nil })
	require.NoError(t, err)
}

func TestStrandPostAfterStop(t *testing.T) {
	s := NewStrand(4)
	s.Stop()
	require.ErrorIs(t, s.Post(func() {}), ErrStrandStopped)
	require.ErrorIs(t, s.PostWait(func() error { return nil }), ErrStrandStopped)
}
