package recv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// recordingHandler collects delivered heaps and can refuse a configured
// number of deliveries
type recordingHandler struct {
	heaps   []*LiveHeap
	refuse  int
	refused []*LiveHeap
}

func (r *recordingHandler) HeapReady(h *LiveHeap) bool {
	if r.refuse > 0 {
		r.refuse--
		r.refused = append(r.refused, h)
		return false
	}
	r.heaps = append(r.heaps, h)
	return true
}

func (r *recordingHandler) cnts() []int64 {
	out := make([]int64, len(r.heaps))
	for i, h := range r.heaps {
		out[i] = h.Cnt()
	}
	return out
}

func feed(t *testing.T, s *Stream, data []byte) bool {
	t.Helper()
	p := mustDecode(t, data)
	return s.AddPacket(p)
}

func TestStreamDeliversCompleteHeapsInOrder(t *testing.T) {
	h := &recordingHandler{}
	s := NewStream(StreamConfig{Handler: h, MaxHeaps: 4})
	defer s.Stop()

	for cnt := int64(1); cnt <= 3; cnt++ {
		require.True(t, feed(t, s, onePacketHeap(cnt, []byte("0123456789abcdef"))))
	}

	require.Equal(t, []int64{1, 2, 3}, h.cnts())
	for _, lh := range h.heaps {
		require.True(t, lh.IsComplete())
	}
}

func TestStreamOutOfOrderWithinHeap(t *testing.T) {
	h := &recordingHandler{}
	s := NewStream(StreamConfig{Handler: h})
	defer s.Stop()

	chunks := [][]byte{[]byte("AAAAAAAA"), []byte("BBBBBBBB"), []byte("CCCCCCCC")}
	for _, i := range []int{2, 0, 1} {
		data := packetSpec{
			cnt:           7,
			heapLength:    24,
			payloadOffset: int64(i) * 8,
			payload:       chunks[i],
		}.bytes()
		require.True(t, feed(t, s, data))
	}

	// Single delivery, after the final packet, complete
	require.Equal(t, []int64{7}, h.cnts())
	require.True(t, h.heaps[0].IsComplete())
	require.Equal(t, []byte("AAAAAAAABBBBBBBBCCCCCCCC"), h.heaps[0].Payload())
}

func TestStreamEvictsOldestIncomplete(t *testing.T) {
	h := &recordingHandler{}
	s := NewStream(StreamConfig{Handler: h, MaxHeaps: 2})
	defer s.Stop()

	// Each heap gets one of two packets, so none completes; the table
	// holds two, and each further heap evicts the oldest
	for cnt := int64(10); cnt <= 13; cnt++ {
		data := packetSpec{cnt: cnt, heapLength: 32, payload: []byte("sixteen.bytes.._")}.bytes()
		require.True(t, feed(t, s, data))
	}

	require.Equal(t, []int64{10, 11}, h.cnts())
	for _, lh := range h.heaps {
		require.False(t, lh.IsComplete())
	}
}

func TestStreamRejectsDuplicatePacket(t *testing.T) {
	h := &recordingHandler{}
	s := NewStream(StreamConfig{Handler: h})
	defer s.Stop()

	data := packetSpec{cnt: 5, heapLength: 32, payload: []byte("halfhalf")}.bytes()
	require.True(t, feed(t, s, data))
	require.False(t, feed(t, s, data))
}

func TestStreamRejectsAfterStop(t *testing.T) {
	h := &recordingHandler{}
	s := NewStream(StreamConfig{Handler: h})
	s.Stop()

	require.False(t, feed(t, s, onePacketHeap(1, []byte("x"))))
}

func TestStreamStopFlushesOldestFirst(t *testing.T) {
	h := &recordingHandler{}
	s := NewStream(StreamConfig{Handler: h, MaxHeaps: 4})

	for cnt := int64(1); cnt <= 3; cnt++ {
		data := packetSpec{cnt: cnt, heapLength: 32, payload: []byte("partial_")}.bytes()
		require.True(t, feed(t, s, data))
	}
	s.Stop()

	require.Equal(t, []int64{1, 2, 3}, h.cnts())
	require.True(t, s.IsStopped())
}

func TestStreamNetworkStopFlushes(t *testing.T) {
	h := &recordingHandler{}
	s := NewStream(StreamConfig{Handler: h})
	defer s.Stop()

	data := packetSpec{cnt: 1, heapLength: 32, payload: []byte("partial_")}.bytes()
	require.True(t, feed(t, s, data))
	require.True(t, feed(t, s, stopPacket(2)))

	require.True(t, s.IsStopped())
	require.Equal(t, []int64{1}, h.cnts())
}

func TestStreamStopIdempotent(t *testing.T) {
	h := &recordingHandler{}
	s := NewStream(StreamConfig{Handler: h})
	s.Stop()
	s.Stop()
	require.True(t, s.IsStopped())
}

func TestStreamPauseOnRefusalAndResume(t *testing.T) {
	h := &recordingHandler{refuse: 1}
	s := NewStream(StreamConfig{Handler: h, MaxHeaps: 2})
	defer s.Stop()

	// Fill both slots, then force an eviction the handler refuses
	for cnt := int64(1); cnt <= 2; cnt++ {
		data := packetSpec{cnt: cnt, heapLength: 32, payload: []byte("partial_")}.bytes()
		require.True(t, feed(t, s, data))
	}
	require.False(t, s.IsPaused())

	data := packetSpec{cnt: 3, heapLength: 32, payload: []byte("partial_")}.bytes()
	require.True(t, feed(t, s, data))

	// The evicted heap (cnt 1) was refused: stream paused
	require.True(t, s.IsPaused())
	require.Empty(t, h.cnts())

	s.Resume()
	require.False(t, s.IsPaused())
	require.Equal(t, []int64{1}, h.cnts())
}

func TestStreamResumePreservesOrder(t *testing.T) {
	h := &recordingHandler{refuse: 2}
	s := NewStream(StreamConfig{Handler: h, MaxHeaps: 2})

	for cnt := int64(1); cnt <= 2; cnt++ {
		data := packetSpec{cnt: cnt, heapLength: 32, payload: []byte("partial_")}.bytes()
		require.True(t, feed(t, s, data))
	}
	// Evict both into the resume queue
	for cnt := int64(3); cnt <= 4; cnt++ {
		data := packetSpec{cnt: cnt, heapLength: 32, payload: []byte("partial_")}.bytes()
		require.True(t, feed(t, s, data))
	}
	require.True(t, s.IsPaused())

	s.Resume()
	require.Equal(t, []int64{1, 2}, h.cnts())

	s.Stop()
	// The stop flushes the remaining live heaps
	require.Equal(t, []int64{1, 2, 3, 4}, h.cnts())
}

func TestStreamDiscardsRefusedHeapsOnExternalStop(t *testing.T) {
	h := &recordingHandler{refuse: 1}
	s := NewStream(StreamConfig{Handler: h, MaxHeaps: 2})

	for cnt := int64(1); cnt <= 3; cnt++ {
		data := packetSpec{cnt: cnt, heapLength: 32, payload: []byte("partial_")}.bytes()
		require.True(t, feed(t, s, data))
	}
	require.True(t, s.IsPaused())

	s.Stop()
	// cnt 1 was refused before the stop and is discarded, the rest
	// flush through
	require.Equal(t, []int64{2, 3}, h.cnts())
	require.False(t, s.IsPaused())
	require.True(t, s.IsStopped())
}

func TestStreamHeapEndEvictsImmediately(t *testing.T) {
	h := &recordingHandler{}
	s := NewStream(StreamConfig{Handler: h})
	defer s.Stop()

	data := packetSpec{
		cnt:        6,
		heapLength: 32,
		payload:    []byte("onlyhalf"),
		streamCtrl: ctrlHeapEnd,
	}.bytes()
	require.True(t, feed(t, s, data))

	require.Equal(t, []int64{6}, h.cnts())
	require.False(t, h.heaps[0].IsComplete())
}

func TestStreamNoDuplicateCntSlots(t *testing.T) {
	h := &recordingHandler{}
	s := NewStream(StreamConfig{Handler: h, MaxHeaps: 4})
	defer s.Stop()

	// Several packets of the same heap must land in one slot
	for i := 0; i < 3; i++ {
		data := packetSpec{
			cnt:           21,
			heapLength:    64,
			payloadOffset: int64(i) * 8,
			payload:       []byte("8bytes.."),
		}.bytes()
		require.True(t, feed(t, s, data))
	}

	s.mu.Lock()
	seen := make(map[int64]int)
	occupied := 0
	for _, cnt := range s.heapCnts {
		if cnt >= 0 {
			seen[cnt]++
			occupied++
		}
	}
	s.mu.Unlock()

	require.Equal(t, 1, occupied)
	require.Equal(t, 1, seen[21])
}

func TestStreamAddReaderAfterStop(t *testing.T) {
	s := NewStream(StreamConfig{})
	s.Stop()
	err := s.AddMemReader([]byte{})
	require.Error(t, err)
}

func TestMemToStream(t *testing.T) {
	h := &recordingHandler{}
	s := NewStream(StreamConfig{Handler: h})
	defer s.Stop()

	one := onePacketHeap(1, []byte("0123456789abcdef"))
	two := onePacketHeap(2, []byte("ghijklmnopqrstuv"))
	data := append(append([]byte{}, one...), two...)

	consumed := MemToStream(s, data)
	require.Equal(t, len(data), consumed)
	require.Equal(t, []int64{1, 2}, h.cnts())
}

func TestMemToStreamStopsAtCorruption(t *testing.T) {
	h := &recordingHandler{}
	s := NewStream(StreamConfig{Handler: h})
	defer s.Stop()

	one := onePacketHeap(1, []byte("0123456789abcdef"))
	data := append(append([]byte{}, one...), 0xde, 0xad, 0xbe, 0xef)

	consumed := MemToStream(s, data)
	require.Equal(t, len(one), consumed)
	require.Equal(t, []int64{1}, h.cnts())
}
