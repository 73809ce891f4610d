package recv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFreezeHeapItems(t *testing.T) {
	h := newLiveHeap(11)
	p := heapPacket(t, packetSpec{
		cnt:        11,
		heapLength: 12,
		payload:    []byte("aaaabbbbcccc"),
		extraItems: []ItemPointer{
			{ID: 0x1000, Address: 0},
			{ID: 0x1001, Address: 4},
			{ID: 0x1002, Address: 8},
			{ID: 0x1003, IsImmediate: true, Immediate: 999},
		},
	})
	require.True(t, h.addPacket(p))

	frozen := FreezeHeap(h)
	require.Equal(t, int64(11), frozen.Cnt())
	require.True(t, frozen.IsComplete())
	require.Equal(t, []byte("aaaabbbbcccc"), frozen.Payload())
	require.Len(t, frozen.Items(), 4)

	it, ok := frozen.Item(0x1000)
	require.True(t, ok)
	require.Equal(t, []byte("aaaa"), it.Value)

	it, ok = frozen.Item(0x1001)
	require.True(t, ok)
	require.Equal(t, []byte("bbbb"), it.Value)

	// Last addressed item extends to the end of the payload
	it, ok = frozen.Item(0x1002)
	require.True(t, ok)
	require.Equal(t, []byte("cccc"), it.Value)

	it, ok = frozen.Item(0x1003)
	require.True(t, ok)
	require.True(t, it.IsImmediate)
	require.Equal(t, uint64(999), it.Immediate)

	_, ok = frozen.Item(0x2000)
	require.False(t, ok)
}

func TestFreezeIncompleteHeap(t *testing.T) {
	h := newLiveHeap(12)
	p := heapPacket(t, packetSpec{cnt: 12, heapLength: 32, payload: []byte("partial.")})
	require.True(t, h.addPacket(p))

	frozen := FreezeHeap(h)
	require.False(t, frozen.IsComplete())
	require.Equal(t, int64(12), frozen.Cnt())
}
