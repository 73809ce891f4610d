package recv

// LiveHeap is the reassembly buffer for one in-flight heap. It is
// created by the first packet bearing its cnt and mutated by later
// packets with the same cnt. Not safe for concurrent use; the owning
// stream serializes access.
type LiveHeap struct {
	cnt int64

	// heapLength is -1 until a packet carrying the heap length arrives
	heapLength     int64
	receivedLength int64

	payload []byte

	// packetOffsets records the payload offsets received so far, for
	// duplicate rejection; value is the payload length at that offset
	packetOffsets map[int64]int64

	// items is the union of non-reserved item pointers seen so far
	items []ItemPointer

	sawHeapEnd bool
}

func newLiveHeap(cnt int64) *LiveHeap {
	return &LiveHeap{
		cnt:           cnt,
		heapLength:    -1,
		packetOffsets: make(map[int64]int64),
	}
}

// Cnt returns the heap counter
func (h *LiveHeap) Cnt() int64 { return h.cnt }

// HeapLength returns the declared heap length, or -1 if not yet known
func (h *LiveHeap) HeapLength() int64 { return h.heapLength }

// ReceivedLength returns the number of payload bytes received
func (h *LiveHeap) ReceivedLength() int64 { return h.receivedLength }

// Payload returns the reassembled payload so far. Unreceived ranges are
// zero.
func (h *LiveHeap) Payload() []byte { return h.payload }

// Items returns the item pointers seen so far
func (h *LiveHeap) Items() []ItemPointer { return h.items }

// PacketCount returns the number of accepted packets
func (h *LiveHeap) PacketCount() int { return len(h.packetOffsets) }

// addPacket merges a decoded packet into the heap. It returns false if
// the packet is rejected: wrong cnt, duplicate payload offset, or
// inconsistent with state established by earlier packets.
func (h *LiveHeap) addPacket(p *PacketHeader) bool {
	if p.Cnt != h.cnt {
		return false
	}
	if p.HeapLength >= 0 {
		if h.heapLength >= 0 && p.HeapLength != h.heapLength {
			// Contradicts a previously seen heap length
			return false
		}
		h.heapLength = p.HeapLength
	}
	if h.heapLength >= 0 && p.PayloadOffset+p.PayloadLength > h.heapLength {
		return false
	}
	if _, dup := h.packetOffsets[p.PayloadOffset]; dup {
		return false
	}

	end := p.PayloadOffset + p.PayloadLength
	if int64(len(h.payload)) < end {
		grown := make([]byte, end)
		copy(grown, h.payload)
		h.payload = grown
	}
	copy(h.payload[p.PayloadOffset:end], p.Payload)

	h.packetOffsets[p.PayloadOffset] = p.PayloadLength
	h.receivedLength += p.PayloadLength
	h.items = append(h.items, p.Items...)
	if p.IsHeapEnd {
		h.sawHeapEnd = true
	}
	return true
}

// IsContiguous reports whether the received payload covers the declared
// heap length with no gaps. Duplicate offsets are rejected on entry, so
// the received byte count covering the declared length implies no gaps.
func (h *LiveHeap) IsContiguous() bool {
	return h.heapLength >= 0 && h.receivedLength == h.heapLength
}

// IsComplete reports whether the heap is contiguous and every addressed
// item lies within the received payload.
func (h *LiveHeap) IsComplete() bool {
	if !h.IsContiguous() {
		return false
	}
	for _, it := range h.items {
		if !it.IsImmediate && it.Address > h.heapLength {
			return false
		}
	}
	return true
}
