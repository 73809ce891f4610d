package recv

import "sort"

// Item is one decoded item of a frozen heap. Immediate items carry
// their value inline; addressed items reference a range of the heap
// payload.
type Item struct {
	ID          uint16
	IsImmediate bool
	Immediate   uint64
	// Value aliases the heap payload for addressed items
	Value []byte
}

// Heap is the immutable form of a received heap, produced when a live
// heap is frozen on its way out of the pipeline.
type Heap struct {
	cnt      int64
	complete bool
	payload  []byte
	items    []Item
}

// FreezeHeap converts a live heap into its immutable form. Addressed
// item values are resolved against the payload: each item extends to
// the next addressed item's address, the last one to the end of the
// payload. The live heap must not be used afterwards.
func FreezeHeap(lh *LiveHeap) *Heap {
	h := &Heap{
		cnt:      lh.cnt,
		complete: lh.IsComplete(),
		payload:  lh.payload,
	}

	pointers := lh.items
	// Addressed items sorted by address determine each value's extent
	addressed := make([]int, 0, len(pointers))
	for i, ip := range pointers {
		if !ip.IsImmediate {
			addressed = append(addressed, i)
		}
	}
	sort.Slice(addressed, func(a, b int) bool {
		return pointers[addressed[a]].Address < pointers[addressed[b]].Address
	})
	next := make(map[int]int64, len(addressed))
	for k, idx := range addressed {
		end := int64(len(h.payload))
		if k+1 < len(addressed) {
			end = pointers[addressed[k+1]].Address
		}
		next[idx] = end
	}

	h.items = make([]Item, 0, len(pointers))
	for i, ip := range pointers {
		item := Item{ID: ip.ID, IsImmediate: ip.IsImmediate, Immediate: ip.Immediate}
		if !ip.IsImmediate {
			start := ip.Address
			end := next[i]
			if start < 0 {
				start = 0
			}
			if end > int64(len(h.payload)) {
				end = int64(len(h.payload))
			}
			if start <= end {
				item.Value = h.payload[start:end]
			}
		}
		h.items = append(h.items, item)
	}
	return h
}

// Cnt returns the heap counter
func (h *Heap) Cnt() int64 { return h.cnt }

// IsComplete reports whether the heap was complete when frozen
func (h *Heap) IsComplete() bool { return h.complete }

// Payload returns the heap payload
func (h *Heap) Payload() []byte { return h.payload }

// Items returns the decoded items
func (h *Heap) Items() []Item { return h.items }

// Item returns the first item with the given id
func (h *Heap) Item(id uint16) (Item, bool) {
	for _, it := range h.items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}
