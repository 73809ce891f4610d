package recv

import (
	"encoding/binary"
	"fmt"

	"github.com/sakthipriyas/spead2/errors"
)

// BugCompatMask selects compatibility with bugs in older senders
type BugCompatMask uint32

const (
	// BugCompatSwapEndian decodes item pointers with swapped byte
	// order, for senders that emitted them little-endian
	BugCompatSwapEndian BugCompatMask = 1 << iota
)

// Wire constants for the SPEAD-64-48 flavour
const (
	magic            = 0x53
	version          = 4
	itemPointerWidth = 8 // bytes per item pointer
	heapAddressWidth = 6 // bytes of heap address in a pointer

	headerLen       = 8
	heapAddressBits = 8 * heapAddressWidth
	addressMask     = (uint64(1) << heapAddressBits) - 1
	immediateBit    = uint64(1) << 63
	idMask          = (uint64(1)<<(63-heapAddressBits) - 1)
)

// Reserved item ids
const (
	idHeapCnt       = 0x01
	idHeapLength    = 0x02
	idPayloadOffset = 0x03
	idPayloadLength = 0x04
	idDescriptor    = 0x05
	idStreamCtrl    = 0x06
)

// Stream control bits (immediate value of the stream-control item)
const (
	ctrlHeapEnd    = 0x01
	ctrlStreamStop = 0x02
)

// ItemPointer is one decoded item pointer from a packet's item index.
type ItemPointer struct {
	ID          uint16
	IsImmediate bool
	// Immediate holds the value for immediate items
	Immediate uint64
	// Address is the heap payload address for addressed items
	Address int64
}

// PacketHeader is the result of decoding one SPEAD packet. Payload
// aliases the input buffer; callers that retain the packet past the
// buffer's reuse must copy.
type PacketHeader struct {
	Cnt           int64
	HeapLength    int64 // -1 when the packet does not carry a heap length
	PayloadOffset int64
	PayloadLength int64
	IsStreamStop  bool
	IsHeapEnd     bool
	// Items holds the non-reserved item pointers, in packet order
	Items   []ItemPointer
	Payload []byte
}

// DecodePacket decodes one SPEAD packet from data. It returns the
// decoded header and the number of bytes consumed (header, item index,
// and payload). A short or malformed packet yields ErrDecodeFailed with
// zero consumed bytes.
func DecodePacket(data []byte, bugCompat BugCompatMask) (*PacketHeader, int, error) {
	if len(data) < headerLen {
		return nil, 0, errors.WrapInvalid(
			fmt.Errorf("packet too short for header (%d bytes): %w", len(data), errors.ErrDecodeFailed),
			"recv", "DecodePacket", "header check")
	}
	if data[0] != magic || data[1] != version {
		return nil, 0, errors.WrapInvalid(
			fmt.Errorf("bad magic/version %#02x %#02x: %w", data[0], data[1], errors.ErrDecodeFailed),
			"recv", "DecodePacket", "magic check")
	}
	if data[2] != itemPointerWidth || data[3] != heapAddressWidth {
		return nil, 0, errors.WrapInvalid(
			fmt.Errorf("unsupported flavour (ptr width %d, addr width %d): %w",
				data[2], data[3], errors.ErrDecodeFailed),
			"recv", "DecodePacket", "flavour check")
	}
	numItems := int(binary.BigEndian.Uint16(data[6:8]))
	indexEnd := headerLen + numItems*itemPointerWidth
	if len(data) < indexEnd {
		return nil, 0, errors.WrapInvalid(
			fmt.Errorf("packet too short for %d item pointers: %w", numItems, errors.ErrDecodeFailed),
			"recv", "DecodePacket", "item index check")
	}

	p := &PacketHeader{
		Cnt:           -1,
		HeapLength:    -1,
		PayloadOffset: -1,
		PayloadLength: -1,
	}

	for i := 0; i < numItems; i++ {
		raw := binary.BigEndian.Uint64(data[headerLen+i*itemPointerWidth:])
		if bugCompat&BugCompatSwapEndian != 0 {
			raw = swap64(raw)
		}
		immediate := raw&immediateBit != 0
		id := uint16((raw >> heapAddressBits) & idMask)
		value := raw & addressMask

		switch id {
		case idHeapCnt:
			if !immediate {
				return nil, 0, decodeReject("heap cnt must be immediate")
			}
			p.Cnt = int64(value)
		case idHeapLength:
			if !immediate {
				return nil, 0, decodeReject("heap length must be immediate")
			}
			p.HeapLength = int64(value)
		case idPayloadOffset:
			if !immediate {
				return nil, 0, decodeReject("payload offset must be immediate")
			}
			p.PayloadOffset = int64(value)
		case idPayloadLength:
			if !immediate {
				return nil, 0, decodeReject("payload length must be immediate")
			}
			p.PayloadLength = int64(value)
		case idStreamCtrl:
			if !immediate {
				return nil, 0, decodeReject("stream control must be immediate")
			}
			if value&ctrlStreamStop != 0 {
				p.IsStreamStop = true
			}
			if value&ctrlHeapEnd != 0 {
				p.IsHeapEnd = true
			}
		default:
			ip := ItemPointer{ID: id, IsImmediate: immediate}
			if immediate {
				ip.Immediate = value
			} else {
				ip.Address = int64(value)
			}
			p.Items = append(p.Items, ip)
		}
	}

	if p.Cnt < 0 || p.PayloadOffset < 0 || p.PayloadLength < 0 {
		return nil, 0, decodeReject("missing heap cnt or payload fields")
	}
	if p.HeapLength >= 0 && p.PayloadOffset+p.PayloadLength > p.HeapLength {
		return nil, 0, decodeReject("payload extends past heap length")
	}

	consumed := indexEnd + int(p.PayloadLength)
	if len(data) < consumed {
		return nil, 0, decodeReject("packet shorter than payload length")
	}
	p.Payload = data[indexEnd:consumed]
	return p, consumed, nil
}

func decodeReject(reason string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%s: %w", reason, errors.ErrDecodeFailed),
		"recv", "DecodePacket", "packet validation")
}

func swap64(v uint64) uint64 {
	return v<<56 |
		(v&0xff00)<<40 |
		(v&0xff0000)<<24 |
		(v&0xff000000)<<8 |
		(v>>8)&0xff000000 |
		(v>>24)&0xff0000 |
		(v>>40)&0xff00 |
		v>>56
}
