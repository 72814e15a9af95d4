package p4

import (
	"encoding/binary"
	"fmt"
)

// DefaultMaxMessageSize bounds the payload of a single message.
const DefaultMaxMessageSize = 16 << 20

// frameSlack is the room left for the envelope on top of the payload.
const frameSlack = 1 << 10

// Representation tags how a host lays out numbers in memory. Payloads only
// need conversion between ranks of different representations.
type Representation string

const (
	LittleEndian Representation = "le"
	BigEndian    Representation = "be"
)

var bigEndianKinds = map[string]struct{}{
	"s390x":     {},
	"ppc64":     {},
	"mips":      {},
	"mips64":    {},
	"sparc64":   {},
	"armbe":     {},
	"arm64be":   {},
	"mips64p32": {},
}

// DataRepresentation reports the representation of a machine kind. Machine
// kinds are GOARCH values, unknown kinds are assumed little endian.
func DataRepresentation(machineKind string) Representation {
	if _, ok := bigEndianKinds[machineKind]; ok {
		return BigEndian
	}
	return LittleEndian
}

// DataKind describes the element type of a payload so it can be converted.
type DataKind int

const (
	// DataRaw payloads are opaque bytes and never converted.
	DataRaw DataKind = iota
	DataInt16
	DataInt32
	DataInt64
	DataFloat32
	DataFloat64
)

func (dk DataKind) width() int {
	switch dk {
	case DataInt16:
		return 2
	case DataInt32, DataFloat32:
		return 4
	case DataInt64, DataFloat64:
		return 8
	default:
		return 1
	}
}

func (dk DataKind) String() string {
	switch dk {
	case DataRaw:
		return "raw"
	case DataInt16:
		return "int16"
	case DataInt32:
		return "int32"
	case DataInt64:
		return "int64"
	case DataFloat32:
		return "float32"
	case DataFloat64:
		return "float64"
	default:
		return fmt.Sprintf("unknown(%d)", int(dk))
	}
}

// Codec converts payloads sent to a rank of another representation.
//
// *Implementations* MUST NOT retain payload, and MAY convert it in place.
type Codec interface {
	Convert(payload []byte, kind DataKind, from, to Representation) ([]byte, error)
}

// ByteOrderCodec swaps fixed-width numbers between byte orders.
type ByteOrderCodec struct{}

func (ByteOrderCodec) Convert(payload []byte, kind DataKind, from, to Representation) ([]byte, error) {
	if from == to || kind == DataRaw {
		return payload, nil
	}

	width := kind.width()
	if width == 1 {
		return nil, fmt.Errorf("codec: cannot convert %s payloads", kind)
	}
	if len(payload)%width != 0 {
		return nil, fmt.Errorf("codec: %d bytes is not a whole number of %s", len(payload), kind)
	}

	for off := 0; off < len(payload); off += width {
		elem := payload[off : off+width]
		switch width {
		case 2:
			binary.LittleEndian.PutUint16(elem, binary.BigEndian.Uint16(elem))
		case 4:
			binary.LittleEndian.PutUint32(elem, binary.BigEndian.Uint32(elem))
		case 8:
			binary.LittleEndian.PutUint64(elem, binary.BigEndian.Uint64(elem))
		}
	}
	return payload, nil
}

// Allocator provides message buffers.
type Allocator interface {
	Alloc(size int) ([]byte, error)
}

// AllocatorFunc adapts a function to `Allocator`.
type AllocatorFunc func(size int) ([]byte, error)

func (f AllocatorFunc) Alloc(size int) ([]byte, error) {
	return f(size)
}

// HeapAllocator allocates on the Go heap. A non-zero Max refuses larger
// buffers.
type HeapAllocator struct {
	Max int
}

func (h HeapAllocator) Alloc(size int) ([]byte, error) {
	if size < 0 || (h.Max > 0 && size > h.Max) {
		return nil, fmt.Errorf("%w: %d bytes", ErrAllocation, size)
	}
	return make([]byte, size), nil
}

// alloc wraps every allocator failure into ErrAllocation.
func alloc(a Allocator, size int) ([]byte, error) {
	buf, err := a.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	if len(buf) != size {
		return nil, fmt.Errorf("%w: got %d bytes, asked %d", ErrAllocation, len(buf), size)
	}
	return buf, nil
}
