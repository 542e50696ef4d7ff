package transport

// Stream ID layout: the low bit is the initiator (0 client, 1 server) and
// the next bit the direction (0 bidirectional, 1 unidirectional).
const (
	streamInitiatorBit = 0x1
	streamDirBit       = 0x2
)

// StreamIDStep is the distance between consecutive IDs of one stream type.
const StreamIDStep = 4

// IsBidi reports whether id names a bidirectional stream.
func IsBidi(id uint64) bool {
	return id&streamDirBit == 0
}

// IsClientInitiated reports whether the client opened stream id.
func IsClientInitiated(id uint64) bool {
	return id&streamInitiatorBit == 0
}

// FirstServerUniStream is the ID of the first server-initiated
// unidirectional stream.
const FirstServerUniStream uint64 = 3

// StreamIDAllocator hands out stream IDs of one type in order.
// It is not safe for concurrent use.
type StreamIDAllocator struct {
	next uint64
	step uint64
}

// NewStreamIDAllocator returns an allocator starting at first and advancing
// by step. A zero step means StreamIDStep.
func NewStreamIDAllocator(first, step uint64) *StreamIDAllocator {
	if step == 0 {
		step = StreamIDStep
	}
	return &StreamIDAllocator{next: first, step: step}
}

// Next returns the next ID.
func (a *StreamIDAllocator) Next() uint64 {
	id := a.next
	a.next += a.step
	return id
}
