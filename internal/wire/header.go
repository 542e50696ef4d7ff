package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
)

// MaxConnIDLen is the longest connection ID QUIC v1 and v2 allow.
const MaxConnIDLen = 20

// Header form and fixed bits of the first byte.
const (
	formBit  = 0x80
	fixedBit = 0x40
)

var (
	// ErrInvalidHeader is returned for a packet whose header cannot be parsed.
	ErrInvalidHeader = errors.New("invalid packet header")

	// ErrBufferTooShort is returned when an output buffer cannot hold a packet.
	ErrBufferTooShort = errors.New("buffer too short")
)

// Versions the relay accepts, in preference order.
var SupportedVersions = []uint32{
	uint32(quic.Version1),
	uint32(quic.Version2),
}

// IsSupportedVersion reports whether v is in SupportedVersions.
func IsSupportedVersion(v uint32) bool {
	for _, s := range SupportedVersions {
		if s == v {
			return true
		}
	}
	return false
}

// PacketType is the type of a parsed packet.
type PacketType uint8

const (
	TypeInitial PacketType = iota + 1
	TypeZeroRTT
	TypeHandshake
	TypeRetry
	TypeVersionNegotiation
	TypeShort
)

// String returns the packet type name.
func (t PacketType) String() string {
	switch t {
	case TypeInitial:
		return "initial"
	case TypeZeroRTT:
		return "0rtt"
	case TypeHandshake:
		return "handshake"
	case TypeRetry:
		return "retry"
	case TypeVersionNegotiation:
		return "version_negotiation"
	case TypeShort:
		return "short"
	default:
		return "unknown"
	}
}

// Header is the parsed header of one packet. Byte slices alias the packet.
type Header struct {
	Type    PacketType
	Version uint32
	DCID    []byte
	SCID    []byte

	// Token is the Initial token, empty if the client sent none.
	Token []byte

	// Versions lists the versions offered by a Version Negotiation packet.
	Versions []uint32

	// PayloadOffset is where the packet payload starts. For Initial,
	// 0-RTT and Handshake packets it follows the Length field.
	PayloadOffset int
	// Length is the value of the Length field, or the remaining bytes for
	// packets that carry none.
	Length int
}

// IsLong reports whether the packet used the long header form.
func (h *Header) IsLong() bool {
	return h.Type != TypeShort
}

// ParseHeader parses the header of the packet in buf. Short header packets
// carry no DCID length, so shortDCIDLen gives the length the server issued.
func ParseHeader(buf []byte, shortDCIDLen int) (*Header, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty packet", ErrInvalidHeader)
	}

	if buf[0]&formBit == 0 {
		return parseShort(buf, shortDCIDLen)
	}
	return parseLong(buf)
}

func parseShort(buf []byte, dcidLen int) (*Header, error) {
	if buf[0]&fixedBit == 0 {
		return nil, fmt.Errorf("%w: fixed bit not set", ErrInvalidHeader)
	}
	if len(buf) < 1+dcidLen {
		return nil, fmt.Errorf("%w: short header truncated", ErrInvalidHeader)
	}

	return &Header{
		Type:          TypeShort,
		DCID:          buf[1 : 1+dcidLen],
		PayloadOffset: 1 + dcidLen,
		Length:        len(buf) - 1 - dcidLen,
	}, nil
}

func parseLong(buf []byte) (*Header, error) {
	// first byte, version, DCID length
	if len(buf) < 6 {
		return nil, fmt.Errorf("%w: long header truncated", ErrInvalidHeader)
	}

	h := &Header{
		Version: binary.BigEndian.Uint32(buf[1:5]),
	}
	known := IsSupportedVersion(h.Version)

	offset := 5
	dcid, n, err := readConnID(buf[offset:], known)
	if err != nil {
		return nil, fmt.Errorf("%w: dcid: %v", ErrInvalidHeader, err)
	}
	h.DCID = dcid
	offset += n

	scid, n, err := readConnID(buf[offset:], known)
	if err != nil {
		return nil, fmt.Errorf("%w: scid: %v", ErrInvalidHeader, err)
	}
	h.SCID = scid
	offset += n

	if h.Version == 0 {
		h.Type = TypeVersionNegotiation
		rest := buf[offset:]
		if len(rest)%4 != 0 {
			return nil, fmt.Errorf("%w: version list not a multiple of 4", ErrInvalidHeader)
		}
		for i := 0; i < len(rest); i += 4 {
			h.Versions = append(h.Versions, binary.BigEndian.Uint32(rest[i:]))
		}
		h.PayloadOffset = len(buf)
		return h, nil
	}

	h.Type = longType(buf[0], h.Version)

	// Past the connection IDs the layout is version specific.
	if !known || h.Type == TypeRetry {
		if h.Type == TypeRetry {
			h.Token = buf[offset:]
		}
		h.PayloadOffset = offset
		h.Length = len(buf) - offset
		return h, nil
	}

	r := bytes.NewReader(buf[offset:])
	if h.Type == TypeInitial {
		tokenLen, err := quicvarint.Read(r)
		if err != nil {
			return nil, fmt.Errorf("%w: token length: %v", ErrInvalidHeader, err)
		}
		if tokenLen > uint64(r.Len()) {
			return nil, fmt.Errorf("%w: token truncated", ErrInvalidHeader)
		}
		start := len(buf) - r.Len()
		h.Token = buf[start : start+int(tokenLen)]
		r.Seek(int64(tokenLen), io.SeekCurrent)
	}

	length, err := quicvarint.Read(r)
	if err != nil {
		return nil, fmt.Errorf("%w: length: %v", ErrInvalidHeader, err)
	}
	if length > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: length %d exceeds packet", ErrInvalidHeader, length)
	}
	h.PayloadOffset = len(buf) - r.Len()
	h.Length = int(length)

	return h, nil
}

func readConnID(buf []byte, known bool) ([]byte, int, error) {
	if len(buf) < 1 {
		return nil, 0, errors.New("length missing")
	}
	l := int(buf[0])
	if known && l > MaxConnIDLen {
		return nil, 0, fmt.Errorf("length %d exceeds %d", l, MaxConnIDLen)
	}
	if len(buf) < 1+l {
		return nil, 0, errors.New("truncated")
	}
	return buf[1 : 1+l], 1 + l, nil
}

// longType decodes the two type bits. QUIC v2 rotated the assignments.
func longType(first byte, version uint32) PacketType {
	bits := (first >> 4) & 0x3
	if version == uint32(quic.Version2) {
		bits = (bits + 3) & 0x3
	}

	switch bits {
	case 0x0:
		return TypeInitial
	case 0x1:
		return TypeZeroRTT
	case 0x2:
		return TypeHandshake
	default:
		return TypeRetry
	}
}

// typeBits is the inverse of longType.
func typeBits(t PacketType, version uint32) byte {
	var bits byte
	switch t {
	case TypeInitial:
		bits = 0x0
	case TypeZeroRTT:
		bits = 0x1
	case TypeHandshake:
		bits = 0x2
	case TypeRetry:
		bits = 0x3
	}
	if version == uint32(quic.Version2) {
		bits = (bits + 1) & 0x3
	}
	return bits << 4
}

// AppendLongHeader appends a long header for an Initial, 0-RTT or Handshake
// packet whose payload will be payloadLen bytes long. token is only written
// for Initial packets.
func AppendLongHeader(b []byte, t PacketType, version uint32, dcid, scid, token []byte, payloadLen int) []byte {
	b = append(b, formBit|fixedBit|typeBits(t, version))
	b = binary.BigEndian.AppendUint32(b, version)
	b = append(b, byte(len(dcid)))
	b = append(b, dcid...)
	b = append(b, byte(len(scid)))
	b = append(b, scid...)
	if t == TypeInitial {
		b = quicvarint.Append(b, uint64(len(token)))
		b = append(b, token...)
	}
	return quicvarint.Append(b, uint64(payloadLen))
}

// AppendShortHeader appends a short header addressed to dcid.
func AppendShortHeader(b []byte, dcid []byte) []byte {
	b = append(b, fixedBit)
	return append(b, dcid...)
}
