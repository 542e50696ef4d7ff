package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrInvalidIndication is returned when a client indication cannot be decoded.
var ErrInvalidIndication = errors.New("invalid client indication")

// Client indication field keys, in the order they must appear.
const (
	IndicationKeyOrigin uint16 = 0
	IndicationKeyPath   uint16 = 1
)

// ClientIndication is the first message a QuicTransport client sends on the
// control stream.
// Wire format:
//
//	Key    [2 bytes] - 0 (origin), big-endian
//	Length [2 bytes] - origin length, big-endian
//	Origin [Length]  - UTF-8
//	Key    [2 bytes] - 1 (path)
//	Length [2 bytes] - path length
//	Path   [Length]  - UTF-8
//
// Origin and path are not validated as URLs.
type ClientIndication struct {
	Origin string
	Path   string
}

// Encode serializes the indication. Fields longer than 65535 bytes are
// truncated by the 16-bit length and must be avoided by callers.
func (c *ClientIndication) Encode() []byte {
	buf := make([]byte, 0, 8+len(c.Origin)+len(c.Path))
	buf = appendField(buf, IndicationKeyOrigin, c.Origin)
	buf = appendField(buf, IndicationKeyPath, c.Path)
	return buf
}

func appendField(buf []byte, key uint16, value string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, key)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(value)))
	return append(buf, value...)
}

// DecodeClientIndication parses a complete control stream payload. Bytes
// after the path field are ignored.
func DecodeClientIndication(buf []byte) (*ClientIndication, error) {
	offset := 0

	origin, n, err := decodeField(buf[offset:], IndicationKeyOrigin, "origin")
	if err != nil {
		return nil, err
	}
	offset += n

	path, _, err := decodeField(buf[offset:], IndicationKeyPath, "path")
	if err != nil {
		return nil, err
	}

	return &ClientIndication{
		Origin: origin,
		Path:   path,
	}, nil
}

func decodeField(buf []byte, want uint16, name string) (string, int, error) {
	if len(buf) < 4 {
		return "", 0, fmt.Errorf("%w: %s field header truncated", ErrInvalidIndication, name)
	}

	key := binary.BigEndian.Uint16(buf[0:2])
	if key != want {
		return "", 0, fmt.Errorf("%w: field key %d, want %d (%s)", ErrInvalidIndication, key, want, name)
	}

	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if len(buf) < 4+length {
		return "", 0, fmt.Errorf("%w: %s truncated (%d of %d bytes)", ErrInvalidIndication, name, len(buf)-4, length)
	}

	value := buf[4 : 4+length]
	if !utf8.Valid(value) {
		return "", 0, fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidIndication, name)
	}

	return string(value), 4 + length, nil
}
