package wire

import (
	"encoding/binary"
	"fmt"
)

// NegotiateVersion writes a Version Negotiation packet answering a client
// packet with source connection ID scid and destination connection ID dcid.
// The IDs are swapped in the reply as RFC 8999 requires.
func NegotiateVersion(scid, dcid, out []byte) (int, error) {
	size := 1 + 4 + 1 + len(scid) + 1 + len(dcid) + 4*len(SupportedVersions)
	if len(out) < size {
		return 0, fmt.Errorf("%w: version negotiation needs %d bytes", ErrBufferTooShort, size)
	}

	b := out[:0]
	// the low seven bits are arbitrary for Version Negotiation
	b = append(b, formBit|fixedBit)
	b = binary.BigEndian.AppendUint32(b, 0)
	b = append(b, byte(len(scid)))
	b = append(b, scid...)
	b = append(b, byte(len(dcid)))
	b = append(b, dcid...)
	for _, v := range SupportedVersions {
		b = binary.BigEndian.AppendUint32(b, v)
	}

	return len(b), nil
}
