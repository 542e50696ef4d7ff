package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/quic-go/quic-go"
)

// RetryTagLen is the length of the Retry integrity tag.
const RetryTagLen = 16

// Retry integrity keys and nonces, RFC 9001 section 5.8 and RFC 9369 section 3.3.3.
var (
	retryKeyV1   = [16]byte{0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a, 0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e}
	retryNonceV1 = [12]byte{0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb}
	retryKeyV2   = [16]byte{0x8f, 0xb4, 0xb0, 0x1b, 0x56, 0xac, 0x48, 0xe2, 0x60, 0xfb, 0xcb, 0xce, 0xad, 0x7c, 0xcc, 0x92}
	retryNonceV2 = [12]byte{0xd8, 0x69, 0x69, 0xbc, 0x2d, 0x7c, 0x6d, 0x99, 0x90, 0xef, 0xb0, 0x4a}
)

// Retry writes a Retry packet answering a client Initial with source
// connection ID scid and destination connection ID dcid. The client must
// use newSCID as its next destination connection ID and echo token.
func Retry(scid, dcid, newSCID, token []byte, version uint32, out []byte) (int, error) {
	if !IsSupportedVersion(version) {
		return 0, fmt.Errorf("retry for unsupported version 0x%08x", version)
	}

	size := 1 + 4 + 1 + len(scid) + 1 + len(newSCID) + len(token) + RetryTagLen
	if len(out) < size {
		return 0, fmt.Errorf("%w: retry needs %d bytes", ErrBufferTooShort, size)
	}

	b := out[:0]
	b = append(b, formBit|fixedBit|typeBits(TypeRetry, version))
	b = binary.BigEndian.AppendUint32(b, version)
	b = append(b, byte(len(scid)))
	b = append(b, scid...)
	b = append(b, byte(len(newSCID)))
	b = append(b, newSCID...)
	b = append(b, token...)

	tag, err := retryIntegrityTag(b, dcid, version)
	if err != nil {
		return 0, err
	}
	b = append(b, tag...)

	return len(b), nil
}

// VerifyRetry checks the integrity tag of a received Retry packet against
// the destination connection ID the client originally used.
func VerifyRetry(pkt, odcid []byte, version uint32) bool {
	if len(pkt) < RetryTagLen {
		return false
	}

	body := pkt[:len(pkt)-RetryTagLen]
	tag, err := retryIntegrityTag(body, odcid, version)
	if err != nil {
		return false
	}

	return string(tag) == string(pkt[len(body):])
}

func retryIntegrityTag(retry, odcid []byte, version uint32) ([]byte, error) {
	key, nonce := retryKeyV1, retryNonceV1
	if version == uint32(quic.Version2) {
		key, nonce = retryKeyV2, retryNonceV2
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	pseudo := make([]byte, 0, 1+len(odcid)+len(retry))
	pseudo = append(pseudo, byte(len(odcid)))
	pseudo = append(pseudo, odcid...)
	pseudo = append(pseudo, retry...)

	return aead.Seal(nil, nonce[:], nil, pseudo), nil
}
