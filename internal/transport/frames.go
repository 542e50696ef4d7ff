package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Frame types used by the plaintext transport. Values follow RFC 9000 and
// RFC 9221 so packet dumps read like QUIC.
const (
	framePadding       = 0x00
	framePing          = 0x01
	frameCrypto        = 0x06
	frameStream        = 0x08 // 0x08-0x0f, low bits OFF|LEN|FIN
	frameCloseQUIC     = 0x1c
	frameCloseApp      = 0x1d
	frameHandshakeDone = 0x1e
	frameDatagram      = 0x30 // 0x31 carries a length
)

const (
	streamBitFin = 0x01
	streamBitLen = 0x02
	streamBitOff = 0x04
)

// Transport error codes, RFC 9000 section 20.1.
const (
	codeInternal          uint64 = 0x1
	codeFlowControl       uint64 = 0x3
	codeStreamLimit       uint64 = 0x4
	codeStreamState       uint64 = 0x5
	codeFrameEncoding     uint64 = 0x7
	codeProtocolViolation uint64 = 0xa
	codeNoALPN            uint64 = 0x178
)

var errFrameEncoding = errors.New("frame encoding error")

type frame struct {
	typ uint64

	// CRYPTO, STREAM, DATAGRAM
	streamID uint64
	data     []byte
	fin      bool

	// CONNECTION_CLOSE
	code   uint64
	reason string
}

func appendStreamFrame(b []byte, id uint64, data []byte, fin bool) []byte {
	typ := uint64(frameStream | streamBitLen)
	if fin {
		typ |= streamBitFin
	}
	b = quicvarint.Append(b, typ)
	b = quicvarint.Append(b, id)
	b = quicvarint.Append(b, uint64(len(data)))
	return append(b, data...)
}

func appendCryptoFrame(b []byte, data []byte) []byte {
	b = quicvarint.Append(b, frameCrypto)
	b = quicvarint.Append(b, 0)
	b = quicvarint.Append(b, uint64(len(data)))
	return append(b, data...)
}

func appendDatagramFrame(b []byte, data []byte) []byte {
	b = quicvarint.Append(b, frameDatagram|0x01)
	b = quicvarint.Append(b, uint64(len(data)))
	return append(b, data...)
}

func appendCloseFrame(b []byte, app bool, code uint64, reason string) []byte {
	if app {
		b = quicvarint.Append(b, frameCloseApp)
	} else {
		b = quicvarint.Append(b, frameCloseQUIC)
	}
	b = quicvarint.Append(b, code)
	if !app {
		// offending frame type, unknown
		b = quicvarint.Append(b, 0)
	}
	b = quicvarint.Append(b, uint64(len(reason)))
	return append(b, reason...)
}

// streamFrameOverhead is the worst case size of a STREAM frame header.
const streamFrameOverhead = 1 + 8 + 8

// parseFrames decodes every frame in payload. Data slices alias payload.
func parseFrames(payload []byte) ([]frame, error) {
	var frames []frame
	r := bytes.NewReader(payload)

	for r.Len() > 0 {
		typ, err := quicvarint.Read(r)
		if err != nil {
			return nil, errFrameEncoding
		}

		f := frame{typ: typ}
		switch {
		case typ == framePadding, typ == framePing, typ == frameHandshakeDone:

		case typ == frameCrypto:
			if _, err := quicvarint.Read(r); err != nil {
				return nil, errFrameEncoding
			}
			if f.data, err = readBytes(r, payload); err != nil {
				return nil, err
			}

		case typ >= frameStream && typ <= frameStream|0x07:
			if f.streamID, err = quicvarint.Read(r); err != nil {
				return nil, errFrameEncoding
			}
			if typ&streamBitOff != 0 {
				if _, err := quicvarint.Read(r); err != nil {
					return nil, errFrameEncoding
				}
			}
			if typ&streamBitLen != 0 {
				if f.data, err = readBytes(r, payload); err != nil {
					return nil, err
				}
			} else {
				f.data = payload[len(payload)-r.Len():]
				r.Seek(0, io.SeekEnd)
			}
			f.fin = typ&streamBitFin != 0

		case typ == frameDatagram, typ == frameDatagram|0x01:
			if typ&0x01 != 0 {
				if f.data, err = readBytes(r, payload); err != nil {
					return nil, err
				}
			} else {
				f.data = payload[len(payload)-r.Len():]
				r.Seek(0, io.SeekEnd)
			}

		case typ == frameCloseQUIC, typ == frameCloseApp:
			if f.code, err = quicvarint.Read(r); err != nil {
				return nil, errFrameEncoding
			}
			if typ == frameCloseQUIC {
				if _, err := quicvarint.Read(r); err != nil {
					return nil, errFrameEncoding
				}
			}
			reason, err := readBytes(r, payload)
			if err != nil {
				return nil, err
			}
			f.reason = string(reason)

		default:
			return nil, fmt.Errorf("%w: unknown frame type 0x%x", errFrameEncoding, typ)
		}

		frames = append(frames, f)
	}

	return frames, nil
}

func readBytes(r *bytes.Reader, payload []byte) ([]byte, error) {
	n, err := quicvarint.Read(r)
	if err != nil || n > uint64(r.Len()) {
		return nil, errFrameEncoding
	}
	start := len(payload) - r.Len()
	r.Seek(int64(n), io.SeekCurrent)
	return payload[start : start+int(n)], nil
}

// encodeALPN writes protocol names in the TLS ALPN extension layout.
func encodeALPN(protos []string) []byte {
	var b []byte
	for _, p := range protos {
		b = append(b, byte(len(p)))
		b = append(b, p...)
	}
	return b
}

func decodeALPN(b []byte) ([]string, error) {
	var protos []string
	for len(b) > 0 {
		l := int(b[0])
		if l == 0 || len(b) < 1+l {
			return nil, errFrameEncoding
		}
		protos = append(protos, string(b[1:1+l]))
		b = b[1+l:]
	}
	return protos, nil
}
