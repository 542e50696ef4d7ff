package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
)

// ErrInvalidFlowDatagram is returned for a datagram without a readable flow ID.
var ErrInvalidFlowDatagram = errors.New("invalid flow datagram")

// MaxFlowID is the largest flow ID a QUIC varint can carry.
const MaxFlowID = quicvarint.Max

// EncodeFlowDatagram prefixes payload with its flow ID.
//
//	FlowID  [varint]
//	Payload [rest of datagram]
func EncodeFlowDatagram(flowID uint64, payload []byte) ([]byte, error) {
	if flowID > MaxFlowID {
		return nil, fmt.Errorf("%w: flow ID %d exceeds varint range", ErrInvalidFlowDatagram, flowID)
	}

	buf := make([]byte, 0, quicvarint.Len(flowID)+len(payload))
	buf = quicvarint.Append(buf, flowID)
	return append(buf, payload...), nil
}

// DecodeFlowDatagram splits a datagram into flow ID and payload. The payload
// aliases buf.
func DecodeFlowDatagram(buf []byte) (uint64, []byte, error) {
	r := bytes.NewReader(buf)

	flowID, err := quicvarint.Read(r)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidFlowDatagram, err)
	}

	return flowID, buf[len(buf)-r.Len():], nil
}
