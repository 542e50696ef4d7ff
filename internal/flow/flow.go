// Package flow implements the datagram side of the request/response
// application protocol: HTTP/3 style datagrams tagged with a flow ID and
// carried in transport DATAGRAM frames.
//
// The overlay opens its control stream with a SETTINGS frame that
// advertises datagram support. Streams the peer opens are drained and
// discarded; this relay never serves requests on them.
package flow

import (
	"errors"
	"fmt"

	"github.com/postalsys/dgram-relay/internal/protocol"
	"github.com/postalsys/dgram-relay/internal/transport"
	"github.com/quic-go/quic-go/quicvarint"
)

var (
	// ErrDone reports that no events are pending.
	ErrDone = errors.New("flow: done")

	// ErrMalformed is returned for a datagram without a valid flow ID.
	ErrMalformed = errors.New("flow: malformed datagram")
)

// HTTP/3 identifiers used on the control stream.
const (
	streamTypeControl  = 0x00
	frameTypeSettings  = 0x04
	settingH3Datagram  = 0x33
	settingH3DgramOld  = 0x276
	defaultMaxDatagram = 1350
)

// Conn is the part of a transport connection the overlay uses.
type Conn interface {
	Readable() []uint64
	StreamRecv(id uint64, out []byte) (int, bool, error)
	StreamSend(id uint64, data []byte, fin bool) (int, error)
	DgramRecv(out []byte) (int, error)
	DgramSend(data []byte) error
}

// Event is one received flow datagram.
type Event struct {
	FlowID uint64
	Data   []byte
}

// Overlay multiplexes flows over one connection.
type Overlay struct {
	conn          Conn
	controlStream uint64
	controlSent   bool

	buf     []byte
	drained uint64
}

// Options configure an Overlay.
type Options struct {
	// ControlStream is the local unidirectional stream that carries
	// SETTINGS. Zero means transport.FirstServerUniStream; a client
	// passes its own first unidirectional stream.
	ControlStream uint64

	// MaxDatagramSize bounds received datagrams.
	MaxDatagramSize int
}

// New creates an overlay on conn.
func New(conn Conn, opts Options) *Overlay {
	if opts.ControlStream == 0 {
		opts.ControlStream = transport.FirstServerUniStream
	}
	if opts.MaxDatagramSize <= 0 {
		opts.MaxDatagramSize = defaultMaxDatagram
	}
	return &Overlay{
		conn:          conn,
		controlStream: opts.ControlStream,
		buf:           make([]byte, opts.MaxDatagramSize),
	}
}

// ControlStream returns the ID of the local control stream.
func (o *Overlay) ControlStream() uint64 { return o.controlStream }

// Drained returns how many stream bytes were read and discarded.
func (o *Overlay) Drained() uint64 { return o.drained }

// Poll returns the next flow datagram. It returns ErrDone when nothing is
// pending. Data in the returned event is a copy.
func (o *Overlay) Poll() (Event, error) {
	if err := o.openControl(); err != nil {
		return Event{}, err
	}
	if err := o.drainStreams(); err != nil {
		return Event{}, err
	}

	for {
		n, err := o.conn.DgramRecv(o.buf)
		switch {
		case errors.Is(err, transport.ErrDone):
			return Event{}, ErrDone
		case errors.Is(err, transport.ErrBufferTooShort):
			// dropped by the transport, try the next one
			continue
		case err != nil:
			return Event{}, fmt.Errorf("flow: receive datagram: %w", err)
		}

		flowID, payload, err := protocol.DecodeFlowDatagram(o.buf[:n])
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		return Event{FlowID: flowID, Data: append([]byte(nil), payload...)}, nil
	}
}

// Send queues data on flowID.
func (o *Overlay) Send(flowID uint64, data []byte) error {
	dgram, err := protocol.EncodeFlowDatagram(flowID, data)
	if err != nil {
		return err
	}
	if err := o.conn.DgramSend(dgram); err != nil {
		return fmt.Errorf("flow: send datagram on flow %d: %w", flowID, err)
	}
	return nil
}

func (o *Overlay) openControl() error {
	if o.controlSent {
		return nil
	}
	if _, err := o.conn.StreamSend(o.controlStream, settingsFrame(), false); err != nil {
		return fmt.Errorf("flow: open control stream: %w", err)
	}
	o.controlSent = true
	return nil
}

func (o *Overlay) drainStreams() error {
	for _, id := range o.conn.Readable() {
		for {
			n, fin, err := o.conn.StreamRecv(id, o.buf)
			if errors.Is(err, transport.ErrDone) {
				break
			}
			if err != nil {
				return fmt.Errorf("flow: drain stream %d: %w", id, err)
			}
			o.drained += uint64(n)
			if fin {
				break
			}
		}
	}
	return nil
}

// settingsFrame returns the control stream preamble: the stream type and a
// SETTINGS frame enabling datagrams.
func settingsFrame() []byte {
	var settings []byte
	settings = quicvarint.Append(settings, settingH3Datagram)
	settings = quicvarint.Append(settings, 1)
	settings = quicvarint.Append(settings, settingH3DgramOld)
	settings = quicvarint.Append(settings, 1)

	b := quicvarint.Append(nil, streamTypeControl)
	b = quicvarint.Append(b, frameTypeSettings)
	b = quicvarint.Append(b, uint64(len(settings)))
	return append(b, settings...)
}
