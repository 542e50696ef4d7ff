// Package session holds per-client relay state and the table that owns it.
//
// Everything here is driven by the single event loop goroutine and is not
// safe for concurrent use.
package session

import (
	"net/netip"
	"time"

	"github.com/postalsys/dgram-relay/internal/flow"
	"github.com/postalsys/dgram-relay/internal/protocol"
	"github.com/postalsys/dgram-relay/internal/transport"
)

// App is the sub-protocol state of a session. It is one of Unprotocoled,
// Echo, *StreamRelay or *DatagramRelay.
type App interface {
	Proto() protocol.Proto
	isApp()
}

// Unprotocoled is the state before the handshake selected a sub-protocol.
type Unprotocoled struct{}

// Echo answers quack datagrams. It keeps no state.
type Echo struct{}

// StreamRelay is the state of a QuicTransport session.
type StreamRelay struct {
	// Streams buffers data of streams that have not finished yet.
	Streams map[uint64][]byte

	// Answered records streams that already got their reply.
	Answered map[uint64]bool

	// Pending holds data streams that finished before the client
	// indication. They are answered once it succeeds.
	Pending []PendingStream

	// Indication is set once the control stream parsed successfully.
	Indication *protocol.ClientIndication

	// Failed is set when the indication was rejected.
	Failed bool

	// Uni allocates server unidirectional stream IDs for replies.
	Uni *transport.StreamIDAllocator
}

// PendingStream is a finished data stream awaiting the indication.
type PendingStream struct {
	ID  uint64
	Len int
}

// NewStreamRelay returns relay state whose reply streams start at firstUni
// and advance by step.
func NewStreamRelay(firstUni, step uint64) *StreamRelay {
	return &StreamRelay{
		Streams:  make(map[uint64][]byte),
		Answered: make(map[uint64]bool),
		Uni:      transport.NewStreamIDAllocator(firstUni, step),
	}
}

// IndicationOK reports whether the client indication was accepted.
func (r *StreamRelay) IndicationOK() bool {
	return r.Indication != nil && !r.Failed
}

// DatagramRelay is the state of an HTTP/3 datagram session.
type DatagramRelay struct {
	Overlay *flow.Overlay
}

func (Unprotocoled) Proto() protocol.Proto   { return protocol.ProtoNone }
func (Echo) Proto() protocol.Proto           { return protocol.ProtoEcho }
func (*StreamRelay) Proto() protocol.Proto   { return protocol.ProtoStreamRelay }
func (*DatagramRelay) Proto() protocol.Proto { return protocol.ProtoDatagramRelay }

func (Unprotocoled) isApp()   {}
func (Echo) isApp()           {}
func (*StreamRelay) isApp()   {}
func (*DatagramRelay) isApp() {}

// Session is one admitted client.
type Session struct {
	// Conn is the transport session. The Session owns it exclusively.
	Conn transport.Conn

	// ID is the server-issued identifier, the table's primary key.
	ID []byte

	// RawID is the destination identifier the client first used.
	RawID []byte

	// Peer is the client address packets are sent to. It follows the
	// source of the latest packet.
	Peer netip.AddrPort

	// App is the bound sub-protocol.
	App App

	CreatedAt time.Time
}

// New returns an unbound session.
func New(conn transport.Conn, id, rawID []byte, peer netip.AddrPort) *Session {
	return &Session{
		Conn:      conn,
		ID:        append([]byte(nil), id...),
		RawID:     append([]byte(nil), rawID...),
		Peer:      peer,
		App:       Unprotocoled{},
		CreatedAt: time.Now(),
	}
}

// Bound reports whether a sub-protocol was selected.
func (s *Session) Bound() bool {
	_, unbound := s.App.(Unprotocoled)
	return !unbound
}

// Ready reports whether application data may flow.
func (s *Session) Ready() bool {
	return s.Conn.IsEstablished() || s.Conn.IsInEarlyData()
}
