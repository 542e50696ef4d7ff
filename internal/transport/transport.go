// Package transport defines the transport session contract the relay
// drives, and a plaintext implementation of it for development and tests.
//
// A Conn is sans-IO: the event loop hands it received packets and asks it
// for packets to send. It never touches a socket and never blocks, so one
// goroutine can drive any number of them.
package transport

import (
	"errors"
	"net/netip"
	"time"
)

var (
	// ErrDone reports that there is no more work: nothing to send, no more
	// stream data or datagrams to read, or the connection is already closed.
	ErrDone = errors.New("transport: done")

	// ErrClosed is returned when sending on a closing or closed connection.
	ErrClosed = errors.New("transport: connection closed")

	// ErrBufferTooShort is returned when a caller's buffer cannot hold the result.
	ErrBufferTooShort = errors.New("transport: buffer too short")

	// ErrInvalidStreamState is returned for an operation the stream does not allow.
	ErrInvalidStreamState = errors.New("transport: invalid stream state")

	// ErrDatagramsDisabled is returned by datagram calls when the feature is off.
	ErrDatagramsDisabled = errors.New("transport: datagrams disabled")

	// ErrDatagramTooLarge is returned for a datagram that cannot fit in a packet.
	ErrDatagramTooLarge = errors.New("transport: datagram too large")

	// ErrInvalidPacket is returned for a packet the connection cannot parse.
	ErrInvalidPacket = errors.New("transport: invalid packet")
)

// Conn is one transport session.
type Conn interface {
	// Recv processes one received UDP payload and returns the bytes consumed.
	Recv(pkt []byte, from netip.AddrPort) (int, error)

	// Send writes the next packet to out. It returns ErrDone when there is
	// nothing left to send.
	Send(out []byte) (int, error)

	// Timeout returns how long until OnTimeout must be called, or false if
	// no timer is armed.
	Timeout() (time.Duration, bool)

	// OnTimeout runs timer driven work such as idle expiry.
	OnTimeout()

	// ApplicationProto returns the negotiated ALPN, empty before negotiation.
	ApplicationProto() string

	// IsEstablished reports whether the handshake completed.
	IsEstablished() bool

	// IsInEarlyData reports whether the connection accepts 0-RTT data.
	IsInEarlyData() bool

	// IsClosed reports whether the connection reached its final state.
	IsClosed() bool

	// Close starts closing the connection. app selects an application
	// close over a transport close. ErrDone means it was already closing.
	Close(app bool, code uint64, reason string) error

	// Readable returns the IDs of streams with data or a FIN to read.
	Readable() []uint64

	// StreamRecv reads stream data into out. fin is true once the final
	// byte was returned. ErrDone means nothing is available.
	StreamRecv(id uint64, out []byte) (n int, fin bool, err error)

	// StreamSend queues data on a stream, finishing it when fin is set.
	StreamSend(id uint64, data []byte, fin bool) (int, error)

	// DgramRecv pops the next received datagram into out.
	DgramRecv(out []byte) (int, error)

	// DgramSend queues a datagram.
	DgramSend(data []byte) error

	// DgramMaxWritableLen returns the largest datagram DgramSend accepts,
	// or false when the peer did not enable datagrams.
	DgramMaxWritableLen() (int, bool)

	// TraceID identifies the connection in logs.
	TraceID() string

	// Stats returns connection counters.
	Stats() Stats
}

// Acceptor creates server side connections for admitted clients.
type Acceptor interface {
	// Accept creates a connection using scid as the server connection ID.
	// odcid is the client's original destination connection ID when the
	// client went through a retry, nil otherwise.
	Accept(scid, odcid []byte, peer netip.AddrPort) (Conn, error)
}

// Stats are per-connection counters.
type Stats struct {
	PacketsRecv   uint64
	PacketsSent   uint64
	BytesRecv     uint64
	BytesSent     uint64
	StreamsOpened uint64
	DgramsRecv    uint64
	DgramsSent    uint64
	TimedOut      bool
}

// Params are the transport parameters applied to every connection.
type Params struct {
	// ALPNs the server accepts, in preference order.
	ALPNs []string

	// MaxIdleTimeout closes a connection that saw no packets for this long.
	// Zero disables idle expiry.
	MaxIdleTimeout time.Duration

	// MaxUDPPayload bounds the size of every packet sent.
	MaxUDPPayload int

	// InitialMaxData bounds unread data buffered across all streams.
	InitialMaxData uint64

	// InitialMaxStreamData bounds unread data buffered per stream.
	InitialMaxStreamData uint64

	// InitialMaxStreamsBidi and InitialMaxStreamsUni bound how many streams
	// of each type the peer may open.
	InitialMaxStreamsBidi uint64
	InitialMaxStreamsUni  uint64

	// DatagramsEnabled turns on DATAGRAM frames.
	DatagramsEnabled bool

	// MaxDatagramQueue bounds received datagrams awaiting DgramRecv. The
	// oldest is dropped on overflow.
	MaxDatagramQueue int
}

// DefaultParams returns the parameters the relay uses unless configured.
func DefaultParams() Params {
	return Params{
		MaxIdleTimeout:       60 * time.Second,
		MaxUDPPayload:        1350,
		InitialMaxData:       10_000_000,
		InitialMaxStreamData: 1_000_000,
		DatagramsEnabled:     true,
		MaxDatagramQueue:     1024,
	}
}
