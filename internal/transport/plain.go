package transport

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/postalsys/dgram-relay/internal/wire"
	"github.com/quic-go/quic-go"
)

const (
	// minInitialSize is the size client Initial packets are padded to.
	minInitialSize = 1200

	// clientConnIDLen is the length of connection IDs a client picks.
	clientConnIDLen = 16

	// shortOverhead is the short header plus DATAGRAM frame header cost
	// for a connection ID of wire.MaxConnIDLen bytes.
	shortOverhead = 1 + wire.MaxConnIDLen + 1 + 2
)

type role int

const (
	roleServer role = iota
	roleClient
)

// Plain accepts server side PlainConns.
type Plain struct {
	params Params
	now    func() time.Time
}

// NewPlain creates an acceptor applying params to every connection.
func NewPlain(params Params) *Plain {
	return &Plain{params: params, now: time.Now}
}

// Accept implements Acceptor.
func (p *Plain) Accept(scid, odcid []byte, peer netip.AddrPort) (Conn, error) {
	if len(scid) == 0 || len(scid) > wire.MaxConnIDLen {
		return nil, fmt.Errorf("%w: connection id length %d", ErrInvalidPacket, len(scid))
	}
	return newPlainConn(roleServer, p.params, scid, nil, odcid, peer, p.now), nil
}

// PlainConn is an unencrypted QUIC-shaped connection. It speaks real QUIC
// headers and frame encodings, but the handshake only negotiates ALPN and
// there is no packet protection or loss recovery. It is meant for loopback
// development and tests.
type PlainConn struct {
	role   role
	params Params
	now    func() time.Time

	scid  []byte
	dcid  []byte
	odcid []byte
	token []byte
	peer  netip.AddrPort

	version  uint32
	alpn     string
	retried  bool
	peerSeen bool

	established   bool
	helloPending  bool
	replyPending  bool
	closePending  bool
	closeApp      bool
	closeCode     uint64
	closeReason   string
	closed        bool
	peerClosed    bool
	peerCloseCode uint64
	peerCloseApp  bool
	peerReason    string

	streams  map[uint64]*plainStream
	buffered uint64

	dgramsIn  [][]byte
	dgramsOut [][]byte

	idleDeadline time.Time
	stats        Stats
}

type plainStream struct {
	recv    []byte
	recvFin bool
	readFin bool

	send    []byte
	sendFin bool
	sentFin bool
}

func newPlainConn(r role, params Params, scid, dcid, odcid []byte, peer netip.AddrPort, now func() time.Time) *PlainConn {
	c := &PlainConn{
		role:    r,
		params:  params,
		now:     now,
		scid:    slices.Clone(scid),
		dcid:    slices.Clone(dcid),
		odcid:   slices.Clone(odcid),
		peer:    peer,
		version: uint32(quic.Version1),
		streams: make(map[uint64]*plainStream),
	}
	c.touch()
	return c
}

// Connect creates a client connection to peer offering params.ALPNs. The
// first Send call produces the client's Initial packet.
func Connect(params Params, peer netip.AddrPort) (*PlainConn, error) {
	scid := make([]byte, clientConnIDLen)
	dcid := make([]byte, clientConnIDLen)
	if _, err := rand.Read(scid); err != nil {
		return nil, fmt.Errorf("generate connection id: %w", err)
	}
	if _, err := rand.Read(dcid); err != nil {
		return nil, fmt.Errorf("generate connection id: %w", err)
	}
	if len(params.ALPNs) == 0 {
		return nil, fmt.Errorf("connect: no application protocols")
	}

	c := newPlainConn(roleClient, params, scid, dcid, dcid, peer, time.Now)
	c.helloPending = true
	return c, nil
}

// SourceConnID returns the connection ID this endpoint uses for itself.
func (c *PlainConn) SourceConnID() []byte { return c.scid }

// DestinationConnID returns the connection ID packets are addressed to.
func (c *PlainConn) DestinationConnID() []byte { return c.dcid }

// Retried reports whether a client connection went through a retry.
func (c *PlainConn) Retried() bool { return c.retried }

// PeerError returns the code and reason of a close received from the peer.
func (c *PlainConn) PeerError() (app bool, code uint64, reason string, ok bool) {
	if !c.peerClosed {
		return false, 0, "", false
	}
	return c.peerCloseApp, c.peerCloseCode, c.peerReason, true
}

func (c *PlainConn) touch() {
	if c.params.MaxIdleTimeout > 0 {
		c.idleDeadline = c.now().Add(c.params.MaxIdleTimeout)
	}
}

// Recv implements Conn.
func (c *PlainConn) Recv(pkt []byte, from netip.AddrPort) (int, error) {
	if c.closed {
		return 0, ErrDone
	}

	hdr, err := wire.ParseHeader(pkt, len(c.scid))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}

	var payload []byte
	switch hdr.Type {
	case wire.TypeRetry:
		return c.recvRetry(pkt, hdr)
	case wire.TypeVersionNegotiation:
		if c.role == roleClient && !c.peerSeen {
			c.closed = true
			c.peerClosed = true
			c.peerReason = "version negotiation"
			return len(pkt), nil
		}
		return 0, fmt.Errorf("%w: unexpected version negotiation", ErrInvalidPacket)
	case wire.TypeShort:
		payload = pkt[hdr.PayloadOffset:]
	case wire.TypeInitial, wire.TypeHandshake, wire.TypeZeroRTT:
		end := hdr.PayloadOffset + hdr.Length
		if end > len(pkt) {
			return 0, fmt.Errorf("%w: truncated payload", ErrInvalidPacket)
		}
		payload = pkt[hdr.PayloadOffset:end]
		if !c.peerSeen {
			c.dcid = slices.Clone(hdr.SCID)
		}
	default:
		return 0, fmt.Errorf("%w: unexpected %s packet", ErrInvalidPacket, hdr.Type)
	}

	frames, err := parseFrames(payload)
	if err != nil {
		c.closeWith(false, codeFrameEncoding, err.Error())
		return 0, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}

	c.peerSeen = true
	c.peer = from
	c.stats.PacketsRecv++
	c.stats.BytesRecv += uint64(len(pkt))
	c.touch()

	for _, f := range frames {
		if c.closed || c.closePending {
			break
		}
		c.handleFrame(f)
	}

	return len(pkt), nil
}

func (c *PlainConn) recvRetry(pkt []byte, hdr *wire.Header) (int, error) {
	if c.role != roleClient || c.peerSeen || c.retried {
		return 0, fmt.Errorf("%w: unexpected retry", ErrInvalidPacket)
	}
	if !wire.VerifyRetry(pkt, c.odcid, hdr.Version) {
		return 0, fmt.Errorf("%w: retry integrity tag", ErrInvalidPacket)
	}

	c.retried = true
	c.token = slices.Clone(hdr.Token[:len(hdr.Token)-wire.RetryTagLen])
	c.dcid = slices.Clone(hdr.SCID)
	c.helloPending = true
	c.stats.PacketsRecv++
	c.stats.BytesRecv += uint64(len(pkt))
	return len(pkt), nil
}

func (c *PlainConn) handleFrame(f frame) {
	switch {
	case f.typ == frameCrypto:
		c.handleCrypto(f.data)

	case f.typ == frameHandshakeDone:
		if c.role == roleClient {
			c.established = true
		}

	case f.typ >= frameStream && f.typ <= frameStream|0x07:
		c.handleStream(f)

	case f.typ == frameDatagram, f.typ == frameDatagram|0x01:
		if !c.params.DatagramsEnabled {
			c.closeWith(false, codeProtocolViolation, "datagrams disabled")
			return
		}
		if c.params.MaxDatagramQueue > 0 && len(c.dgramsIn) >= c.params.MaxDatagramQueue {
			c.dgramsIn = c.dgramsIn[1:]
		}
		c.dgramsIn = append(c.dgramsIn, slices.Clone(f.data))
		c.stats.DgramsRecv++

	case f.typ == frameCloseQUIC, f.typ == frameCloseApp:
		c.closed = true
		c.peerClosed = true
		c.peerCloseApp = f.typ == frameCloseApp
		c.peerCloseCode = f.code
		c.peerReason = f.reason
	}
}

func (c *PlainConn) handleCrypto(data []byte) {
	protos, err := decodeALPN(data)
	if err != nil {
		c.closeWith(false, codeFrameEncoding, "bad crypto frame")
		return
	}

	if c.role == roleClient {
		if len(protos) == 1 && slices.Contains(c.params.ALPNs, protos[0]) {
			c.alpn = protos[0]
			return
		}
		c.closeWith(false, codeNoALPN, "server selected unknown alpn")
		return
	}

	if c.established {
		return
	}
	for _, p := range c.params.ALPNs {
		if slices.Contains(protos, p) {
			c.alpn = p
			c.established = true
			c.replyPending = true
			return
		}
	}
	c.closeWith(false, codeNoALPN, "no application protocol")
}

func (c *PlainConn) handleStream(f frame) {
	id := f.streamID
	local := IsClientInitiated(id) == (c.role == roleClient)

	s, ok := c.streams[id]
	if !ok {
		if local {
			c.closeWith(false, codeStreamState, "data on unopened local stream")
			return
		}
		limit := c.params.InitialMaxStreamsUni
		if IsBidi(id) {
			limit = c.params.InitialMaxStreamsBidi
		}
		if id>>2 >= limit {
			c.closeWith(false, codeStreamLimit, "stream limit exceeded")
			return
		}
		s = &plainStream{}
		c.streams[id] = s
		c.stats.StreamsOpened++
	} else if local && !IsBidi(id) {
		c.closeWith(false, codeStreamState, "data on send-only stream")
		return
	}

	if s.recvFin {
		if len(f.data) > 0 {
			c.closeWith(false, codeStreamState, "data after fin")
		}
		return
	}

	n := uint64(len(f.data))
	if uint64(len(s.recv))+n > c.params.InitialMaxStreamData || c.buffered+n > c.params.InitialMaxData {
		c.closeWith(false, codeFlowControl, "flow control limit exceeded")
		return
	}

	s.recv = append(s.recv, f.data...)
	s.recvFin = f.fin
	c.buffered += n
}

// Send implements Conn.
func (c *PlainConn) Send(out []byte) (int, error) {
	if c.closed {
		return 0, ErrDone
	}

	room := min(len(out), c.params.MaxUDPPayload)
	if room <= 0 {
		return 0, ErrBufferTooShort
	}
	room -= c.headerLen()
	if room <= 0 {
		return 0, ErrBufferTooShort
	}

	var payload []byte
	if c.closePending {
		payload = appendCloseFrame(payload, c.closeApp, c.closeCode, c.closeReason)
		n, err := c.finishPacket(out, payload)
		if err != nil {
			return 0, err
		}
		c.closed = true
		return n, nil
	}

	if c.helloPending {
		payload = appendCryptoFrame(payload, encodeALPN(c.params.ALPNs))
		c.helloPending = false
	}
	if c.replyPending {
		payload = appendCryptoFrame(payload, encodeALPN([]string{c.alpn}))
		payload = append(payload, frameHandshakeDone)
		c.replyPending = false
	}

	payload = c.appendStreams(payload, room)
	payload = c.appendDatagrams(payload, room)

	if len(payload) == 0 {
		return 0, ErrDone
	}
	return c.finishPacket(out, payload)
}

func (c *PlainConn) headerLen() int {
	switch c.packetType() {
	case wire.TypeShort:
		return 1 + len(c.dcid)
	default:
		// long header, token and a two byte length
		return 1 + 4 + 1 + len(c.dcid) + 1 + len(c.scid) + 8 + len(c.token) + 4
	}
}

func (c *PlainConn) packetType() wire.PacketType {
	if c.role == roleServer {
		return wire.TypeHandshake
	}
	if c.established {
		return wire.TypeShort
	}
	return wire.TypeInitial
}

func (c *PlainConn) appendStreams(payload []byte, room int) []byte {
	ids := make([]uint64, 0, len(c.streams))
	for id, s := range c.streams {
		if len(s.send) > 0 || s.sendFin && !s.sentFin {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	for _, id := range ids {
		s := c.streams[id]
		avail := room - len(payload) - streamFrameOverhead
		if avail < 0 || avail == 0 && len(s.send) > 0 {
			break
		}
		n := min(avail, len(s.send))
		fin := s.sendFin && n == len(s.send)
		payload = appendStreamFrame(payload, id, s.send[:n], fin)
		s.send = s.send[n:]
		if fin {
			s.sentFin = true
		}
	}
	return payload
}

func (c *PlainConn) appendDatagrams(payload []byte, room int) []byte {
	for len(c.dgramsOut) > 0 {
		d := c.dgramsOut[0]
		if len(payload)+len(d)+3 > room {
			break
		}
		payload = appendDatagramFrame(payload, d)
		c.dgramsOut = c.dgramsOut[1:]
		c.stats.DgramsSent++
	}
	return payload
}

func (c *PlainConn) finishPacket(out, payload []byte) (int, error) {
	t := c.packetType()
	if t == wire.TypeInitial {
		hdr := wire.AppendLongHeader(nil, t, c.version, c.dcid, c.scid, c.token, minInitialSize)
		for len(hdr)+len(payload) < minInitialSize {
			payload = append(payload, framePadding)
		}
	}

	var pkt []byte
	if t == wire.TypeShort {
		pkt = wire.AppendShortHeader(out[:0], c.dcid)
	} else {
		pkt = wire.AppendLongHeader(out[:0], t, c.version, c.dcid, c.scid, c.token, len(payload))
	}
	if len(pkt)+len(payload) > len(out) {
		return 0, ErrBufferTooShort
	}
	pkt = append(pkt, payload...)

	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(len(pkt))
	return len(pkt), nil
}

// Timeout implements Conn.
func (c *PlainConn) Timeout() (time.Duration, bool) {
	if c.closed || c.idleDeadline.IsZero() {
		return 0, false
	}
	return max(c.idleDeadline.Sub(c.now()), 0), true
}

// OnTimeout implements Conn.
func (c *PlainConn) OnTimeout() {
	if c.closed || c.idleDeadline.IsZero() {
		return
	}
	if !c.now().Before(c.idleDeadline) {
		c.closed = true
		c.stats.TimedOut = true
	}
}

// ApplicationProto implements Conn.
func (c *PlainConn) ApplicationProto() string { return c.alpn }

// IsEstablished implements Conn.
func (c *PlainConn) IsEstablished() bool { return c.established }

// IsInEarlyData implements Conn. The plaintext handshake has no 0-RTT.
func (c *PlainConn) IsInEarlyData() bool { return false }

// IsClosed implements Conn.
func (c *PlainConn) IsClosed() bool { return c.closed }

// Close implements Conn.
func (c *PlainConn) Close(app bool, code uint64, reason string) error {
	if c.closed || c.closePending {
		return ErrDone
	}
	c.closeWith(app, code, reason)
	return nil
}

func (c *PlainConn) closeWith(app bool, code uint64, reason string) {
	if c.closePending {
		return
	}
	c.closePending = true
	c.closeApp = app
	c.closeCode = code
	c.closeReason = reason
}

// Readable implements Conn.
func (c *PlainConn) Readable() []uint64 {
	var ids []uint64
	for id, s := range c.streams {
		if len(s.recv) > 0 || s.recvFin && !s.readFin {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// StreamRecv implements Conn.
func (c *PlainConn) StreamRecv(id uint64, out []byte) (int, bool, error) {
	s, ok := c.streams[id]
	if !ok {
		return 0, false, ErrInvalidStreamState
	}
	if len(s.recv) == 0 && (!s.recvFin || s.readFin) {
		return 0, false, ErrDone
	}

	n := copy(out, s.recv)
	s.recv = s.recv[n:]
	c.buffered -= uint64(n)

	fin := s.recvFin && len(s.recv) == 0
	if fin {
		s.readFin = true
	}
	return n, fin, nil
}

// StreamSend implements Conn.
func (c *PlainConn) StreamSend(id uint64, data []byte, fin bool) (int, error) {
	if c.closed || c.closePending {
		return 0, ErrClosed
	}

	local := IsClientInitiated(id) == (c.role == roleClient)
	s, ok := c.streams[id]
	switch {
	case !ok && !local:
		return 0, ErrInvalidStreamState
	case !local && !IsBidi(id):
		return 0, ErrInvalidStreamState
	case !ok:
		s = &plainStream{}
		c.streams[id] = s
	}
	if s.sendFin {
		return 0, ErrInvalidStreamState
	}

	s.send = append(s.send, data...)
	s.sendFin = fin
	return len(data), nil
}

// DgramRecv implements Conn. A datagram larger than out is dropped.
func (c *PlainConn) DgramRecv(out []byte) (int, error) {
	if len(c.dgramsIn) == 0 {
		return 0, ErrDone
	}
	d := c.dgramsIn[0]
	c.dgramsIn = c.dgramsIn[1:]
	if len(d) > len(out) {
		return 0, ErrBufferTooShort
	}
	return copy(out, d), nil
}

// DgramSend implements Conn.
func (c *PlainConn) DgramSend(data []byte) error {
	if c.closed || c.closePending {
		return ErrClosed
	}
	maxLen, ok := c.DgramMaxWritableLen()
	if !ok {
		return ErrDatagramsDisabled
	}
	if len(data) > maxLen {
		return ErrDatagramTooLarge
	}
	if c.params.MaxDatagramQueue > 0 && len(c.dgramsOut) >= c.params.MaxDatagramQueue {
		return ErrDone
	}
	c.dgramsOut = append(c.dgramsOut, slices.Clone(data))
	return nil
}

// DgramMaxWritableLen implements Conn.
func (c *PlainConn) DgramMaxWritableLen() (int, bool) {
	if !c.params.DatagramsEnabled || !c.established {
		return 0, false
	}
	return c.params.MaxUDPPayload - shortOverhead, true
}

// TraceID implements Conn.
func (c *PlainConn) TraceID() string { return hex.EncodeToString(c.scid) }

// Stats implements Conn.
func (c *PlainConn) Stats() Stats { return c.stats }
