// Package demux runs the negotiated sub-protocol of each session after new
// packets were ingested.
//
// A session is bound to exactly one sub-protocol the first time it is
// processed after its handshake, from the ALPN the transport negotiated:
//
//	siduck, siduck-00  echo: "quack" datagrams are answered "quack-ack"
//	wq-vvv-01          stream relay: client indication on stream 2, data
//	                   streams and datagrams answered with their length
//	h3, h3-29          datagram relay: flow datagrams echoed on their flow
//
// Errors in one session never affect another. Protocol violations close
// the offending session; anything else is returned to the caller to log.
package demux

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"unicode/utf8"

	"github.com/postalsys/dgram-relay/internal/flow"
	"github.com/postalsys/dgram-relay/internal/logging"
	"github.com/postalsys/dgram-relay/internal/metrics"
	"github.com/postalsys/dgram-relay/internal/protocol"
	"github.com/postalsys/dgram-relay/internal/recovery"
	"github.com/postalsys/dgram-relay/internal/session"
	"github.com/postalsys/dgram-relay/internal/transport"
)

const (
	streamBufferSize = 65535
	defaultDgramSize = 1350
)

// Options configure a Demuxer.
type Options struct {
	// FirstUniStream is the first server unidirectional stream used for
	// stream relay replies and the datagram relay control stream.
	FirstUniStream uint64

	// UniStreamStep is the distance between reply stream IDs.
	UniStreamStep uint64

	// MaxDatagramSize bounds datagrams read from sessions.
	MaxDatagramSize int
}

// DefaultOptions returns QUIC stream numbering and the default datagram size.
func DefaultOptions() Options {
	return Options{
		FirstUniStream:  transport.FirstServerUniStream,
		UniStreamStep:   transport.StreamIDStep,
		MaxDatagramSize: defaultDgramSize,
	}
}

// Demuxer dispatches session work to the bound sub-protocol. It is used by
// the event loop goroutine only.
type Demuxer struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	streamBuf []byte
	dgramBuf  []byte
}

// New creates a Demuxer.
func New(opts Options, logger *slog.Logger, m *metrics.Metrics) *Demuxer {
	if opts.UniStreamStep == 0 {
		opts.UniStreamStep = transport.StreamIDStep
	}
	if opts.MaxDatagramSize <= 0 {
		opts.MaxDatagramSize = defaultDgramSize
	}
	return &Demuxer{
		opts:      opts,
		logger:    logger.With(slog.String(logging.KeyComponent, "demux")),
		metrics:   m,
		streamBuf: make([]byte, streamBufferSize),
		dgramBuf:  make([]byte, opts.MaxDatagramSize),
	}
}

// Process runs the sub-protocol of s. It does nothing until the handshake
// allows application data. A panic in a handler closes s and is returned
// as a *recovery.PanicError.
func (d *Demuxer) Process(s *session.Session) error {
	if s.Conn.IsClosed() || !s.Ready() {
		return nil
	}

	var err error
	perr := recovery.Call(d.logger, "demux", func() {
		err = d.process(s)
	}, logging.Hex(logging.KeyConnID, s.ID))
	if perr != nil {
		d.metrics.RecordPanic()
		d.close(s, false, protocol.CodeInternal, protocol.ReasonHandlerPanic)
		return perr
	}
	return err
}

func (d *Demuxer) process(s *session.Session) error {
	if !s.Bound() && !d.bind(s) {
		return nil
	}

	switch app := s.App.(type) {
	case session.Echo:
		return d.echo(s)
	case *session.StreamRelay:
		return d.streamRelay(s, app)
	case *session.DatagramRelay:
		return d.datagramRelay(s, app)
	}
	return nil
}

// bind selects the sub-protocol from the negotiated ALPN. It is final.
func (d *Demuxer) bind(s *session.Session) bool {
	alpn := s.Conn.ApplicationProto()

	switch protocol.ProtoForALPN(alpn) {
	case protocol.ProtoEcho:
		s.App = session.Echo{}
	case protocol.ProtoStreamRelay:
		s.App = session.NewStreamRelay(d.opts.FirstUniStream, d.opts.UniStreamStep)
	case protocol.ProtoDatagramRelay:
		s.App = &session.DatagramRelay{
			Overlay: flow.New(s.Conn, flow.Options{
				ControlStream:   d.opts.FirstUniStream,
				MaxDatagramSize: d.opts.MaxDatagramSize,
			}),
		}
	default:
		d.logger.Warn("no sub-protocol for negotiated ALPN",
			logging.Hex(logging.KeyConnID, s.ID),
			slog.String(logging.KeyAppProto, alpn))
		d.close(s, false, protocol.CodeInternal, protocol.ReasonUnsupportedALPN)
		return false
	}

	d.logger.Debug("session bound",
		logging.Hex(logging.KeyConnID, s.ID),
		slog.String(logging.KeyAppProto, alpn),
		slog.String("proto", s.App.Proto().String()))
	return true
}

// echo answers one datagram per arrival.
func (d *Demuxer) echo(s *session.Session) error {
	n, err := s.Conn.DgramRecv(d.dgramBuf)
	if errors.Is(err, transport.ErrDone) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("echo: receive datagram: %w", err)
	}

	req := d.dgramBuf[:n]
	if !utf8.Valid(req) || string(req) != protocol.EchoRequest {
		d.logger.Debug("rejecting echo request",
			logging.Hex(logging.KeyConnID, s.ID),
			slog.Int(logging.KeyBytes, n),
			slog.Bool("utf8", utf8.Valid(req)))
		d.close(s, true, protocol.CodeOnlyQuacks, protocol.ReasonOnlyQuacks)
		return nil
	}

	reply := make([]byte, 0, n+len(protocol.EchoSuffix))
	reply = append(reply, req...)
	reply = append(reply, protocol.EchoSuffix...)
	if err := s.Conn.DgramSend(reply); err != nil {
		return fmt.Errorf("echo: send reply: %w", err)
	}

	d.metrics.RecordEchoReply()
	return nil
}

func (d *Demuxer) streamRelay(s *session.Session, r *session.StreamRelay) error {
	if r.Failed {
		return nil
	}

	for _, id := range s.Conn.Readable() {
		if err := d.readStream(s, r, id); err != nil {
			return err
		}
		if r.Failed {
			return nil
		}
	}

	n, err := s.Conn.DgramRecv(d.dgramBuf)
	if errors.Is(err, transport.ErrDone) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stream relay: receive datagram: %w", err)
	}
	if err := s.Conn.DgramSend([]byte(strconv.Itoa(n))); err != nil {
		return fmt.Errorf("stream relay: send datagram: %w", err)
	}

	d.metrics.RecordDatagramRelayed(r.Proto().String())
	return nil
}

func (d *Demuxer) readStream(s *session.Session, r *session.StreamRelay, id uint64) error {
	for {
		n, fin, err := s.Conn.StreamRecv(id, d.streamBuf)
		if errors.Is(err, transport.ErrDone) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stream relay: read stream %d: %w", id, err)
		}

		// answered streams get no second reply
		if !r.Answered[id] {
			r.Streams[id] = append(r.Streams[id], d.streamBuf[:n]...)
		}
		if fin {
			return d.finishStream(s, r, id)
		}
	}
}

func (d *Demuxer) finishStream(s *session.Session, r *session.StreamRelay, id uint64) error {
	data, buffered := r.Streams[id]
	delete(r.Streams, id)
	if !buffered {
		return nil
	}

	if id == protocol.ControlStreamID {
		ind, err := protocol.DecodeClientIndication(data)
		if err != nil {
			r.Failed = true
			r.Pending = nil
			d.logger.Warn("client indication failure",
				logging.Hex(logging.KeyConnID, s.ID),
				slog.String(logging.KeyError, err.Error()))
			d.close(s, false, protocol.CodeInternal, protocol.ReasonIndicationFailed)
			return nil
		}

		r.Indication = ind
		d.logger.Info("client indication",
			logging.Hex(logging.KeyConnID, s.ID),
			slog.String("origin", ind.Origin),
			slog.String("path", ind.Path))

		pending := r.Pending
		r.Pending = nil
		for _, p := range pending {
			if err := d.answer(s, r, p.ID, p.Len); err != nil {
				return err
			}
		}
		return nil
	}

	if r.Indication == nil {
		r.Pending = append(r.Pending, session.PendingStream{ID: id, Len: len(data)})
		return nil
	}
	return d.answer(s, r, id, len(data))
}

// answer replies to a finished data stream with its length.
func (d *Demuxer) answer(s *session.Session, r *session.StreamRelay, id uint64, n int) error {
	if r.Answered[id] {
		return nil
	}

	reply := id
	if !transport.IsBidi(id) {
		reply = r.Uni.Next()
	}

	if _, err := s.Conn.StreamSend(reply, []byte(strconv.Itoa(n)), true); err != nil {
		return fmt.Errorf("stream relay: reply to stream %d on %d: %w", id, reply, err)
	}
	r.Answered[id] = true

	d.logger.Debug("stream answered",
		logging.Hex(logging.KeyConnID, s.ID),
		slog.Uint64(logging.KeyStreamID, id),
		slog.Uint64("reply_stream_id", reply),
		slog.Int(logging.KeyBytes, n))
	d.metrics.RecordStreamRelayed()
	return nil
}

func (d *Demuxer) datagramRelay(s *session.Session, r *session.DatagramRelay) error {
	for {
		ev, err := r.Overlay.Poll()
		switch {
		case errors.Is(err, flow.ErrDone):
			return nil
		case errors.Is(err, flow.ErrMalformed):
			d.logger.Debug("dropping flow datagram",
				logging.Hex(logging.KeyConnID, s.ID),
				slog.String(logging.KeyError, err.Error()))
			continue
		case err != nil:
			return fmt.Errorf("datagram relay: %w", err)
		}

		if err := r.Overlay.Send(ev.FlowID, ev.Data); err != nil {
			return fmt.Errorf("datagram relay: %w", err)
		}
		d.metrics.RecordDatagramRelayed(r.Proto().String())
	}
}

func (d *Demuxer) close(s *session.Session, app bool, code uint64, reason string) {
	err := s.Conn.Close(app, code, reason)
	if errors.Is(err, transport.ErrDone) {
		return
	}
	if err != nil {
		d.logger.Error("close session",
			logging.Hex(logging.KeyConnID, s.ID),
			slog.String(logging.KeyError, err.Error()))
		return
	}
	d.metrics.RecordProtocolError(s.App.Proto().String(), reason)
}
