package server

import (
	"bytes"
	"log/slog"
	"net/netip"

	"golang.org/x/time/rate"

	"github.com/postalsys/dgram-relay/internal/connid"
	"github.com/postalsys/dgram-relay/internal/logging"
	"github.com/postalsys/dgram-relay/internal/metrics"
	"github.com/postalsys/dgram-relay/internal/session"
	"github.com/postalsys/dgram-relay/internal/token"
	"github.com/postalsys/dgram-relay/internal/wire"
)

// newLimiter returns the limiter for stateless replies. A zero rate means
// unlimited.
func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// route finds or admits the session pkt belongs to. It returns nil when the
// packet was consumed by admission or dropped.
func (s *Server) route(pkt []byte, from netip.AddrPort) *session.Session {
	hdr, err := wire.ParseHeader(pkt, connid.Len)
	if err != nil {
		s.drop(metrics.DropMalformed, from, slog.String(logging.KeyError, err.Error()))
		return nil
	}

	if h, ok := s.table.Lookup(hdr.DCID); ok {
		if sess := s.table.Get(h); sess != nil {
			return sess
		}
	}

	return s.admit(hdr, from)
}

// admit runs the admission state machine for a packet no session claims.
func (s *Server) admit(hdr *wire.Header, from netip.AddrPort) *session.Session {
	if hdr.Type != wire.TypeInitial {
		s.drop(metrics.DropNotInitial, from, slog.String("type", hdr.Type.String()))
		return nil
	}

	if !wire.IsSupportedVersion(hdr.Version) {
		s.negotiateVersion(hdr, from)
		return nil
	}

	var (
		scid  []byte
		odcid []byte
		rawID []byte
	)

	switch {
	case len(hdr.Token) == 0 && s.cfg.Retry:
		s.retry(hdr, from)
		return nil

	case len(hdr.Token) == 0:
		scid = s.deriver.Derive(hdr.DCID)
		rawID = hdr.DCID

	default:
		orig, ok := token.Validate(from.Addr(), hdr.Token)
		if !ok {
			s.drop(metrics.DropInvalidToken, from, logging.Hex(logging.KeyDCID, hdr.DCID))
			return nil
		}
		// the retry told the client to use the ID derived from its original one
		if !bytes.Equal(s.deriver.Derive(orig), hdr.DCID) {
			s.drop(metrics.DropDCIDMismatch, from, logging.Hex(logging.KeyDCID, hdr.DCID))
			return nil
		}
		scid = hdr.DCID
		odcid = orig
		rawID = orig
	}

	if s.table.IsRetired(scid) {
		s.drop(metrics.DropRetired, from, logging.Hex(logging.KeySCID, scid))
		return nil
	}

	conn, err := s.cfg.Acceptor.Accept(scid, odcid, from)
	if err != nil {
		s.drop(metrics.DropAcceptFailed, from, slog.String(logging.KeyError, err.Error()))
		return nil
	}

	sess := session.New(conn, scid, rawID, from)
	if _, err := s.table.Insert(sess); err != nil {
		s.drop(metrics.DropAcceptFailed, from, slog.String(logging.KeyError, err.Error()))
		return nil
	}

	s.stats.admitted.Add(1)
	s.stats.sessions.Store(int64(s.table.Len()))
	s.metrics.RecordAdmit()
	s.logger.Debug("session admitted",
		logging.Hex(logging.KeySCID, scid),
		logging.Hex(logging.KeyDCID, hdr.DCID),
		slog.String(logging.KeyPeer, from.String()),
		slog.Bool("retried", odcid != nil))

	return sess
}

func (s *Server) negotiateVersion(hdr *wire.Header, from netip.AddrPort) {
	if !s.limiter.Allow() {
		s.drop(metrics.DropRateLimited, from)
		return
	}

	n, err := wire.NegotiateVersion(hdr.SCID, hdr.DCID, s.out)
	if err != nil {
		s.logger.Error("version negotiation failed", slog.String(logging.KeyError, err.Error()))
		return
	}

	s.logger.Debug("version negotiation",
		slog.String(logging.KeyPeer, from.String()),
		slog.Uint64(logging.KeyVersion, uint64(hdr.Version)))
	if s.write(s.out[:n], from) {
		s.metrics.RecordVersionNegotiation()
	}
}

func (s *Server) retry(hdr *wire.Header, from netip.AddrPort) {
	if !s.limiter.Allow() {
		s.drop(metrics.DropRateLimited, from)
		return
	}

	newSCID := s.deriver.Derive(hdr.DCID)
	tok := token.Mint(from.Addr(), hdr.DCID)

	n, err := wire.Retry(hdr.SCID, hdr.DCID, newSCID, tok, hdr.Version, s.out)
	if err != nil {
		s.logger.Error("retry failed", slog.String(logging.KeyError, err.Error()))
		return
	}

	s.logger.Debug("retry sent",
		slog.String(logging.KeyPeer, from.String()),
		logging.Hex(logging.KeySCID, newSCID))
	if s.write(s.out[:n], from) {
		s.stats.retries.Add(1)
		s.metrics.RecordRetry()
	}
}

// drop counts and logs a packet the relay discards.
func (s *Server) drop(reason string, from netip.AddrPort, attrs ...slog.Attr) {
	s.stats.dropped.Add(1)
	s.metrics.RecordDrop(reason)

	args := make([]any, 0, len(attrs)+2)
	args = append(args, slog.String(logging.KeyReason, reason), slog.String(logging.KeyPeer, from.String()))
	for _, a := range attrs {
		args = append(args, a)
	}
	s.logger.Debug("packet dropped", args...)
}
