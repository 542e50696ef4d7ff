// Package server runs the relay event loop.
//
// One goroutine owns the socket, the session table and every session, so
// nothing here is locked. Each iteration reads every queued datagram, drives
// expired timers, ingests the batch (admitting new sessions and running
// their sub-protocol), drains every session's outgoing packets and finally
// collects closed sessions. Counters read by other goroutines are atomics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/postalsys/dgram-relay/internal/connid"
	"github.com/postalsys/dgram-relay/internal/demux"
	"github.com/postalsys/dgram-relay/internal/health"
	"github.com/postalsys/dgram-relay/internal/logging"
	"github.com/postalsys/dgram-relay/internal/metrics"
	"github.com/postalsys/dgram-relay/internal/protocol"
	"github.com/postalsys/dgram-relay/internal/session"
	"github.com/postalsys/dgram-relay/internal/transport"
)

const (
	// maxDatagramSize is the largest UDP payload the reader accepts.
	maxDatagramSize = 65535

	// pollInterval bounds a read when no session timer is armed, so a
	// cancelled context is noticed.
	pollInterval = time.Second
)

var (
	// ErrNoAcceptor is returned by New when Config.Acceptor is nil.
	ErrNoAcceptor = errors.New("server: no transport acceptor")

	// ErrAlreadyRunning is returned by Serve on a server that is serving.
	ErrAlreadyRunning = errors.New("server: already running")
)

// Config is the immutable configuration snapshot of a Server.
type Config struct {
	// Acceptor creates the transport session of every admitted client.
	Acceptor transport.Acceptor

	// Deriver computes server connection IDs. Nil uses a random key.
	Deriver *connid.Deriver

	// Retry makes clients prove their address with a retry token first.
	Retry bool

	// RateLimit bounds version negotiation and retry replies per second.
	// Zero is unlimited.
	RateLimit float64
	Burst     int

	// RetireFor is how long identifiers of collected sessions are refused.
	// Zero uses the default; retirement cannot be turned off.
	RetireFor time.Duration

	// ReadBatch is the number of datagrams read per system call.
	ReadBatch int

	// MaxUDPPayload bounds outgoing packets.
	MaxUDPPayload int

	Demux demux.Options

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns defaults for everything except the acceptor.
func DefaultConfig() Config {
	return Config{
		Retry:         true,
		RateLimit:     1000,
		Burst:         100,
		RetireFor:     3 * time.Minute,
		ReadBatch:     32,
		MaxUDPPayload: 1350,
		Demux:         demux.DefaultOptions(),
	}
}

type counters struct {
	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	dropped    atomic.Uint64
	retries    atomic.Uint64
	admitted   atomic.Uint64
	collected  atomic.Uint64
	sessions   atomic.Int64
}

// Server is the relay. Create it with New and run it with Serve.
type Server struct {
	cfg     Config
	deriver *connid.Deriver
	table   *session.Table
	demux   *demux.Demuxer
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics

	pc  net.PacketConn
	out []byte

	stats   counters
	started atomic.Int64
	running atomic.Bool
}

// New creates a server.
func New(cfg Config) (*Server, error) {
	if cfg.Acceptor == nil {
		return nil, ErrNoAcceptor
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.MaxUDPPayload <= 0 {
		cfg.MaxUDPPayload = DefaultConfig().MaxUDPPayload
	}
	if cfg.RetireFor <= 0 {
		cfg.RetireFor = DefaultConfig().RetireFor
	}

	deriver := cfg.Deriver
	if deriver == nil {
		var err error
		deriver, err = connid.NewRandomDeriver()
		if err != nil {
			return nil, err
		}
	}

	logger := cfg.Logger.With(slog.String(logging.KeyComponent, "server"))

	return &Server{
		cfg:     cfg,
		deriver: deriver,
		table:   session.NewTable(cfg.RetireFor),
		demux:   demux.New(cfg.Demux, cfg.Logger, cfg.Metrics),
		limiter: newLimiter(cfg.RateLimit, cfg.Burst),
		logger:  logger,
		metrics: cfg.Metrics,
		out:     make([]byte, cfg.MaxUDPPayload),
	}, nil
}

// Serve runs the event loop on pc until ctx is cancelled or the socket
// fails. It does not close pc. A cancelled context returns nil.
func (s *Server) Serve(ctx context.Context, pc net.PacketConn) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	s.pc = pc
	s.started.Store(time.Now().UnixNano())
	reader := newBatchReader(pc, s.cfg.ReadBatch, maxDatagramSize)

	// wake a blocked read
	stop := context.AfterFunc(ctx, func() {
		pc.SetReadDeadline(time.Now())
	})
	defer stop()

	s.logger.Info("relay serving",
		slog.String("address", pc.LocalAddr().String()),
		slog.Bool("retry", s.cfg.Retry))

	for ctx.Err() == nil {
		if err := s.iterate(reader); err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
	}

	s.logger.Info("relay stopped", slog.Int("sessions", s.table.Len()))
	return nil
}

// iterate runs one pass of the loop. Only socket errors are returned.
func (s *Server) iterate(r *batchReader) error {
	s.metrics.RecordLoopIteration()

	wait := pollInterval
	if d, ok := s.table.MinTimeout(); ok && d < wait {
		wait = d
	}
	if err := s.pc.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}

	pkts, err := r.drain()
	if err != nil {
		if !isTimeout(err) {
			return fmt.Errorf("read: %w", err)
		}
		pkts = nil
	}
	if len(pkts) > 0 {
		s.metrics.RecordReadBatch(len(pkts))
	}

	s.expireTimers()
	for _, p := range pkts {
		s.ingest(p.data, p.from)
	}
	s.flush()
	s.collect()
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// expireTimers runs OnTimeout for every session whose timer fired.
func (s *Server) expireTimers() {
	s.table.Each(func(_ session.Handle, sess *session.Session) {
		if d, ok := sess.Conn.Timeout(); ok && d <= 0 {
			sess.Conn.OnTimeout()
		}
	})
}

// ingest feeds one datagram to its session, admitting it first if needed,
// and runs the session's sub-protocol.
func (s *Server) ingest(pkt []byte, from netip.AddrPort) {
	s.stats.packetsIn.Add(1)
	s.stats.bytesIn.Add(uint64(len(pkt)))
	s.metrics.RecordPacketReceived(len(pkt))

	sess := s.route(pkt, from)
	if sess == nil {
		return
	}

	if _, err := sess.Conn.Recv(pkt, from); err != nil {
		if errors.Is(err, transport.ErrDone) {
			return
		}
		s.stats.dropped.Add(1)
		s.metrics.RecordDrop(metrics.DropRecvFailed)
		s.logger.Warn("recv failed",
			slog.String(logging.KeyTraceID, sess.Conn.TraceID()),
			slog.String(logging.KeyError, err.Error()))
		sess.Conn.Close(false, protocol.CodeInternal, protocol.ReasonRecvFailed)
		return
	}
	sess.Peer = from

	if err := s.demux.Process(sess); err != nil {
		s.logger.Warn("session processing failed",
			slog.String(logging.KeyTraceID, sess.Conn.TraceID()),
			slog.String(logging.KeyAppProto, sess.App.Proto().String()),
			slog.String(logging.KeyError, err.Error()))
	}
}

// flush drains every session's outgoing packets.
func (s *Server) flush() {
	s.table.Each(func(_ session.Handle, sess *session.Session) {
		for {
			n, err := sess.Conn.Send(s.out)
			if errors.Is(err, transport.ErrDone) {
				return
			}
			if err != nil {
				s.logger.Warn("send failed",
					slog.String(logging.KeyTraceID, sess.Conn.TraceID()),
					slog.String(logging.KeyError, err.Error()))
				sess.Conn.Close(false, protocol.CodeInternal, protocol.ReasonSendFailed)
				return
			}
			if !s.write(s.out[:n], sess.Peer) {
				return
			}
		}
	})
}

// write sends one packet. Socket write errors are logged and never fatal.
func (s *Server) write(pkt []byte, to netip.AddrPort) bool {
	if _, err := s.pc.WriteTo(pkt, net.UDPAddrFromAddrPort(to)); err != nil {
		s.logger.Debug("write failed",
			slog.String(logging.KeyPeer, to.String()),
			slog.String(logging.KeyError, err.Error()))
		return false
	}
	s.stats.packetsOut.Add(1)
	s.stats.bytesOut.Add(uint64(len(pkt)))
	s.metrics.RecordPacketSent(len(pkt))
	return true
}

// collect removes closed sessions.
func (s *Server) collect() {
	n := s.table.Collect(func(sess *session.Session) {
		st := sess.Conn.Stats()
		lifetime := time.Since(sess.CreatedAt)
		proto := sess.App.Proto().String()

		s.metrics.RecordCollect(proto, lifetime.Seconds())
		s.logger.Info("session collected",
			slog.String(logging.KeyTraceID, sess.Conn.TraceID()),
			slog.String(logging.KeyAppProto, proto),
			slog.String(logging.KeyDuration, lifetime.Round(time.Millisecond).String()),
			slog.Uint64("packets_recv", st.PacketsRecv),
			slog.Uint64("packets_sent", st.PacketsSent),
			slog.String("bytes_recv", humanize.Bytes(st.BytesRecv)),
			slog.String("bytes_sent", humanize.Bytes(st.BytesSent)),
			slog.Bool("timed_out", st.TimedOut))
	})
	if n > 0 {
		s.stats.collected.Add(uint64(n))
		s.stats.sessions.Store(int64(s.table.Len()))
	}
}

// IsRunning reports whether Serve is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Stats returns a snapshot of the relay counters. It is safe to call from
// any goroutine.
func (s *Server) Stats() health.Stats {
	var uptime time.Duration
	if started := s.started.Load(); started != 0 && s.running.Load() {
		uptime = time.Since(time.Unix(0, started))
	}

	return health.Stats{
		Sessions:          int(s.stats.sessions.Load()),
		SessionsAdmitted:  s.stats.admitted.Load(),
		SessionsCollected: s.stats.collected.Load(),
		PacketsReceived:   s.stats.packetsIn.Load(),
		PacketsSent:       s.stats.packetsOut.Load(),
		BytesReceived:     s.stats.bytesIn.Load(),
		BytesSent:         s.stats.bytesOut.Load(),
		PacketsDropped:    s.stats.dropped.Load(),
		RetriesSent:       s.stats.retries.Load(),
		Uptime:            uptime,
	}
}
