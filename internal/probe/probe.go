// Package probe provides connectivity testing for dgram-relay servers.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/postalsys/dgram-relay/internal/flow"
	"github.com/postalsys/dgram-relay/internal/protocol"
	"github.com/postalsys/dgram-relay/internal/transport"
)

const pollInterval = 50 * time.Millisecond

var (
	// ErrPeerClosed is returned when the relay closed the connection.
	ErrPeerClosed = errors.New("connection closed by relay")

	// ErrUnexpectedReply is returned when the relay answered with
	// something the sub-protocol does not produce.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// Options contains configuration for a connectivity probe.
type Options struct {
	// Address is the host:port of the relay
	Address string

	// AppProto selects the sub-protocol: siduck, wq-vvv or h3
	AppProto string

	// Timeout for the entire probe operation
	Timeout time.Duration

	// Message is sent on the data stream (wq-vvv) or flow (h3).
	Message string

	// Origin and Path fill the client indication (wq-vvv).
	Origin string
	Path   string

	// FlowID tags the h3 datagram.
	FlowID uint64
}

// Result contains the outcome of a connectivity probe.
type Result struct {
	// Success indicates whether the probe succeeded
	Success bool

	// Address that was probed
	Address string

	// AppProto that was tested
	AppProto string

	// ALPN negotiated with the relay
	ALPN string

	// Retried is true when the relay demanded address validation
	Retried bool

	// Reply is the relay's answer
	Reply string

	// HandshakeRTT is the time until the connection was established
	HandshakeRTT time.Duration

	// RTT is the time until the reply arrived
	RTT time.Duration

	// Stats are the client connection counters
	Stats transport.Stats

	// Error is the error that occurred (if any)
	Error error

	// ErrorDetail is a human-readable description of the error
	ErrorDetail string
}

// Probe connects to a relay, completes the handshake and runs one exchange
// of the selected sub-protocol.
func Probe(ctx context.Context, opts Options) *Result {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.AppProto == "" {
		opts.AppProto = protocol.AppSiduck
	}
	if opts.Message == "" {
		opts.Message = "hello"
	}
	if opts.Origin == "" {
		opts.Origin = "https://localhost"
	}
	if opts.Path == "" {
		opts.Path = "/"
	}

	result := &Result{
		Address:  opts.Address,
		AppProto: opts.AppProto,
	}
	fail := func(err error) *Result {
		result.Error = err
		result.ErrorDetail = classifyError(err)
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	app, err := protocol.LookupApplication(opts.AppProto)
	if err != nil {
		return fail(err)
	}

	var d net.Dialer
	sock, err := d.DialContext(ctx, "udp", opts.Address)
	if err != nil {
		return fail(err)
	}
	defer sock.Close()

	raddr, ok := sock.RemoteAddr().(*net.UDPAddr)
	if !ok {
		return fail(fmt.Errorf("unexpected remote address %s", sock.RemoteAddr()))
	}

	params := transport.DefaultParams()
	params.ALPNs = app.ALPNs
	params.InitialMaxStreamsBidi = app.MaxStreamsBidi
	params.InitialMaxStreamsUni = app.MaxStreamsUni
	params.MaxIdleTimeout = opts.Timeout

	conn, err := transport.Connect(params, raddr.AddrPort())
	if err != nil {
		return fail(err)
	}

	c := &client{
		conn: conn,
		sock: sock,
		peer: raddr.AddrPort(),
		buf:  make([]byte, 65535),
	}

	start := time.Now()
	if err := c.run(ctx, func() (bool, error) { return conn.IsEstablished(), nil }); err != nil {
		return fail(fmt.Errorf("handshake: %w", err))
	}
	result.HandshakeRTT = time.Since(start)
	result.ALPN = conn.ApplicationProto()
	result.Retried = conn.Retried()

	var reply string
	switch protocol.ProtoForALPN(result.ALPN) {
	case protocol.ProtoEcho:
		reply, err = c.echo(ctx)
	case protocol.ProtoStreamRelay:
		reply, err = c.streamRelay(ctx, opts)
	case protocol.ProtoDatagramRelay:
		reply, err = c.datagramRelay(ctx, opts)
	default:
		err = fmt.Errorf("negotiated unknown application protocol %q", result.ALPN)
	}
	result.Reply = reply
	if err != nil {
		return fail(err)
	}
	result.RTT = time.Since(start)

	// best effort goodbye
	conn.Close(true, 0, "probe done")
	c.flush()

	result.Stats = conn.Stats()
	result.Success = true
	return result
}

// client drives a plaintext connection over a connected UDP socket.
type client struct {
	conn *transport.PlainConn
	sock net.Conn
	peer netip.AddrPort
	buf  []byte
}

// flush writes every pending packet.
func (c *client) flush() error {
	for {
		n, err := c.conn.Send(c.buf)
		if errors.Is(err, transport.ErrDone) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := c.sock.Write(c.buf[:n]); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
}

// run exchanges packets until done reports true.
func (c *client) run(ctx context.Context, done func() (bool, error)) error {
	for {
		if err := c.flush(); err != nil {
			return err
		}
		ok, err := done()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if c.conn.IsClosed() {
			return c.closedError()
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		c.sock.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := c.sock.Read(c.buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.conn.OnTimeout()
				continue
			}
			return fmt.Errorf("read: %w", err)
		}
		// stray and duplicated packets are discarded
		_, err = c.conn.Recv(c.buf[:n], c.peer)
		if err != nil && !errors.Is(err, transport.ErrDone) && !errors.Is(err, transport.ErrInvalidPacket) {
			return err
		}
	}
}

func (c *client) closedError() error {
	if _, code, reason, ok := c.conn.PeerError(); ok {
		return fmt.Errorf("%w: code 0x%x: %s", ErrPeerClosed, code, reason)
	}
	return transport.ErrClosed
}

func (c *client) echo(ctx context.Context) (string, error) {
	if err := c.conn.DgramSend([]byte(protocol.EchoRequest)); err != nil {
		return "", fmt.Errorf("send quack: %w", err)
	}

	var reply string
	dgram := make([]byte, 1500)
	err := c.run(ctx, func() (bool, error) {
		n, err := c.conn.DgramRecv(dgram)
		if errors.Is(err, transport.ErrDone) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		reply = string(dgram[:n])
		return true, nil
	})
	if err != nil {
		return "", err
	}

	if want := protocol.EchoRequest + protocol.EchoSuffix; reply != want {
		return reply, fmt.Errorf("%w: %q, want %q", ErrUnexpectedReply, reply, want)
	}
	return reply, nil
}

func (c *client) streamRelay(ctx context.Context, opts Options) (string, error) {
	ids := transport.NewStreamIDAllocator(protocol.ControlStreamID, transport.StreamIDStep)
	control := ids.Next()
	data := ids.Next()

	ci := protocol.ClientIndication{Origin: opts.Origin, Path: opts.Path}
	if _, err := c.conn.StreamSend(control, ci.Encode(), true); err != nil {
		return "", fmt.Errorf("send client indication: %w", err)
	}
	if _, err := c.conn.StreamSend(data, []byte(opts.Message), true); err != nil {
		return "", fmt.Errorf("send data stream: %w", err)
	}

	var reply []byte
	chunk := make([]byte, 4096)
	err := c.run(ctx, func() (bool, error) {
		for _, id := range c.conn.Readable() {
			for {
				n, fin, err := c.conn.StreamRecv(id, chunk)
				if errors.Is(err, transport.ErrDone) {
					break
				}
				if err != nil {
					return false, err
				}
				reply = append(reply, chunk[:n]...)
				if fin {
					return true, nil
				}
			}
		}
		return false, nil
	})
	if err != nil {
		return "", err
	}

	if want := strconv.Itoa(len(opts.Message)); string(reply) != want {
		return string(reply), fmt.Errorf("%w: %q, want %q", ErrUnexpectedReply, reply, want)
	}
	return string(reply), nil
}

func (c *client) datagramRelay(ctx context.Context, opts Options) (string, error) {
	overlay := flow.New(c.conn, flow.Options{ControlStream: protocol.ControlStreamID})

	// opens the control stream
	if _, err := overlay.Poll(); err != nil && !errors.Is(err, flow.ErrDone) {
		return "", err
	}
	if err := overlay.Send(opts.FlowID, []byte(opts.Message)); err != nil {
		return "", err
	}

	var ev flow.Event
	err := c.run(ctx, func() (bool, error) {
		var err error
		ev, err = overlay.Poll()
		if errors.Is(err, flow.ErrDone) {
			return false, nil
		}
		return err == nil, err
	})
	if err != nil {
		return "", err
	}

	reply := string(ev.Data)
	if ev.FlowID != opts.FlowID || reply != opts.Message {
		return reply, fmt.Errorf("%w: flow %d %q", ErrUnexpectedReply, ev.FlowID, reply)
	}
	return reply, nil
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	// DNS errors
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	// ICMP port unreachable surfaces as a refused read on a connected socket
	if strings.Contains(errStr, "connection refused") {
		return "Connection refused - relay not running or port blocked"
	}
	if strings.Contains(errStr, "network is unreachable") || strings.Contains(errStr, "no route to host") {
		return "Network unreachable"
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "No response - relay not running or firewall blocking UDP"
	}

	if errors.Is(err, ErrPeerClosed) {
		return "Relay closed the connection - " + errStr
	}
	if errors.Is(err, ErrUnexpectedReply) {
		return "Connected but received an unexpected reply - wrong --app-proto?"
	}
	if strings.Contains(errStr, "application protocol") {
		return "Unsupported application protocol - use siduck, wq-vvv or h3"
	}

	return errStr
}
