package transport

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/postalsys/dgram-relay/internal/wire"
)

var (
	clientAddr = netip.MustParseAddrPort("127.0.0.1:50000")
	serverAddr = netip.MustParseAddrPort("127.0.0.1:4433")
)

func testParams(alpns ...string) Params {
	p := DefaultParams()
	p.ALPNs = alpns
	p.InitialMaxStreamsBidi = 10
	p.InitialMaxStreamsUni = 10
	return p
}

func serverConnID() []byte {
	return bytes.Repeat([]byte{0xab}, wire.MaxConnIDLen)
}

// pump moves every pending packet from one connection to the other.
func pump(t *testing.T, from, to *PlainConn, addr netip.AddrPort) int {
	t.Helper()

	buf := make([]byte, 1500)
	sent := 0
	for {
		n, err := from.Send(buf)
		if errors.Is(err, ErrDone) {
			return sent
		}
		if err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		sent++
		if to.IsClosed() {
			continue
		}
		if _, err := to.Recv(buf[:n], addr); err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
	}
}

func handshake(t *testing.T, clientALPNs, serverALPNs []string) (*PlainConn, *PlainConn) {
	t.Helper()

	client, err := Connect(testParams(clientALPNs...), serverAddr)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn, err := NewPlain(testParams(serverALPNs...)).Accept(serverConnID(), nil, clientAddr)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	server := conn.(*PlainConn)

	pump(t, client, server, clientAddr)
	pump(t, server, client, serverAddr)
	return client, server
}

func TestPlainHandshake(t *testing.T) {
	client, server := handshake(t, []string{"wq-vvv-01", "h3"}, []string{"h3", "siduck"})

	if !server.IsEstablished() || !client.IsEstablished() {
		t.Fatalf("established: server=%v client=%v", server.IsEstablished(), client.IsEstablished())
	}
	if server.ApplicationProto() != "h3" || client.ApplicationProto() != "h3" {
		t.Errorf("ALPN: server=%q client=%q", server.ApplicationProto(), client.ApplicationProto())
	}
	if !bytes.Equal(client.DestinationConnID(), serverConnID()) {
		t.Errorf("client DCID = %x, want server SCID", client.DestinationConnID())
	}
	if server.IsInEarlyData() {
		t.Error("IsInEarlyData() = true")
	}
	if server.TraceID() != "abababababababababababababababababababab" {
		t.Errorf("TraceID() = %q", server.TraceID())
	}
}

func TestPlainInitialPadding(t *testing.T) {
	client, err := Connect(testParams("siduck"), serverAddr)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1500)
	n, err := client.Send(buf)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if n != minInitialSize {
		t.Errorf("Initial size = %d, want %d", n, minInitialSize)
	}

	hdr, err := wire.ParseHeader(buf[:n], 0)
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if hdr.Type != wire.TypeInitial || len(hdr.Token) != 0 {
		t.Errorf("header = %+v", hdr)
	}
}

func TestPlainNoCommonALPN(t *testing.T) {
	client, server := handshake(t, []string{"h3"}, []string{"siduck"})

	if server.IsEstablished() {
		t.Error("server established without ALPN")
	}
	if !server.IsClosed() || !client.IsClosed() {
		t.Fatalf("closed: server=%v client=%v", server.IsClosed(), client.IsClosed())
	}

	app, code, _, ok := client.PeerError()
	if !ok || app || code != codeNoALPN {
		t.Errorf("PeerError() = %v, 0x%x, %v", app, code, ok)
	}
}

func TestPlainStreams(t *testing.T) {
	client, server := handshake(t, []string{"wq-vvv-01"}, []string{"wq-vvv-01"})

	if _, err := client.StreamSend(4, []byte("hello"), true); err != nil {
		t.Fatalf("StreamSend() error = %v", err)
	}
	pump(t, client, server, clientAddr)

	if got := server.Readable(); len(got) != 1 || got[0] != 4 {
		t.Fatalf("Readable() = %v, want [4]", got)
	}

	buf := make([]byte, 3)
	n, fin, err := server.StreamRecv(4, buf)
	if err != nil || n != 3 || fin {
		t.Fatalf("StreamRecv() = %d, %v, %v", n, fin, err)
	}
	n, fin, err = server.StreamRecv(4, buf)
	if err != nil || n != 2 || !fin || string(buf[:n]) != "lo" {
		t.Fatalf("StreamRecv() = %d, %v, %v", n, fin, err)
	}
	if _, _, err := server.StreamRecv(4, buf); !errors.Is(err, ErrDone) {
		t.Errorf("StreamRecv() after fin error = %v, want ErrDone", err)
	}
	if len(server.Readable()) != 0 {
		t.Errorf("Readable() = %v after draining", server.Readable())
	}

	// Reply on the bidi stream and on a server unidirectional stream.
	if _, err := server.StreamSend(4, []byte("5"), true); err != nil {
		t.Fatalf("StreamSend(4) error = %v", err)
	}
	if _, err := server.StreamSend(3, []byte("x"), true); err != nil {
		t.Fatalf("StreamSend(3) error = %v", err)
	}
	pump(t, server, client, serverAddr)

	if got := client.Readable(); len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Fatalf("client Readable() = %v, want [3 4]", got)
	}
	n, fin, err = client.StreamRecv(4, buf)
	if err != nil || !fin || string(buf[:n]) != "5" {
		t.Errorf("client StreamRecv(4) = %q, %v, %v", buf[:n], fin, err)
	}
}

func TestPlainStreamSendErrors(t *testing.T) {
	_, server := handshake(t, []string{"wq-vvv-01"}, []string{"wq-vvv-01"})

	if _, err := server.StreamSend(0, []byte("x"), false); !errors.Is(err, ErrInvalidStreamState) {
		t.Errorf("StreamSend on unopened peer stream error = %v", err)
	}
	if _, err := server.StreamSend(3, []byte("x"), true); err != nil {
		t.Fatal(err)
	}
	if _, err := server.StreamSend(3, []byte("y"), false); !errors.Is(err, ErrInvalidStreamState) {
		t.Errorf("StreamSend after fin error = %v", err)
	}
	if _, _, err := server.StreamRecv(99, make([]byte, 8)); !errors.Is(err, ErrInvalidStreamState) {
		t.Errorf("StreamRecv on unknown stream error = %v", err)
	}
}

func TestPlainStreamLimit(t *testing.T) {
	client, err := Connect(testParams("siduck"), serverAddr)
	if err != nil {
		t.Fatal(err)
	}
	params := testParams("siduck")
	params.InitialMaxStreamsBidi = 0
	conn, _ := NewPlain(params).Accept(serverConnID(), nil, clientAddr)
	server := conn.(*PlainConn)

	pump(t, client, server, clientAddr)
	pump(t, server, client, serverAddr)

	client.StreamSend(0, []byte("x"), true)
	pump(t, client, server, clientAddr)
	pump(t, server, client, serverAddr)

	_, code, _, ok := client.PeerError()
	if !ok || code != codeStreamLimit {
		t.Errorf("PeerError() code = 0x%x, ok = %v, want STREAM_LIMIT", code, ok)
	}
}

func TestPlainFlowControl(t *testing.T) {
	client, err := Connect(testParams("wq-vvv-01"), serverAddr)
	if err != nil {
		t.Fatal(err)
	}
	params := testParams("wq-vvv-01")
	params.InitialMaxStreamData = 4
	conn, _ := NewPlain(params).Accept(serverConnID(), nil, clientAddr)
	server := conn.(*PlainConn)

	pump(t, client, server, clientAddr)
	pump(t, server, client, serverAddr)

	client.StreamSend(0, []byte("too long"), true)
	pump(t, client, server, clientAddr)
	pump(t, server, client, serverAddr)

	_, code, _, ok := client.PeerError()
	if !ok || code != codeFlowControl {
		t.Errorf("PeerError() code = 0x%x, ok = %v, want FLOW_CONTROL", code, ok)
	}
}

func TestPlainDatagrams(t *testing.T) {
	client, server := handshake(t, []string{"siduck"}, []string{"siduck"})

	if err := client.DgramSend([]byte("quack")); err != nil {
		t.Fatalf("DgramSend() error = %v", err)
	}
	pump(t, client, server, clientAddr)

	buf := make([]byte, 64)
	n, err := server.DgramRecv(buf)
	if err != nil || string(buf[:n]) != "quack" {
		t.Fatalf("DgramRecv() = %q, %v", buf[:n], err)
	}
	if _, err := server.DgramRecv(buf); !errors.Is(err, ErrDone) {
		t.Errorf("DgramRecv() on empty queue error = %v, want ErrDone", err)
	}

	client.DgramSend([]byte("quack"))
	pump(t, client, server, clientAddr)
	if _, err := server.DgramRecv(buf[:2]); !errors.Is(err, ErrBufferTooShort) {
		t.Errorf("DgramRecv() short buffer error = %v", err)
	}
	if _, err := server.DgramRecv(buf); !errors.Is(err, ErrDone) {
		t.Errorf("short read did not pop the datagram: %v", err)
	}

	maxLen, ok := server.DgramMaxWritableLen()
	if !ok || maxLen <= 0 {
		t.Fatalf("DgramMaxWritableLen() = %d, %v", maxLen, ok)
	}
	if err := server.DgramSend(make([]byte, maxLen+1)); !errors.Is(err, ErrDatagramTooLarge) {
		t.Errorf("DgramSend() oversize error = %v", err)
	}
	if st := server.Stats(); st.DgramsRecv != 2 {
		t.Errorf("Stats().DgramsRecv = %d, want 2", st.DgramsRecv)
	}
}

func TestPlainDatagramsDisabled(t *testing.T) {
	params := testParams("siduck")
	params.DatagramsEnabled = false
	conn, _ := NewPlain(params).Accept(serverConnID(), nil, clientAddr)

	if _, ok := conn.DgramMaxWritableLen(); ok {
		t.Error("DgramMaxWritableLen() ok with datagrams disabled")
	}
	if err := conn.DgramSend([]byte("x")); !errors.Is(err, ErrDatagramsDisabled) {
		t.Errorf("DgramSend() error = %v, want ErrDatagramsDisabled", err)
	}
}

func TestPlainClose(t *testing.T) {
	client, server := handshake(t, []string{"siduck"}, []string{"siduck"})

	if err := server.Close(true, 0x101, "only quacks echo"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := server.Close(true, 0x1, "again"); !errors.Is(err, ErrDone) {
		t.Errorf("second Close() error = %v, want ErrDone", err)
	}
	if server.IsClosed() {
		t.Error("IsClosed() before the close frame was sent")
	}
	if _, err := server.StreamSend(3, []byte("x"), true); !errors.Is(err, ErrClosed) {
		t.Errorf("StreamSend() while closing error = %v", err)
	}

	pump(t, server, client, serverAddr)

	if !server.IsClosed() {
		t.Error("IsClosed() = false after sending close")
	}
	app, code, reason, ok := client.PeerError()
	if !ok || !app || code != 0x101 || reason != "only quacks echo" {
		t.Errorf("PeerError() = %v, 0x%x, %q, %v", app, code, reason, ok)
	}
	if _, err := server.Send(make([]byte, 1500)); !errors.Is(err, ErrDone) {
		t.Errorf("Send() after close error = %v", err)
	}
}

func TestPlainIdleTimeout(t *testing.T) {
	now := time.Unix(1000, 0)
	p := NewPlain(testParams("siduck"))
	p.now = func() time.Time { return now }

	conn, _ := p.Accept(serverConnID(), nil, clientAddr)

	d, ok := conn.Timeout()
	if !ok || d != 60*time.Second {
		t.Fatalf("Timeout() = %v, %v", d, ok)
	}

	now = now.Add(30 * time.Second)
	conn.OnTimeout()
	if conn.IsClosed() {
		t.Fatal("closed before the idle timeout")
	}

	now = now.Add(31 * time.Second)
	if d, _ := conn.Timeout(); d != 0 {
		t.Errorf("Timeout() = %v past deadline, want 0", d)
	}
	conn.OnTimeout()
	if !conn.IsClosed() || !conn.Stats().TimedOut {
		t.Error("connection did not time out")
	}
	if _, ok := conn.Timeout(); ok {
		t.Error("Timeout() armed on a closed connection")
	}
}

func TestPlainRetry(t *testing.T) {
	client, err := Connect(testParams("siduck"), serverAddr)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1500)
	n, err := client.Send(buf)
	if err != nil {
		t.Fatal(err)
	}
	hdr, err := wire.ParseHeader(buf[:n], 0)
	if err != nil {
		t.Fatal(err)
	}

	newSCID := serverConnID()
	token := []byte("relayd-token")
	out := make([]byte, 1500)
	rn, err := wire.Retry(hdr.SCID, hdr.DCID, newSCID, token, hdr.Version, out)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}

	if _, err := client.Recv(out[:rn], serverAddr); err != nil {
		t.Fatalf("Recv(retry) error = %v", err)
	}
	if !client.Retried() {
		t.Fatal("Retried() = false")
	}
	if !bytes.Equal(client.DestinationConnID(), newSCID) {
		t.Errorf("DCID after retry = %x", client.DestinationConnID())
	}

	n, err = client.Send(buf)
	if err != nil {
		t.Fatalf("Send() after retry error = %v", err)
	}
	hdr2, err := wire.ParseHeader(buf[:n], 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(hdr2.Token, token) || !bytes.Equal(hdr2.DCID, newSCID) {
		t.Errorf("Initial after retry: token=%q dcid=%x", hdr2.Token, hdr2.DCID)
	}

	// A second retry is refused.
	if _, err := client.Recv(out[:rn], serverAddr); !errors.Is(err, ErrInvalidPacket) {
		t.Errorf("second retry error = %v, want ErrInvalidPacket", err)
	}
}

func TestPlainRetryBadTag(t *testing.T) {
	client, _ := Connect(testParams("siduck"), serverAddr)

	buf := make([]byte, 1500)
	n, _ := client.Send(buf)
	hdr, _ := wire.ParseHeader(buf[:n], 0)

	out := make([]byte, 1500)
	rn, _ := wire.Retry(hdr.SCID, []byte{1, 2, 3, 4}, serverConnID(), []byte("tok"), hdr.Version, out)

	if _, err := client.Recv(out[:rn], serverAddr); !errors.Is(err, ErrInvalidPacket) {
		t.Errorf("Recv() error = %v, want ErrInvalidPacket", err)
	}
	if client.Retried() {
		t.Error("accepted retry with a bad integrity tag")
	}
}

func TestPlainMalformedPacket(t *testing.T) {
	conn, _ := NewPlain(testParams("siduck")).Accept(serverConnID(), nil, clientAddr)

	if _, err := conn.Recv([]byte{0x40}, clientAddr); !errors.Is(err, ErrInvalidPacket) {
		t.Errorf("Recv() error = %v, want ErrInvalidPacket", err)
	}
	if conn.Stats().PacketsRecv != 0 {
		t.Error("malformed packet counted")
	}
}

func TestAcceptRejectsBadConnID(t *testing.T) {
	p := NewPlain(testParams("siduck"))
	if _, err := p.Accept(nil, nil, clientAddr); err == nil {
		t.Error("Accept() with empty connection id succeeded")
	}
	if _, err := p.Accept(make([]byte, 21), nil, clientAddr); err == nil {
		t.Error("Accept() with 21-byte connection id succeeded")
	}
}
