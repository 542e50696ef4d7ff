package flow

import (
	"bytes"
	"errors"
	"testing"

	"github.com/postalsys/dgram-relay/internal/protocol"
	"github.com/postalsys/dgram-relay/internal/transport"
)

type fakeConn struct {
	streams   map[uint64][]byte
	sent      map[uint64][]byte
	dgramsIn  [][]byte
	dgramsOut [][]byte
	sendErr   error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		streams: make(map[uint64][]byte),
		sent:    make(map[uint64][]byte),
	}
}

func (c *fakeConn) Readable() []uint64 {
	var ids []uint64
	for id, b := range c.streams {
		if len(b) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *fakeConn) StreamRecv(id uint64, out []byte) (int, bool, error) {
	b := c.streams[id]
	if len(b) == 0 {
		return 0, false, transport.ErrDone
	}
	n := copy(out, b)
	c.streams[id] = b[n:]
	return n, len(c.streams[id]) == 0, nil
}

func (c *fakeConn) StreamSend(id uint64, data []byte, fin bool) (int, error) {
	if c.sendErr != nil {
		return 0, c.sendErr
	}
	c.sent[id] = append(c.sent[id], data...)
	return len(data), nil
}

func (c *fakeConn) DgramRecv(out []byte) (int, error) {
	if len(c.dgramsIn) == 0 {
		return 0, transport.ErrDone
	}
	d := c.dgramsIn[0]
	c.dgramsIn = c.dgramsIn[1:]
	if len(d) > len(out) {
		return 0, transport.ErrBufferTooShort
	}
	return copy(out, d), nil
}

func (c *fakeConn) DgramSend(data []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.dgramsOut = append(c.dgramsOut, append([]byte(nil), data...))
	return nil
}

func flowDgram(t *testing.T, id uint64, payload string) []byte {
	t.Helper()
	b, err := protocol.EncodeFlowDatagram(id, []byte(payload))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestPollEvents(t *testing.T) {
	conn := newFakeConn()
	conn.dgramsIn = [][]byte{flowDgram(t, 0, "first"), flowDgram(t, 4000, "second")}
	o := New(conn, Options{})

	ev, err := o.Poll()
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if ev.FlowID != 0 || string(ev.Data) != "first" {
		t.Errorf("event = %+v", ev)
	}

	ev, err = o.Poll()
	if err != nil || ev.FlowID != 4000 || string(ev.Data) != "second" {
		t.Errorf("Poll() = %+v, %v", ev, err)
	}

	if _, err := o.Poll(); !errors.Is(err, ErrDone) {
		t.Errorf("Poll() on empty queue error = %v, want ErrDone", err)
	}
}

func TestPollOpensControlStreamOnce(t *testing.T) {
	conn := newFakeConn()
	o := New(conn, Options{})

	o.Poll()
	o.Poll()

	if o.ControlStream() != transport.FirstServerUniStream {
		t.Errorf("ControlStream() = %d", o.ControlStream())
	}
	got := conn.sent[transport.FirstServerUniStream]
	if !bytes.Equal(got, settingsFrame()) {
		t.Errorf("control stream = %x, want one SETTINGS preamble %x", got, settingsFrame())
	}
	// stream type 0x00, SETTINGS 0x04
	if len(got) < 2 || got[0] != 0x00 || got[1] != 0x04 {
		t.Errorf("control stream preamble = %x", got)
	}
}

func TestPollControlStreamError(t *testing.T) {
	conn := newFakeConn()
	conn.sendErr = transport.ErrClosed

	if _, err := New(conn, Options{}).Poll(); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Poll() error = %v, want ErrClosed", err)
	}
}

func TestPollDrainsStreams(t *testing.T) {
	conn := newFakeConn()
	conn.streams[2] = []byte{0x00, 0x04, 0x00}
	conn.streams[0] = []byte("GET /")
	o := New(conn, Options{})

	if _, err := o.Poll(); !errors.Is(err, ErrDone) {
		t.Fatalf("Poll() error = %v", err)
	}
	if o.Drained() != 8 {
		t.Errorf("Drained() = %d, want 8", o.Drained())
	}
	if len(conn.Readable()) != 0 {
		t.Error("streams left unread")
	}
}

func TestPollMalformed(t *testing.T) {
	conn := newFakeConn()
	conn.dgramsIn = [][]byte{{}, flowDgram(t, 1, "ok")}
	o := New(conn, Options{})

	if _, err := o.Poll(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Poll() error = %v, want ErrMalformed", err)
	}
	ev, err := o.Poll()
	if err != nil || ev.FlowID != 1 {
		t.Errorf("Poll() after malformed = %+v, %v", ev, err)
	}
}

func TestPollSkipsOversized(t *testing.T) {
	conn := newFakeConn()
	conn.dgramsIn = [][]byte{make([]byte, 64), flowDgram(t, 2, "x")}
	o := New(conn, Options{MaxDatagramSize: 16})

	ev, err := o.Poll()
	if err != nil || ev.FlowID != 2 || string(ev.Data) != "x" {
		t.Errorf("Poll() = %+v, %v", ev, err)
	}
}

func TestSend(t *testing.T) {
	conn := newFakeConn()
	o := New(conn, Options{})

	if err := o.Send(7, []byte("echo")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(conn.dgramsOut) != 1 {
		t.Fatalf("sent %d datagrams, want 1", len(conn.dgramsOut))
	}

	id, payload, err := protocol.DecodeFlowDatagram(conn.dgramsOut[0])
	if err != nil || id != 7 || string(payload) != "echo" {
		t.Errorf("sent datagram = %d, %q, %v", id, payload, err)
	}

	conn.sendErr = transport.ErrDatagramTooLarge
	if err := o.Send(7, []byte("x")); !errors.Is(err, transport.ErrDatagramTooLarge) {
		t.Errorf("Send() error = %v", err)
	}
}
