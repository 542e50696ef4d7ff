package server

import (
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// drainWait bounds each read after the first one of a drain. A read with an
// expired deadline fails before it touches the socket, so the deadline has to
// lie slightly in the future.
const drainWait = 100 * time.Microsecond

// packet is one datagram read from the socket. data aliases a reader buffer
// and is only valid until the next read.
type packet struct {
	data []byte
	from netip.AddrPort
}

// batchReader reads several datagrams per system call where the platform
// supports it. Sockets that are not UDP sockets are read one datagram at a
// time.
type batchReader struct {
	pc   net.PacketConn
	v4   *ipv4.PacketConn
	v6   *ipv6.PacketConn
	msgs []ipv4.Message
	pkts []packet

	// drain storage
	arena []byte
	spans []span
	queue []packet
}

type span struct {
	off, n int
	from   netip.AddrPort
}

func newBatchReader(pc net.PacketConn, size, bufSize int) *batchReader {
	if size < 1 {
		size = 1
	}

	r := &batchReader{
		pc:   pc,
		msgs: make([]ipv4.Message, size),
		pkts: make([]packet, 0, size),
	}
	for i := range r.msgs {
		r.msgs[i].Buffers = [][]byte{make([]byte, bufSize)}
	}

	if udp, ok := pc.(*net.UDPConn); ok {
		if addr, ok := udp.LocalAddr().(*net.UDPAddr); ok && addr.IP.To4() == nil {
			r.v6 = ipv6.NewPacketConn(udp)
		} else {
			r.v4 = ipv4.NewPacketConn(udp)
		}
	}
	return r
}

// drain blocks for the first datagram until the socket deadline, then keeps
// reading until nothing is queued. The returned packets are valid until the
// next drain.
func (r *batchReader) drain() ([]packet, error) {
	r.arena = r.arena[:0]
	r.spans = r.spans[:0]

	for first := true; ; first = false {
		if !first {
			if err := r.pc.SetReadDeadline(time.Now().Add(drainWait)); err != nil {
				return nil, err
			}
		}
		pkts, err := r.read()
		if err != nil {
			if !first && isTimeout(err) {
				break
			}
			return nil, err
		}
		for _, p := range pkts {
			r.spans = append(r.spans, span{off: len(r.arena), n: len(p.data), from: p.from})
			r.arena = append(r.arena, p.data...)
		}
	}

	r.queue = r.queue[:0]
	for _, sp := range r.spans {
		end := sp.off + sp.n
		r.queue = append(r.queue, packet{data: r.arena[sp.off:end:end], from: sp.from})
	}
	return r.queue, nil
}

// read blocks until at least one datagram arrived or the socket deadline
// passed.
func (r *batchReader) read() ([]packet, error) {
	r.pkts = r.pkts[:0]

	var (
		n   int
		err error
	)
	switch {
	case r.v4 != nil:
		n, err = r.v4.ReadBatch(r.msgs, 0)
	case r.v6 != nil:
		n, err = r.v6.ReadBatch(r.msgs, 0)
	default:
		return r.readOne()
	}
	if err != nil {
		return nil, err
	}

	for i := 0; i < n; i++ {
		m := &r.msgs[i]
		from, ok := addrPort(m.Addr)
		if !ok {
			continue
		}
		r.pkts = append(r.pkts, packet{data: m.Buffers[0][:m.N], from: from})
	}
	return r.pkts, nil
}

func (r *batchReader) readOne() ([]packet, error) {
	buf := r.msgs[0].Buffers[0]
	n, addr, err := r.pc.ReadFrom(buf)
	if err != nil {
		return nil, err
	}
	from, ok := addrPort(addr)
	if !ok {
		return r.pkts, nil
	}
	r.pkts = append(r.pkts, packet{data: buf[:n], from: from})
	return r.pkts, nil
}

func addrPort(addr net.Addr) (netip.AddrPort, bool) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		ap := a.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
	default:
		if addr == nil {
			return netip.AddrPort{}, false
		}
		ap, err := netip.ParseAddrPort(addr.String())
		return ap, err == nil
	}
}
