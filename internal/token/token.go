// Package token mints and validates stateless retry tokens.
//
// A token is the fixed tag followed by the client's IP address bytes and the
// destination connection ID the client originally chose:
//
//	tag (6 bytes) | IP (4 or 16 bytes) | original DCID
//
// The server keeps no state between the retry and the client's second
// Initial: validity is recomputed from the token bytes and the source address
// of the packet carrying it.
//
// The scheme binds a token to an address but has no integrity protection.
// Anyone who knows the tag can forge a token for any address and any original
// connection ID. It only raises the bar for blind spoofed-source
// amplification and must not be relied on for anything stronger.
package token

import (
	"bytes"
	"net/netip"
)

// Tag is the literal prefix of every token.
const Tag = "relayd"

// Mint builds a retry token for addr carrying the client's original
// destination connection ID.
func Mint(addr netip.Addr, odcid []byte) []byte {
	ip := addrBytes(addr)

	tok := make([]byte, 0, len(Tag)+len(ip)+len(odcid))
	tok = append(tok, Tag...)
	tok = append(tok, ip...)
	tok = append(tok, odcid...)

	return tok
}

// Validate checks tok against the source address of the packet it arrived
// on and returns the original destination connection ID embedded in it.
// The returned slice aliases tok.
func Validate(addr netip.Addr, tok []byte) ([]byte, bool) {
	ip := addrBytes(addr)

	if len(tok) < len(Tag)+len(ip) {
		return nil, false
	}
	if string(tok[:len(Tag)]) != Tag {
		return nil, false
	}

	rest := tok[len(Tag):]
	if !bytes.Equal(rest[:len(ip)], ip) {
		return nil, false
	}

	return rest[len(ip):], true
}

// addrBytes returns 4 bytes for IPv4 (including IPv4-mapped IPv6) and 16
// bytes for IPv6, so a dual-stack socket yields the same token for a client
// regardless of how the kernel reported its address.
func addrBytes(addr netip.Addr) []byte {
	addr = addr.Unmap()
	return addr.AsSlice()
}
