// Package wire parses and builds the unencrypted parts of QUIC packets.
//
// It understands the version-independent header layout from RFC 8999, the
// long header packet types of QUIC v1 (RFC 9000) and v2 (RFC 9369), the
// Initial token, and the two packets a server sends before any connection
// state exists: Version Negotiation and Retry. Everything past the header is
// left to the transport.
package wire
