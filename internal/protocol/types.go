// Package protocol defines the application protocols spoken over relay
// sessions and the wire formats they share.
package protocol

import "fmt"

// Proto identifies the sub-protocol a session negotiated.
type Proto uint8

const (
	ProtoNone          Proto = iota // no application protocol bound yet
	ProtoEcho                       // siduck datagram echo
	ProtoStreamRelay                // QuicTransport stream and datagram relay
	ProtoDatagramRelay              // HTTP/3 flow datagram relay
)

// String returns the protocol name used in logs and metric labels.
func (p Proto) String() string {
	switch p {
	case ProtoNone:
		return "none"
	case ProtoEcho:
		return "echo"
	case ProtoStreamRelay:
		return "stream_relay"
	case ProtoDatagramRelay:
		return "datagram_relay"
	default:
		return "unknown"
	}
}

// ALPN identifiers.
const (
	ALPNSiduck        = "siduck"
	ALPNSiduck00      = "siduck-00"
	ALPNQuicTransport = "wq-vvv-01"
	ALPNHTTP3         = "h3"
	ALPNHTTP3Draft29  = "h3-29"
)

// Application protocol names accepted by --app-proto.
const (
	AppSiduck        = "siduck"
	AppHTTP3         = "h3"
	AppQuicTransport = "wq-vvv"
)

// Application holds the ALPN list and stream limits advertised for one
// --app-proto choice.
type Application struct {
	Name           string
	ALPNs          []string
	MaxStreamsBidi uint64
	MaxStreamsUni  uint64
}

// LookupApplication returns the parameters for an --app-proto value.
func LookupApplication(name string) (Application, error) {
	switch name {
	case AppSiduck:
		return Application{
			Name:  AppSiduck,
			ALPNs: []string{ALPNSiduck, ALPNSiduck00},
		}, nil
	case AppHTTP3:
		return Application{
			Name:           AppHTTP3,
			ALPNs:          []string{ALPNHTTP3, ALPNHTTP3Draft29},
			MaxStreamsBidi: 100,
			MaxStreamsUni:  3,
		}, nil
	case AppQuicTransport:
		return Application{
			Name:           AppQuicTransport,
			ALPNs:          []string{ALPNQuicTransport},
			MaxStreamsBidi: 10,
			MaxStreamsUni:  10,
		}, nil
	default:
		return Application{}, fmt.Errorf("application protocol %q not supported", name)
	}
}

// ProtoForALPN maps a negotiated ALPN to the sub-protocol that serves it.
func ProtoForALPN(alpn string) Proto {
	switch alpn {
	case ALPNSiduck, ALPNSiduck00:
		return ProtoEcho
	case ALPNQuicTransport:
		return ProtoStreamRelay
	case ALPNHTTP3, ALPNHTTP3Draft29:
		return ProtoDatagramRelay
	default:
		return ProtoNone
	}
}

// Echo exchange literals.
const (
	EchoRequest = "quack"
	EchoSuffix  = "-ack"
)

// Close codes sent when a session is torn down by the relay.
const (
	// CodeInternal is the transport INTERNAL_ERROR code.
	CodeInternal uint64 = 0x1
	// CodeOnlyQuacks is the application code for a non-quack echo request.
	CodeOnlyQuacks uint64 = 0x101
)

// Close reasons paired with the codes above.
const (
	ReasonOnlyQuacks       = "only quacks echo"
	ReasonIndicationFailed = "QuicTransport client indication fail"
	ReasonUnsupportedALPN  = "unsupported application protocol"
	ReasonSendFailed       = "fail"
	ReasonRecvFailed       = "recv failed"
	ReasonHandlerPanic     = "internal error"
)

// ControlStreamID is the stream a QuicTransport client sends its indication
// on: the first client-initiated unidirectional stream.
const ControlStreamID uint64 = 2
