// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "dgram_relay"
)

// Drop reasons used as the "reason" label of PacketsDropped.
const (
	DropMalformed    = "malformed"
	DropNotInitial   = "not_initial"
	DropInvalidToken = "invalid_token"
	DropDCIDMismatch = "dcid_mismatch"
	DropRetired      = "retired"
	DropRateLimited  = "rate_limited"
	DropAcceptFailed = "accept_failed"
	DropRecvFailed   = "recv_failed"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Socket metrics
	PacketsReceived prometheus.Counter
	PacketsSent     prometheus.Counter
	BytesReceived   prometheus.Counter
	BytesSent       prometheus.Counter
	PacketsDropped  *prometheus.CounterVec
	ReadBatchSize   prometheus.Histogram

	// Admission metrics
	RetriesSent         prometheus.Counter
	VersionNegotiations prometheus.Counter
	SessionsAdmitted    prometheus.Counter

	// Session metrics
	SessionsActive    prometheus.Gauge
	SessionsCollected *prometheus.CounterVec
	SessionDuration   prometheus.Histogram

	// Relay metrics
	ProtocolErrors   *prometheus.CounterVec
	EchoReplies      prometheus.Counter
	StreamsRelayed   prometheus.Counter
	DatagramsRelayed *prometheus.CounterVec
	HandlerPanics    prometheus.Counter

	// Loop metrics
	LoopIterations prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total UDP packets read from the socket",
		}),
		PacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total UDP packets written to the socket",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes read from the socket",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes written to the socket",
		}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Total packets dropped before reaching a session, by reason",
		}, []string{"reason"}),
		ReadBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "read_batch_size",
			Help:      "Packets returned by one batched socket read",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),

		RetriesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_sent_total",
			Help:      "Total stateless retry packets sent",
		}),
		VersionNegotiations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_negotiations_total",
			Help:      "Total version negotiation packets sent",
		}),
		SessionsAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_admitted_total",
			Help:      "Total sessions admitted",
		}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions in the session table",
		}),
		SessionsCollected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_collected_total",
			Help:      "Total sessions removed by garbage collection, by application protocol",
		}, []string{"proto"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of collected sessions",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),

		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total sessions closed for protocol violations",
		}, []string{"proto", "reason"}),
		EchoReplies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echo_replies_total",
			Help:      "Total echo replies sent",
		}),
		StreamsRelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_relayed_total",
			Help:      "Total streams answered by the stream relay",
		}),
		DatagramsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_relayed_total",
			Help:      "Total datagrams answered, by application protocol",
		}, []string{"proto"}),
		HandlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Total panics recovered in session handlers",
		}),

		LoopIterations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_iterations_total",
			Help:      "Total event loop iterations",
		}),
	}
}

// RecordPacketReceived records one packet read from the socket.
func (m *Metrics) RecordPacketReceived(bytes int) {
	m.PacketsReceived.Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordPacketSent records one packet written to the socket.
func (m *Metrics) RecordPacketSent(bytes int) {
	m.PacketsSent.Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordDrop records a dropped packet.
func (m *Metrics) RecordDrop(reason string) {
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

// RecordReadBatch records the size of one batched read.
func (m *Metrics) RecordReadBatch(n int) {
	m.ReadBatchSize.Observe(float64(n))
}

// RecordRetry records a retry packet sent.
func (m *Metrics) RecordRetry() {
	m.RetriesSent.Inc()
}

// RecordVersionNegotiation records a version negotiation packet sent.
func (m *Metrics) RecordVersionNegotiation() {
	m.VersionNegotiations.Inc()
}

// RecordAdmit records an admitted session.
func (m *Metrics) RecordAdmit() {
	m.SessionsAdmitted.Inc()
	m.SessionsActive.Inc()
}

// RecordCollect records a session removed by garbage collection.
func (m *Metrics) RecordCollect(proto string, lifetimeSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionsCollected.WithLabelValues(proto).Inc()
	m.SessionDuration.Observe(lifetimeSeconds)
}

// RecordProtocolError records a session closed for a protocol violation.
func (m *Metrics) RecordProtocolError(proto, reason string) {
	m.ProtocolErrors.WithLabelValues(proto, reason).Inc()
}

// RecordEchoReply records an echo reply.
func (m *Metrics) RecordEchoReply() {
	m.EchoReplies.Inc()
}

// RecordStreamRelayed records a stream answered by the stream relay.
func (m *Metrics) RecordStreamRelayed() {
	m.StreamsRelayed.Inc()
}

// RecordDatagramRelayed records a datagram answered.
func (m *Metrics) RecordDatagramRelayed(proto string) {
	m.DatagramsRelayed.WithLabelValues(proto).Inc()
}

// RecordPanic records a recovered handler panic.
func (m *Metrics) RecordPanic() {
	m.HandlerPanics.Inc()
}

// RecordLoopIteration records one event loop iteration.
func (m *Metrics) RecordLoopIteration() {
	m.LoopIterations.Inc()
}
