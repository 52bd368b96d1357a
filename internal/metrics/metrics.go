// Package metrics provides Prometheus metrics for quictun.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "quictun"
)

// Metrics contains all Prometheus metrics for the client.
type Metrics struct {
	// Relay connection metrics
	ConnectionsEstablished prometheus.Counter
	ConnectAttempts        prometheus.Counter
	ConnectFailures        prometheus.Counter
	ConnectionsClosed      *prometheus.CounterVec

	// Stream metrics
	StreamsActive prometheus.Gauge
	StreamsOpened prometheus.Counter
	StreamsClosed prometheus.Counter
	StreamErrors  prometheus.Counter

	// Data transfer metrics
	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter

	// UDP relay metrics
	AssociationsActive  prometheus.Gauge
	AssociationsOpened  prometheus.Counter
	PacketsFragmented   prometheus.Counter
	FragmentsSent       prometheus.Counter
	FragmentsReceived   prometheus.Counter
	PacketsReassembled  prometheus.Counter
	PacketsTooLarge     prometheus.Counter
	ReassemblyEvictions prometheus.Counter
	FragmentMismatches  prometheus.Counter
	MalformedHeaders    prometheus.Counter

	// SOCKS5 front-end metrics
	SOCKS5ConnectionsActive prometheus.Gauge
	SOCKS5ConnectionsTotal  prometheus.Counter
	SOCKS5AuthFailures      prometheus.Counter
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

// NewMetrics creates a new Metrics instance registered on the default
// registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry. Tests use this to avoid duplicate registration.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsEstablished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_established_total",
			Help:      "Total relay connections established",
		}),
		ConnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Total relay connection attempts, including retries",
		}),
		ConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Total failed relay connection attempts",
		}),
		ConnectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total relay connections closed by reason",
		}, []string{"reason"}),

		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently open relay streams",
		}),
		StreamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Total relay streams opened",
		}),
		StreamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "Total relay streams closed",
		}),
		StreamErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Total relay stream open failures",
		}),

		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes sent to the relay",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received from the relay",
		}),

		AssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_associations_active",
			Help:      "Number of active UDP relay associations",
		}),
		AssociationsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_associations_opened_total",
			Help:      "Total UDP relay associations opened",
		}),
		PacketsFragmented: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_fragmented_total",
			Help:      "Total outbound UDP datagrams fragmented",
		}),
		FragmentsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_fragments_sent_total",
			Help:      "Total UDP fragments sent",
		}),
		FragmentsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_fragments_received_total",
			Help:      "Total UDP fragments received",
		}),
		PacketsReassembled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_reassembled_total",
			Help:      "Total inbound UDP datagrams fully reassembled",
		}),
		PacketsTooLarge: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_too_large_total",
			Help:      "Total outbound UDP datagrams rejected as too large",
		}),
		ReassemblyEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_reassembly_evictions_total",
			Help:      "Total incomplete reassembly records evicted",
		}),
		FragmentMismatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_fragment_mismatches_total",
			Help:      "Total fragments dropped for disagreeing with an in-progress reassembly",
		}),
		MalformedHeaders: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_headers_total",
			Help:      "Total messages dropped with undecodable headers",
		}),

		SOCKS5ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socks5_connections_active",
			Help:      "Number of active SOCKS5 client connections",
		}),
		SOCKS5ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_connections_total",
			Help:      "Total SOCKS5 client connections accepted",
		}),
		SOCKS5AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_auth_failures_total",
			Help:      "Total SOCKS5 authentication failures",
		}),
	}
}
