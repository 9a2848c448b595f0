// Package metrics provides Prometheus metrics for plogd.
package metrics

import (
	"errors"
	"net/http"

	"github.com/plogd/plogd/internal/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all plogd metrics.
var Registry = prometheus.NewRegistry()

// fragmentBuckets covers fragment indices and counts up to the 16-bit limit.
var fragmentBuckets = prometheus.ExponentialBuckets(1, 2, 17)

// Metrics holds all Prometheus metrics for one listener.
type Metrics struct {
	// Datagram classification
	UDPSimpleMessages        prometheus.Counter
	UDPInvalidVersion        prometheus.Counter
	V0InvalidType            prometheus.Counter
	V0InvalidMultipartHeader prometheus.Counter
	V0Commands               prometheus.Counter
	UnknownCommands          prometheus.Counter

	// Reassembly
	V0MultipartMessages prometheus.Counter
	V0Fragments         prometheus.Histogram // fragment index
	V0InvalidChecksum   prometheus.Histogram // fragments in the message
	V0InvalidFragments  prometheus.Histogram // fragment index
	DroppedFragments    prometheus.Histogram // fragment index

	// Loss estimation, labels: source
	Holes *prometheus.CounterVec

	// Handlers
	FailedSends      prometheus.Counter
	Exceptions       prometheus.Counter
	UnhandledObjects prometheus.Counter

	// Sampled by the Collector
	PendingMessages prometheus.Gauge
	PendingBytes    prometheus.Gauge
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	CacheEvictions  prometheus.Counter
	TrackedPorts    prometheus.Gauge

	Info *prometheus.GaugeVec // labels: listener, version
}

var _ stats.Reporter = (*Metrics)(nil)

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics registers all metrics with the listener address as a constant
// label.
func InitMetrics(listener, version string) *Metrics {
	constLabels := prometheus.Labels{
		"listener": listener,
	}
	counter := func(name, help string) prometheus.Counter {
		return register(prometheus.NewCounter(prometheus.CounterOpts{
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}))
	}
	histogram := func(name, help string) prometheus.Histogram {
		return register(prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        name,
			Help:        help,
			Buckets:     fragmentBuckets,
			ConstLabels: constLabels,
		}))
	}
	gauge := func(name, help string) prometheus.Gauge {
		return register(prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}))
	}

	m := &Metrics{
		UDPSimpleMessages:        counter("plogd_udp_simple_messages_total", "Raw datagrams received"),
		UDPInvalidVersion:        counter("plogd_udp_invalid_version_total", "Datagrams with an unsupported version byte"),
		V0InvalidType:            counter("plogd_v0_invalid_type_total", "v0 datagrams with an unknown type"),
		V0InvalidMultipartHeader: counter("plogd_v0_invalid_multipart_header_total", "Fragments with an unparseable header"),
		V0Commands:               counter("plogd_v0_commands_total", "Commands received"),
		UnknownCommands:          counter("plogd_unknown_commands_total", "Unknown or malformed commands received"),

		V0MultipartMessages: counter("plogd_v0_multipart_messages_total", "Fragmented messages delivered"),
		V0Fragments:         histogram("plogd_v0_fragment_index", "Index of each fragment received"),
		V0InvalidChecksum:   histogram("plogd_v0_invalid_checksum_fragments", "Fragment count of messages failing the checksum"),
		V0InvalidFragments:  histogram("plogd_v0_invalid_fragment_index", "Index of fragments inconsistent with their message"),
		DroppedFragments:    histogram("plogd_dropped_fragment_index", "Index of fragments missing from dropped messages"),

		Holes: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "plogd_holes_total",
			Help:        "Messages estimated lost from gaps in message IDs",
			ConstLabels: constLabels,
		}, []string{"source"})),

		FailedSends:      counter("plogd_failed_to_send_total", "Messages a handler failed to forward"),
		Exceptions:       counter("plogd_exceptions_total", "Unexpected errors in the ingestion path"),
		UnhandledObjects: counter("plogd_unhandled_objects_total", "Objects no handler accepted"),

		PendingMessages: gauge("plogd_defrag_pending_messages", "Messages awaiting fragments"),
		PendingBytes:    gauge("plogd_defrag_pending_bytes", "Buffer bytes held by pending messages"),
		CacheHits:       counter("plogd_defrag_cache_hits_total", "Fragments matched to a pending message"),
		CacheMisses:     counter("plogd_defrag_cache_misses_total", "Fragments starting a new message"),
		CacheEvictions:  counter("plogd_defrag_cache_evictions_total", "Pending messages dropped by size or idle time"),
		TrackedPorts:    gauge("plogd_holes_tracked_ports", "Sender ports tracked for loss estimation"),

		// shared by all listeners
		Info: register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "plogd_info",
			Help: "Listener information (value is always 1)",
		}, []string{"listener", "version"})),
	}

	m.Info.WithLabelValues(listener, version).Set(1)

	return m
}

// register adds c to Registry. If an identical collector is already
// registered, that one is returned instead.
func register[T prometheus.Collector](c T) T {
	if err := Registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ReceivedUDPSimpleMessage()         { m.UDPSimpleMessages.Inc() }
func (m *Metrics) ReceivedUDPInvalidVersion()        { m.UDPInvalidVersion.Inc() }
func (m *Metrics) ReceivedV0InvalidType()            { m.V0InvalidType.Inc() }
func (m *Metrics) ReceivedV0InvalidMultipartHeader() { m.V0InvalidMultipartHeader.Inc() }
func (m *Metrics) ReceivedV0Command()                { m.V0Commands.Inc() }
func (m *Metrics) ReceivedUnknownCommand()           { m.UnknownCommands.Inc() }
func (m *Metrics) ReceivedV0MultipartMessage()       { m.V0MultipartMessages.Inc() }
func (m *Metrics) FailedToSend()                     { m.FailedSends.Inc() }
func (m *Metrics) Exception()                        { m.Exceptions.Inc() }
func (m *Metrics) UnhandledObject()                  { m.UnhandledObjects.Inc() }

func (m *Metrics) ReceivedV0MultipartFragment(index int) {
	m.V0Fragments.Observe(float64(index))
}

func (m *Metrics) ReceivedV0InvalidChecksum(fragments int) {
	m.V0InvalidChecksum.Observe(float64(fragments))
}

func (m *Metrics) ReceivedV0InvalidMultipartFragment(index, _ int) {
	m.V0InvalidFragments.Observe(float64(index))
}

func (m *Metrics) MissingFragmentInDroppedMessage(index, _ int) {
	m.DroppedFragments.Observe(float64(index))
}

func (m *Metrics) FoundHolesFromNewMessage(holes int) {
	m.Holes.WithLabelValues("new_message").Add(float64(holes))
}

func (m *Metrics) FoundHolesFromDeadPort(holes int) {
	m.Holes.WithLabelValues("dead_port").Add(float64(holes))
}
