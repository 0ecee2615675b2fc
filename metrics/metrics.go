// Package metrics aggregates router counters and gauges and serves them in
// the Prometheus exposition format.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics owns a dedicated registry so tests and multiple router instances
// never collide. Producers only ever increment; the exporter reads
// consistent snapshots through the prometheus client, which guarantees no
// torn values and no producer-blocking lock.
type Metrics struct {
	reg *prometheus.Registry

	Connections        prometheus.Counter
	Disconnections     *prometheus.CounterVec
	Handshakes         *prometheus.CounterVec
	Messages           *prometheus.CounterVec
	TxObserved         *prometheus.CounterVec
	AddrEntries        prometheus.Counter
	ProtocolViolations prometheus.Counter
	UnknownCommands    prometheus.Counter
	PeersDiscovered    prometheus.Counter
	PeersEvicted       prometheus.Counter
	GetDataSampled     prometheus.Counter

	OpenSessions  prometheus.Gauge
	DirectorySize prometheus.Gauge
	PeersByLabel  *prometheus.GaugeVec

	meter            metric.Meter
	handshakeCounter metric.Int64Counter
	messageCounter   metric.Int64Counter
}

// New builds a metrics set on a fresh registry.
func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.Connections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_connections_total",
		Help: "Total outbound connections established.",
	})
	m.Disconnections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_disconnections_total",
		Help: "Total session teardowns by termination reason.",
	}, []string{"reason"})
	m.Handshakes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_handshakes_total",
		Help: "Total handshake outcomes.",
	}, []string{"result"})
	m.Messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_messages_total",
		Help: "Count of protocol messages by command and direction.",
	}, []string{"command", "direction"})
	m.TxObserved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_tx_observed_total",
		Help: "Transactions observed, by sender classification label.",
	}, []string{"label"})
	m.AddrEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_addr_entries_total",
		Help: "Gossiped address entries folded into the peer directory.",
	})
	m.ProtocolViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_protocol_violations_total",
		Help: "Frames rejected for bad magic, checksum or length.",
	})
	m.UnknownCommands = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_unknown_commands_total",
		Help: "Messages with commands outside the supported set.",
	})
	m.PeersDiscovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_peers_discovered_total",
		Help: "New peer addresses added to the directory.",
	})
	m.PeersEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_peers_evicted_total",
		Help: "Peers evicted after exhausting the retry ceiling.",
	})
	m.GetDataSampled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_getdata_sampled_total",
		Help: "Sampling getdata requests issued for announced transactions.",
	})

	m.OpenSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_open_sessions",
		Help: "Sessions currently connecting or connected.",
	})
	m.DirectorySize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_directory_size",
		Help: "Peer addresses currently tracked by the directory.",
	})
	m.PeersByLabel = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "router_peers_by_label",
		Help: "Classified peers by implementation label.",
	}, []string{"label"})

	m.reg.MustRegister(
		m.Connections, m.Disconnections, m.Handshakes, m.Messages,
		m.TxObserved, m.AddrEntries, m.ProtocolViolations,
		m.UnknownCommands, m.PeersDiscovered, m.PeersEvicted,
		m.GetDataSampled, m.OpenSessions, m.DirectorySize, m.PeersByLabel,
	)
	m.reg.MustRegister(collectors.NewGoCollector())

	m.initMeter()
	return m
}

func (m *Metrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("btcrouter")
	handshakes, err := meter.Int64Counter("router.handshakes")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("btcrouter")
		handshakes, _ = fallback.Int64Counter("router.handshakes")
		meter = fallback
	}
	messages, err := meter.Int64Counter("router.messages")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("btcrouter")
		messages, _ = fallback.Int64Counter("router.messages")
		meter = fallback
	}
	m.meter = meter
	m.handshakeCounter = handshakes
	m.messageCounter = messages
}

// RecordHandshake counts one handshake outcome on both backends.
func (m *Metrics) RecordHandshake(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.Handshakes.WithLabelValues(result).Inc()
	if m.handshakeCounter != nil {
		m.handshakeCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("result", result)))
	}
}

// RecordMessage counts one protocol message on both backends.
func (m *Metrics) RecordMessage(command, direction string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(command, direction).Inc()
	if m.messageCounter != nil {
		m.messageCounter.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("command", command),
				attribute.String("direction", direction)))
	}
}

// SetLabelCounts replaces the per-label gauge values with a fresh census.
func (m *Metrics) SetLabelCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.PeersByLabel.Reset()
	for label, n := range counts {
		m.PeersByLabel.WithLabelValues(label).Set(float64(n))
	}
}

// Registry exposes the underlying registry for the exporter.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }
