package monitoring

import (
	"net/http"
	"time"

	"meshcall/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector exports call metrics from the client and relay
// metrics from the signaling server. Each process registers only the
// side it uses, but both fit one registry.
type PrometheusCollector struct {
	gatherer prometheus.Gatherer

	// Client side
	peerConnectionsOpen  prometheus.Gauge
	peerConnectionsTotal prometheus.Counter
	negotiationDuration  *prometheus.HistogramVec
	transportFailures    *prometheus.CounterVec
	speakingTransitions  *prometheus.CounterVec
	activeScreenShares   prometheus.Gauge
	signalsDropped       *prometheus.CounterVec

	// Relay side
	signalingClients     prometheus.Gauge
	signalingConnections prometheus.Counter
	messagesRelayed      *prometheus.CounterVec
	messagesRejected     *prometheus.CounterVec
}

var (
	_ ports.CallMetrics  = (*PrometheusCollector)(nil)
	_ ports.RelayMetrics = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector registers on reg. A nil reg uses a private
// registry, which keeps tests independent.
func NewPrometheusCollector(reg *prometheus.Registry) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &PrometheusCollector{
		gatherer: reg,

		peerConnectionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "meshcall_peer_connections_open",
			Help: "Peer connections currently open",
		}),
		peerConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_peer_connections_total",
			Help: "Peer connections created",
		}),
		negotiationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshcall_negotiation_duration_seconds",
			Help:    "Time from the first offer to a stable signaling state",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"role"}),
		transportFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_transport_failures_total",
			Help: "Peer transport failures",
		}, []string{"kind"}),
		speakingTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_speaking_transitions_total",
			Help: "Local voice activity transitions",
		}, []string{"state"}),
		activeScreenShares: f.NewGauge(prometheus.GaugeOpts{
			Name: "meshcall_active_screen_shares",
			Help: "Local screen shares currently live",
		}),
		signalsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_signals_dropped_total",
			Help: "Inbound signaling messages dropped by the session",
		}, []string{"reason"}),

		signalingClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "meshcall_signaling_clients",
			Help: "Websocket clients connected to the relay",
		}),
		signalingConnections: f.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_signaling_connections_total",
			Help: "Websocket connections accepted by the relay",
		}),
		messagesRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_signaling_messages_relayed_total",
			Help: "Messages forwarded to a peer",
		}, []string{"type"}),
		messagesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_signaling_messages_rejected_total",
			Help: "Messages the relay refused to forward",
		}, []string{"reason"}),
	}
}

// Handler serves the registry this collector writes to.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.peerConnectionsOpen.Inc()
	p.peerConnectionsTotal.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.peerConnectionsOpen.Dec()
}

func (p *PrometheusCollector) NegotiationCompleted(role string, duration time.Duration) {
	p.negotiationDuration.WithLabelValues(role).Observe(duration.Seconds())
}

func (p *PrometheusCollector) TransportFailed(hard bool) {
	kind := "soft"
	if hard {
		kind = "hard"
	}
	p.transportFailures.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) SpeakingTransition(speaking bool) {
	state := "silent"
	if speaking {
		state = "speaking"
	}
	p.speakingTransitions.WithLabelValues(state).Inc()
}

func (p *PrometheusCollector) ActiveScreenShares(count int) {
	p.activeScreenShares.Set(float64(count))
}

func (p *PrometheusCollector) SignalDropped(reason string) {
	p.signalsDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) ClientConnected() {
	p.signalingClients.Inc()
	p.signalingConnections.Inc()
}

func (p *PrometheusCollector) ClientDisconnected() {
	p.signalingClients.Dec()
}

func (p *PrometheusCollector) MessageRelayed(messageType string) {
	p.messagesRelayed.WithLabelValues(messageType).Inc()
}

func (p *PrometheusCollector) MessageRejected(reason string) {
	p.messagesRejected.WithLabelValues(reason).Inc()
}

// callMetricsTee fans call metrics out to several sinks.
type callMetricsTee []ports.CallMetrics

// TeeCallMetrics lets the in-memory stats recorder and the exporter both see
// every call event.
func TeeCallMetrics(sinks ...ports.CallMetrics) ports.CallMetrics {
	return callMetricsTee(sinks)
}

func (t callMetricsTee) ConnectionOpened() {
	for _, s := range t {
		s.ConnectionOpened()
	}
}

func (t callMetricsTee) ConnectionClosed() {
	for _, s := range t {
		s.ConnectionClosed()
	}
}

func (t callMetricsTee) NegotiationCompleted(role string, d time.Duration) {
	for _, s := range t {
		s.NegotiationCompleted(role, d)
	}
}

func (t callMetricsTee) TransportFailed(hard bool) {
	for _, s := range t {
		s.TransportFailed(hard)
	}
}

func (t callMetricsTee) SpeakingTransition(speaking bool) {
	for _, s := range t {
		s.SpeakingTransition(speaking)
	}
}

func (t callMetricsTee) ActiveScreenShares(count int) {
	for _, s := range t {
		s.ActiveScreenShares(count)
	}
}

func (t callMetricsTee) SignalDropped(reason string) {
	for _, s := range t {
		s.SignalDropped(reason)
	}
}
