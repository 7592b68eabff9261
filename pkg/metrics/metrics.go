package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the outreach service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Call metrics
	CallsTotal       *prometheus.CounterVec
	CallsActive      prometheus.Gauge
	CallDuration     prometheus.Histogram
	PhaseTransitions *prometheus.CounterVec

	// Auth metrics
	AuthOutcomes *prometheus.CounterVec

	// Audio metrics
	BargeIns        prometheus.Counter
	AudioBytesTotal *prometheus.CounterVec

	// Capability metrics
	CapabilityDuration *prometheus.HistogramVec
	CapabilityErrors   *prometheus.CounterVec

	// Handoff metrics
	HandoffEvents *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "lingreach"
	}

	registry := prometheus.NewRegistry()

	callsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Calls by final phase",
		},
		[]string{"phase"},
	)

	callsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Call legs with a live media stream",
		},
	)

	callDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Media stream duration in seconds",
			Buckets:   []float64{10, 30, 60, 120, 180, 300, 600},
		},
	)

	phaseTransitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Session phase transitions",
		},
		[]string{"from", "to"},
	)

	authOutcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Identity fact evaluations by fact and result",
		},
		[]string{"fact", "result"},
	)

	bargeIns := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Prompts interrupted by the caller",
		},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Mu-law audio bytes by direction",
		},
		[]string{"direction"},
	)

	capabilityDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capability_duration_seconds",
			Help:      "External provider call latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"capability"},
	)

	capabilityErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_errors_total",
			Help:      "External provider failures",
		},
		[]string{"capability"},
	)

	handoffEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_events_total",
			Help:      "Handoff token lifecycle events",
		},
		[]string{"event"},
	)

	httpRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	registry.MustRegister(
		callsTotal,
		callsActive,
		callDuration,
		phaseTransitions,
		authOutcomes,
		bargeIns,
		audioBytesTotal,
		capabilityDuration,
		capabilityErrors,
		handoffEvents,
		httpRequests,
	)

	return &Metrics{
		registry:           registry,
		CallsTotal:         callsTotal,
		CallsActive:        callsActive,
		CallDuration:       callDuration,
		PhaseTransitions:   phaseTransitions,
		AuthOutcomes:       authOutcomes,
		BargeIns:           bargeIns,
		AudioBytesTotal:    audioBytesTotal,
		CapabilityDuration: capabilityDuration,
		CapabilityErrors:   capabilityErrors,
		HandoffEvents:      handoffEvents,
		HTTPRequests:       httpRequests,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordTransition records a phase change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.PhaseTransitions.WithLabelValues(from, to).Inc()
}

// RecordCallEnd records the phase a call leg finished in.
func (m *Metrics) RecordCallEnd(phase string) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(phase).Inc()
}

// RecordStreamStart records a media stream opening.
func (m *Metrics) RecordStreamStart() {
	if m == nil {
		return
	}
	m.CallsActive.Inc()
}

// RecordStreamEnd records a media stream closing.
func (m *Metrics) RecordStreamEnd(duration time.Duration) {
	if m == nil {
		return
	}
	m.CallsActive.Dec()
	m.CallDuration.Observe(duration.Seconds())
}

// RecordAuth records one fact evaluation.
func (m *Metrics) RecordAuth(fact string, matched bool) {
	if m == nil {
		return
	}
	result := "unmatched"
	if matched {
		result = "matched"
	}
	m.AuthOutcomes.WithLabelValues(fact, result).Inc()
}

// RecordBargeIn records an interrupted prompt.
func (m *Metrics) RecordBargeIn() {
	if m == nil {
		return
	}
	m.BargeIns.Inc()
}

// RecordAudio records audio volume.
func (m *Metrics) RecordAudio(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordCapability records one provider call.
func (m *Metrics) RecordCapability(capability string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.CapabilityDuration.WithLabelValues(capability).Observe(duration.Seconds())
	if err != nil {
		m.CapabilityErrors.WithLabelValues(capability).Inc()
	}
}

// RecordHandoff records a token lifecycle event (minted, redeemed, expired, submitted, sms_sent).
func (m *Metrics) RecordHandoff(event string) {
	if m == nil {
		return
	}
	m.HandoffEvents.WithLabelValues(event).Inc()
}

// RecordHTTP records a served request.
func (m *Metrics) RecordHTTP(method, route, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
}
