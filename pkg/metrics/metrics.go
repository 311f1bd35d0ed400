package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles Prometheus collectors for the streaming client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	Frames         *prometheus.CounterVec
	Runs           *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	TransportErrs  *prometheus.CounterVec
	APIRequests    *prometheus.CounterVec
	ActiveStreams  prometheus.Gauge
	HistoryFetches *prometheus.CounterVec
}

// New constructs a registry with the client collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	frames := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kortix_stream_frames_total",
		Help: "Stream frames received, by parsed event kind",
	}, []string{"kind"})

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kortix_agent_runs_finalized_total",
		Help: "Agent run streams finalized, by terminal status",
	}, []string{"status"})

	runDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kortix_agent_run_stream_seconds",
		Help:    "Time from stream start to finalization",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"status"})

	trErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kortix_stream_transport_errors_total",
		Help: "Stream transport failures by reason",
	}, []string{"reason"})

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kortix_api_requests_total",
		Help: "Backend API requests by endpoint and status code",
	}, []string{"endpoint", "code"})

	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kortix_stream_active",
		Help: "Live stream subscriptions",
	})

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kortix_history_fetches_total",
		Help: "Message history fetches by outcome",
	}, []string{"outcome"})

	reg.MustRegister(frames, runs, runDuration, trErrors, requests, active, fetches)

	return &Metrics{
		registry:       reg,
		Frames:         frames,
		Runs:           runs,
		RunDuration:    runDuration,
		TransportErrs:  trErrors,
		APIRequests:    requests,
		ActiveStreams:  active,
		HistoryFetches: fetches,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFrame counts one parsed stream frame.
func (m *Metrics) RecordFrame(kind string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(orUnknown(kind)).Inc()
}

// RecordRunFinalized counts a finalized run and how long it streamed.
func (m *Metrics) RecordRunFinalized(status string, duration time.Duration) {
	if m == nil {
		return
	}
	status = orUnknown(status)
	m.Runs.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordTransportError records a transport-level error.
func (m *Metrics) RecordTransportError(reason string) {
	if m == nil {
		return
	}
	m.TransportErrs.WithLabelValues(orUnknown(reason)).Inc()
}

// RecordAPIRequest counts a backend request. code 0 means no response.
func (m *Metrics) RecordAPIRequest(endpoint string, code int) {
	if m == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.APIRequests.WithLabelValues(orUnknown(endpoint), label).Inc()
}

// StreamOpened increments the live subscription gauge.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamClosed decrements the live subscription gauge.
func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// RecordHistoryFetch counts a history fetch as "ok" or "error".
func (m *Metrics) RecordHistoryFetch(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.HistoryFetches.WithLabelValues(outcome).Inc()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
