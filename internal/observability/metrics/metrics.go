package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crossroads"

// Recorder owns the control plane's collectors on a private registry so tests
// and embedded servers never collide on the global one.
type Recorder struct {
	registry          *prometheus.Registry
	requestCount      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	inFlight          prometheus.Gauge
	lifecycle         *prometheus.CounterVec
	inconsistencies   *prometheus.CounterVec
	launcherCalls     *prometheus.CounterVec
	availability      *prometheus.CounterVec
	launcherHealth    *prometheus.GaugeVec
	activeChannels    prometheus.Gauge
	lifecycleDuration *prometheus.HistogramVec
}

var defaultRecorder = New()

// New constructs a Recorder with every collector registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed by the API.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Requests currently being served.",
		}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_operations_total",
			Help:      "Channel lifecycle operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		lifecycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "channel_operation_duration_seconds",
			Help:      "Duration of channel lifecycle operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		inconsistencies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_inconsistencies_total",
			Help:      "Pools left running without a registry record, by operation.",
		}, []string{"op"}),
		launcherCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launcher_calls_total",
			Help:      "Calls made to the worker launcher by operation and outcome.",
		}, []string{"op", "outcome"}),
		availability: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "availability_signals_total",
			Help:      "Splitter availability signals by source and outcome.",
		}, []string{"source", "outcome"}),
		launcherHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "launcher_health",
			Help:      "Health reported by launcher components (1=ok,0=disabled,-1=degraded).",
		}, []string{"component"}),
		activeChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_channels",
			Help:      "Channels created by this process and not yet removed.",
		}),
	}
	r.registry.MustRegister(
		r.requestCount,
		r.requestDuration,
		r.inFlight,
		r.lifecycle,
		r.lifecycleDuration,
		r.inconsistencies,
		r.launcherCalls,
		r.availability,
		r.launcherHealth,
		r.activeChannels,
	)
	return r
}

// Default returns the process-wide recorder.
func Default() *Recorder {
	return defaultRecorder
}

// Registry exposes the underlying prometheus registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRequest records request count and duration by method, normalized
// path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	m := strings.ToUpper(method)
	p := normalizePath(path)
	r.requestCount.WithLabelValues(m, p, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(m, p).Observe(duration.Seconds())
}

// ObserveLifecycle records the outcome of a create, remove or edit.
func (r *Recorder) ObserveLifecycle(op, outcome string, duration time.Duration) {
	op = normalizeName(op)
	outcome = normalizeName(outcome)
	r.lifecycle.WithLabelValues(op, outcome).Inc()
	r.lifecycleDuration.WithLabelValues(op).Observe(duration.Seconds())
	if outcome != "ok" {
		return
	}
	switch op {
	case "create":
		r.activeChannels.Inc()
	case "remove":
		r.activeChannels.Dec()
	}
}

// ObservePoolInconsistency counts a pool the launcher may still be running
// although the registry no longer describes it.
func (r *Recorder) ObservePoolInconsistency(op string) {
	r.inconsistencies.WithLabelValues(normalizeName(op)).Inc()
}

// ObserveLauncherCall records one launch or stop attempt.
func (r *Recorder) ObserveLauncherCall(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.launcherCalls.WithLabelValues(normalizeName(op), outcome).Inc()
}

// ObserveAvailabilitySignal records a splitter availability report.
func (r *Recorder) ObserveAvailabilitySignal(source, outcome string) {
	r.availability.WithLabelValues(normalizeName(source), normalizeName(outcome)).Inc()
}

// SetLauncherHealth maps a component status string onto the health gauge.
func (r *Recorder) SetLauncherHealth(component, status string) {
	value := -1.0
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	}
	r.launcherHealth.WithLabelValues(normalizeName(component)).Set(value)
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// normalizePath collapses path segments that look like identifiers so label
// cardinality stays bounded.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeID(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeID(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digits := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits > 0 && digits*2 >= len(segment)
}

func normalizeName(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
