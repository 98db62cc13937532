// Package perf collects runtime performance metrics: per-endpoint fetch
// latencies, error counts by kind, poll cycle pacing, and push channel
// reconnects. Collection follows the debug-mode flag; the registry is
// exposed over HTTP in the Prometheus text format.
package perf

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor owns a Prometheus registry and the device's metric vectors.
type Monitor struct {
	enabled atomic.Bool

	mu       sync.Mutex
	registry *prometheus.Registry

	fetchDuration *prometheus.HistogramVec
	fetchErrors   *prometheus.CounterVec
	cycleInterval prometheus.Gauge
	cycleOverruns prometheus.Counter
	wsReconnects  *prometheus.CounterVec
	pushUnknown   prometheus.Counter
}

// NewMonitor creates a monitor; enabled controls whether observations are
// recorded until toggled via SetEnabled.
func NewMonitor(enabled bool) *Monitor {
	m := &Monitor{}
	m.enabled.Store(enabled)
	m.install(prometheus.NewRegistry())
	return m
}

func (m *Monitor) install(reg *prometheus.Registry) {
	m.registry = reg
	m.fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ninadisplay",
		Name:      "fetch_duration_seconds",
		Help:      "Latency of one endpoint fetch including retries.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"endpoint"})
	m.fetchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ninadisplay",
		Name:      "fetch_errors_total",
		Help:      "Fetch failures by error kind.",
	}, []string{"endpoint", "kind"})
	m.cycleInterval = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ninadisplay",
		Name:      "poll_cycle_interval_seconds",
		Help:      "Effective interval of the most recent poll cycle.",
	})
	m.cycleOverruns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ninadisplay",
		Name:      "poll_cycle_overruns_total",
		Help:      "Cycles that ran longer than the configured tick period.",
	})
	m.wsReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ninadisplay",
		Name:      "ws_reconnects_total",
		Help:      "Push channel reconnect attempts per instance.",
	}, []string{"instance"})
	m.pushUnknown = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ninadisplay",
		Name:      "push_unknown_events_total",
		Help:      "Push messages with an unrecognized type discriminator.",
	})

	reg.MustRegister(m.fetchDuration, m.fetchErrors, m.cycleInterval,
		m.cycleOverruns, m.wsReconnects, m.pushUnknown)
}

// SetEnabled toggles observation at runtime. Follows config debug mode.
func (m *Monitor) SetEnabled(on bool) { m.enabled.Store(on) }

// Enabled reports whether observations are being recorded.
func (m *Monitor) Enabled() bool { return m.enabled.Load() }

// Reset replaces the registry, discarding all accumulated series.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.install(prometheus.NewRegistry())
}

// Handler serves the registry in the Prometheus text format.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		reg := m.registry
		m.mu.Unlock()
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// ObserveFetch records one endpoint fetch. errKind is the failure
// classification label, empty for success.
func (m *Monitor) ObserveFetch(endpoint string, d time.Duration, errKind string) {
	if !m.enabled.Load() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchDuration.WithLabelValues(endpoint).Observe(d.Seconds())
	if errKind != "" {
		m.fetchErrors.WithLabelValues(endpoint, errKind).Inc()
	}
}

// ObserveCycle records the effective interval of a completed poll cycle.
func (m *Monitor) ObserveCycle(interval, budget time.Duration) {
	if !m.enabled.Load() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycleInterval.Set(interval.Seconds())
	if interval > budget {
		m.cycleOverruns.Inc()
	}
}

// IncWSReconnect counts one push channel reconnect attempt.
func (m *Monitor) IncWSReconnect(instance string) {
	if !m.enabled.Load() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wsReconnects.WithLabelValues(instance).Inc()
}

// IncUnknownPushEvent counts one discarded push message.
func (m *Monitor) IncUnknownPushEvent() {
	if !m.enabled.Load() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushUnknown.Inc()
}
