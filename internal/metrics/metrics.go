// Package metrics holds the Prometheus collectors for sweeps, per-identity
// syncs, attachments, and token refreshes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sheetvault"

// Metrics implements credential.RefreshObserver and ingest.Observer and
// exposes sweep counters for the scheduler.
type Metrics struct {
	sweeps         *prometheus.CounterVec
	sweepDuration  prometheus.Histogram
	droppedSweeps  prometheus.Counter
	identitySyncs  *prometheus.CounterVec
	attachments    *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
	lastSweep      prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg. A nil reg uses a fresh registry,
// which keeps tests independent of the global default.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Completed sweeps by result.",
		}, []string{"result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of a sweep over all identities.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		droppedSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_dropped_total",
			Help:      "Sweep triggers dropped because a sweep was already running.",
		}),
		identitySyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_syncs_total",
			Help:      "Per-identity syncs by result.",
		}, []string{"result"}),
		attachments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachments_total",
			Help:      "Attachment candidates by outcome.",
		}, []string{"outcome"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Access token refresh attempts by result.",
		}, []string{"result"}),
		lastSweep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_sweep_timestamp_seconds",
			Help:      "Unix time the last sweep finished.",
		}),
	}
	reg.MustRegister(m.sweeps, m.sweepDuration, m.droppedSweeps,
		m.identitySyncs, m.attachments, m.tokenRefreshes, m.lastSweep)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// ObserveSweep records a finished sweep.
func (m *Metrics) ObserveSweep(result string, d time.Duration, finished time.Time) {
	m.sweeps.WithLabelValues(result).Inc()
	m.sweepDuration.Observe(d.Seconds())
	m.lastSweep.Set(float64(finished.Unix()))
}

// ObserveDroppedSweep counts a trigger that found a sweep in flight.
func (m *Metrics) ObserveDroppedSweep() {
	m.droppedSweeps.Inc()
}

// ObserveIdentitySync records one identity's result within a sweep.
func (m *Metrics) ObserveIdentitySync(result string) {
	m.identitySyncs.WithLabelValues(result).Inc()
}

// ObserveAttachment records a candidate outcome.
func (m *Metrics) ObserveAttachment(outcome string) {
	m.attachments.WithLabelValues(outcome).Inc()
}

// ObserveRefresh records a token refresh attempt.
func (m *Metrics) ObserveRefresh(result string) {
	m.tokenRefreshes.WithLabelValues(result).Inc()
}

// Handler serves the registry the collectors were registered with, or the
// default gatherer when that registry cannot be gathered.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
