// Package metrics bundles the Prometheus collectors of the service on a
// dedicated registry. *Metrics satisfies the recorder interfaces of the
// coordinator and retention packages; a nil *Metrics records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "eraops"

// Metrics bundles Prometheus collectors for the service.
type Metrics struct {
	Registry           *prometheus.Registry
	SourceFetches      *prometheus.CounterVec
	SourceDuration     prometheus.Histogram
	SourceRetries      prometheus.Counter
	RejectedRecords    *prometheus.CounterVec
	SkippedTeams       prometheus.Counter
	SnapshotsCommitted prometheus.Counter
	SnapshotTeams      prometheus.Gauge
	PassesFailed       *prometheus.CounterVec
	RetentionDeletions *prometheus.CounterVec
	StoredCount        prometheus.Gauge
	MaintenanceRuns    *prometheus.CounterVec
	MaintenanceSeconds prometheus.Histogram
}

// New constructs and registers all metrics on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,

		SourceFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_fetches_total",
			Help:      "Calls to the upstream stats source by outcome.",
		}, []string{"outcome"}),
		SourceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_fetch_duration_seconds",
			Help:      "Latency of upstream stats source calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		SourceRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_retries_total",
			Help:      "Retry attempts scheduled against the upstream source.",
		}),
		RejectedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_rejected_total",
			Help:      "Team records dropped by the validator by reason.",
		}, []string{"reason"}),
		SkippedTeams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teams_skipped_total",
			Help:      "Teams skipped during an update pass because the source failed.",
		}),
		SnapshotsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_committed_total",
			Help:      "Snapshots written by completed update passes.",
		}),
		SnapshotTeams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_snapshot_teams",
			Help:      "Number of teams in the most recently committed snapshot.",
		}),
		PassesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_passes_failed_total",
			Help:      "Update passes that ended in failure by error kind.",
		}, []string{"kind"}),
		RetentionDeletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_total",
			Help:      "Snapshots removed by retention by step.",
		}, []string{"step"}),
		StoredCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stored_snapshots",
			Help:      "Snapshots currently held by the store.",
		}),
		MaintenanceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Retention passes by urgency and result.",
		}, []string{"urgency", "result"}),
		MaintenanceSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "maintenance_duration_seconds",
			Help:      "Duration of retention passes.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}),
	}

	registry.MustRegister(
		m.SourceFetches, m.SourceDuration, m.SourceRetries,
		m.RejectedRecords, m.SkippedTeams, m.SnapshotsCommitted, m.SnapshotTeams, m.PassesFailed,
		m.RetentionDeletions, m.StoredCount, m.MaintenanceRuns, m.MaintenanceSeconds,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// SourceFetch records one upstream call.
func (m *Metrics) SourceFetch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SourceFetches.WithLabelValues(outcome).Inc()
	m.SourceDuration.Observe(d.Seconds())
}

func (m *Metrics) SourceRetry() {
	if m == nil {
		return
	}
	m.SourceRetries.Inc()
}

func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.RejectedRecords.WithLabelValues(reason).Inc()
}

func (m *Metrics) TeamSkipped() {
	if m == nil {
		return
	}
	m.SkippedTeams.Inc()
}

// SnapshotCommitted records a completed pass.
func (m *Metrics) SnapshotCommitted(teams int) {
	if m == nil {
		return
	}
	m.SnapshotsCommitted.Inc()
	m.SnapshotTeams.Set(float64(teams))
}

func (m *Metrics) PassFailed(kind string) {
	if m == nil {
		return
	}
	m.PassesFailed.WithLabelValues(kind).Inc()
}

func (m *Metrics) RetentionDeleted(step string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RetentionDeletions.WithLabelValues(step).Add(float64(n))
}

func (m *Metrics) StoredSnapshots(n int) {
	if m == nil {
		return
	}
	m.StoredCount.Set(float64(n))
}

// MaintenanceRun records a finished retention pass.
func (m *Metrics) MaintenanceRun(urgency string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.MaintenanceRuns.WithLabelValues(urgency, result).Inc()
	m.MaintenanceSeconds.Observe(d.Seconds())
}
