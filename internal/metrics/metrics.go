// Package metrics exposes storage engine counters on a private Prometheus
// registry. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "strata"

// Metrics holds every collector of one engine instance.
type Metrics struct {
	Registry *prometheus.Registry

	blobPuts          *prometheus.CounterVec
	blobMoves         *prometheus.CounterVec
	blobMoveDuration  *prometheus.HistogramVec
	blobsQuarantined  prometheus.Counter
	blobsReclaimed    prometheus.Counter
	bytesReclaimed    prometheus.Counter
	sweepRecords      *prometheus.CounterVec
	maintenanceRuns   *prometheus.CounterVec
	maintenanceTiming *prometheus.HistogramVec
	backupSize        prometheus.Gauge
	tierBytes         *prometheus.GaugeVec
}

// New registers a fresh set of collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		blobPuts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_puts_total",
			Help:      "Content writes by outcome (new or dedup)",
		}, []string{"result"}),
		blobMoves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_moves_total",
			Help:      "Tier moves by source, target and status",
		}, []string{"from", "to", "status"}),
		blobMoveDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "blob_move_duration_seconds",
			Help:      "Time to copy, verify and commit one blob into a tier",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"to"}),
		blobsQuarantined: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blobs_quarantined_total",
			Help:      "Blobs moved to quarantine after failing verification",
		}),
		blobsReclaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blobs_reclaimed_total",
			Help:      "Unreferenced blobs physically removed",
		}),
		bytesReclaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_reclaimed_total",
			Help:      "Bytes freed by blob removal",
		}),
		sweepRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_records_total",
			Help:      "Records visited by retention sweeps by scope and outcome",
		}, []string{"scope", "outcome"}),
		maintenanceRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Maintenance runs by kind and status",
		}, []string{"kind", "status"}),
		maintenanceTiming: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "maintenance_duration_seconds",
			Help:      "Wall time of maintenance runs",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"kind"}),
		backupSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backup_size_bytes",
			Help:      "Payload bytes written by the most recent backup",
		}),
		tierBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tier_bytes",
			Help:      "Logical blob bytes per tier at the last stats refresh",
		}, []string{"tier"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) BlobPut(deduped bool) {
	if m == nil {
		return
	}
	result := "new"
	if deduped {
		result = "dedup"
	}
	m.blobPuts.WithLabelValues(result).Inc()
}

func (m *Metrics) BlobMoved(from, to, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.blobMoves.WithLabelValues(from, to, status).Inc()
	if status == "ok" {
		m.blobMoveDuration.WithLabelValues(to).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) BlobQuarantined() {
	if m == nil {
		return
	}
	m.blobsQuarantined.Inc()
}

func (m *Metrics) BlobReclaimed(size int64) {
	if m == nil {
		return
	}
	m.blobsReclaimed.Inc()
	m.bytesReclaimed.Add(float64(size))
}

func (m *Metrics) SweepRecord(scope, outcome string) {
	if m == nil {
		return
	}
	m.sweepRecords.WithLabelValues(scope, outcome).Inc()
}

func (m *Metrics) MaintenanceRun(kind, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.maintenanceRuns.WithLabelValues(kind, status).Inc()
	m.maintenanceTiming.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) BackupSize(bytes int64) {
	if m == nil {
		return
	}
	m.backupSize.Set(float64(bytes))
}

func (m *Metrics) TierBytes(tier string, bytes int64) {
	if m == nil {
		return
	}
	m.tierBytes.WithLabelValues(tier).Set(float64(bytes))
}
