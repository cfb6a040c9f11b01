package job

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/duartevn/coinflow/internal/importer/model"
)

// Metrics are the Prometheus instruments of the import pipeline. A nil
// *Metrics disables instrumentation, which keeps tests quiet.
type Metrics struct {
	jobsFinished  *prometheus.CounterVec
	rowsProcessed *prometheus.CounterVec
	chunkRetries  prometheus.Counter
	chunkSeconds  prometheus.Histogram
	jobSeconds    prometheus.Histogram
}

// NewMetrics registers the import instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coinflow",
			Subsystem: "import",
			Name:      "jobs_finished_total",
			Help:      "Import jobs that reached a terminal status.",
		}, []string{"status"}),
		rowsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coinflow",
			Subsystem: "import",
			Name:      "rows_processed_total",
			Help:      "Rows consumed from uploaded files, by outcome.",
		}, []string{"outcome"}),
		chunkRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "coinflow",
			Subsystem: "import",
			Name:      "chunk_retries_total",
			Help:      "Chunk commits retried after a transient failure.",
		}),
		chunkSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coinflow",
			Subsystem: "import",
			Name:      "chunk_seconds",
			Help:      "Wall time per committed chunk.",
			Buckets:   prometheus.DefBuckets,
		}),
		jobSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coinflow",
			Subsystem: "import",
			Name:      "job_seconds",
			Help:      "Wall time per processing run.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
	}
}

func (m *Metrics) jobFinished(status model.JobStatus) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) rows(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.rowsProcessed.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) retried() {
	if m == nil {
		return
	}
	m.chunkRetries.Inc()
}

func (m *Metrics) chunkDone(d time.Duration) {
	if m == nil {
		return
	}
	m.chunkSeconds.Observe(d.Seconds())
}

func (m *Metrics) jobDone(d time.Duration) {
	if m == nil {
		return
	}
	m.jobSeconds.Observe(d.Seconds())
}
