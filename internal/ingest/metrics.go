package ingest

import "github.com/prometheus/client_golang/prometheus"

// Job outcomes used as the "outcome" label.
const (
	outcomeDone    = "done"
	outcomeRetry   = "retry"
	outcomeFailed  = "failed"
	outcomeSkipped = "skipped"
	outcomeInvalid = "invalid"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_jobs_total",
			Help: "Ingestion job attempts by outcome.",
		},
		[]string{"outcome"},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_job_duration_seconds",
			Help:    "Wall time of one ingestion attempt.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	chunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_chunks_total",
			Help: "Chunks written to the vector index.",
		},
	)

	inflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_inflight",
			Help: "Ingestion jobs currently being processed.",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal, jobDuration, chunksTotal, inflight)
}
