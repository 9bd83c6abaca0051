package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_jobs_processed_total",
		Help: "Total number of jobs processed, by stage and outcome",
	}, []string{"stage", "outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "media_stage_duration_seconds",
		Help:    "Duration of pipeline phases",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"stage", "phase"})

	ActiveWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "media_active_workers",
		Help: "Number of workers currently processing a job",
	}, []string{"stage"})

	RetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_retry_total",
		Help: "Total number of transient-failure retries",
	}, []string{"stage"})

	DeadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_dead_lettered_total",
		Help: "Messages routed to a dead-letter queue, by reason",
	}, []string{"stage", "reason"})

	JobPollsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_transcode_status_polls_total",
		Help: "Job store polls performed by the transcription stage",
	})
)
