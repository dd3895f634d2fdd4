package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cipher-x-sudo/cybernexus/internal/models"
)

var (
	orchMetricsOnce sync.Once

	orchQueueDepth  *prometheus.GaugeVec
	orchJobsRunning *prometheus.GaugeVec
	orchJobsTotal   *prometheus.CounterVec
	orchRetryTotal  *prometheus.CounterVec
	orchJobDuration *prometheus.HistogramVec
)

func initOrchMetrics() {
	orchQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cybernexus",
			Subsystem: "orchestrator",
			Name:      "queue_depth",
			Help:      "Jobs waiting in each capability queue.",
		},
		[]string{"capability"},
	)

	orchJobsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cybernexus",
			Subsystem: "orchestrator",
			Name:      "jobs_running",
			Help:      "Jobs currently executing per capability.",
		},
		[]string{"capability"},
	)

	orchJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cybernexus",
			Subsystem: "orchestrator",
			Name:      "jobs_total",
			Help:      "Jobs finished per capability, labelled by terminal status.",
		},
		[]string{"capability", "status"},
	)

	orchRetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cybernexus",
			Subsystem: "orchestrator",
			Name:      "retries_total",
			Help:      "Transient failures that were requeued for retry.",
		},
		[]string{"capability"},
	)

	orchJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cybernexus",
			Subsystem: "orchestrator",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock execution time per job.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		},
		[]string{"capability", "status"},
	)

	prometheus.MustRegister(orchQueueDepth, orchJobsRunning, orchJobsTotal, orchRetryTotal, orchJobDuration)
}

func recordQueueDepth(cap models.Capability, depth int) {
	orchMetricsOnce.Do(initOrchMetrics)
	orchQueueDepth.WithLabelValues(string(cap)).Set(float64(depth))
}

func recordJobRunning(cap models.Capability, delta float64) {
	orchMetricsOnce.Do(initOrchMetrics)
	orchJobsRunning.WithLabelValues(string(cap)).Add(delta)
}

func recordJobDone(cap models.Capability, status models.JobStatus, elapsed time.Duration) {
	orchMetricsOnce.Do(initOrchMetrics)
	orchJobsTotal.WithLabelValues(string(cap), string(status)).Inc()
	orchJobDuration.WithLabelValues(string(cap), string(status)).Observe(elapsed.Seconds())
}

func recordRetry(cap models.Capability) {
	orchMetricsOnce.Do(initOrchMetrics)
	orchRetryTotal.WithLabelValues(string(cap)).Inc()
}
