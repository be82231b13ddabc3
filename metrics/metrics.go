// metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job metrics
var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "video_transcoder_jobs_total",
			Help: "Total number of finished jobs by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "video_transcoder_job_duration_seconds",
			Help:    "Wall-clock duration of a job",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400, 3600},
		},
		[]string{"kind"},
	)

	JobsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "video_transcoder_jobs_in_flight",
			Help: "Number of jobs currently being processed",
		},
		[]string{"kind"},
	)

	JobsRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "video_transcoder_jobs_requeued_total",
			Help: "Total number of whole jobs handed back to the queue after a failure",
		},
	)
)

// Encoding metrics
var (
	QualityEncodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "video_transcoder_quality_encodes_total",
			Help: "Total number of single-quality encodes by result",
		},
		[]string{"quality", "result"},
	)

	QualityEncodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "video_transcoder_quality_encode_duration_seconds",
			Help:    "Duration of a single-quality encode",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		},
		[]string{"quality"},
	)

	QualityRetriesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "video_transcoder_quality_retries_enqueued_total",
			Help: "Total number of quality retry jobs enqueued",
		},
		[]string{"quality"},
	)

	HardwareAccelAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "video_transcoder_hw_accel_available",
			Help: "Whether a hardware encoder was detected (1 = yes)",
		},
		[]string{"encoder"},
	)

	WorkDirsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "video_transcoder_workdirs_swept_total",
			Help: "Total number of orphaned job working directories removed",
		},
	)
)

// Notification and queue metrics
var (
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "video_transcoder_notifications_total",
			Help: "Total number of published notifications by event and result",
		},
		[]string{"event", "result"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "video_transcoder_queue_depth",
			Help: "Number of jobs waiting per queue",
		},
		[]string{"queue"},
	)

	DelayedJobsPromoted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "video_transcoder_delayed_jobs_promoted_total",
			Help: "Total number of delayed jobs moved back onto their queue",
		},
	)
)
