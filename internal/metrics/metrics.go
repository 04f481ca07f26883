package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_downloader_jobs_submitted_total",
		Help: "Total number of jobs submitted",
	})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_downloader_jobs_finished_total",
		Help: "Total number of jobs that reached a terminal state, by status",
	}, []string{"status"})

	JobsDownloading = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "media_downloader_jobs_downloading",
		Help: "Number of jobs currently downloading",
	})

	JobsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "media_downloader_jobs_queued",
		Help: "Number of jobs waiting for a free slot",
	})

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "media_downloader_job_duration_seconds",
		Help:    "Time from admission to terminal state in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	ProcessesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_downloader_processes_started_total",
		Help: "Total number of yt-dlp processes started",
	})

	LaunchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_downloader_launch_failures_total",
		Help: "Total number of yt-dlp processes that failed to start",
	})

	ProcessesKilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_downloader_processes_killed_total",
		Help: "Total number of processes force-killed after the grace period",
	})

	OutputLines = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_downloader_output_lines_total",
		Help: "Lines read from yt-dlp output streams",
	}, []string{"stream"})
)
