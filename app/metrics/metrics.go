package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vdigest_jobs_submitted_total",
		Help: "Total number of jobs accepted into the queue",
	}, []string{"source"}) // telegram, api, inbox

	JobsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vdigest_jobs_rejected_total",
		Help: "Total number of submissions rejected because the queue was full",
	})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vdigest_jobs_finished_total",
		Help: "Total number of jobs that reached a terminal state",
	}, []string{"status"})

	StageAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vdigest_stage_attempts_total",
		Help: "Stage attempts by outcome",
	}, []string{"stage", "outcome"})

	NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vdigest_notify_failures_total",
		Help: "Notifications that could not be delivered",
	})

	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vdigest_queue_length",
		Help: "Jobs waiting in the queue",
	})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vdigest_active_jobs",
		Help: "Jobs currently being processed",
	})

	// 1s 到约 68min
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vdigest_stage_duration_seconds",
		Help:    "Duration of a single stage attempt in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 13),
	}, []string{"stage"})
)

// Handler /metrics 处理器
func Handler() http.Handler {
	return promhttp.Handler()
}

// SourceOf 按提交者前缀归类来源
func SourceOf(submitter string) string {
	prefix, _, found := strings.Cut(submitter, ":")
	if !found {
		return "api"
	}
	switch prefix {
	case "tg":
		return "telegram"
	case "inbox":
		return "inbox"
	}
	return "api"
}
