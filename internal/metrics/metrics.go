// Package metrics exposes Prometheus collectors for the monitoring service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	checksTotal              *prometheus.CounterVec
	checkDurationSeconds     prometheus.Histogram
	changesTotal             *prometheus.CounterVec
	queuedChecks             prometheus.Gauge
	runningChecks            prometheus.Gauge
	notificationsTotal       *prometheus.CounterVec
	attachmentDownloadsTotal *prometheus.CounterVec
	trackedLinksAddedTotal   prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		checksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagesentry_checks_total",
				Help: "Total number of monitor checks, labeled by outcome.",
			},
			[]string{"status"},
		)

		checkDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pagesentry_check_duration_seconds",
				Help:    "Histogram of end-to-end check durations.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		)

		changesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagesentry_changes_total",
				Help: "Total number of recorded page changes, labeled by change type.",
			},
			[]string{"type"},
		)

		queuedChecks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagesentry_queued_checks",
				Help: "Number of checks waiting for a concurrency slot.",
			},
		)

		runningChecks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagesentry_running_checks",
				Help: "Number of checks currently executing.",
			},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagesentry_notifications_total",
				Help: "Total notification attempts, labeled by channel and outcome.",
			},
			[]string{"channel", "outcome"},
		)

		attachmentDownloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagesentry_attachment_downloads_total",
				Help: "Total attachment download attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		trackedLinksAddedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagesentry_tracked_links_added_total",
				Help: "Total newly tracked links across all monitors.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCheck records one finished check.
func ObserveCheck(status string, duration time.Duration) {
	checksTotal.WithLabelValues(status).Inc()
	checkDurationSeconds.Observe(duration.Seconds())
}

// ObserveChange increments the change counter for the given change type.
func ObserveChange(changeType string) {
	changesTotal.WithLabelValues(changeType).Inc()
}

// SetQueuedChecks reports the scheduler queue depth.
func SetQueuedChecks(n int) {
	queuedChecks.Set(float64(n))
}

// IncRunningChecks increments the running checks gauge.
func IncRunningChecks() {
	runningChecks.Inc()
}

// DecRunningChecks decrements the running checks gauge.
func DecRunningChecks() {
	runningChecks.Dec()
}

// ObserveNotification records one notification attempt.
func ObserveNotification(channel, outcome string) {
	notificationsTotal.WithLabelValues(channel, outcome).Inc()
}

// ObserveDownload records one attachment download attempt.
func ObserveDownload(outcome string) {
	attachmentDownloadsTotal.WithLabelValues(outcome).Inc()
}

// AddTrackedLinks records newly tracked links.
func AddTrackedLinks(n int) {
	if n > 0 {
		trackedLinksAddedTotal.Add(float64(n))
	}
}
