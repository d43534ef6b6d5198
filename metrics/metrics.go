// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"dispenser-watch/pkg/schedule"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// changesDetected counts classified changes by kind and severity
	changesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispenser_watch_changes_detected_total",
		Help: "Classified schedule changes by kind and severity",
	}, []string{"kind", "severity"})

	// dedupVerdicts counts dedup outcomes
	dedupVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispenser_watch_dedup_verdicts_total",
		Help: "Deduplication verdicts by outcome",
	}, []string{"verdict"})

	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispenser_watch_deliveries_total",
		Help: "Delivery requests by channel, mode and outcome",
	}, []string{"channel", "mode", "outcome"})

	sendAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispenser_watch_send_attempts_total",
		Help: "Transport send attempts by channel",
	}, []string{"channel"})

	digestFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispenser_watch_digest_flushes_total",
		Help: "Digest flushes by reason",
	}, []string{"reason"})

	// pipelineDuration tracks one scope check end to end
	pipelineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispenser_watch_pipeline_duration_seconds",
		Help:    "Scope check duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	}, []string{"outcome"})
)

// Changes records classified changes.
func Changes(changes []schedule.ClassifiedChange) {
	for _, c := range changes {
		changesDetected.WithLabelValues(string(c.Kind), string(c.Severity)).Inc()
	}
}

// Verdict records one dedup verdict.
func Verdict(verdict string) {
	dedupVerdicts.WithLabelValues(verdict).Inc()
}

// Delivery records the outcome of one delivery request.
func Delivery(r schedule.DeliveryResult) {
	outcome := "success"
	if !r.Success {
		outcome = "failure"
	}
	deliveries.WithLabelValues(string(r.Channel), string(r.Mode), outcome).Inc()
	sendAttempts.WithLabelValues(string(r.Channel)).Add(float64(r.Attempts))
}

// DigestFlush records a digest flush.
func DigestFlush(reason string) {
	digestFlushes.WithLabelValues(reason).Inc()
}

// Pipeline records the duration of one scope check.
func Pipeline(outcome string, d time.Duration) {
	pipelineDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
