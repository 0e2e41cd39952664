package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sessions"

var (
	Registry = prometheus.NewRegistry()

	FilesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "files_processed_total",
		Help:      "Logger files seen by kind and result (parsed, unreadable, skipped)",
	}, []string{"kind", "result"})

	ParseErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "parse_errors_total",
		Help:      "Malformed lines by sensor kind",
	}, []string{"kind"})

	SubStreams = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "substreams_total",
		Help:      "Recording sessions split out of files by sensor kind",
	}, []string{"kind"})

	OrphanStreams = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orphan_substreams_total",
		Help:      "GPS or beacon sub-streams no anchor claimed",
	}, []string{"kind"})

	Sessions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "assembled_total",
		Help:      "Assembled sessions by outcome status",
	}, []string{"status"})

	ReviewFlags = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "review_flags_total",
		Help:      "Review reasons raised on assembled sessions",
	}, []string{"reason"})

	QualityIndex = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "quality_index",
		Help:      "Quality index of assembled sessions",
		Buckets:   prometheus.LinearBuckets(10, 10, 10),
	})

	OutcomeChannelDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outcome_channel_drops_total",
		Help:      "Outcome reports dropped because the reporter queue was full",
	})

	OutcomePublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outcome_publish_failures_total",
		Help:      "Outcome reports that could not be published",
	})

	VehicleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "vehicle_duration_seconds",
		Help:      "Wall time spent on one vehicle across both phases",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

func init() {
	Registry.MustRegister(
		FilesProcessed,
		ParseErrors,
		SubStreams,
		OrphanStreams,
		Sessions,
		ReviewFlags,
		QualityIndex,
		OutcomeChannelDrops,
		OutcomePublishFailures,
		VehicleDuration,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
