package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dagtrail_events_captured_total",
		Help: "Execution events accepted into the capture queue",
	}, []string{"event_type"})

	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dagtrail_events_dropped_total",
		Help: "Non-critical events dropped on queue saturation or sampled out",
	}, []string{"reason"})

	eventsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dagtrail_events_flushed_total",
		Help: "Execution events durably written by the flusher",
	})

	flushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dagtrail_flush_duration_seconds",
		Help:    "Time to write one event batch",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dagtrail_capture_queue_depth",
		Help: "Events waiting in the capture queue",
	})
)
