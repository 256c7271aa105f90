package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Log metrics
	metricMessagesAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_messages_appended_total",
			Help: "Records appended to the log",
		},
	)

	metricMessagesDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_messages_duplicate_total",
			Help: "Sends resolved to an already stored idempotency key",
		},
	)

	metricMessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_messages_rejected_total",
			Help: "Sends rejected before reaching the log",
		},
		[]string{"reason"},
	)

	metricStoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_store_latency_seconds",
			Help:    "Log store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"op"},
	)

	// Session metrics
	metricSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_sessions_active",
			Help: "Sessions registered on this instance",
		},
	)

	metricSessionsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_sessions_dropped_total",
			Help: "Sessions closed by the server",
		},
		[]string{"reason"},
	)

	// Sync metrics
	metricCatchUpRecords = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herald_catchup_batch_records",
			Help:    "Records per catch_up_batch",
			Buckets: []float64{0, 1, 10, 50, 100, 250, 500, 1000, 5000},
		},
	)

	metricGapFills = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_gap_fills_total",
			Help: "Live offset holes filled from the store",
		},
	)

	// Bus metrics
	metricBusFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_bus_frames_total",
			Help: "Backbone frames by direction and result",
		},
		[]string{"direction", "result"}, // in|out, ok|error|rejected|self|dropped
	)
)
