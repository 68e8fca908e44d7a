package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	ObservationsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertengine_observations_accepted_total",
			Help: "Total number of price observations accepted by the pipeline",
		},
	)

	ObservationsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertengine_observations_rejected_total",
			Help: "Total number of price observations rejected at submit",
		},
		[]string{"reason"}, // reason: queue_full, malformed, stopped
	)

	ObservationsDroppedOutOfOrder = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertengine_observations_dropped_out_of_order_total",
			Help: "Observations dropped because their timestamp predates the last seen tick",
		},
	)

	ObservationsDroppedDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertengine_observations_dropped_duplicate_total",
			Help: "Observations dropped because the instrument+timestamp was already processed",
		},
	)

	// Evaluation metrics
	EventsGenerated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertengine_events_generated_total",
			Help: "Notification events created by the evaluation stage",
		},
	)

	SuppressedByCooldown = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertengine_suppressed_by_cooldown_total",
			Help: "Qualifying evaluations suppressed by an active cooldown window",
		},
	)

	SuppressedInFlight = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertengine_suppressed_in_flight_total",
			Help: "Qualifying evaluations suppressed because an event for the key was in flight",
		},
	)

	RuleRefreshFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertengine_rule_refresh_failures_total",
			Help: "Failed attempts to refresh the rule snapshot from the store",
		},
	)

	// Dispatcher metrics
	EventsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertengine_events_delivered_total",
			Help: "Notification events confirmed delivered by the transport",
		},
	)

	EventsRetried = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertengine_events_retried_total",
			Help: "Delivery attempts retried after a transient transport failure",
		},
	)

	EventsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertengine_events_failed_total",
			Help: "Notification events that reached the failed terminal state",
		},
		[]string{"reason"}, // reason: exhausted, permanent, shutdown, overflow
	)

	InFlightEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alertengine_in_flight_events",
			Help: "Notification events generated but not yet terminal",
		},
	)

	SendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alertengine_transport_send_duration_seconds",
			Help:    "Time taken by a single outbound transport attempt",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
)
