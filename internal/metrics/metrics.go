// README: Prometheus collectors for rides, dispatch, notifications and HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tarhal"

var (
	RidesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rides_created_total", Help: "Rides created, by vehicle type"},
		[]string{"vehicle_type"},
	)
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions, by target status"},
		[]string{"status"},
	)
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_outcomes_total", Help: "Dispatch results (accepted, no_drivers, exhausted, error, recovered)"},
		[]string{"outcome"},
	)
	DispatchCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_candidates",
		Help:      "Number of candidate drivers per offer round",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})
	OffersResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_resolved_total", Help: "Offers by final outcome"},
		[]string{"outcome"},
	)
	GatewayFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "gateway_delivery_failures_total", Help: "Push deliveries that failed"},
		[]string{"gateway", "kind"},
	)
	SettledAmount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "settled_amount_sdg_total", Help: "Sum of completed ride amounts",
	})
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "change_feed_dropped_total", Help: "Ride updates dropped for slow subscribers",
	})
	EventsExported = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "change_feed_exported_total", Help: "Ride updates written to the event stream, by result"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
