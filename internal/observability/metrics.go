package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rescue_dispatch", Name: "dispatch_attempts_total", Help: "Total driver reservation attempts"})
	DispatchAssignedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rescue_dispatch", Name: "dispatch_assigned_total", Help: "Total successful driver reservations"})

	RidesRequestedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rescue_dispatch", Name: "rides_requested_total", Help: "Total rides created"})
	RideTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rescue_dispatch", Name: "ride_transitions_total", Help: "Ride status transitions applied"},
		[]string{"to"},
	)
	SurgeMultiplier = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rescue_dispatch",
		Name:      "surge_multiplier",
		Help:      "Distribution of quoted surge multipliers",
		Buckets:   []float64{1.0, 1.25, 1.5, 1.75, 2.0, 2.25, 2.5},
	})

	LedgerEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rescue_dispatch", Name: "ledger_events_total", Help: "Payment webhook events by outcome"},
		[]string{"outcome"},
	)
	SMSRepliesMatchedTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rescue_dispatch", Name: "sms_replies_matched_total", Help: "Inbound SMS replies matched to a ride"})
	SMSRepliesUnmatchedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rescue_dispatch", Name: "sms_replies_unmatched_total", Help: "Inbound SMS replies with no open ride"})

	StreamSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "rescue_dispatch", Name: "stream_subscriptions", Help: "Open ride status subscriptions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rescue_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rescue_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
