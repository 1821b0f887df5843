package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesRequested  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_requested_total", Help: "Rides created in Requested state"})
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Committed ride status changes"},
		[]string{"status"},
	)
	// result is one of won, taken, error.
	Claims = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "claims_total", Help: "Claim attempts by result"},
		[]string{"result"},
	)
	ClaimLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "claim_latency_seconds", Help: "Claim transaction latency seconds"})

	CandidatesPresented = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "candidates_presented_total", Help: "Ride candidates shown to drivers"})
	CandidateTimeouts   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "candidate_timeouts_total", Help: "Candidates that expired without a decision"})
	CandidateRejections = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "candidate_rejections_total", Help: "Candidates rejected by drivers"})

	OTPChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "otp_checks_total", Help: "OTP verifications by result"},
		[]string{"result"},
	)

	LocationUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Driver location fixes published"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})

	ProviderFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "provider_fallbacks_total", Help: "Geocoding or routing requests served by the fallback provider"},
		[]string{"service"},
	)
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notifications emitted by kind and channel"},
		[]string{"kind", "channel"},
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
