package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dash"

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_requested_total", Help: "Rides created by passengers"})
	Transitions    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Applied lifecycle transitions by target status"},
		[]string{"to"},
	)
	TransitionRejects = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transition_rejects_total", Help: "Rejected lifecycle operations by operation"},
		[]string{"op"},
	)
	RidesRated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_rated_total", Help: "Ratings recorded"})

	SMSSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sms_total", Help: "Outbound SMS attempts by result"},
		[]string{"result"},
	)
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_events_published_total", Help: "Ride events handed to the event sink by result"},
		[]string{"result"},
	)

	LocationWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_writes_total", Help: "Driver position readings by outcome"},
		[]string{"result"},
	)
	TrackersWatching = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "trackers_watching", Help: "Driver position watches currently open"})

	FeedSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "feed_subscriptions", Help: "Live feed subscriptions currently held"})
	FeedSockets       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "feed_sockets", Help: "Connected websocket feed clients"})

	ExternalCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "external_calls_total", Help: "Geocoding and routing calls by service and result"},
		[]string{"service", "result"},
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
