package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	EnvelopesStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envelopes_stored_total",
			Help: "Total number of envelopes accepted for delivery.",
		},
		[]string{"service", "kind"},
	)

	EnvelopeCiphertextBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "envelope_ciphertext_bytes",
			Help:    "Ciphertext sizes for stored envelopes.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 12),
		},
		[]string{"service", "kind"},
	)

	StatusTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envelope_status_transitions_total",
			Help: "Lifecycle transitions applied, including coalesced no-ops.",
		},
		[]string{"service", "to", "outcome"},
	)

	EnvelopesPurgedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "envelopes_purged_total",
			Help: "Envelopes hard-deleted by the purge sweep.",
		},
		[]string{"service"},
	)

	DirectoryPublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "directory_publishes_total",
			Help: "Public key publish operations.",
		},
		[]string{"service", "result"},
	)

	RealtimeSubscribersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_subscribers",
			Help: "Currently connected status-stream subscribers.",
		},
		[]string{"service"},
	)
)

func MustRegister(serviceName string) {
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)
	EnvelopesStoredTotal = EnvelopesStoredTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	EnvelopeCiphertextBytes = EnvelopeCiphertextBytes.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)
	StatusTransitionsTotal = StatusTransitionsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	EnvelopesPurgedTotal = EnvelopesPurgedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	DirectoryPublishesTotal = DirectoryPublishesTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	RealtimeSubscribersGauge = RealtimeSubscribersGauge.MustCurryWith(prometheus.Labels{"service": serviceName})

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		EnvelopesStoredTotal,
		EnvelopeCiphertextBytes,
		StatusTransitionsTotal,
		EnvelopesPurgedTotal,
		DirectoryPublishesTotal,
		RealtimeSubscribersGauge,
	)
}
