package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ReadingsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blackbox_readings_received_total",
		Help: "Readings accepted through ingest (HTTP or MQTT).",
	})
	ReadingsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blackbox_readings_classified_total",
		Help: "Readings classified, by resulting status.",
	}, []string{"status"})
	ParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blackbox_parse_errors_total",
		Help: "Payloads that could not be decoded, by transport.",
	}, []string{"transport"})
	StoreWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blackbox_store_write_failures_total",
		Help: "Classification results that could not be written back.",
	})
	QueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blackbox_queue_drops_total",
		Help: "Readings not enqueued because the worker queue was full.",
	})
	StateChannelDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blackbox_state_channel_drops_total",
		Help: "Device state updates dropped because the state channel was full.",
	})
	GeocodeAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blackbox_geocode_attempts_total",
		Help: "Reverse geocoding calls made.",
	})
	GeocodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blackbox_geocode_failures_total",
		Help: "Reverse geocoding requests that exhausted every attempt.",
	})
	AlertsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blackbox_alerts_sent_total",
		Help: "Alert notifications delivered to a recipient.",
	})
	AlertsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blackbox_alerts_failed_total",
		Help: "Alert notifications the provider rejected.",
	})
	AlertsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blackbox_alerts_dropped_total",
		Help: "Alert events not sent, by reason.",
	}, []string{"reason"})
	AuthRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blackbox_auth_rejections_total",
		Help: "Ingest requests rejected for a missing or unknown API key.",
	})
	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "blackbox_pipeline_duration_seconds",
		Help:    "Time to take one reading from received to persisted.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
