package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	onlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flagsync_stream_clients",
		Help: "Number of connected version stream clients",
	})
	pushCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flagsync_stream_push_total",
		Help: "Total number of version messages pushed to stream clients",
	})
	pushLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flagsync_stream_push_seconds",
		Help:    "Time taken to fan one message out to all stream clients",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})
	eventLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flagsync_stream_broadcast_backlog",
		Help: "Messages waiting in the hub broadcast queue",
	})
	traitWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flagsync_trait_writes_total",
		Help: "Trait mutations by operation and outcome",
	}, []string{"op", "outcome"})
	forwardTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flagsync_edge_forward_total",
		Help: "Edge forward deliveries by outcome",
	}, []string{"outcome"})
	publishCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flagsync_version_publish_total",
		Help: "Feature versions published",
	})

	// HTTPDuration is observed by the HTTP middleware.
	HTTPDuration = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name: "flagsync_http_duration_seconds",
		Help: "Duration of HTTP requests.",
	}, []string{"path", "method", "status"})
)

// Observer reports to the default prometheus registry.
type Observer struct{}

func NewPrometheusObserver() *Observer {
	return &Observer{}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func (*Observer) IncOnline() {
	onlineGauge.Inc()
}

func (*Observer) DecOnline() {
	onlineGauge.Dec()
}

func (*Observer) RecordPush() {
	pushCounter.Inc()
}

func (*Observer) ObservePushLatency(duration float64) {
	pushLatency.Observe(duration)
}

func (*Observer) UpdateEventLag(lag int) {
	eventLag.Set(float64(lag))
}

func (*Observer) RecordTraitWrite(op, outcome string) {
	traitWrites.WithLabelValues(op, outcome).Inc()
}

func (*Observer) RecordForward(outcome string) {
	forwardTasks.WithLabelValues(outcome).Inc()
}

func (*Observer) RecordPublish() {
	publishCounter.Inc()
}
