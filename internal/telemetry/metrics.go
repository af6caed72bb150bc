package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ModuleUploads      = prometheus.NewCounter(prometheus.CounterOpts{Name: "predict_module_uploads_total", Help: "Modules accepted and queued for build"})
	InstanceCreations  = prometheus.NewCounter(prometheus.CounterOpts{Name: "predict_instance_creations_total", Help: "Instances accepted and queued for build"})
	Activations        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "predict_activations_total", Help: "Activation requests by outcome"}, []string{"outcome"})
	ActivationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "predict_activation_duration_seconds", Help: "Synchronous activation latency", Buckets: prometheus.ExponentialBuckets(0.05, 2, 12)})
	Builds             = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "predict_builds_total", Help: "Image builds by kind and outcome"}, []string{"kind", "outcome"})
	ItemsProcessed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "predict_queue_items_total", Help: "Work items handled by channel and result"}, []string{"channel", "result"})
	QueueDepthGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "predict_queue_depth", Help: "Ready items per channel"}, []string{"channel"})
	InFlightGauge      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "predict_queue_inflight", Help: "Leased items per channel"}, []string{"channel"})
	BrokerReconnects   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "predict_broker_reconnects_total", Help: "Broker reconnect attempts per channel"}, []string{"channel"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "predict_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ModuleUploads,
			InstanceCreations,
			Activations,
			ActivationDuration,
			Builds,
			ItemsProcessed,
			QueueDepthGauge,
			InFlightGauge,
			BrokerReconnects,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
