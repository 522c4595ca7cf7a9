package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Custom registry so the default global collectors don't leak in.
var registry = prometheus.NewRegistry()

var registerer = prometheus.WrapRegistererWith(nil, registry)

var (
	// Latency buckets in milliseconds.
	latencyBuckets = []float64{
		5, 10, 25,
		50, 100, 250,
		500, 1000, 2500,
		5000, 10000, 30000,
	}

	// ForwardRequestTotal counts requests handled by a deployed endpoint.
	ForwardRequestTotal = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "omniprox_forward_requests_total",
			Help: "Total number of forwarded requests",
		},
		[]string{"method", "status"},
	)

	// ForwardLatency measures end-to-end forwarding latency.
	ForwardLatency = promauto.With(registerer).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "omniprox_forward_latency_ms",
			Help:    "Forwarding latency in milliseconds",
			Buckets: latencyBuckets,
		},
		[]string{"method"},
	)

	// LifecycleOperationTotal counts fleet lifecycle operations per provider.
	LifecycleOperationTotal = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "omniprox_lifecycle_operations_total",
			Help: "Total number of lifecycle operations",
		},
		[]string{"operation", "provider", "result"},
	)

	// FleetResources tracks the number of known resources per provider.
	FleetResources = promauto.With(registerer).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "omniprox_fleet_resources",
			Help: "Number of known proxy resources",
		},
		[]string{"provider", "status"},
	)
)

// Initialize registers process and Go runtime collectors.
func Initialize() {
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StatusClass collapses a status code to its class ("2xx", "5xx").
func StatusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
