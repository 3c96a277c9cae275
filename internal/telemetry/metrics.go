package telemetry

import "github.com/prometheus/client_golang/prometheus"

var DeploymentsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "instancer",
		Subsystem: "deployments",
		Name:      "total",
		Help:      "Total number of deployer invocations by action and outcome.",
	},
	[]string{"action", "outcome"},
)

var DeploymentDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "instancer",
		Subsystem: "deployments",
		Name:      "script_duration_seconds",
		Help:      "Deployer script wall-clock duration in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	},
	[]string{"action"},
)

var ActiveInstances = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "instancer",
		Name:      "active_instances",
		Help:      "Number of challenge instance rows currently persisted.",
	},
)

var ExpiryReapsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "instancer",
		Name:      "expiry_reaps_total",
		Help:      "Total number of instances queued for stop by TTL expiry.",
	},
)

var LiveSessions = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "instancer",
		Subsystem: "sessions",
		Name:      "live",
		Help:      "Number of connected websocket sessions.",
	},
)

var DroppedUpdatesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "instancer",
		Name:      "dropped_updates_total",
		Help:      "Total number of updates dropped for lagging subscribers.",
	},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "instancer",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// All returns every instancer metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		DeploymentsTotal,
		DeploymentDuration,
		ActiveInstances,
		ExpiryReapsTotal,
		LiveSessions,
		DroppedUpdatesTotal,
		HTTPRequestDuration,
	}
}

// NewMetricsRegistry creates a prometheus registry with the given
// collectors registered.
func NewMetricsRegistry(collectors ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors...)
	return reg
}
