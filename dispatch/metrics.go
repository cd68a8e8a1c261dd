package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the dispatcher's operational counters. Registered against
// a caller-supplied registry so tests can use isolated registries.
type Metrics struct {
	DispatchTotal  *prometheus.CounterVec
	QueriesDropped prometheus.Counter
	ParseErrors    prometheus.Counter
	EpochPasses    prometheus.Counter
	BeaconPasses   prometheus.Counter
	NodesExpired   prometheus.Counter
	RouteBackends  *prometheus.GaugeVec
	UnassignedRPS  *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_requests_total",
			Help: "Dispatch requests by reply status.",
		}, []string{"status"}),
		QueriesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_queries_dropped_total",
			Help: "Queries dropped without a reply (missing backend delegate).",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_parse_errors_total",
			Help: "Ingress frames that failed to decode.",
		}),
		EpochPasses: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_epoch_passes_total",
			Help: "Epoch scheduling passes executed.",
		}),
		BeaconPasses: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_beacon_passes_total",
			Help: "Beacon iterations executed.",
		}),
		NodesExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_nodes_expired_total",
			Help: "Nodes unregistered after missing keep-alives.",
		}),
		RouteBackends: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatch_route_backends",
			Help: "Backends currently serving each model session.",
		}, []string{"model_session"}),
		UnassignedRPS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatch_unassigned_workload_rps",
			Help: "Request rate wanted but not placed on any backend.",
		}, []string{"model_session"}),
	}
}
