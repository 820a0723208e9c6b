package resilience

import "github.com/prometheus/client_golang/prometheus"

// Breaker telemetry, labelled by the guarded target endpoint.
var (
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_breaker_state",
		Help: "Current breaker state per gateway: 0=closed,1=open,2=half-open",
	}, []string{"target"})

	BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_breaker_transition_total",
		Help: "Count of breaker state transitions",
	}, []string{"target", "from", "to"})

	BreakerOpenedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_breaker_open_total",
		Help: "Number of times a gateway breaker transitioned into open state",
	}, []string{"target"})
)

func init() {
	prometheus.MustRegister(BreakerState, BreakerTransitions, BreakerOpenedTotal)
}
