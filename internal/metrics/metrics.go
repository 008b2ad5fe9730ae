package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors, registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kodegend",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of service start attempts.",
		}, []string{"service"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kodegend",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts after abnormal exits.",
		}, []string{"service"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kodegend",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of deliberate stops.",
		}, []string{"service"},
	)
	serviceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kodegend",
			Subsystem: "service",
			Name:      "failures_total",
			Help:      "Number of services that exhausted their restart budget.",
		}, []string{"service"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kodegend",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Lifecycle transitions by source and target state.",
		}, []string{"service", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kodegend",
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current lifecycle state (1 = active, 0 = inactive).",
		}, []string{"service", "state"},
	)

	aggregateQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kodegend",
			Subsystem: "aggregate",
			Name:      "queries_total",
			Help:      "Aggregation queries answered, by query kind.",
		}, []string{"kind"},
	)
	aggregateServerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kodegend",
			Subsystem: "aggregate",
			Name:      "server_failures_total",
			Help:      "Backend servers that were unavailable during aggregation.",
		}, []string{"category"},
	)
	aggregateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kodegend",
			Subsystem: "aggregate",
			Name:      "duration_seconds",
			Help:      "Wall time to assemble one aggregated response.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"},
	)
)

// Register registers all collectors with r. Safe to call multiple times;
// AlreadyRegisteredError is tolerated so the default registry can be reused.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceRestarts, serviceStops, serviceFailures,
		stateTransitions, currentStates,
		aggregateQueries, aggregateServerFailures, aggregateDuration,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the DefaultGatherer; the caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncStart(service string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(service).Inc()
	}
}

func IncRestart(service string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(service).Inc()
	}
}

func IncStop(service string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(service).Inc()
	}
}

func IncFailure(service string) {
	if regOK.Load() {
		serviceFailures.WithLabelValues(service).Inc()
	}
}

func RecordStateTransition(service, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(service, from, to).Inc()
	}
}

func SetCurrentState(service, state string, active bool) {
	if regOK.Load() {
		v := 0.0
		if active {
			v = 1.0
		}
		currentStates.WithLabelValues(service, state).Set(v)
	}
}

func IncAggregateQuery(kind string) {
	if regOK.Load() {
		aggregateQueries.WithLabelValues(kind).Inc()
	}
}

func IncAggregateServerFailure(category string) {
	if regOK.Load() {
		aggregateServerFailures.WithLabelValues(category).Inc()
	}
}

func ObserveAggregateDuration(kind string, seconds float64) {
	if regOK.Load() {
		aggregateDuration.WithLabelValues(kind).Observe(seconds)
	}
}
