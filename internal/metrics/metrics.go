// Package metrics exposes the engine's operational counters over
// Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sandtrap/internal/logger"
)

var (
	// ActiveSessions counts sessions currently supervised.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sandtrap",
		Name:      "active_sessions",
		Help:      "Number of sandbox sessions currently running.",
	})

	// EventsObserved counts behavior events by kind.
	EventsObserved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sandtrap",
		Name:      "events_observed_total",
		Help:      "Behavior events evaluated, by kind.",
	}, []string{"kind"})

	// EventsDropped counts events discarded under aggregator pressure.
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sandtrap",
		Name:      "events_dropped_total",
		Help:      "Low-severity events dropped by the bounded aggregator.",
	})

	// Verdicts counts policy verdicts by action.
	Verdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sandtrap",
		Name:      "verdicts_total",
		Help:      "Policy verdicts recorded, by action.",
	}, []string{"action"})
)

func init() {
	prometheus.MustRegister(ActiveSessions, EventsObserved, EventsDropped, Verdicts)
}

// Serve exposes /metrics on the given address. It blocks; run it on its own
// goroutine.
func Serve(listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(listen, mux); err != nil {
		logger.Errorf("metrics listener failed: %v", err)
	}
}
