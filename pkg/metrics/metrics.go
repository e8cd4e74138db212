// Package metrics defines the Prometheus collectors the arbiter exposes
// over its optional /metrics endpoint. None of them feed back into
// admission policy; they are pure observability, satisfying spec.md's
// Non-goal of not exposing a scheduling policy over this surface.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector the admission loop and connection
// multiplexer update, registered against a dedicated prometheus.Registry
// rather than the global default so tests can construct throwaway
// instances without collector-already-registered panics.
type Registry struct {
	reg *prometheus.Registry

	QueueDepth        prometheus.Gauge
	CardsReserved     prometheus.Gauge
	StaleCards        prometheus.Gauge
	RevocationsTotal  prometheus.Counter
	TickDuration      prometheus.Histogram
	ClientsActive     prometheus.Gauge
	CardsGrantedTotal prometheus.Counter
}

// New constructs a Registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpu_arbiter_queue_depth",
			Help: "Number of jobs currently waiting in the admission queue.",
		}),
		CardsReserved: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpu_arbiter_cards_reserved",
			Help: "Number of cards currently reserved by a non-root uid.",
		}),
		StaleCards: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpu_arbiter_cards_stale",
			Help: "Number of cards whose most recent sample attempt failed.",
		}),
		RevocationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpu_arbiter_revocations_total",
			Help: "Total number of card revocations, for any reason.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gpu_arbiter_tick_duration_seconds",
			Help:    "Duration of one admission loop tick.",
			Buckets: prometheus.DefBuckets,
		}),
		ClientsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpu_arbiter_clients_active",
			Help: "Number of currently connected control clients.",
		}),
		CardsGrantedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpu_arbiter_cards_granted_total",
			Help: "Total number of cards granted via Claim or CoRun, cumulative across the daemon's lifetime.",
		}),
	}

	reg.MustRegister(
		r.QueueDepth,
		r.CardsReserved,
		r.StaleCards,
		r.RevocationsTotal,
		r.TickDuration,
		r.ClientsActive,
		r.CardsGrantedTotal,
	)

	return r
}

// Gatherer exposes the underlying registry for promhttp.HandlerFor.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
