package convsync

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus counters.
type Metrics struct {
	Events               *prometheus.CounterVec
	MalformedEvents      *prometheus.CounterVec
	Resyncs              prometheus.Counter
	Resubscribes         prometheus.Counter
	ReconcileCorrections prometheus.Counter
	Writes               *prometheus.CounterVec
	Evictions            prometheus.Counter
}

// NewMetrics creates the counters and registers them on reg. A nil reg
// registers on a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convsync_events_total",
			Help: "Typed push events routed, by channel and event type.",
		}, []string{"channel", "type"}),
		MalformedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convsync_malformed_events_total",
			Help: "Push payloads dropped because they matched no known event.",
		}, []string{"channel"}),
		Resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convsync_resyncs_total",
			Help: "Full conversation reloads.",
		}),
		Resubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convsync_resubscribes_total",
			Help: "Successful push channel resubscriptions.",
		}),
		ReconcileCorrections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convsync_reconcile_corrections_total",
			Help: "Join counts overwritten by the repair pass.",
		}),
		Writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convsync_writes_total",
			Help: "Backend writes issued, by operation and result.",
		}, []string{"op", "result"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convsync_evictions_total",
			Help: "Conversations left because access was revoked.",
		}),
	}
	m.Events = register(reg, m.Events)
	m.MalformedEvents = register(reg, m.MalformedEvents)
	m.Resyncs = register(reg, m.Resyncs)
	m.Resubscribes = register(reg, m.Resubscribes)
	m.ReconcileCorrections = register(reg, m.ReconcileCorrections)
	m.Writes = register(reg, m.Writes)
	m.Evictions = register(reg, m.Evictions)
	return m
}

// register adds c to reg, reusing the collector already registered under
// the same name so several engines can share one registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	return c
}

func (m *Metrics) write(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrAccessDenied):
		result = "denied"
	case errors.Is(err, ErrStaleWrite):
		result = "stale"
	default:
		result = "error"
	}
	m.Writes.WithLabelValues(op, result).Inc()
}
