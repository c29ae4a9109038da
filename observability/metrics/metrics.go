package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"creditnet/core/events"
	"creditnet/native/debt"
	"creditnet/native/guarantee"
	"creditnet/native/reservation"
	"creditnet/native/settlement"
	"creditnet/native/valuation"
)

// Set holds the settlement core's prometheus collectors.
type Set struct {
	registry *prometheus.Registry

	SettlementsFinalized prometheus.Counter
	DegradedQuotes       *prometheus.CounterVec
	Reservations         *prometheus.CounterVec
	DebtOperations       *prometheus.CounterVec
	Guarantees           *prometheus.CounterVec
	RestoreFailures      prometheus.Counter
}

// New registers the collector set on a fresh registry.
func New() *Set {
	registry := prometheus.NewRegistry()
	set := &Set{
		registry: registry,
		SettlementsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "creditnet",
			Name:      "settlements_finalized_total",
			Help:      "Completed intent settlements.",
		}),
		DegradedQuotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditnet",
			Name:      "valuation_degraded_total",
			Help:      "Price quotes answered through a fallback strategy.",
		}, []string{"asset", "fallback"}),
		Reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditnet",
			Name:      "reservations_total",
			Help:      "Reservation lifecycle transitions.",
		}, []string{"transition"}),
		DebtOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditnet",
			Name:      "debt_operations_total",
			Help:      "Debt ledger mutations.",
		}, []string{"operation"}),
		Guarantees: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditnet",
			Name:      "guarantees_total",
			Help:      "Guarantee escrow lifecycle transitions.",
		}, []string{"transition"}),
		RestoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "creditnet",
			Name:      "reservation_restore_failures_total",
			Help:      "Reservations that could not be restored after an aborted settlement.",
		}),
	}
	registry.MustRegister(
		set.SettlementsFinalized,
		set.DegradedQuotes,
		set.Reservations,
		set.DebtOperations,
		set.Guarantees,
		set.RestoreFailures,
	)
	return set
}

// Handler serves the registry in the prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Emit implements the events.Emitter interface, counting module events as
// they flow past. Wire it into a MultiEmitter next to the event log.
func (s *Set) Emit(evt events.Event) {
	if s == nil || evt == nil {
		return
	}
	attrs := evt.Attributes()
	switch evt.EventType() {
	case settlement.EventTypeFinalized:
		s.SettlementsFinalized.Inc()
	case settlement.EventTypeRestoreFailed:
		s.RestoreFailures.Inc()
	case valuation.EventTypeDegraded:
		s.DegradedQuotes.WithLabelValues(attrs["asset"], attrs["fallback"]).Inc()
	case reservation.EventTypeCreated:
		s.Reservations.WithLabelValues("created").Inc()
	case reservation.EventTypeCancelled:
		s.Reservations.WithLabelValues("cancelled").Inc()
	case reservation.EventTypeConsumed:
		s.Reservations.WithLabelValues("consumed").Inc()
	case reservation.EventTypeWithdrawn:
		s.Reservations.WithLabelValues("withdrawn").Inc()
	case debt.EventTypeBorrowed:
		s.DebtOperations.WithLabelValues("borrow").Inc()
	case debt.EventTypeRepaid:
		s.DebtOperations.WithLabelValues("repay").Inc()
	case debt.EventTypeForceReduced:
		s.DebtOperations.WithLabelValues("force_reduce").Inc()
	case guarantee.EventTypeLocked:
		s.Guarantees.WithLabelValues("locked").Inc()
	case guarantee.EventTypeReleased:
		s.Guarantees.WithLabelValues("released").Inc()
	case guarantee.EventTypeForfeited:
		s.Guarantees.WithLabelValues("forfeited").Inc()
	}
}
