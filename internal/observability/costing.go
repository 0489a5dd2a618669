package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// CostingMetrics groups collectors for the ledger, allocator and posting orchestrator.
// All methods are safe on a nil receiver.
type CostingMetrics struct {
	ledgerEvents   *prometheus.CounterVec
	rollupMismatch prometheus.Counter
	postings       *prometheus.CounterVec
	allocations    *prometheus.CounterVec
}

// NewCostingMetrics registers the costing collectors.
func NewCostingMetrics(registerer prometheus.Registerer) *CostingMetrics {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "costing_ledger_events_total",
		Help: "Cost layer events appended, by kind and negative-stock flag.",
	}, []string{"kind", "flagged"})
	mismatch := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "costing_rollup_mismatch_total",
		Help: "Rollup rows found disagreeing with the ledger fold.",
	})
	postings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "costing_posting_attempts_total",
		Help: "External posting attempts by outcome.",
	}, []string{"outcome"})
	allocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "costing_landed_allocations_total",
		Help: "Landed cost allocations committed, by method.",
	}, []string{"method"})
	registerer.MustRegister(events, mismatch, postings, allocations)
	return &CostingMetrics{ledgerEvents: events, rollupMismatch: mismatch, postings: postings, allocations: allocations}
}

// LedgerEvent counts one appended event.
func (m *CostingMetrics) LedgerEvent(kind string, flagged bool) {
	if m == nil {
		return
	}
	m.ledgerEvents.WithLabelValues(kind, strconv.FormatBool(flagged)).Inc()
}

// RollupMismatch counts one detected rollup/fold disagreement.
func (m *CostingMetrics) RollupMismatch() {
	if m == nil {
		return
	}
	m.rollupMismatch.Inc()
}

// PostingAttempt counts one external posting outcome (applied, failed, skipped, busy, timeout).
func (m *CostingMetrics) PostingAttempt(outcome string) {
	if m == nil {
		return
	}
	m.postings.WithLabelValues(outcome).Inc()
}

// Allocation counts one committed landed cost allocation.
func (m *CostingMetrics) Allocation(method string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(method).Inc()
}
