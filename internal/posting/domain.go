package posting

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/costing/internal/inventory"
	"github.com/odyssey-erp/costing/internal/shared"
)

// Status is the lifecycle of a posting record.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusApplied Status = "APPLIED"
	StatusFailed  Status = "FAILED"
)

// SyncStatus summarises every record of a source for display.
type SyncStatus string

const (
	SyncNotQueued SyncStatus = "NOT_QUEUED"
	SyncPending   SyncStatus = "PENDING"
	SyncApplied   SyncStatus = "APPLIED"
	SyncFailed    SyncStatus = "FAILED"
)

// Delta is the change one external variant must reflect. OnHand and Sequence are the variant's rollup after
// the batch; the external system keeps the state of the highest sequence it has seen.
type Delta struct {
	Target      string          `json:"target"`
	QtyDelta    int64           `json:"qty_delta"`
	NewUnitCost decimal.Decimal `json:"new_unit_cost"`
	Currency    string          `json:"currency"`
	OnHand      int64           `json:"on_hand"`
	Sequence    int64           `json:"sequence"`
}

// Request is the outbox row written in the same transaction as the ledger events it describes.
// Deltas are captured while the variant locks are held and never recomputed.
type Request struct {
	Source    string
	Deltas    []Delta
	CreatedAt time.Time
	SettledAt *time.Time
}

// Record is the dedupe row for one (source, target) pair. It is never deleted.
type Record struct {
	Source         string     `json:"source"`
	Target         string     `json:"target"`
	Status         Status     `json:"status"`
	IdempotencyKey uuid.UUID  `json:"idempotency_key"`
	ExternalRef    string     `json:"external_ref,omitempty"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	ClaimedUntil   *time.Time `json:"claimed_until,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// SyncReport is the aggregated posting state of a source.
type SyncReport struct {
	Source  string     `json:"source"`
	Status  SyncStatus `json:"status"`
	Records []Record   `json:"records"`
}

// Mutation is the stock and cost change sent to the external system.
type Mutation struct {
	Target         string
	QtyDelta       int64
	NewUnitCost    decimal.Decimal
	Currency       string
	OnHand         int64
	Sequence       int64
	IdempotencyKey string
}

// MutationResult is the external system's answer.
type MutationResult struct {
	Accepted  bool
	Reference string
	Message   string
}

var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:odyssey-erp:costing:posting"))

// IdempotencyKey derives the stable key passed to the external system for a record.
func IdempotencyKey(source, target string) uuid.UUID {
	return uuid.NewSHA1(idempotencyNamespace, []byte(source+"|"+target))
}

// DeltasFromBatch aggregates appended events per variant. The unit cost, on-hand and sequence come from the
// variant's rollup after the batch; the unit cost is rounded to scale.
func DeltasFromBatch(events []inventory.CostEvent, rollups map[string]inventory.Rollup, currency string, scale int32) []Delta {
	qty := make(map[string]int64, len(rollups))
	for _, evt := range events {
		qty[evt.VariantID] += evt.QtyDelta
	}
	deltas := make([]Delta, 0, len(qty))
	for variantID, q := range qty {
		deltas = append(deltas, Delta{
			Target:      variantID,
			QtyDelta:    q,
			NewUnitCost: rollups[variantID].UnitCost(scale),
			Currency:    currency,
			OnHand:      rollups[variantID].OnHand,
			Sequence:    rollups[variantID].LastSequence,
		})
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].Target < deltas[j].Target })
	return deltas
}

// Summarise folds record statuses into one sync status. FAILED dominates, then PENDING.
func Summarise(req *Request, records []Record) SyncStatus {
	if req == nil {
		return SyncNotQueued
	}
	status := SyncApplied
	applied := make(map[string]bool, len(records))
	for _, rec := range records {
		switch rec.Status {
		case StatusFailed:
			return SyncFailed
		case StatusApplied:
			applied[rec.Target] = true
		}
	}
	for _, delta := range req.Deltas {
		if !applied[delta.Target] {
			status = SyncPending
		}
	}
	return status
}

var (
	// ErrRequestNotFound indicates no posting request exists for the source.
	ErrRequestNotFound = fmt.Errorf("posting: request not found: %w", shared.ErrNotFound)
	// ErrClaimed is returned when another attempt holds a live claim on the record.
	ErrClaimed = fmt.Errorf("posting: record claimed by another attempt: %w", shared.ErrConflict)
	// ErrExternal wraps failures and rejections from the external system.
	ErrExternal = fmt.Errorf("posting: external mutation failed: %w", shared.ErrExternal)
	// ErrTimeout marks an attempt abandoned on deadline; the record stays PENDING.
	ErrTimeout = fmt.Errorf("posting: external mutation timed out: %w", shared.ErrExternal)
)
