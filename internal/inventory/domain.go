package inventory

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/costing/internal/shared"
)

// EventKind enumerates cost-affecting ledger events.
type EventKind string

const (
	// EventKindReceipt adds received units at their purchase cost.
	EventKindReceipt EventKind = "RECEIPT"
	// EventKindReversal removes the units and cost of a reversed receipt.
	EventKindReversal EventKind = "REVERSAL"
	// EventKindAdjustment corrects cost, usually with zero quantity (landed cost).
	EventKindAdjustment EventKind = "ADJUSTMENT"
)

// Valid reports whether the kind is known.
func (k EventKind) Valid() bool {
	switch k {
	case EventKindReceipt, EventKindReversal, EventKindAdjustment:
		return true
	}
	return false
}

// OriginRef points back to the document that produced an event.
type OriginRef struct {
	ReceiptID     int64
	ReceiptLineID int64
	AllocationID  int64
}

// CostEvent is one append-only cost layer entry. Sequence is contiguous per variant starting at 1.
type CostEvent struct {
	ID         int64
	VariantID  string
	Sequence   int64
	Kind       EventKind
	QtyDelta   int64
	CostDelta  decimal.Decimal
	Origin     OriginRef
	Flagged    bool
	OccurredAt time.Time
}

// AppendInput describes an event to append.
type AppendInput struct {
	VariantID string
	Kind      EventKind
	QtyDelta  int64
	CostDelta decimal.Decimal
	Origin    OriginRef
}

// Rollup is the cached fold of a variant's ledger. It is a rebuildable view, never the source of truth.
type Rollup struct {
	VariantID    string
	OnHand       int64
	TotalCost    decimal.Decimal
	WAC          decimal.Decimal
	LastSequence int64
	UpdatedAt    time.Time
}

// WACScale is the precision of the stored rollup WAC, matching cost_rollups.wac NUMERIC(30, 8).
// Total cost keeps the full precision of the deltas; WAC is derived from it.
const WACScale = 8

func averageCost(total decimal.Decimal, onHand int64) decimal.Decimal {
	return total.DivRound(decimal.NewFromInt(onHand), WACScale)
}

// Apply folds one delta into the rollup. WAC holds its previous value while on-hand is not positive.
func (r Rollup) Apply(qtyDelta int64, costDelta decimal.Decimal) Rollup {
	r.OnHand += qtyDelta
	r.TotalCost = r.TotalCost.Add(costDelta)
	if r.OnHand > 0 {
		r.WAC = averageCost(r.TotalCost, r.OnHand)
	}
	return r
}

// Consistent reports whether the stored WAC agrees with total cost over on-hand at WACScale.
func (r Rollup) Consistent() bool {
	if r.OnHand <= 0 {
		return true
	}
	return r.WAC.Equal(averageCost(r.TotalCost, r.OnHand))
}

// UnitCost is the WAC rounded to scale, computed from total cost so that display rounding is applied
// once to the exact quotient.
func (r Rollup) UnitCost(scale int32) decimal.Decimal {
	if r.OnHand <= 0 {
		return shared.RoundCost(r.WAC, scale)
	}
	return r.TotalCost.DivRound(decimal.NewFromInt(r.OnHand), scale)
}

// Matches compares two rollups on every folded field.
func (r Rollup) Matches(other Rollup) bool {
	return r.OnHand == other.OnHand &&
		r.TotalCost.Equal(other.TotalCost) &&
		r.WAC.Equal(other.WAC) &&
		r.LastSequence == other.LastSequence
}

// Fold replays events in sequence order into a rollup.
func Fold(variantID string, events []CostEvent) (Rollup, error) {
	r := Rollup{VariantID: variantID}
	for _, evt := range events {
		if evt.Sequence != r.LastSequence+1 {
			return Rollup{}, fmt.Errorf("inventory: variant %s sequence gap at %d (expected %d)", variantID, evt.Sequence, r.LastSequence+1)
		}
		r = r.Apply(evt.QtyDelta, evt.CostDelta)
		r.LastSequence = evt.Sequence
		r.UpdatedAt = evt.OccurredAt
	}
	return r, nil
}

// State is the externally visible cost position of a variant.
type State struct {
	VariantID    string          `json:"variant_id"`
	OnHand       int64           `json:"on_hand"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	WAC          decimal.Decimal `json:"wac"`
	LastSequence int64           `json:"last_sequence"`
	Source       string          `json:"source"`
}

// State sources.
const (
	SourceRollup = "rollup"
	SourceFold   = "fold"
	SourceCache  = "cache"
)

func stateFromRollup(r Rollup, source string) State {
	return State{
		VariantID:    r.VariantID,
		OnHand:       r.OnHand,
		TotalCost:    r.TotalCost,
		WAC:          r.WAC,
		LastSequence: r.LastSequence,
		Source:       source,
	}
}

// RoundedWAC is the WAC as exposed for display or external posting.
func (s State) RoundedWAC(scale int32) decimal.Decimal {
	return Rollup{OnHand: s.OnHand, TotalCost: s.TotalCost, WAC: s.WAC}.UnitCost(scale)
}

// HistoryEntry is a ledger event with the running position after it.
type HistoryEntry struct {
	Event      CostEvent
	BalanceQty int64
	TotalCost  decimal.Decimal
	WAC        decimal.Decimal
}

// VerifyResult reports a rollup verification.
type VerifyResult struct {
	VariantID string
	Rollup    Rollup
	Fold      Rollup
	Repaired  bool
}

var (
	// ErrRollupNotFound indicates the variant has no rollup row yet.
	ErrRollupNotFound = fmt.Errorf("inventory: rollup not found: %w", shared.ErrNotFound)
	// ErrInvalidEvent indicates an event violating sign or kind rules.
	ErrInvalidEvent = fmt.Errorf("inventory: invalid cost event: %w", shared.ErrValidation)
	// ErrNegativeStock is returned when an event would drive on-hand below zero.
	ErrNegativeStock = fmt.Errorf("inventory: %w", shared.ErrNegativeStock)
)
