package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/costing/internal/observability"
	"github.com/odyssey-erp/costing/internal/shared"
)

// TxRepository exposes the transactional ledger operations. LockRollup must hold an exclusive
// per-variant lock until the surrounding transaction ends.
type TxRepository interface {
	LockRollup(ctx context.Context, variantID string) (Rollup, error)
	InsertEvent(ctx context.Context, evt CostEvent) (int64, error)
	SaveRollup(ctx context.Context, rollup Rollup) error
	EventsForVariant(ctx context.Context, variantID string) ([]CostEvent, error)
	// ReceiptAdjustments lists the ADJUSTMENT events booked against a receipt's lines, in id order.
	ReceiptAdjustments(ctx context.Context, receiptID int64) ([]CostEvent, error)
}

// LedgerConfig groups ledger policy and collaborators.
type LedgerConfig struct {
	AllowNegativeStock bool
	Logger             *slog.Logger
	Audit              shared.AuditPort
	Metrics            *observability.CostingMetrics
}

// Ledger appends cost layer events and keeps the per-variant rollup in step, inside a caller's transaction.
type Ledger struct {
	allowNeg bool
	logger   *slog.Logger
	audit    shared.AuditPort
	metrics  *observability.CostingMetrics
	clock    func() time.Time
}

// NewLedger builds a Ledger.
func NewLedger(cfg LedgerConfig) *Ledger {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		allowNeg: cfg.AllowNegativeStock,
		logger:   logger,
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// AllowNegativeStock reports the active policy. It applies to new events only.
func (l *Ledger) AllowNegativeStock() bool {
	return l.allowNeg
}

// Append appends a single event. See AppendBatch.
func (l *Ledger) Append(ctx context.Context, tx TxRepository, input AppendInput) (CostEvent, Rollup, error) {
	events, rollups, err := l.AppendBatch(ctx, tx, []AppendInput{input})
	if err != nil {
		return CostEvent{}, Rollup{}, err
	}
	return events[0], rollups[input.VariantID], nil
}

// AppendBatch validates every input, locks the touched rollups in variant order, then appends the events in
// input order, assigning the next sequence number per variant. The returned map holds the rollup after the
// last event of each variant. Nothing is written when any input is rejected.
func (l *Ledger) AppendBatch(ctx context.Context, tx TxRepository, inputs []AppendInput) ([]CostEvent, map[string]Rollup, error) {
	if len(inputs) == 0 {
		return nil, map[string]Rollup{}, nil
	}
	for i, input := range inputs {
		if err := ValidateInput(input); err != nil {
			return nil, nil, fmt.Errorf("event %d: %w", i, err)
		}
	}

	variants := make([]string, 0, len(inputs))
	seen := make(map[string]struct{}, len(inputs))
	for _, input := range inputs {
		if _, ok := seen[input.VariantID]; ok {
			continue
		}
		seen[input.VariantID] = struct{}{}
		variants = append(variants, input.VariantID)
	}
	sort.Strings(variants)

	rollups := make(map[string]Rollup, len(variants))
	for _, variantID := range variants {
		rollup, err := tx.LockRollup(ctx, variantID)
		if err != nil {
			return nil, nil, fmt.Errorf("inventory: lock rollup %s: %w", variantID, err)
		}
		rollup.VariantID = variantID
		rollups[variantID] = rollup
	}

	now := l.clock()
	events := make([]CostEvent, 0, len(inputs))
	for _, input := range inputs {
		rollup := rollups[input.VariantID]
		next := rollup.Apply(input.QtyDelta, input.CostDelta)
		flagged := false
		if next.OnHand < 0 && input.QtyDelta < 0 {
			if !l.allowNeg {
				return nil, nil, fmt.Errorf("%w: variant %s would reach %d", ErrNegativeStock, input.VariantID, next.OnHand)
			}
			flagged = true
		}
		next.LastSequence = rollup.LastSequence + 1
		next.UpdatedAt = now

		evt := CostEvent{
			VariantID:  input.VariantID,
			Sequence:   next.LastSequence,
			Kind:       input.Kind,
			QtyDelta:   input.QtyDelta,
			CostDelta:  input.CostDelta,
			Origin:     input.Origin,
			Flagged:    flagged,
			OccurredAt: now,
		}
		id, err := tx.InsertEvent(ctx, evt)
		if err != nil {
			return nil, nil, fmt.Errorf("inventory: insert event: %w", err)
		}
		evt.ID = id
		events = append(events, evt)
		rollups[input.VariantID] = next
	}

	for _, variantID := range variants {
		if err := tx.SaveRollup(ctx, rollups[variantID]); err != nil {
			return nil, nil, fmt.Errorf("inventory: save rollup %s: %w", variantID, err)
		}
	}

	for _, evt := range events {
		l.metrics.LedgerEvent(string(evt.Kind), evt.Flagged)
		if evt.Flagged {
			l.flag(ctx, evt, rollups[evt.VariantID])
		}
	}
	return events, rollups, nil
}

func (l *Ledger) flag(ctx context.Context, evt CostEvent, after Rollup) {
	l.logger.Warn("negative stock override",
		slog.String("variant_id", evt.VariantID),
		slog.Int64("sequence", evt.Sequence),
		slog.String("kind", string(evt.Kind)),
		slog.Int64("on_hand", after.OnHand),
	)
	if l.audit == nil {
		return
	}
	_ = l.audit.Record(ctx, shared.AuditLog{
		Action:   "inventory:negative_stock_override",
		Entity:   "cost_layer_event",
		EntityID: fmt.Sprintf("%s:%d", evt.VariantID, evt.Sequence),
		Meta: map[string]any{
			"variant_id": evt.VariantID,
			"qty_delta":  evt.QtyDelta,
			"on_hand":    after.OnHand,
			"receipt_id": evt.Origin.ReceiptID,
		},
	})
}

// ValidateInput enforces kind and sign rules. Quantity and cost deltas may not have opposite signs;
// only ADJUSTMENT may carry a cost change without a quantity change.
func ValidateInput(input AppendInput) error {
	if input.VariantID == "" {
		return fmt.Errorf("%w: variant required", ErrInvalidEvent)
	}
	if !input.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, input.Kind)
	}
	qtySign := sign(input.QtyDelta)
	costSign := input.CostDelta.Sign()
	if qtySign*costSign < 0 {
		return fmt.Errorf("%w: quantity %d and cost %s have opposite signs", ErrInvalidEvent, input.QtyDelta, input.CostDelta)
	}
	switch input.Kind {
	case EventKindReceipt:
		if qtySign < 0 {
			return fmt.Errorf("%w: receipt quantity must be >= 0", ErrInvalidEvent)
		}
		if qtySign == 0 && costSign != 0 {
			return fmt.Errorf("%w: receipt with zero quantity cannot carry cost", ErrInvalidEvent)
		}
	case EventKindReversal:
		if qtySign > 0 {
			return fmt.Errorf("%w: reversal quantity must be <= 0", ErrInvalidEvent)
		}
		if qtySign == 0 && costSign != 0 {
			return fmt.Errorf("%w: reversal with zero quantity cannot carry cost", ErrInvalidEvent)
		}
	}
	return nil
}

func sign(v int64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// ReceiptCost is quantity times unit cost at full precision.
func ReceiptCost(qty int64, unitCost decimal.Decimal) decimal.Decimal {
	return unitCost.Mul(decimal.NewFromInt(qty))
}
