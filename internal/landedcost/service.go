package landedcost

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/costing/internal/inventory"
	"github.com/odyssey-erp/costing/internal/observability"
	"github.com/odyssey-erp/costing/internal/posting"
	"github.com/odyssey-erp/costing/internal/procurement"
	"github.com/odyssey-erp/costing/internal/shared"
)

// TxRepository exposes the operations of one allocation transaction.
type TxRepository interface {
	inventory.TxRepository
	posting.TxWriter
	GetReceiptForUpdate(ctx context.Context, id int64) (procurement.Receipt, error)
	ListReceiptLines(ctx context.Context, receiptID int64) ([]procurement.ReceiptLine, error)
	InsertAllocation(ctx context.Context, alloc Allocation) (int64, error)
	InsertAllocationLines(ctx context.Context, allocationID int64, lines []AllocationLine) error
}

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetAllocation(ctx context.Context, id int64) (Allocation, error)
}

// Config groups costing settings.
type Config struct {
	BaseCurrency string
	Scale        int32
}

// Service allocates landed cost pools onto posted receipt lines.
type Service struct {
	repo       RepositoryPort
	inventory  procurement.InventoryPort
	dispatcher posting.Dispatcher
	audit      shared.AuditPort
	metrics    *observability.CostingMetrics
	currency   string
	scale      int32
	logger     *slog.Logger
	clock      func() time.Time
}

// NewService constructs the allocator.
func NewService(repo RepositoryPort, inv procurement.InventoryPort, dispatcher posting.Dispatcher, audit shared.AuditPort, metrics *observability.CostingMetrics, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	currency := cfg.BaseCurrency
	if currency == "" {
		currency = "USD"
	}
	return &Service{
		repo:       repo,
		inventory:  inv,
		dispatcher: dispatcher,
		audit:      audit,
		metrics:    metrics,
		currency:   currency,
		scale:      cfg.Scale,
		logger:     logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// AllocateInput describes a landed cost pool.
type AllocateInput struct {
	ReceiptIDs []int64         `json:"receipt_ids" validate:"required,min=1,dive,gt=0"`
	Total      decimal.Decimal `json:"total"`
	Currency   string          `json:"currency" validate:"required,len=3"`
	Method     Method          `json:"method" validate:"required,oneof=BY_VALUE BY_QUANTITY"`
	Notes      string          `json:"notes" validate:"max=1024"`
}

// Allocate distributes the pool across every line of the target receipts and appends one ADJUSTMENT event per
// line with a positive weight. Receipt eligibility is checked under row locks inside the transaction, so a
// receipt reversed concurrently fails the allocation instead of receiving a share.
func (s *Service) Allocate(ctx context.Context, input AllocateInput) (Allocation, []inventory.CostEvent, error) {
	if !input.Method.Valid() {
		return Allocation{}, nil, fmt.Errorf("%w: unknown method %q", ErrInvalidInput, input.Method)
	}
	currency, err := shared.NormalizeCurrency(input.Currency)
	if err != nil {
		return Allocation{}, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if currency != s.currency {
		return Allocation{}, nil, fmt.Errorf("%w: currency %s differs from ledger currency %s", ErrInvalidInput, currency, s.currency)
	}
	if !input.Total.IsPositive() {
		return Allocation{}, nil, fmt.Errorf("%w: total must be positive", ErrInvalidInput)
	}
	minorUnits, err := shared.MinorUnits(currency)
	if err != nil {
		return Allocation{}, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	totalMinor, err := shared.ToMinor(input.Total, minorUnits)
	if err != nil {
		return Allocation{}, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	receiptIDs := uniqueSorted(input.ReceiptIDs)
	if len(receiptIDs) == 0 {
		return Allocation{}, nil, fmt.Errorf("%w: at least one receipt required", ErrInvalidInput)
	}

	alloc := Allocation{
		Method:     input.Method,
		Total:      input.Total,
		Currency:   currency,
		ReceiptIDs: receiptIDs,
		Notes:      input.Notes,
	}
	var events []inventory.CostEvent
	var touched []string
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var candidates []procurement.ReceiptLine
		for _, id := range receiptIDs {
			receipt, err := tx.GetReceiptForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if receipt.Status != procurement.ReceiptStatusPosted || receipt.IsReversal() {
				return fmt.Errorf("%w: receipt %s is %s", ErrReceiptNotPosted, receipt.Number, describe(receipt))
			}
			lines, err := tx.ListReceiptLines(ctx, id)
			if err != nil {
				return err
			}
			candidates = append(candidates, lines...)
		}

		weights := make([]int64, len(candidates))
		for i, line := range candidates {
			weights[i] = weight(line, input.Method, minorUnits)
		}
		shares, err := Split(totalMinor.IntPart(), weights)
		if err != nil {
			return err
		}

		alloc.CreatedAt = s.clock()
		alloc.ID, err = tx.InsertAllocation(ctx, alloc)
		if err != nil {
			return err
		}
		inputs := make([]inventory.AppendInput, 0, len(candidates))
		for i, line := range candidates {
			if weights[i] == 0 {
				continue
			}
			share := shared.FromMinor(decimal.NewFromInt(shares[i]), minorUnits)
			alloc.Lines = append(alloc.Lines, AllocationLine{
				ReceiptID:     line.ReceiptID,
				ReceiptLineID: line.ID,
				VariantID:     line.VariantID,
				Weight:        weights[i],
				Share:         share,
			})
			inputs = append(inputs, inventory.AppendInput{
				VariantID: line.VariantID,
				Kind:      inventory.EventKindAdjustment,
				CostDelta: share,
				Origin:    inventory.OriginRef{ReceiptID: line.ReceiptID, ReceiptLineID: line.ID, AllocationID: alloc.ID},
			})
		}
		if err := tx.InsertAllocationLines(ctx, alloc.ID, alloc.Lines); err != nil {
			return err
		}

		var rollups map[string]inventory.Rollup
		events, rollups, err = s.inventory.Ledger().AppendBatch(ctx, tx, inputs)
		if err != nil {
			return err
		}
		for variantID := range rollups {
			touched = append(touched, variantID)
		}
		return tx.InsertRequest(ctx, posting.Request{
			Source:    shared.LandedCostSource(alloc.ID),
			Deltas:    posting.DeltasFromBatch(events, rollups, s.currency, s.scale),
			CreatedAt: alloc.CreatedAt,
		})
	})
	if err != nil {
		return Allocation{}, nil, err
	}

	s.inventory.InvalidateState(ctx, touched...)
	s.metrics.Allocation(string(alloc.Method))
	source := shared.LandedCostSource(alloc.ID)
	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, source); err != nil {
			s.logger.Warn("dispatch posting, sweep will retry", slog.String("source", source), slog.Any("error", err))
		}
	}
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			Action:   "LANDED_COST_ALLOCATE",
			Entity:   "landed_cost_allocation",
			EntityID: fmt.Sprintf("%d", alloc.ID),
			Meta:     map[string]any{"method": alloc.Method, "total": alloc.Total.String(), "receipts": alloc.ReceiptIDs},
		}); err != nil {
			s.logger.Warn("audit record", slog.Any("error", err))
		}
	}
	return alloc, events, nil
}

// Get returns a stored allocation with its lines.
func (s *Service) Get(ctx context.Context, id int64) (Allocation, error) {
	return s.repo.GetAllocation(ctx, id)
}

func weight(line procurement.ReceiptLine, method Method, minorUnits int32) int64 {
	if method == MethodByQuantity {
		return line.Qty
	}
	return line.Value().Shift(minorUnits).Round(0).IntPart()
}

func describe(r procurement.Receipt) string {
	if r.IsReversal() {
		return "a reversal"
	}
	return string(r.Status)
}

func uniqueSorted(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
