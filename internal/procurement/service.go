package procurement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/costing/internal/inventory"
	"github.com/odyssey-erp/costing/internal/posting"
	"github.com/odyssey-erp/costing/internal/shared"
)

// TxRepository exposes the transactional operations of a receipt transition. It embeds the ledger and the
// posting outbox so a POST commits events, rollups, receipt and outbox row together.
type TxRepository interface {
	inventory.TxRepository
	posting.TxWriter
	GetPurchaseOrderForUpdate(ctx context.Context, id int64) (PurchaseOrder, error)
	SavePurchaseOrder(ctx context.Context, po PurchaseOrder) error
	GetReceiptForUpdate(ctx context.Context, id int64) (Receipt, error)
	ListReceiptLines(ctx context.Context, receiptID int64) ([]ReceiptLine, error)
	InsertReceipt(ctx context.Context, receipt Receipt) (int64, error)
	ReplaceReceiptLines(ctx context.Context, receiptID int64, lines []ReceiptLine) ([]ReceiptLine, error)
	UpdateReceipt(ctx context.Context, receipt Receipt) error
}

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error)
	GetReceipt(ctx context.Context, id int64) (Receipt, error)
	ReceiptNumberExists(ctx context.Context, number string) (bool, error)
}

// InventoryPort exposes the ledger used inside receipt transactions.
type InventoryPort interface {
	Ledger() *inventory.Ledger
	InvalidateState(ctx context.Context, variantIDs ...string)
}

// SyncReader reports external posting progress.
type SyncReader interface {
	SyncStatus(ctx context.Context, source string) (posting.SyncReport, error)
}

// Config groups costing settings.
type Config struct {
	BaseCurrency string
	Scale        int32
}

// Service runs the goods receipt state machine.
type Service struct {
	repo       RepositoryPort
	inventory  InventoryPort
	dispatcher posting.Dispatcher
	sync       SyncReader
	audit      shared.AuditPort
	currency   string
	scale      int32
	logger     *slog.Logger
	clock      func() time.Time
}

// NewService constructs procurement service.
func NewService(repo RepositoryPort, inv InventoryPort, dispatcher posting.Dispatcher, sync SyncReader, audit shared.AuditPort, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		inventory:  inv,
		dispatcher: dispatcher,
		sync:       sync,
		audit:      audit,
		currency:   defaultString(cfg.BaseCurrency, "USD"),
		scale:      cfg.Scale,
		logger:     logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// CreateReceiptInput describes a new draft receipt.
type CreateReceiptInput struct {
	PurchaseOrderID int64       `json:"purchase_order_id" validate:"required,gt=0"`
	Number          string      `json:"number" validate:"omitempty,max=64"`
	Notes           string      `json:"notes" validate:"max=1024"`
	Lines           []LineInput `json:"lines" validate:"required,min=1,dive"`
}

// LineInput describes a draft line.
type LineInput struct {
	VariantID string          `json:"variant_id" validate:"required,max=128"`
	Qty       int64           `json:"qty" validate:"gte=0"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	Currency  string          `json:"currency" validate:"omitempty,len=3"`
}

// CreateDraft inserts a DRAFT receipt with its lines.
func (s *Service) CreateDraft(ctx context.Context, input CreateReceiptInput) (Receipt, error) {
	po, err := s.repo.GetPurchaseOrder(ctx, input.PurchaseOrderID)
	if err != nil {
		return Receipt{}, err
	}
	switch po.Status {
	case POStatusCancelled:
		return Receipt{}, ErrPOCancelled
	case POStatusClosed:
		return Receipt{}, ErrPOClosed
	}
	lines, err := s.buildLines(po, input.Lines)
	if err != nil {
		return Receipt{}, err
	}
	if input.Number == "" {
		input.Number = generateNumber("GRN")
	}
	exists, err := s.repo.ReceiptNumberExists(ctx, input.Number)
	if err != nil {
		return Receipt{}, err
	}
	if exists {
		return Receipt{}, ErrDuplicateNumber
	}

	now := s.clock()
	receipt := Receipt{
		Number:          input.Number,
		PurchaseOrderID: po.ID,
		SupplierID:      po.SupplierID,
		Status:          ReceiptStatusDraft,
		Notes:           input.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertReceipt(ctx, receipt)
		if err != nil {
			return err
		}
		receipt.ID = id
		receipt.Lines, err = tx.ReplaceReceiptLines(ctx, id, lines)
		return err
	})
	if err != nil {
		return Receipt{}, err
	}
	s.recordAudit(ctx, "GRN_CREATE", receipt.ID, map[string]any{"number": receipt.Number, "po_id": po.ID})
	return receipt, nil
}

// ReplaceDraftLines swaps every line of a DRAFT receipt.
func (s *Service) ReplaceDraftLines(ctx context.Context, receiptID int64, inputs []LineInput) (Receipt, error) {
	if len(inputs) == 0 {
		return Receipt{}, fmt.Errorf("%w: at least one line required", ErrInvalidLine)
	}
	var receipt Receipt
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		receipt, err = tx.GetReceiptForUpdate(ctx, receiptID)
		if err != nil {
			return err
		}
		if receipt.Status != ReceiptStatusDraft {
			return ErrNotDraft
		}
		po, err := tx.GetPurchaseOrderForUpdate(ctx, receipt.PurchaseOrderID)
		if err != nil {
			return err
		}
		lines, err := s.buildLines(po, inputs)
		if err != nil {
			return err
		}
		receipt.UpdatedAt = s.clock()
		if err := tx.UpdateReceipt(ctx, receipt); err != nil {
			return err
		}
		receipt.Lines, err = tx.ReplaceReceiptLines(ctx, receiptID, lines)
		return err
	})
	if err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// Post moves a DRAFT receipt to POSTED. Receipt status, ledger events, rollups, the order rollup and the
// posting request commit together or not at all. The external posting is dispatched after commit.
func (s *Service) Post(ctx context.Context, receiptID int64) (Receipt, error) {
	var posted Receipt
	var touched []string
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		receipt, err := tx.GetReceiptForUpdate(ctx, receiptID)
		if err != nil {
			return err
		}
		if receipt.Status != ReceiptStatusDraft {
			return ErrNotDraft
		}
		lines, err := tx.ListReceiptLines(ctx, receiptID)
		if err != nil {
			return err
		}
		if err := s.validatePostable(lines); err != nil {
			return err
		}
		po, err := tx.GetPurchaseOrderForUpdate(ctx, receipt.PurchaseOrderID)
		if err != nil {
			return err
		}
		if po.Status == POStatusCancelled {
			return ErrPOCancelled
		}
		posted, touched, err = s.postLocked(ctx, tx, receipt, lines, po, inventory.EventKindReceipt)
		return err
	})
	if err != nil {
		return Receipt{}, err
	}
	s.afterCommit(ctx, shared.ReceiptSource(posted.ID), touched)
	s.recordAudit(ctx, "GRN_POST", posted.ID, map[string]any{"number": posted.Number, "lines": len(posted.Lines)})
	return posted, nil
}

// Reverse creates and posts the compensating receipt of a POSTED receipt, then marks the original REVERSED.
// It returns the reversal receipt.
func (s *Service) Reverse(ctx context.Context, receiptID int64, notes string) (Receipt, error) {
	var reversal Receipt
	var touched []string
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.GetReceiptForUpdate(ctx, receiptID)
		if err != nil {
			return err
		}
		switch {
		case original.Status == ReceiptStatusReversed || original.ReversedByID != nil:
			return ErrAlreadyReversed
		case original.Status != ReceiptStatusPosted:
			return fmt.Errorf("%w: status %s", ErrNotReversible, original.Status)
		case original.IsReversal():
			return fmt.Errorf("%w: reversal receipts are terminal", ErrNotReversible)
		}
		lines, err := tx.ListReceiptLines(ctx, receiptID)
		if err != nil {
			return err
		}
		po, err := tx.GetPurchaseOrderForUpdate(ctx, original.PurchaseOrderID)
		if err != nil {
			return err
		}

		now := s.clock()
		originalID := original.ID
		draft := Receipt{
			Number:          original.Number + "-R",
			PurchaseOrderID: original.PurchaseOrderID,
			SupplierID:      original.SupplierID,
			Status:          ReceiptStatusDraft,
			ReversalOfID:    &originalID,
			Notes:           defaultString(notes, "reversal of "+original.Number),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		draft.ID, err = tx.InsertReceipt(ctx, draft)
		if err != nil {
			return err
		}
		copied := make([]ReceiptLine, 0, len(lines))
		for _, line := range lines {
			copied = append(copied, ReceiptLine{VariantID: line.VariantID, Qty: line.Qty, UnitCost: line.UnitCost, Currency: line.Currency})
		}
		copied, err = tx.ReplaceReceiptLines(ctx, draft.ID, copied)
		if err != nil {
			return err
		}
		landed, err := landedCostReversals(ctx, tx, original.ID, draft.ID, lines, copied)
		if err != nil {
			return err
		}
		reversal, touched, err = s.postLocked(ctx, tx, draft, copied, po, inventory.EventKindReversal, landed...)
		if err != nil {
			return err
		}

		reversalID := reversal.ID
		original.ReversedByID = &reversalID
		original.Status = ReceiptStatusReversed
		original.UpdatedAt = now
		return tx.UpdateReceipt(ctx, original)
	})
	if err != nil {
		return Receipt{}, err
	}
	s.afterCommit(ctx, shared.ReceiptSource(reversal.ID), touched)
	s.recordAudit(ctx, "GRN_REVERSE", receiptID, map[string]any{"reversal_id": reversal.ID, "number": reversal.Number})
	return reversal, nil
}

// postLocked appends the ledger events of a receipt whose row and order are locked, then moves the receipt
// to POSTED and writes the posting request. REVERSAL inverts every delta. Extra events are appended first,
// in the same batch.
func (s *Service) postLocked(ctx context.Context, tx TxRepository, receipt Receipt, lines []ReceiptLine, po PurchaseOrder, kind inventory.EventKind, extra ...inventory.AppendInput) (Receipt, []string, error) {
	sign := int64(1)
	if kind == inventory.EventKindReversal {
		sign = -1
	}
	inputs := make([]inventory.AppendInput, 0, len(extra)+len(lines))
	inputs = append(inputs, extra...)
	for _, line := range lines {
		inputs = append(inputs, inventory.AppendInput{
			VariantID: line.VariantID,
			Kind:      kind,
			QtyDelta:  sign * line.Qty,
			CostDelta: inventory.ReceiptCost(line.Qty, line.UnitCost).Mul(decimal.NewFromInt(sign)),
			Origin:    inventory.OriginRef{ReceiptID: receipt.ID, ReceiptLineID: line.ID},
		})
	}
	events, rollups, err := s.inventory.Ledger().AppendBatch(ctx, tx, inputs)
	if err != nil {
		return Receipt{}, nil, err
	}

	if err := tx.SavePurchaseOrder(ctx, po.ApplyReceipt(lines, sign)); err != nil {
		return Receipt{}, nil, err
	}

	now := s.clock()
	receipt.Status = ReceiptStatusPosted
	receipt.PostedAt = &now
	receipt.UpdatedAt = now
	if err := tx.UpdateReceipt(ctx, receipt); err != nil {
		return Receipt{}, nil, err
	}
	receipt.Lines = lines

	err = tx.InsertRequest(ctx, posting.Request{
		Source:    shared.ReceiptSource(receipt.ID),
		Deltas:    posting.DeltasFromBatch(events, rollups, s.currency, s.scale),
		CreatedAt: now,
	})
	if err != nil {
		return Receipt{}, nil, err
	}

	touched := make([]string, 0, len(rollups))
	for variantID := range rollups {
		touched = append(touched, variantID)
	}
	return receipt, touched, nil
}

// landedCostReversals returns one ADJUSTMENT per landed-cost share booked on the original receipt, with the
// cost negated and re-pointed at the matching reversal line, so a reversal removes the landed cost too.
func landedCostReversals(ctx context.Context, tx TxRepository, originalID, reversalID int64, original, copied []ReceiptLine) ([]inventory.AppendInput, error) {
	adjustments, err := tx.ReceiptAdjustments(ctx, originalID)
	if err != nil {
		return nil, err
	}
	if len(adjustments) == 0 {
		return nil, nil
	}
	reversalLine := make(map[int64]int64, len(original))
	for i, line := range original {
		reversalLine[line.ID] = copied[i].ID
	}
	inputs := make([]inventory.AppendInput, 0, len(adjustments))
	for _, evt := range adjustments {
		lineID, ok := reversalLine[evt.Origin.ReceiptLineID]
		if !ok {
			return nil, fmt.Errorf("%w: adjustment %d points at line %d outside receipt %d", ErrNotReversible, evt.ID, evt.Origin.ReceiptLineID, originalID)
		}
		inputs = append(inputs, inventory.AppendInput{
			VariantID: evt.VariantID,
			Kind:      inventory.EventKindAdjustment,
			CostDelta: evt.CostDelta.Neg(),
			Origin:    inventory.OriginRef{ReceiptID: reversalID, ReceiptLineID: lineID, AllocationID: evt.Origin.AllocationID},
		})
	}
	return inputs, nil
}

func (s *Service) afterCommit(ctx context.Context, source string, variants []string) {
	s.inventory.InvalidateState(ctx, variants...)
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Dispatch(ctx, source); err != nil {
		s.logger.Warn("dispatch posting, sweep will retry", slog.String("source", source), slog.Any("error", err))
	}
}

// Get returns a receipt with its lines.
func (s *Service) Get(ctx context.Context, receiptID int64) (Receipt, error) {
	return s.repo.GetReceipt(ctx, receiptID)
}

// GetPurchaseOrder returns an order with its received quantities.
func (s *Service) GetPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return s.repo.GetPurchaseOrder(ctx, id)
}

// SyncStatus reports whether the receipt's effect reached the external system. It is independent of the
// receipt lifecycle: a POSTED receipt may still be PENDING or FAILED here.
func (s *Service) SyncStatus(ctx context.Context, receiptID int64) (posting.SyncReport, error) {
	receipt, err := s.repo.GetReceipt(ctx, receiptID)
	if err != nil {
		return posting.SyncReport{}, err
	}
	source := shared.ReceiptSource(receipt.ID)
	if receipt.Status == ReceiptStatusDraft || s.sync == nil {
		return posting.SyncReport{Source: source, Status: posting.SyncNotQueued, Records: []posting.Record{}}, nil
	}
	return s.sync.SyncStatus(ctx, source)
}

func (s *Service) buildLines(po PurchaseOrder, inputs []LineInput) ([]ReceiptLine, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: at least one line required", ErrInvalidLine)
	}
	lines := make([]ReceiptLine, 0, len(inputs))
	for i, input := range inputs {
		currency, err := shared.NormalizeCurrency(defaultString(defaultString(input.Currency, po.Currency), s.currency))
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidLine, i, err)
		}
		line := ReceiptLine{VariantID: input.VariantID, Qty: input.Qty, UnitCost: input.UnitCost, Currency: currency}
		if err := s.validateLine(line); err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
		if !po.HasVariant(line.VariantID) {
			return nil, fmt.Errorf("%w: line %d: variant %s not on purchase order %s", ErrInvalidLine, i, line.VariantID, po.Number)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func (s *Service) validatePostable(lines []ReceiptLine) error {
	if len(lines) == 0 {
		return fmt.Errorf("%w: receipt has no lines", ErrInvalidLine)
	}
	for i, line := range lines {
		if err := s.validateLine(line); err != nil {
			return fmt.Errorf("line %d: %w", i, err)
		}
	}
	return nil
}

func (s *Service) validateLine(line ReceiptLine) error {
	switch {
	case line.VariantID == "":
		return fmt.Errorf("%w: variant required", ErrInvalidLine)
	case line.Qty < 0:
		return fmt.Errorf("%w: quantity must be >= 0", ErrInvalidLine)
	case line.UnitCost.IsNegative():
		return fmt.Errorf("%w: unit cost must be >= 0", ErrInvalidLine)
	case line.Currency != s.currency:
		return fmt.Errorf("%w: currency %s differs from ledger currency %s", ErrInvalidLine, line.Currency, s.currency)
	case !line.UnitCost.Equal(line.UnitCost.Truncate(shared.MaxCostScale)):
		return fmt.Errorf("%w: unit cost has more than %d fractional digits", ErrInvalidLine, shared.MaxCostScale)
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{Action: action, Entity: "goods_receipt", EntityID: fmt.Sprintf("%d", entityID), Meta: meta}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
