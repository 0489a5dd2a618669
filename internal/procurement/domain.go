package procurement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/costing/internal/shared"
)

// POStatus is the purchase order lifecycle as seen by receiving.
type POStatus string

const (
	POStatusOpen              POStatus = "OPEN"
	POStatusPartiallyReceived POStatus = "PARTIALLY_RECEIVED"
	POStatusClosed            POStatus = "CLOSED"
	POStatusCancelled         POStatus = "CANCELLED"
)

// ReceiptStatus is the goods receipt lifecycle.
type ReceiptStatus string

const (
	ReceiptStatusDraft    ReceiptStatus = "DRAFT"
	ReceiptStatusPosted   ReceiptStatus = "POSTED"
	ReceiptStatusReversed ReceiptStatus = "REVERSED"
)

// PurchaseOrder is owned by the purchasing workflow. Receiving only moves ReceivedQty and Status.
type PurchaseOrder struct {
	ID         int64     `json:"id"`
	Number     string    `json:"number"`
	SupplierID int64     `json:"supplier_id"`
	Status     POStatus  `json:"status"`
	Currency   string    `json:"currency"`
	Lines      []POLine  `json:"lines"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// POLine is an ordered variant.
type POLine struct {
	ID               int64           `json:"id"`
	POID             int64           `json:"po_id"`
	VariantID        string          `json:"variant_id"`
	OrderedQty       int64           `json:"ordered_qty"`
	ReceivedQty      int64           `json:"received_qty"`
	ExpectedUnitCost decimal.Decimal `json:"expected_unit_cost"`
}

// HasVariant reports whether any line orders the variant.
func (po PurchaseOrder) HasVariant(variantID string) bool {
	for _, line := range po.Lines {
		if line.VariantID == variantID {
			return true
		}
	}
	return false
}

// ApplyReceipt moves received quantities by sign (+1 post, -1 reversal) and recomputes the status.
// Positive quantities fill matching lines in order, overflowing onto the last one; negative quantities
// drain matching lines from the end.
func (po PurchaseOrder) ApplyReceipt(lines []ReceiptLine, sign int64) PurchaseOrder {
	out := po
	out.Lines = append([]POLine(nil), po.Lines...)
	for _, rl := range lines {
		var idx []int
		for i, pl := range out.Lines {
			if pl.VariantID == rl.VariantID {
				idx = append(idx, i)
			}
		}
		if len(idx) == 0 || rl.Qty == 0 {
			continue
		}
		remaining := rl.Qty
		if sign > 0 {
			for _, i := range idx {
				open := out.Lines[i].OrderedQty - out.Lines[i].ReceivedQty
				if open <= 0 {
					continue
				}
				take := min(open, remaining)
				out.Lines[i].ReceivedQty += take
				remaining -= take
				if remaining == 0 {
					break
				}
			}
			out.Lines[idx[len(idx)-1]].ReceivedQty += remaining
			continue
		}
		for k := len(idx) - 1; k >= 0 && remaining > 0; k-- {
			i := idx[k]
			take := min(out.Lines[i].ReceivedQty, remaining)
			out.Lines[i].ReceivedQty -= take
			remaining -= take
		}
	}
	out.Status = out.recomputeStatus()
	return out
}

func (po PurchaseOrder) recomputeStatus() POStatus {
	if po.Status == POStatusCancelled {
		return po.Status
	}
	received, all := false, len(po.Lines) > 0
	for _, line := range po.Lines {
		if line.ReceivedQty > 0 {
			received = true
		}
		if line.ReceivedQty < line.OrderedQty {
			all = false
		}
	}
	switch {
	case all:
		return POStatusClosed
	case received:
		return POStatusPartiallyReceived
	}
	return POStatusOpen
}

// Receipt is a goods receipt. ReversalOfID and ReversedByID pair an original with its reversal; at most one
// of them is set on any receipt.
type Receipt struct {
	ID              int64         `json:"id"`
	Number          string        `json:"number"`
	PurchaseOrderID int64         `json:"purchase_order_id"`
	SupplierID      int64         `json:"supplier_id"`
	Status          ReceiptStatus `json:"status"`
	ReversalOfID    *int64        `json:"reversal_of_id,omitempty"`
	ReversedByID    *int64        `json:"reversed_by_id,omitempty"`
	Notes           string        `json:"notes"`
	Lines           []ReceiptLine `json:"lines,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	PostedAt        *time.Time    `json:"posted_at,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// IsReversal reports whether the receipt reverses another one.
func (r Receipt) IsReversal() bool {
	return r.ReversalOfID != nil
}

// ReceiptLine is immutable once the receipt leaves DRAFT.
type ReceiptLine struct {
	ID        int64           `json:"id"`
	ReceiptID int64           `json:"receipt_id"`
	VariantID string          `json:"variant_id"`
	Qty       int64           `json:"qty"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	Currency  string          `json:"currency"`
}

// Value is quantity times unit cost.
func (l ReceiptLine) Value() decimal.Decimal {
	return l.UnitCost.Mul(decimal.NewFromInt(l.Qty))
}

var (
	// ErrReceiptNotFound indicates the receipt does not exist.
	ErrReceiptNotFound = fmt.Errorf("procurement: receipt not found: %w", shared.ErrNotFound)
	// ErrPONotFound indicates the purchase order does not exist.
	ErrPONotFound = fmt.Errorf("procurement: purchase order not found: %w", shared.ErrNotFound)
	// ErrInvalidLine indicates a line violating quantity, cost or currency rules.
	ErrInvalidLine = fmt.Errorf("procurement: invalid receipt line: %w", shared.ErrValidation)
	// ErrPOCancelled rejects receiving against a cancelled order.
	ErrPOCancelled = fmt.Errorf("procurement: purchase order cancelled: %w", shared.ErrValidation)
	// ErrPOClosed rejects new drafts against a fully received order.
	ErrPOClosed = fmt.Errorf("procurement: purchase order closed: %w", shared.ErrValidation)
	// ErrNotDraft rejects edits and posting outside DRAFT.
	ErrNotDraft = fmt.Errorf("procurement: receipt is not a draft: %w", shared.ErrConflict)
	// ErrNotReversible rejects reversing drafts and reversal receipts.
	ErrNotReversible = fmt.Errorf("procurement: receipt cannot be reversed: %w", shared.ErrValidation)
	// ErrAlreadyReversed rejects a second reversal.
	ErrAlreadyReversed = fmt.Errorf("procurement: receipt already reversed: %w", shared.ErrConflict)
	// ErrDuplicateNumber rejects a receipt number already in use.
	ErrDuplicateNumber = fmt.Errorf("procurement: receipt number already used: %w", shared.ErrConflict)
)
