package landedcost

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/costing/internal/shared"
)

// Method selects the allocation basis.
type Method string

const (
	// MethodByValue weighs lines by quantity times unit cost.
	MethodByValue Method = "BY_VALUE"
	// MethodByQuantity weighs lines by units received.
	MethodByQuantity Method = "BY_QUANTITY"
)

// Valid reports whether the method is known.
func (m Method) Valid() bool {
	return m == MethodByValue || m == MethodByQuantity
}

// Allocation is the header of one landed cost distribution.
type Allocation struct {
	ID         int64            `json:"id"`
	Method     Method           `json:"method"`
	Total      decimal.Decimal  `json:"total"`
	Currency   string           `json:"currency"`
	ReceiptIDs []int64          `json:"receipt_ids"`
	Notes      string           `json:"notes,omitempty"`
	Lines      []AllocationLine `json:"lines"`
	CreatedAt  time.Time        `json:"created_at"`
}

// AllocationLine is the share assigned to one receipt line. Weight is in minor units (by value) or units.
type AllocationLine struct {
	ReceiptID     int64           `json:"receipt_id"`
	ReceiptLineID int64           `json:"receipt_line_id"`
	VariantID     string          `json:"variant_id"`
	Weight        int64           `json:"weight"`
	Share         decimal.Decimal `json:"share"`
}

// Split distributes total across weights proportionally in integer units. Each share is
// floor(total*w/W); the last positive weight takes the remainder so the shares sum to total exactly.
// Zero weights receive zero.
func Split(total int64, weights []int64) ([]int64, error) {
	if total < 0 {
		return nil, fmt.Errorf("%w: total must be >= 0", ErrInvalidInput)
	}
	var sum int64
	last := -1
	for i, w := range weights {
		if w < 0 {
			return nil, fmt.Errorf("%w: negative weight at %d", ErrInvalidInput, i)
		}
		if w > 0 {
			last = i
		}
		sum += w
	}
	if sum == 0 {
		return nil, ErrZeroWeight
	}
	totalD := decimal.NewFromInt(total)
	sumD := decimal.NewFromInt(sum)
	shares := make([]int64, len(weights))
	var assigned int64
	for i, w := range weights {
		if w == 0 || i == last {
			continue
		}
		q, _ := totalD.Mul(decimal.NewFromInt(w)).QuoRem(sumD, 0)
		shares[i] = q.IntPart()
		assigned += shares[i]
	}
	shares[last] = total - assigned
	return shares, nil
}

var (
	// ErrInvalidInput rejects malformed allocation requests.
	ErrInvalidInput = fmt.Errorf("landedcost: invalid allocation: %w", shared.ErrValidation)
	// ErrZeroWeight rejects an allocation with no proportional basis.
	ErrZeroWeight = fmt.Errorf("landedcost: total weight is zero: %w", shared.ErrValidation)
	// ErrReceiptNotPosted rejects draft, reversed and reversal receipts.
	ErrReceiptNotPosted = fmt.Errorf("landedcost: receipt not eligible: %w", shared.ErrValidation)
)
