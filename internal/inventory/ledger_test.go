package inventory

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/costing/internal/shared"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestFoldMatchesRunningSums(t *testing.T) {
	events := []CostEvent{
		{Sequence: 1, Kind: EventKindReceipt, QtyDelta: 10, CostDelta: dec("20")},
		{Sequence: 2, Kind: EventKindReceipt, QtyDelta: 5, CostDelta: dec("25")},
		{Sequence: 3, Kind: EventKindAdjustment, QtyDelta: 0, CostDelta: dec("1.50")},
		{Sequence: 4, Kind: EventKindReversal, QtyDelta: -10, CostDelta: dec("-20")},
	}
	rollup, err := Fold("v1", events)
	require.NoError(t, err)

	var qty int64
	cost := decimal.Zero
	for _, evt := range events {
		qty += evt.QtyDelta
		cost = cost.Add(evt.CostDelta)
	}
	require.Equal(t, qty, rollup.OnHand)
	require.True(t, cost.Equal(rollup.TotalCost))
	require.Equal(t, int64(4), rollup.LastSequence)
	require.True(t, rollup.WAC.Equal(dec("5.3")), rollup.WAC.String())
	require.True(t, rollup.Consistent())
}

func TestFoldRejectsSequenceGap(t *testing.T) {
	_, err := Fold("v1", []CostEvent{
		{Sequence: 1, Kind: EventKindReceipt, QtyDelta: 1, CostDelta: dec("1")},
		{Sequence: 3, Kind: EventKindReceipt, QtyDelta: 1, CostDelta: dec("1")},
	})
	require.Error(t, err)
}

func TestApplyHoldsWACWhenStockIsGone(t *testing.T) {
	r := Rollup{VariantID: "v1"}.Apply(4, dec("10"))
	require.True(t, r.WAC.Equal(dec("2.5")))

	r = r.Apply(-4, dec("-10"))
	require.Equal(t, int64(0), r.OnHand)
	require.True(t, r.TotalCost.IsZero())
	require.True(t, r.WAC.Equal(dec("2.5")), "wac keeps last value at zero stock")

	r = r.Apply(-2, dec("-5"))
	require.Equal(t, int64(-2), r.OnHand)
	require.True(t, r.WAC.Equal(dec("2.5")))
}

func TestValidateInput(t *testing.T) {
	cases := []struct {
		name  string
		input AppendInput
		ok    bool
	}{
		{"receipt", AppendInput{VariantID: "v", Kind: EventKindReceipt, QtyDelta: 3, CostDelta: dec("6")}, true},
		{"zero qty receipt", AppendInput{VariantID: "v", Kind: EventKindReceipt}, true},
		{"free receipt", AppendInput{VariantID: "v", Kind: EventKindReceipt, QtyDelta: 3}, true},
		{"negative receipt", AppendInput{VariantID: "v", Kind: EventKindReceipt, QtyDelta: -3, CostDelta: dec("-6")}, false},
		{"receipt cost only", AppendInput{VariantID: "v", Kind: EventKindReceipt, CostDelta: dec("6")}, false},
		{"reversal", AppendInput{VariantID: "v", Kind: EventKindReversal, QtyDelta: -3, CostDelta: dec("-6")}, true},
		{"positive reversal", AppendInput{VariantID: "v", Kind: EventKindReversal, QtyDelta: 3, CostDelta: dec("6")}, false},
		{"adjustment cost only", AppendInput{VariantID: "v", Kind: EventKindAdjustment, CostDelta: dec("6")}, true},
		{"adjustment negative cost", AppendInput{VariantID: "v", Kind: EventKindAdjustment, CostDelta: dec("-6")}, true},
		{"opposite signs", AppendInput{VariantID: "v", Kind: EventKindAdjustment, QtyDelta: 2, CostDelta: dec("-1")}, false},
		{"missing variant", AppendInput{Kind: EventKindReceipt, QtyDelta: 1}, false},
		{"unknown kind", AppendInput{VariantID: "v", Kind: "SALE", QtyDelta: 1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateInput(tc.input)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidEvent)
			require.ErrorIs(t, err, shared.ErrValidation)
		})
	}
}

func TestRoundedWAC(t *testing.T) {
	state := State{WAC: dec("3.33333333333")}
	require.Equal(t, "3.3333", state.RoundedWAC(4).String())
}

func TestRollupWACAtStoredScale(t *testing.T) {
	r := Rollup{}.Apply(3, dec("10"))
	require.Equal(t, "3.33333333", r.WAC.String())

	stored := r
	stored.WAC = r.WAC.Round(WACScale)
	require.True(t, stored.Consistent())
	require.True(t, stored.Matches(r))

	r = r.Apply(0, dec("0.01"))
	require.Equal(t, "3.33666667", r.WAC.String())
	require.Equal(t, "3.3367", r.UnitCost(4).String())

	drained := r.Apply(-3, dec("-10.01"))
	require.True(t, drained.Consistent())
	require.Equal(t, "3.33666667", drained.WAC.String())
}
