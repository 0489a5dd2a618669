package landedcost_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/costing/internal/inventory"
	"github.com/odyssey-erp/costing/internal/landedcost"
	"github.com/odyssey-erp/costing/internal/procurement"
	"github.com/odyssey-erp/costing/internal/shared"
	"github.com/odyssey-erp/costing/internal/testing/memstore"
)

type fixture struct {
	store      *memstore.Store
	inventory  *inventory.Service
	receipts   *procurement.Service
	allocator  *landedcost.Service
	dispatcher *memstore.RecordingDispatcher
	poID       int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	inv := inventory.NewService(store.Inventory(), inventory.NewLedger(inventory.LedgerConfig{}), nil, inventory.ServiceConfig{Scale: 4}, nil, nil)
	dispatcher := &memstore.RecordingDispatcher{}
	cfg := procurement.Config{BaseCurrency: "USD", Scale: 4}
	receipts := procurement.NewService(store.Procurement(), inv, dispatcher, nil, store, cfg, nil)
	allocator := landedcost.NewService(store.LandedCost(), inv, dispatcher, store, nil, landedcost.Config{BaseCurrency: "USD", Scale: 4}, nil)
	po := store.AddPurchaseOrder(procurement.PurchaseOrder{
		Number:   "PO-1",
		Currency: "USD",
		Lines: []procurement.POLine{
			{VariantID: "sku-a", OrderedQty: 100},
			{VariantID: "sku-b", OrderedQty: 100},
			{VariantID: "sku-c", OrderedQty: 100},
		},
	})
	return &fixture{store: store, inventory: inv, receipts: receipts, allocator: allocator, dispatcher: dispatcher, poID: po.ID}
}

func (f *fixture) posted(t *testing.T, number string, lines ...procurement.LineInput) procurement.Receipt {
	t.Helper()
	ctx := context.Background()
	draft, err := f.receipts.CreateDraft(ctx, procurement.CreateReceiptInput{PurchaseOrderID: f.poID, Number: number, Lines: lines})
	require.NoError(t, err)
	receipt, err := f.receipts.Post(ctx, draft.ID)
	require.NoError(t, err)
	return receipt
}

func line(variant string, qty int64, cost string) procurement.LineInput {
	return procurement.LineInput{VariantID: variant, Qty: qty, UnitCost: decimal.RequireFromString(cost)}
}

func usd(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestAllocateByValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	receipt := f.posted(t, "GRN-1", line("sku-a", 10, "10"), line("sku-b", 5, "10"))

	alloc, events, err := f.allocator.Allocate(ctx, landedcost.AllocateInput{
		ReceiptIDs: []int64{receipt.ID},
		Total:      usd("30"),
		Currency:   "usd",
		Method:     landedcost.MethodByValue,
	})
	require.NoError(t, err)
	require.NotZero(t, alloc.ID)
	require.Len(t, alloc.Lines, 2)
	require.True(t, alloc.Lines[0].Share.Equal(usd("20")))
	require.True(t, alloc.Lines[1].Share.Equal(usd("10")))

	require.Len(t, events, 2)
	for _, evt := range events {
		require.Equal(t, inventory.EventKindAdjustment, evt.Kind)
		require.Zero(t, evt.QtyDelta)
		require.Equal(t, alloc.ID, evt.Origin.AllocationID)
		require.Equal(t, receipt.ID, evt.Origin.ReceiptID)
	}

	a, err := f.inventory.CurrentState(ctx, "sku-a")
	require.NoError(t, err)
	require.Equal(t, int64(10), a.OnHand)
	require.True(t, a.TotalCost.Equal(usd("120")))
	require.True(t, a.WAC.Equal(usd("12")))

	b, err := f.inventory.CurrentState(ctx, "sku-b")
	require.NoError(t, err)
	require.True(t, b.WAC.Equal(usd("12")))

	stored, err := f.allocator.Get(ctx, alloc.ID)
	require.NoError(t, err)
	require.Len(t, stored.Lines, 2)
	require.Equal(t, []int64{receipt.ID}, stored.ReceiptIDs)

	source := shared.LandedCostSource(alloc.ID)
	require.Contains(t, f.dispatcher.Sources(), source)
	var found bool
	for _, req := range f.store.Requests() {
		if req.Source == source {
			found = true
			require.Len(t, req.Deltas, 2)
			require.Zero(t, req.Deltas[0].QtyDelta)
			require.True(t, req.Deltas[0].NewUnitCost.Equal(usd("12")))
		}
	}
	require.True(t, found)
}

func TestAllocateSharesSumExactly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r1 := f.posted(t, "GRN-1", line("sku-a", 1, "1"), line("sku-b", 1, "1"))
	r2 := f.posted(t, "GRN-2", line("sku-c", 1, "1"))

	alloc, _, err := f.allocator.Allocate(ctx, landedcost.AllocateInput{
		ReceiptIDs: []int64{r2.ID, r1.ID, r2.ID},
		Total:      usd("10.00"),
		Currency:   "USD",
		Method:     landedcost.MethodByQuantity,
	})
	require.NoError(t, err)
	require.Equal(t, []int64{r1.ID, r2.ID}, alloc.ReceiptIDs)

	total := decimal.Zero
	for _, l := range alloc.Lines {
		total = total.Add(l.Share)
	}
	require.True(t, total.Equal(usd("10")), total.String())
	require.True(t, alloc.Lines[0].Share.Equal(usd("3.33")))
	require.True(t, alloc.Lines[2].Share.Equal(usd("3.34")))
}

func TestAllocateSkipsZeroWeightLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	receipt := f.posted(t, "GRN-1", line("sku-a", 4, "5"), line("sku-b", 3, "0"))

	alloc, events, err := f.allocator.Allocate(ctx, landedcost.AllocateInput{
		ReceiptIDs: []int64{receipt.ID},
		Total:      usd("8"),
		Currency:   "USD",
		Method:     landedcost.MethodByValue,
	})
	require.NoError(t, err)
	require.Len(t, alloc.Lines, 1)
	require.Equal(t, "sku-a", alloc.Lines[0].VariantID)
	require.Len(t, events, 1)
	require.Len(t, f.store.Events("sku-b"), 1)

	free := f.posted(t, "GRN-2", line("sku-c", 2, "0"))
	_, _, err = f.allocator.Allocate(ctx, landedcost.AllocateInput{
		ReceiptIDs: []int64{free.ID},
		Total:      usd("8"),
		Currency:   "USD",
		Method:     landedcost.MethodByValue,
	})
	require.ErrorIs(t, err, landedcost.ErrZeroWeight)
	require.Len(t, f.store.Events("sku-c"), 1)
}

func TestAllocateRejectsIneligibleReceipts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	posted := f.posted(t, "GRN-1", line("sku-a", 2, "5"))
	reversal, err := f.receipts.Reverse(ctx, posted.ID, "")
	require.NoError(t, err)
	draft, err := f.receipts.CreateDraft(ctx, procurement.CreateReceiptInput{PurchaseOrderID: f.poID, Number: "GRN-2", Lines: []procurement.LineInput{line("sku-a", 1, "1")}})
	require.NoError(t, err)

	for name, id := range map[string]int64{"reversed": posted.ID, "reversal": reversal.ID, "draft": draft.ID} {
		t.Run(name, func(t *testing.T) {
			_, _, err := f.allocator.Allocate(ctx, landedcost.AllocateInput{
				ReceiptIDs: []int64{id},
				Total:      usd("5"),
				Currency:   "USD",
				Method:     landedcost.MethodByQuantity,
			})
			require.ErrorIs(t, err, landedcost.ErrReceiptNotPosted)
		})
	}

	_, _, err = f.allocator.Allocate(ctx, landedcost.AllocateInput{ReceiptIDs: []int64{999}, Total: usd("5"), Currency: "USD", Method: landedcost.MethodByQuantity})
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Len(t, f.store.Events("sku-a"), 2)
}

func TestAllocateInputValidation(t *testing.T) {
	f := newFixture(t)
	receipt := f.posted(t, "GRN-1", line("sku-a", 2, "5"))
	cases := map[string]landedcost.AllocateInput{
		"method":    {ReceiptIDs: []int64{receipt.ID}, Total: usd("5"), Currency: "USD", Method: "BY_WEIGHT"},
		"currency":  {ReceiptIDs: []int64{receipt.ID}, Total: usd("5"), Currency: "EUR", Method: landedcost.MethodByValue},
		"zero":      {ReceiptIDs: []int64{receipt.ID}, Total: decimal.Zero, Currency: "USD", Method: landedcost.MethodByValue},
		"precision": {ReceiptIDs: []int64{receipt.ID}, Total: usd("5.001"), Currency: "USD", Method: landedcost.MethodByValue},
		"receipts":  {Total: usd("5"), Currency: "USD", Method: landedcost.MethodByValue},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := f.allocator.Allocate(context.Background(), input)
			require.ErrorIs(t, err, landedcost.ErrInvalidInput)
			require.ErrorIs(t, err, shared.ErrValidation)
		})
	}
	require.Len(t, f.store.Events("sku-a"), 1)
}

func TestGetUnknownAllocation(t *testing.T) {
	f := newFixture(t)
	_, err := f.allocator.Get(context.Background(), 42)
	require.ErrorIs(t, err, landedcost.ErrAllocationNotFound)
}

func TestReverseRemovesAllocatedLandedCost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.posted(t, "GRN-A", line("sku-a", 10, "2"))

	alloc, _, err := f.allocator.Allocate(ctx, landedcost.AllocateInput{
		ReceiptIDs: []int64{first.ID},
		Total:      usd("3"),
		Currency:   "USD",
		Method:     landedcost.MethodByValue,
	})
	require.NoError(t, err)
	state, err := f.inventory.CurrentState(ctx, "sku-a")
	require.NoError(t, err)
	require.True(t, state.WAC.Equal(usd("2.3")))

	reversal, err := f.receipts.Reverse(ctx, first.ID, "")
	require.NoError(t, err)
	state, err = f.inventory.CurrentState(ctx, "sku-a")
	require.NoError(t, err)
	require.Zero(t, state.OnHand)
	require.True(t, state.TotalCost.IsZero(), state.TotalCost.String())

	events := f.store.Events("sku-a")
	require.Len(t, events, 4)
	undo := events[2]
	require.Equal(t, inventory.EventKindAdjustment, undo.Kind)
	require.True(t, undo.CostDelta.Equal(usd("-3")))
	require.Equal(t, reversal.ID, undo.Origin.ReceiptID)
	require.Equal(t, reversal.Lines[0].ID, undo.Origin.ReceiptLineID)
	require.Equal(t, alloc.ID, undo.Origin.AllocationID)
	require.Equal(t, inventory.EventKindReversal, events[3].Kind)

	f.posted(t, "GRN-B", line("sku-a", 5, "5"))
	state, err = f.inventory.CurrentState(ctx, "sku-a")
	require.NoError(t, err)
	require.Equal(t, int64(5), state.OnHand)
	require.True(t, state.WAC.Equal(usd("5")), state.WAC.String())
}
