package inventory_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/costing/internal/inventory"
	"github.com/odyssey-erp/costing/internal/shared"
	"github.com/odyssey-erp/costing/internal/testing/memstore"
)

func newService(t *testing.T, allowNeg bool) (*inventory.Service, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	ledger := inventory.NewLedger(inventory.LedgerConfig{AllowNegativeStock: allowNeg, Audit: store})
	return inventory.NewService(store.Inventory(), ledger, nil, inventory.ServiceConfig{Scale: 4}, nil, nil), store
}

func receipt(variant string, qty int64, cost string) inventory.AppendInput {
	return inventory.AppendInput{VariantID: variant, Kind: inventory.EventKindReceipt, QtyDelta: qty, CostDelta: decimal.RequireFromString(cost)}
}

func TestWeightedAverageAcrossReceiptsAndReversal(t *testing.T) {
	svc, _ := newService(t, false)
	ctx := context.Background()

	_, err := svc.AppendEvent(ctx, receipt("sku-1", 10, "20"))
	require.NoError(t, err)
	_, err = svc.AppendEvent(ctx, receipt("sku-1", 5, "25"))
	require.NoError(t, err)

	state, err := svc.CurrentState(ctx, "sku-1")
	require.NoError(t, err)
	require.Equal(t, int64(15), state.OnHand)
	require.True(t, state.TotalCost.Equal(decimal.NewFromInt(45)))
	require.True(t, state.WAC.Equal(decimal.NewFromInt(3)))
	require.Equal(t, inventory.SourceRollup, state.Source)

	evt, err := svc.AppendEvent(ctx, inventory.AppendInput{
		VariantID: "sku-1",
		Kind:      inventory.EventKindReversal,
		QtyDelta:  -10,
		CostDelta: decimal.NewFromInt(-20),
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), evt.Sequence)

	state, err = svc.CurrentState(ctx, "sku-1")
	require.NoError(t, err)
	require.Equal(t, int64(5), state.OnHand)
	require.True(t, state.TotalCost.Equal(decimal.NewFromInt(25)))
	require.True(t, state.WAC.Equal(decimal.NewFromInt(5)))

	replay, err := svc.ReplayState(ctx, "sku-1")
	require.NoError(t, err)
	require.Equal(t, inventory.SourceFold, replay.Source)
	require.Equal(t, state.OnHand, replay.OnHand)
	require.True(t, state.WAC.Equal(replay.WAC))
}

func TestUnknownVariantHasEmptyState(t *testing.T) {
	svc, _ := newService(t, false)
	state, err := svc.CurrentState(context.Background(), "missing")
	require.NoError(t, err)
	require.Equal(t, int64(0), state.OnHand)
	require.True(t, state.WAC.IsZero())
	require.Equal(t, int64(0), state.LastSequence)
}

func TestNegativeStockRejected(t *testing.T) {
	svc, store := newService(t, false)
	ctx := context.Background()
	_, err := svc.AppendEvent(ctx, receipt("sku-1", 2, "4"))
	require.NoError(t, err)

	_, err = svc.AppendEvent(ctx, inventory.AppendInput{VariantID: "sku-1", Kind: inventory.EventKindReversal, QtyDelta: -3, CostDelta: decimal.NewFromInt(-6)})
	require.ErrorIs(t, err, inventory.ErrNegativeStock)
	require.ErrorIs(t, err, shared.ErrNegativeStock)
	require.Len(t, store.Events("sku-1"), 1)

	state, err := svc.CurrentState(ctx, "sku-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), state.OnHand)
}

func TestNegativeStockOverrideFlagsAndAudits(t *testing.T) {
	svc, store := newService(t, true)
	ctx := context.Background()
	_, err := svc.AppendEvent(ctx, receipt("sku-1", 2, "4"))
	require.NoError(t, err)

	evt, err := svc.AppendEvent(ctx, inventory.AppendInput{VariantID: "sku-1", Kind: inventory.EventKindReversal, QtyDelta: -3, CostDelta: decimal.NewFromInt(-6)})
	require.NoError(t, err)
	require.True(t, evt.Flagged)

	logs := store.AuditLogs()
	require.Len(t, logs, 1)
	require.Equal(t, "inventory:negative_stock_override", logs[0].Action)
	require.Equal(t, "sku-1:2", logs[0].EntityID)

	state, err := svc.CurrentState(ctx, "sku-1")
	require.NoError(t, err)
	require.Equal(t, int64(-1), state.OnHand)
	require.True(t, state.WAC.Equal(decimal.NewFromInt(2)))
}

func TestInvalidEventWritesNothing(t *testing.T) {
	svc, store := newService(t, false)
	_, err := svc.AppendEvent(context.Background(), inventory.AppendInput{VariantID: "sku-1", Kind: inventory.EventKindReceipt, QtyDelta: 1, CostDelta: decimal.NewFromInt(-1)})
	require.ErrorIs(t, err, inventory.ErrInvalidEvent)
	require.Empty(t, store.Events("sku-1"))
}

func TestConcurrentAppendsKeepSequenceContiguous(t *testing.T) {
	svc, store := newService(t, false)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		variant := fmt.Sprintf("sku-%d", i%3)
		g.Go(func() error {
			_, err := svc.AppendEvent(ctx, receipt(variant, 1, "2.5"))
			return err
		})
	}
	require.NoError(t, g.Wait())

	var total int64
	for i := 0; i < 3; i++ {
		variant := fmt.Sprintf("sku-%d", i)
		events := store.Events(variant)
		seen := make(map[int64]bool, len(events))
		for _, evt := range events {
			require.False(t, seen[evt.Sequence], "duplicate sequence %d", evt.Sequence)
			seen[evt.Sequence] = true
		}
		for seq := int64(1); seq <= int64(len(events)); seq++ {
			require.True(t, seen[seq], "missing sequence %d", seq)
		}

		state, err := svc.CurrentState(ctx, variant)
		require.NoError(t, err)
		require.Equal(t, int64(len(events)), state.OnHand)
		require.True(t, state.WAC.Equal(decimal.RequireFromString("2.5")))
		total += state.OnHand
	}
	require.Equal(t, int64(50), total)
}

func TestCurrentStateRepairsDivergedRollup(t *testing.T) {
	svc, store := newService(t, false)
	ctx := context.Background()
	_, err := svc.AppendEvent(ctx, receipt("sku-1", 10, "20"))
	require.NoError(t, err)

	store.SetRollup(inventory.Rollup{VariantID: "sku-1", OnHand: 99, TotalCost: decimal.NewFromInt(5), WAC: decimal.NewFromInt(7), LastSequence: 1})

	state, err := svc.CurrentState(ctx, "sku-1")
	require.NoError(t, err)
	require.Equal(t, inventory.SourceFold, state.Source)
	require.Equal(t, int64(10), state.OnHand)
	require.True(t, state.WAC.Equal(decimal.NewFromInt(2)))

	result, err := svc.VerifyRollup(ctx, "sku-1")
	require.NoError(t, err)
	require.False(t, result.Repaired)
	require.True(t, result.Rollup.Matches(result.Fold))
}

func TestVerifyRollupRepairsMismatch(t *testing.T) {
	svc, store := newService(t, false)
	ctx := context.Background()
	_, err := svc.AppendEvent(ctx, receipt("sku-1", 4, "10"))
	require.NoError(t, err)
	store.SetRollup(inventory.Rollup{VariantID: "sku-1", OnHand: 4, TotalCost: decimal.NewFromInt(12), WAC: decimal.NewFromInt(3), LastSequence: 1})

	result, err := svc.VerifyRollup(ctx, "sku-1")
	require.NoError(t, err)
	require.True(t, result.Repaired)
	require.True(t, result.Fold.TotalCost.Equal(decimal.NewFromInt(10)))

	rollup, err := store.Inventory().GetRollup(ctx, "sku-1")
	require.NoError(t, err)
	require.True(t, rollup.WAC.Equal(decimal.RequireFromString("2.5")))
}

func TestHistoryRunningBalances(t *testing.T) {
	svc, _ := newService(t, false)
	ctx := context.Background()
	_, err := svc.AppendEvent(ctx, receipt("sku-1", 10, "20"))
	require.NoError(t, err)
	_, err = svc.AppendEvent(ctx, receipt("sku-1", 5, "25"))
	require.NoError(t, err)
	_, err = svc.AppendEvent(ctx, inventory.AppendInput{VariantID: "sku-1", Kind: inventory.EventKindAdjustment, CostDelta: decimal.NewFromInt(3)})
	require.NoError(t, err)

	entries, err := svc.History(ctx, "sku-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, int64(10), entries[0].BalanceQty)
	require.True(t, entries[1].WAC.Equal(decimal.NewFromInt(3)))
	require.Equal(t, int64(15), entries[2].BalanceQty)
	require.True(t, entries[2].WAC.Equal(decimal.RequireFromString("3.2")))

	last, err := svc.History(ctx, "sku-1", 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	require.Equal(t, int64(3), last[0].Event.Sequence)

	ids, err := svc.VariantIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"sku-1"}, ids)
}

func TestRepeatingWACSurvivesStoredScale(t *testing.T) {
	svc, store := newService(t, false)
	ctx := context.Background()
	_, err := svc.AppendEvent(ctx, receipt("sku-1", 3, "10"))
	require.NoError(t, err)

	rollup, err := store.Inventory().GetRollup(ctx, "sku-1")
	require.NoError(t, err)
	require.Equal(t, "3.33333333", rollup.WAC.String())
	require.True(t, rollup.Consistent())

	for i := 0; i < 3; i++ {
		state, err := svc.CurrentState(ctx, "sku-1")
		require.NoError(t, err)
		require.Equal(t, inventory.SourceRollup, state.Source)
		require.Equal(t, "3.3333", state.RoundedWAC(4).String())
	}

	result, err := svc.VerifyRollup(ctx, "sku-1")
	require.NoError(t, err)
	require.False(t, result.Repaired)
}
