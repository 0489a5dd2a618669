package e2e

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/costing/internal/inventory"
	jobmetrics "github.com/odyssey-erp/costing/internal/jobs"
	"github.com/odyssey-erp/costing/internal/landedcost"
	"github.com/odyssey-erp/costing/internal/posting"
	"github.com/odyssey-erp/costing/internal/procurement"
	"github.com/odyssey-erp/costing/internal/shared"
	"github.com/odyssey-erp/costing/internal/testing/memstore"
	"github.com/odyssey-erp/costing/jobs"
	_ "github.com/odyssey-erp/costing/testing"
)

// storefront mimics the commerce side: it keeps a stock level and unit cost per variant and
// remembers idempotency keys so a replayed mutation is not applied twice.
type storefront struct {
	mu    sync.Mutex
	stock map[string]int64
	cost  map[string]decimal.Decimal
	seen  map[string]bool
	calls int
}

func newStorefront() *storefront {
	return &storefront{stock: map[string]int64{}, cost: map[string]decimal.Decimal{}, seen: map[string]bool{}}
}

func (s *storefront) ApplyDelta(_ context.Context, m posting.Mutation) (posting.MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if !s.seen[m.IdempotencyKey] {
		s.seen[m.IdempotencyKey] = true
		s.stock[m.Target] += m.QtyDelta
		s.cost[m.Target] = m.NewUnitCost
	}
	return posting.MutationResult{Accepted: true, Reference: m.Target + "#" + m.IdempotencyKey}, nil
}

// queue stands in for asynq: dispatched sources wait until drain runs the apply job.
type queue struct {
	mu      sync.Mutex
	pending []string
}

func (q *queue) Dispatch(_ context.Context, source string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, source)
	return nil
}

func (q *queue) drain(t *testing.T, job *jobs.PostingApplyJob) int {
	t.Helper()
	q.mu.Lock()
	sources := q.pending
	q.pending = nil
	q.mu.Unlock()
	for _, source := range sources {
		task, err := jobs.NewPostingApplyTask(source)
		require.NoError(t, err)
		require.NoError(t, job.Handle(context.Background(), task))
	}
	return len(sources)
}

func TestReceiptLandedCostReversalFlow(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	front := newStorefront()
	q := &queue{}
	reg := prometheus.NewRegistry()

	inv := inventory.NewService(store.Inventory(), inventory.NewLedger(inventory.LedgerConfig{Audit: store}), nil, inventory.ServiceConfig{Scale: 4}, nil, nil)
	orch := posting.NewOrchestrator(store.Posting(), front, posting.Config{}, nil, nil)
	receipts := procurement.NewService(store.Procurement(), inv, q, orch, store, procurement.Config{BaseCurrency: "USD", Scale: 4}, nil)
	landed := landedcost.NewService(store.LandedCost(), inv, q, store, nil, landedcost.Config{BaseCurrency: "USD", Scale: 4}, nil)
	applyJob := jobs.NewPostingApplyJob(orch, nil, jobmetrics.NewMetrics(reg))

	po := store.AddPurchaseOrder(procurement.PurchaseOrder{
		Number:   "PO-9",
		Currency: "USD",
		Lines: []procurement.POLine{
			{VariantID: "sku-1", OrderedQty: 10, ExpectedUnitCost: decimal.NewFromInt(2)},
			{VariantID: "sku-2", OrderedQty: 5, ExpectedUnitCost: decimal.NewFromInt(4)},
		},
	})

	draft, err := receipts.CreateDraft(ctx, procurement.CreateReceiptInput{
		PurchaseOrderID: po.ID,
		Number:          "GRN-9",
		Lines: []procurement.LineInput{
			{VariantID: "sku-1", Qty: 10, UnitCost: decimal.NewFromInt(2)},
			{VariantID: "sku-2", Qty: 5, UnitCost: decimal.NewFromInt(4)},
		},
	})
	require.NoError(t, err)
	_, err = receipts.Post(ctx, draft.ID)
	require.NoError(t, err)
	require.Equal(t, 1, q.drain(t, applyJob))

	require.Equal(t, int64(10), front.stock["sku-1"])
	require.Equal(t, int64(5), front.stock["sku-2"])
	require.True(t, front.cost["sku-1"].Equal(decimal.NewFromInt(2)))
	report, err := receipts.SyncStatus(ctx, draft.ID)
	require.NoError(t, err)
	require.Equal(t, posting.SyncApplied, report.Status)

	alloc, _, err := landed.Allocate(ctx, landedcost.AllocateInput{
		ReceiptIDs: []int64{draft.ID},
		Total:      decimal.NewFromInt(6),
		Currency:   "USD",
		Method:     landedcost.MethodByValue,
	})
	require.NoError(t, err)
	require.Equal(t, 1, q.drain(t, applyJob))

	require.Equal(t, int64(10), front.stock["sku-1"], "landed cost moves cost only")
	require.True(t, front.cost["sku-1"].Equal(decimal.RequireFromString("2.3")), front.cost["sku-1"].String())
	require.True(t, front.cost["sku-2"].Equal(decimal.RequireFromString("4.6")), front.cost["sku-2"].String())
	landedReport, err := orch.SyncStatus(ctx, shared.LandedCostSource(alloc.ID))
	require.NoError(t, err)
	require.Equal(t, posting.SyncApplied, landedReport.Status)

	_, err = receipts.Reverse(ctx, draft.ID, "supplier recall")
	require.NoError(t, err)
	require.Equal(t, 1, q.drain(t, applyJob))
	require.Zero(t, front.stock["sku-1"])
	require.Zero(t, front.stock["sku-2"])

	// Replaying every source must not touch the storefront again.
	calls := front.calls
	for _, source := range []string{shared.ReceiptSource(draft.ID), shared.LandedCostSource(alloc.ID)} {
		require.NoError(t, orch.Apply(ctx, source))
	}
	require.Equal(t, calls, front.calls)

	state, err := inv.CurrentState(ctx, "sku-1")
	require.NoError(t, err)
	require.Zero(t, state.OnHand)
	require.True(t, state.TotalCost.IsZero(), "landed cost leaves with the reversed units: %s", state.TotalCost)
	verify, err := inv.VerifyRollup(ctx, "sku-1")
	require.NoError(t, err)
	require.False(t, verify.Repaired)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Equal(t, float64(3), counterValue(families, "costing_jobs_total", map[string]string{"job": jobs.TaskPostingApply, "status": "success"}))
}

func counterValue(families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) && metric.GetCounter() != nil {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, expected map[string]string) bool {
	seen := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		seen[pair.GetName()] = pair.GetValue()
	}
	for k, v := range expected {
		if seen[k] != v {
			return false
		}
	}
	return true
}
