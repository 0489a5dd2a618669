package jobs_test

import (
	"context"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/costing/internal/inventory"
	jobmetrics "github.com/odyssey-erp/costing/internal/jobs"
	"github.com/odyssey-erp/costing/internal/posting"
	"github.com/odyssey-erp/costing/internal/testing/memstore"
	"github.com/odyssey-erp/costing/jobs"
)

type acceptAll struct{ calls int }

func (a *acceptAll) ApplyDelta(_ context.Context, m posting.Mutation) (posting.MutationResult, error) {
	a.calls++
	return posting.MutationResult{Accepted: true, Reference: m.Target}, nil
}

func seedRequest(store *memstore.Store, source string, age time.Duration) {
	store.AddRequest(posting.Request{
		Source:    source,
		Deltas:    []posting.Delta{{Target: "sku-1", QtyDelta: 1, NewUnitCost: decimal.NewFromInt(2), Currency: "USD"}},
		CreatedAt: time.Now().Add(-age),
	})
}

func TestPostingApplyJob(t *testing.T) {
	store := memstore.New()
	seedRequest(store, "receipt:1", time.Hour)
	ext := &acceptAll{}
	orch := posting.NewOrchestrator(store.Posting(), ext, posting.Config{}, nil, nil)
	job := jobs.NewPostingApplyJob(orch, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	ctx := context.Background()

	task, err := jobs.NewPostingApplyTask("receipt:1")
	require.NoError(t, err)
	require.Equal(t, jobs.TaskPostingApply, task.Type())
	require.NoError(t, job.Handle(ctx, task))
	require.NoError(t, job.Handle(ctx, task))
	require.Equal(t, 1, ext.calls)

	missing, err := jobs.NewPostingApplyTask("receipt:404")
	require.NoError(t, err)
	require.ErrorIs(t, job.Handle(ctx, missing), asynq.SkipRetry)

	require.ErrorIs(t, job.Handle(ctx, asynq.NewTask(jobs.TaskPostingApply, []byte("{"))), asynq.SkipRetry)

	_, err = jobs.NewPostingApplyTask("")
	require.Error(t, err)
}

func TestPostingSweepJobRequeuesUnsettled(t *testing.T) {
	store := memstore.New()
	seedRequest(store, "receipt:1", time.Hour)
	seedRequest(store, "receipt:2", time.Hour)
	seedRequest(store, "receipt:3", time.Second)
	orch := posting.NewOrchestrator(store.Posting(), &acceptAll{}, posting.Config{}, nil, nil)
	require.NoError(t, orch.Apply(context.Background(), "receipt:2"))

	dispatcher := &memstore.RecordingDispatcher{}
	job := jobs.NewPostingSweepJob(orch, dispatcher, 2*time.Minute, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := jobs.NewPostingSweepTask(0, 0)
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, []string{"receipt:1"}, dispatcher.Sources())
}

func TestRollupVerifyJobRepairs(t *testing.T) {
	store := memstore.New()
	svc := inventory.NewService(store.Inventory(), nil, nil, inventory.ServiceConfig{Scale: 4}, nil, nil)
	ctx := context.Background()
	for _, variant := range []string{"sku-1", "sku-2", "sku-3"} {
		_, err := svc.AppendEvent(ctx, inventory.AppendInput{VariantID: variant, Kind: inventory.EventKindReceipt, QtyDelta: 2, CostDelta: decimal.NewFromInt(6)})
		require.NoError(t, err)
	}
	store.SetRollup(inventory.Rollup{VariantID: "sku-2", OnHand: 7, TotalCost: decimal.NewFromInt(7), WAC: decimal.NewFromInt(1), LastSequence: 1})

	job := jobs.NewRollupVerifyJob(svc, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := jobs.NewRollupVerifyTask()
	require.NoError(t, err)
	require.NoError(t, job.Handle(ctx, task))

	rollup, err := store.Inventory().GetRollup(ctx, "sku-2")
	require.NoError(t, err)
	require.Equal(t, int64(2), rollup.OnHand)
	require.True(t, rollup.WAC.Equal(decimal.NewFromInt(3)))
}

func TestPostingBackoff(t *testing.T) {
	require.Equal(t, 5*time.Second, jobs.PostingBackoff(0, nil, nil))
	require.Equal(t, 20*time.Second, jobs.PostingBackoff(2, nil, nil))
	require.Equal(t, 30*time.Minute, jobs.PostingBackoff(50, nil, nil))
}
