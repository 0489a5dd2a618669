package posting_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/costing/internal/posting"
	"github.com/odyssey-erp/costing/internal/shared"
	"github.com/odyssey-erp/costing/internal/testing/memstore"
)

type fakeExternal struct {
	mu      sync.Mutex
	calls   []posting.Mutation
	results []func(ctx context.Context) (posting.MutationResult, error)
}

func (f *fakeExternal) ApplyDelta(ctx context.Context, m posting.Mutation) (posting.MutationResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, m)
	var next func(ctx context.Context) (posting.MutationResult, error)
	if len(f.results) > 0 {
		next = f.results[0]
		f.results = f.results[1:]
	}
	f.mu.Unlock()
	if next == nil {
		return posting.MutationResult{Accepted: true, Reference: "ref-" + m.Target}, nil
	}
	return next(ctx)
}

func (f *fakeExternal) Calls() []posting.Mutation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]posting.Mutation(nil), f.calls...)
}

func reject(msg string) func(context.Context) (posting.MutationResult, error) {
	return func(context.Context) (posting.MutationResult, error) {
		return posting.MutationResult{Message: msg}, nil
	}
}

func hang(ctx context.Context) (posting.MutationResult, error) {
	<-ctx.Done()
	return posting.MutationResult{}, ctx.Err()
}

func seed(store *memstore.Store, source string, targets ...string) {
	deltas := make([]posting.Delta, 0, len(targets))
	for _, target := range targets {
		deltas = append(deltas, posting.Delta{Target: target, QtyDelta: 5, NewUnitCost: decimal.NewFromInt(3), Currency: "USD", OnHand: 15, Sequence: 4})
	}
	store.AddRequest(posting.Request{Source: source, Deltas: deltas, CreatedAt: time.Now().Add(-time.Hour)})
}

func newOrchestrator(store *memstore.Store, ext posting.External) *posting.Orchestrator {
	return posting.NewOrchestrator(store.Posting(), ext, posting.Config{ClaimLease: time.Minute, CallTimeout: 20 * time.Millisecond}, nil, nil)
}

func TestApplyIsIdempotent(t *testing.T) {
	store := memstore.New()
	seed(store, "receipt:1", "sku-1", "sku-2")
	ext := &fakeExternal{}
	orch := newOrchestrator(store, ext)
	ctx := context.Background()

	require.NoError(t, orch.Apply(ctx, "receipt:1"))
	require.NoError(t, orch.Apply(ctx, "receipt:1"))

	calls := ext.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, posting.IdempotencyKey("receipt:1", "sku-1").String(), calls[0].IdempotencyKey)
	require.Equal(t, int64(5), calls[0].QtyDelta)
	require.Equal(t, int64(15), calls[0].OnHand)
	require.Equal(t, int64(4), calls[0].Sequence)

	report, err := orch.SyncStatus(ctx, "receipt:1")
	require.NoError(t, err)
	require.Equal(t, posting.SyncApplied, report.Status)
	require.Len(t, report.Records, 2)
	for _, rec := range report.Records {
		require.Equal(t, posting.StatusApplied, rec.Status)
		require.Equal(t, 1, rec.Attempts)
		require.Equal(t, "ref-"+rec.Target, rec.ExternalRef)
	}

	req, err := store.Posting().GetRequest(ctx, "receipt:1")
	require.NoError(t, err)
	require.NotNil(t, req.SettledAt)

	unsettled, err := orch.Unsettled(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Empty(t, unsettled)
}

func TestApplyRejectionMarksFailedAndRetryRecovers(t *testing.T) {
	store := memstore.New()
	seed(store, "receipt:1", "sku-1")
	ext := &fakeExternal{results: []func(context.Context) (posting.MutationResult, error){reject("unknown variant")}}
	orch := newOrchestrator(store, ext)
	ctx := context.Background()

	err := orch.Apply(ctx, "receipt:1")
	require.ErrorIs(t, err, posting.ErrExternal)
	require.ErrorIs(t, err, shared.ErrExternal)

	report, err := orch.SyncStatus(ctx, "receipt:1")
	require.NoError(t, err)
	require.Equal(t, posting.SyncFailed, report.Status)
	require.Contains(t, report.Records[0].LastError, "unknown variant")

	unsettled, err := orch.Unsettled(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"receipt:1"}, unsettled)

	require.NoError(t, orch.Apply(ctx, "receipt:1"))
	report, err = orch.SyncStatus(ctx, "receipt:1")
	require.NoError(t, err)
	require.Equal(t, posting.SyncApplied, report.Status)
	require.Equal(t, 2, report.Records[0].Attempts)
	require.Empty(t, report.Records[0].LastError)
	require.Len(t, ext.Calls(), 2)
}

func TestApplyTransportErrorMarksFailed(t *testing.T) {
	store := memstore.New()
	seed(store, "receipt:1", "sku-1")
	ext := &fakeExternal{results: []func(context.Context) (posting.MutationResult, error){
		func(context.Context) (posting.MutationResult, error) {
			return posting.MutationResult{}, errors.New("connection refused")
		},
	}}
	orch := newOrchestrator(store, ext)

	err := orch.Apply(context.Background(), "receipt:1")
	require.ErrorIs(t, err, posting.ErrExternal)

	records, err := store.Posting().ListRecords(context.Background(), "receipt:1")
	require.NoError(t, err)
	require.Equal(t, posting.StatusFailed, records[0].Status)
}

func TestApplyTimeoutLeavesRecordPending(t *testing.T) {
	store := memstore.New()
	seed(store, "receipt:1", "sku-1")
	ext := &fakeExternal{results: []func(context.Context) (posting.MutationResult, error){hang}}
	orch := newOrchestrator(store, ext)
	ctx := context.Background()

	err := orch.Apply(ctx, "receipt:1")
	require.ErrorIs(t, err, posting.ErrTimeout)

	records, err := store.Posting().ListRecords(ctx, "receipt:1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, posting.StatusPending, records[0].Status)
	require.Nil(t, records[0].ClaimedUntil)

	report, err := orch.SyncStatus(ctx, "receipt:1")
	require.NoError(t, err)
	require.Equal(t, posting.SyncPending, report.Status)

	require.NoError(t, orch.Apply(ctx, "receipt:1"))
	calls := ext.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, calls[0].IdempotencyKey, calls[1].IdempotencyKey)
}

func TestApplyLiveClaimIsBusy(t *testing.T) {
	store := memstore.New()
	seed(store, "receipt:1", "sku-1")
	repo := store.Posting()
	ctx := context.Background()
	now := time.Now()

	_, err := repo.EnsureRecord(ctx, posting.Record{Source: "receipt:1", Target: "sku-1", Status: posting.StatusPending})
	require.NoError(t, err)
	_, claimed, err := repo.ClaimRecord(ctx, "receipt:1", "sku-1", now, now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)

	ext := &fakeExternal{}
	err = newOrchestrator(store, ext).Apply(ctx, "receipt:1")
	require.ErrorIs(t, err, posting.ErrClaimed)
	require.Empty(t, ext.Calls())
}

func TestConcurrentApplyCallsExternalOnce(t *testing.T) {
	store := memstore.New()
	seed(store, "receipt:1", "sku-1")
	ext := &fakeExternal{}
	orch := newOrchestrator(store, ext)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = orch.Apply(context.Background(), "receipt:1")
		}()
	}
	wg.Wait()

	require.Len(t, ext.Calls(), 1)
	report, err := orch.SyncStatus(context.Background(), "receipt:1")
	require.NoError(t, err)
	require.Equal(t, posting.SyncApplied, report.Status)
}

func TestSyncStatusWithoutRequest(t *testing.T) {
	orch := newOrchestrator(memstore.New(), &fakeExternal{})
	report, err := orch.SyncStatus(context.Background(), "receipt:9")
	require.NoError(t, err)
	require.Equal(t, posting.SyncNotQueued, report.Status)

	err = orch.Apply(context.Background(), "receipt:9")
	require.ErrorIs(t, err, posting.ErrRequestNotFound)
}
