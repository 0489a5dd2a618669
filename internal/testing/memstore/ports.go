package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/costing/internal/inventory"
	"github.com/odyssey-erp/costing/internal/landedcost"
	"github.com/odyssey-erp/costing/internal/posting"
	"github.com/odyssey-erp/costing/internal/procurement"
)

// Inventory returns the ledger repository view.
func (s *Store) Inventory() inventory.RepositoryPort { return inventoryRepo{s} }

// Procurement returns the receipt repository view.
func (s *Store) Procurement() procurement.RepositoryPort { return procurementRepo{s} }

// LandedCost returns the allocation repository view.
func (s *Store) LandedCost() landedcost.RepositoryPort { return landedCostRepo{s} }

// Posting returns the posting repository view.
func (s *Store) Posting() posting.RepositoryPort { return postingRepo{s} }

type inventoryRepo struct{ s *Store }

func (r inventoryRepo) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	return r.s.withTx(ctx, func(t *tx) error { return fn(ctx, t) })
}

func (r inventoryRepo) GetRollup(_ context.Context, variantID string) (inventory.Rollup, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rollup, ok := r.s.rollups[variantID]
	if !ok {
		return inventory.Rollup{VariantID: variantID}, inventory.ErrRollupNotFound
	}
	return rollup, nil
}

func (r inventoryRepo) MaxSequence(_ context.Context, variantID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var max int64
	for _, evt := range r.s.events[variantID] {
		if evt.Sequence > max {
			max = evt.Sequence
		}
	}
	return max, nil
}

func (r inventoryRepo) ListEvents(_ context.Context, variantID string, afterSequence int64, limit int) ([]inventory.CostEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	events := append([]inventory.CostEvent(nil), r.s.events[variantID]...)
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
	out := []inventory.CostEvent{}
	for _, evt := range events {
		if evt.Sequence <= afterSequence {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r inventoryRepo) ListVariantIDs(_ context.Context) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ids := make([]string, 0, len(r.s.events))
	for id := range r.s.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type procurementRepo struct{ s *Store }

func (r procurementRepo) WithTx(ctx context.Context, fn func(context.Context, procurement.TxRepository) error) error {
	return r.s.withTx(ctx, func(t *tx) error { return fn(ctx, t) })
}

func (r procurementRepo) GetPurchaseOrder(_ context.Context, id int64) (procurement.PurchaseOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	po, ok := r.s.pos[id]
	if !ok {
		return procurement.PurchaseOrder{}, procurement.ErrPONotFound
	}
	return copyPO(po), nil
}

func (r procurementRepo) GetReceipt(_ context.Context, id int64) (procurement.Receipt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	receipt, ok := r.s.receipts[id]
	if !ok {
		return procurement.Receipt{}, procurement.ErrReceiptNotFound
	}
	receipt.Lines = append([]procurement.ReceiptLine{}, r.s.lines[id]...)
	return receipt, nil
}

func (r procurementRepo) ReceiptNumberExists(_ context.Context, number string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, receipt := range r.s.receipts {
		if receipt.Number == number {
			return true, nil
		}
	}
	return false, nil
}

type landedCostRepo struct{ s *Store }

func (r landedCostRepo) WithTx(ctx context.Context, fn func(context.Context, landedcost.TxRepository) error) error {
	return r.s.withTx(ctx, func(t *tx) error { return fn(ctx, t) })
}

func (r landedCostRepo) GetAllocation(_ context.Context, id int64) (landedcost.Allocation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	alloc, ok := r.s.allocations[id]
	if !ok {
		return landedcost.Allocation{}, landedcost.ErrAllocationNotFound
	}
	alloc.Lines = append([]landedcost.AllocationLine(nil), alloc.Lines...)
	return alloc, nil
}

type postingRepo struct{ s *Store }

func (r postingRepo) GetRequest(_ context.Context, source string) (posting.Request, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	req, ok := r.s.requests[source]
	if !ok {
		return posting.Request{}, posting.ErrRequestNotFound
	}
	return copyRequest(req), nil
}

func (r postingRepo) EnsureRecord(_ context.Context, rec posting.Record) (posting.Record, error) {
	if err := r.s.fault("EnsureRecord"); err != nil {
		return posting.Record{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := recordKey{rec.Source, rec.Target}
	if existing, ok := r.s.records[key]; ok {
		return existing, nil
	}
	rec.Attempts = 0
	rec.ClaimedUntil = nil
	r.s.records[key] = rec
	return rec, nil
}

func (r postingRepo) ClaimRecord(_ context.Context, source, target string, now, until time.Time) (posting.Record, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := recordKey{source, target}
	rec, ok := r.s.records[key]
	if !ok {
		return posting.Record{}, false, notFound("posting record", source+"/"+target)
	}
	if rec.Status == posting.StatusApplied || (rec.ClaimedUntil != nil && rec.ClaimedUntil.After(now)) {
		return rec, false, nil
	}
	rec.Status = posting.StatusPending
	rec.Attempts++
	rec.ClaimedUntil = &until
	rec.UpdatedAt = now
	r.s.records[key] = rec
	return rec, true, nil
}

func (r postingRepo) MarkApplied(_ context.Context, source, target, externalRef string, now time.Time) error {
	return r.update(source, target, func(rec *posting.Record) {
		rec.Status = posting.StatusApplied
		rec.ExternalRef = externalRef
		rec.LastError = ""
		rec.ClaimedUntil = nil
		rec.UpdatedAt = now
	})
}

func (r postingRepo) MarkFailed(_ context.Context, source, target, message string, now time.Time) error {
	return r.update(source, target, func(rec *posting.Record) {
		if rec.Status == posting.StatusApplied {
			return
		}
		rec.Status = posting.StatusFailed
		rec.LastError = message
		rec.ClaimedUntil = nil
		rec.UpdatedAt = now
	})
}

func (r postingRepo) ReleaseClaim(_ context.Context, source, target string, now time.Time) error {
	return r.update(source, target, func(rec *posting.Record) {
		if rec.Status != posting.StatusPending {
			return
		}
		rec.ClaimedUntil = nil
		rec.UpdatedAt = now
	})
}

func (r postingRepo) update(source, target string, fn func(*posting.Record)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := recordKey{source, target}
	rec, ok := r.s.records[key]
	if !ok {
		return nil
	}
	fn(&rec)
	r.s.records[key] = rec
	return nil
}

func (r postingRepo) MarkSettled(_ context.Context, source string, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	req, ok := r.s.requests[source]
	if !ok || req.SettledAt != nil {
		return nil
	}
	req.SettledAt = &now
	r.s.requests[source] = req
	return nil
}

func (r postingRepo) ListRecords(_ context.Context, source string) ([]posting.Record, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []posting.Record{}
	for key, rec := range r.s.records {
		if key.source == source {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out, nil
}

func (r postingRepo) ListUnsettled(_ context.Context, createdBefore time.Time, limit int) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	pending := make([]posting.Request, 0)
	for _, req := range r.s.requests {
		if req.SettledAt == nil && req.CreatedAt.Before(createdBefore) {
			pending = append(pending, req)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].Source < pending[j].Source
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	out := make([]string, 0, len(pending))
	for _, req := range pending {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, req.Source)
	}
	return out, nil
}

// RecordingDispatcher collects dispatched sources.
type RecordingDispatcher struct {
	mu      sync.Mutex
	sources []string
	Err     error
}

// Dispatch implements posting.Dispatcher.
func (d *RecordingDispatcher) Dispatch(_ context.Context, source string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.sources = append(d.sources, source)
	return nil
}

// Sources returns the dispatched sources in order.
func (d *RecordingDispatcher) Sources() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sources...)
}
