package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/odyssey-erp/costing/internal/inventory"
	"github.com/odyssey-erp/costing/internal/landedcost"
	"github.com/odyssey-erp/costing/internal/posting"
	"github.com/odyssey-erp/costing/internal/procurement"
	"github.com/odyssey-erp/costing/internal/shared"
)

// tx buffers writes over committed state. It implements the transactional ports of every module.
type tx struct {
	s        *Store
	held     map[string]*sync.Mutex
	order    []string
	rollups  map[string]inventory.Rollup
	events   []inventory.CostEvent
	pos      map[int64]procurement.PurchaseOrder
	receipts map[int64]procurement.Receipt
	lines    map[int64][]procurement.ReceiptLine
	allocs   map[int64]landedcost.Allocation
	requests []posting.Request
}

func newTx(s *Store) *tx {
	return &tx{
		s:        s,
		held:     make(map[string]*sync.Mutex),
		rollups:  make(map[string]inventory.Rollup),
		pos:      make(map[int64]procurement.PurchaseOrder),
		receipts: make(map[int64]procurement.Receipt),
		lines:    make(map[int64][]procurement.ReceiptLine),
		allocs:   make(map[int64]landedcost.Allocation),
	}
}

// lock takes the row lock for key once per transaction.
func (t *tx) lock(key string) {
	if _, ok := t.held[key]; ok {
		return
	}
	m := t.s.lockFor(key)
	m.Lock()
	t.held[key] = m
	t.order = append(t.order, key)
}

func (t *tx) release() {
	for i := len(t.order) - 1; i >= 0; i-- {
		t.held[t.order[i]].Unlock()
	}
	t.held = nil
	t.order = nil
}

func (t *tx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range t.requests {
		if _, exists := s.requests[req.Source]; exists {
			return fmt.Errorf("memstore: posting request %s exists: %w", req.Source, shared.ErrConflict)
		}
	}
	for _, evt := range t.events {
		for _, existing := range s.events[evt.VariantID] {
			if existing.Sequence == evt.Sequence {
				return fmt.Errorf("memstore: duplicate sequence %s/%d: %w", evt.VariantID, evt.Sequence, shared.ErrConflict)
			}
		}
	}
	for id, rollup := range t.rollups {
		s.rollups[id] = rollup
	}
	for _, evt := range t.events {
		s.events[evt.VariantID] = append(s.events[evt.VariantID], evt)
	}
	for id, po := range t.pos {
		s.pos[id] = copyPO(po)
	}
	for id, receipt := range t.receipts {
		s.receipts[id] = receipt
	}
	for id, lines := range t.lines {
		s.lines[id] = append([]procurement.ReceiptLine(nil), lines...)
	}
	for id, alloc := range t.allocs {
		s.allocations[id] = alloc
	}
	for _, req := range t.requests {
		s.requests[req.Source] = copyRequest(req)
	}
	return nil
}

// inventory.TxRepository

func (t *tx) LockRollup(_ context.Context, variantID string) (inventory.Rollup, error) {
	t.lock("variant:" + variantID)
	if rollup, ok := t.rollups[variantID]; ok {
		return rollup, nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	rollup, ok := t.s.rollups[variantID]
	if !ok {
		rollup = inventory.Rollup{VariantID: variantID}
	}
	return rollup, nil
}

func (t *tx) InsertEvent(_ context.Context, evt inventory.CostEvent) (int64, error) {
	if err := t.s.fault("InsertEvent"); err != nil {
		return 0, err
	}
	if _, ok := t.held["variant:"+evt.VariantID]; !ok {
		return 0, fmt.Errorf("memstore: insert event for unlocked variant %s", evt.VariantID)
	}
	evt.ID = t.s.id()
	t.events = append(t.events, evt)
	return evt.ID, nil
}

func (t *tx) SaveRollup(_ context.Context, rollup inventory.Rollup) error {
	if err := t.s.fault("SaveRollup"); err != nil {
		return err
	}
	t.rollups[rollup.VariantID] = numericRollup(rollup)
	return nil
}

// numericRollup applies the NUMERIC(30, 8) column scale Postgres stores the rollup with.
func numericRollup(r inventory.Rollup) inventory.Rollup {
	r.TotalCost = r.TotalCost.Round(columnScale)
	r.WAC = r.WAC.Round(columnScale)
	return r
}

func (t *tx) EventsForVariant(_ context.Context, variantID string) ([]inventory.CostEvent, error) {
	t.s.mu.Lock()
	out := append([]inventory.CostEvent(nil), t.s.events[variantID]...)
	t.s.mu.Unlock()
	for _, evt := range t.events {
		if evt.VariantID == variantID {
			out = append(out, evt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (t *tx) ReceiptAdjustments(_ context.Context, receiptID int64) ([]inventory.CostEvent, error) {
	var out []inventory.CostEvent
	match := func(evt inventory.CostEvent) {
		if evt.Kind == inventory.EventKindAdjustment && evt.Origin.ReceiptID == receiptID {
			out = append(out, evt)
		}
	}
	t.s.mu.Lock()
	for _, events := range t.s.events {
		for _, evt := range events {
			match(evt)
		}
	}
	t.s.mu.Unlock()
	for _, evt := range t.events {
		match(evt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// posting.TxWriter

func (t *tx) InsertRequest(_ context.Context, req posting.Request) error {
	if err := t.s.fault("InsertRequest"); err != nil {
		return err
	}
	t.requests = append(t.requests, copyRequest(req))
	return nil
}

// procurement.TxRepository

func (t *tx) GetPurchaseOrderForUpdate(_ context.Context, id int64) (procurement.PurchaseOrder, error) {
	t.lock(fmt.Sprintf("po:%d", id))
	if po, ok := t.pos[id]; ok {
		return copyPO(po), nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	po, ok := t.s.pos[id]
	if !ok {
		return procurement.PurchaseOrder{}, procurement.ErrPONotFound
	}
	return copyPO(po), nil
}

func (t *tx) SavePurchaseOrder(_ context.Context, po procurement.PurchaseOrder) error {
	if err := t.s.fault("SavePurchaseOrder"); err != nil {
		return err
	}
	t.pos[po.ID] = copyPO(po)
	return nil
}

func (t *tx) GetReceiptForUpdate(_ context.Context, id int64) (procurement.Receipt, error) {
	t.lock(fmt.Sprintf("receipt:%d", id))
	if receipt, ok := t.receipts[id]; ok {
		return receipt, nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	receipt, ok := t.s.receipts[id]
	if !ok {
		return procurement.Receipt{}, procurement.ErrReceiptNotFound
	}
	return receipt, nil
}

func (t *tx) ListReceiptLines(_ context.Context, receiptID int64) ([]procurement.ReceiptLine, error) {
	if lines, ok := t.lines[receiptID]; ok {
		return append([]procurement.ReceiptLine(nil), lines...), nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return append([]procurement.ReceiptLine{}, t.s.lines[receiptID]...), nil
}

func (t *tx) InsertReceipt(_ context.Context, receipt procurement.Receipt) (int64, error) {
	t.s.mu.Lock()
	for _, existing := range t.s.receipts {
		if existing.Number == receipt.Number {
			t.s.mu.Unlock()
			return 0, procurement.ErrDuplicateNumber
		}
	}
	t.s.mu.Unlock()
	receipt.ID = t.s.id()
	receipt.Lines = nil
	t.receipts[receipt.ID] = receipt
	return receipt.ID, nil
}

func (t *tx) ReplaceReceiptLines(_ context.Context, receiptID int64, lines []procurement.ReceiptLine) ([]procurement.ReceiptLine, error) {
	out := make([]procurement.ReceiptLine, 0, len(lines))
	for _, line := range lines {
		line.ID = t.s.id()
		line.ReceiptID = receiptID
		out = append(out, line)
	}
	t.lines[receiptID] = out
	return append([]procurement.ReceiptLine(nil), out...), nil
}

func (t *tx) UpdateReceipt(_ context.Context, receipt procurement.Receipt) error {
	if err := t.s.fault("UpdateReceipt"); err != nil {
		return err
	}
	receipt.Lines = nil
	t.receipts[receipt.ID] = receipt
	return nil
}

// landedcost.TxRepository

func (t *tx) InsertAllocation(_ context.Context, alloc landedcost.Allocation) (int64, error) {
	alloc.ID = t.s.id()
	alloc.Lines = nil
	t.allocs[alloc.ID] = alloc
	return alloc.ID, nil
}

func (t *tx) InsertAllocationLines(_ context.Context, allocationID int64, lines []landedcost.AllocationLine) error {
	alloc, ok := t.allocs[allocationID]
	if !ok {
		return notFound("allocation", allocationID)
	}
	alloc.Lines = append([]landedcost.AllocationLine(nil), lines...)
	t.allocs[allocationID] = alloc
	return nil
}
