// Package memstore is an in-memory implementation of every costing repository port. Row locks are modelled
// by a per-key mutex arena held until the transaction ends; writes are buffered and applied on commit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/costing/internal/inventory"
	"github.com/odyssey-erp/costing/internal/landedcost"
	"github.com/odyssey-erp/costing/internal/posting"
	"github.com/odyssey-erp/costing/internal/procurement"
	"github.com/odyssey-erp/costing/internal/shared"
	_ "github.com/odyssey-erp/costing/testing"
)

type recordKey struct {
	source string
	target string
}

// Store holds committed state.
type Store struct {
	mu          sync.Mutex
	locks       map[string]*sync.Mutex
	rollups     map[string]inventory.Rollup
	events      map[string][]inventory.CostEvent
	pos         map[int64]procurement.PurchaseOrder
	receipts    map[int64]procurement.Receipt
	lines       map[int64][]procurement.ReceiptLine
	allocations map[int64]landedcost.Allocation
	requests    map[string]posting.Request
	records     map[recordKey]posting.Record
	audit       []shared.AuditLog
	faults      map[string]error
	nextID      int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		locks:       make(map[string]*sync.Mutex),
		rollups:     make(map[string]inventory.Rollup),
		events:      make(map[string][]inventory.CostEvent),
		pos:         make(map[int64]procurement.PurchaseOrder),
		receipts:    make(map[int64]procurement.Receipt),
		lines:       make(map[int64][]procurement.ReceiptLine),
		allocations: make(map[int64]landedcost.Allocation),
		requests:    make(map[string]posting.Request),
		records:     make(map[recordKey]posting.Record),
		faults:      make(map[string]error),
	}
}

// FailOnce makes the next call of the named operation return err.
func (s *Store) FailOnce(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

func (s *Store) fault(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err, ok := s.faults[op]
	if !ok {
		return nil
	}
	delete(s.faults, op)
	return err
}

func (s *Store) id() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	return m
}

// AddPurchaseOrder seeds an order, assigning ids to it and its lines.
func (s *Store) AddPurchaseOrder(po procurement.PurchaseOrder) procurement.PurchaseOrder {
	po.ID = s.id()
	if po.Status == "" {
		po.Status = procurement.POStatusOpen
	}
	lines := make([]procurement.POLine, len(po.Lines))
	for i, line := range po.Lines {
		line.ID = s.id()
		line.POID = po.ID
		lines[i] = line
	}
	po.Lines = lines
	s.mu.Lock()
	s.pos[po.ID] = copyPO(po)
	s.mu.Unlock()
	return copyPO(po)
}

// columnScale mirrors the NUMERIC(30, 8) cost columns.
const columnScale = 8

// SetRollup overwrites a rollup row without touching the ledger. Costs are stored at the column scale.
func (s *Store) SetRollup(rollup inventory.Rollup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollups[rollup.VariantID] = numericRollup(rollup)
}

// Events returns the committed events of a variant.
func (s *Store) Events(variantID string) []inventory.CostEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]inventory.CostEvent(nil), s.events[variantID]...)
}

// Requests returns every posting request ordered by source.
func (s *Store) Requests() []posting.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]posting.Request, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, copyRequest(req))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// ReceiptCount returns the number of stored receipts.
func (s *Store) ReceiptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receipts)
}

// AuditLogs returns recorded audit entries.
func (s *Store) AuditLogs() []shared.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]shared.AuditLog(nil), s.audit...)
}

// Record implements shared.AuditPort.
func (s *Store) Record(_ context.Context, log shared.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, log)
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(*tx) error) error {
	t := newTx(s)
	defer t.release()
	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.commit()
}

func copyPO(po procurement.PurchaseOrder) procurement.PurchaseOrder {
	po.Lines = append([]procurement.POLine(nil), po.Lines...)
	return po
}

func copyRequest(req posting.Request) posting.Request {
	req.Deltas = append([]posting.Delta(nil), req.Deltas...)
	return req
}

func notFound(what string, id any) error {
	return fmt.Errorf("memstore: %s %v: %w", what, id, shared.ErrNotFound)
}

// AddRequest seeds a committed posting request.
func (s *Store) AddRequest(req posting.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	s.requests[req.Source] = copyRequest(req)
}
