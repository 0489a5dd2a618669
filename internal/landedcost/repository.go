package landedcost

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/costing/internal/platform/db"
	"github.com/odyssey-erp/costing/internal/procurement"
	"github.com/odyssey-erp/costing/internal/shared"
)

// ErrAllocationNotFound indicates the allocation does not exist.
var ErrAllocationNotFound = fmt.Errorf("landedcost: allocation not found: %w", shared.ErrNotFound)

// Repository persists allocations in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	procurement.TxRepository
	tx pgx.Tx
}

// WithTx runs fn with receipt locks, the ledger, the outbox and allocation writes on one transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{TxRepository: procurement.NewTxRepository(tx), tx: tx})
	})
}

// GetAllocation loads the header and lines.
func (r *Repository) GetAllocation(ctx context.Context, id int64) (Allocation, error) {
	var alloc Allocation
	var method string
	err := r.pool.QueryRow(ctx, `SELECT id, method, total, currency, receipt_ids, notes, created_at
FROM landed_cost_allocations WHERE id=$1`, id).
		Scan(&alloc.ID, &method, &alloc.Total, &alloc.Currency, &alloc.ReceiptIDs, &alloc.Notes, &alloc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Allocation{}, ErrAllocationNotFound
	}
	if err != nil {
		return Allocation{}, err
	}
	alloc.Method = Method(method)

	rows, err := r.pool.Query(ctx, `SELECT receipt_id, receipt_line_id, variant_id, weight, share
FROM landed_cost_allocation_lines WHERE allocation_id=$1 ORDER BY receipt_line_id`, id)
	if err != nil {
		return Allocation{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line AllocationLine
		if err := rows.Scan(&line.ReceiptID, &line.ReceiptLineID, &line.VariantID, &line.Weight, &line.Share); err != nil {
			return Allocation{}, err
		}
		alloc.Lines = append(alloc.Lines, line)
	}
	return alloc, rows.Err()
}

func (tx *txRepo) InsertAllocation(ctx context.Context, alloc Allocation) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO landed_cost_allocations (method, total, currency, receipt_ids, notes, created_at)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		string(alloc.Method), alloc.Total, alloc.Currency, alloc.ReceiptIDs, alloc.Notes, alloc.CreatedAt).Scan(&id)
	return id, err
}

func (tx *txRepo) InsertAllocationLines(ctx context.Context, allocationID int64, lines []AllocationLine) error {
	if len(lines) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, line := range lines {
		batch.Queue(`INSERT INTO landed_cost_allocation_lines (allocation_id, receipt_id, receipt_line_id, variant_id, weight, share)
VALUES ($1,$2,$3,$4,$5,$6)`, allocationID, line.ReceiptID, line.ReceiptLineID, line.VariantID, line.Weight, line.Share)
	}
	return tx.tx.SendBatch(ctx, batch).Close()
}
