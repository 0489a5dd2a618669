package procurement

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/costing/internal/inventory"
	"github.com/odyssey-erp/costing/internal/platform/db"
	"github.com/odyssey-erp/costing/internal/posting"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	inventory.TxRepository
	posting.TxWriter
	tx pgx.Tx
}

// NewTxRepository binds receipt, ledger and outbox operations to one transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{
		TxRepository: inventory.NewTxRepository(tx),
		TxWriter:     posting.NewTxRepository(tx),
		tx:           tx,
	}
}

// WithTx wraps callback in a read-committed transaction; rows that drive a transition are locked explicitly.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

const receiptColumns = `id, number, po_id, supplier_id, status, reversal_of_id, reversed_by_id, notes, created_at, posted_at, updated_at`

const receiptLineColumns = `id, receipt_id, variant_id, qty, unit_cost, currency`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// GetPurchaseOrder returns the order with its lines.
func (r *Repository) GetPurchaseOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return loadPurchaseOrder(ctx, r.pool, id, false)
}

// GetReceipt returns the receipt with its lines.
func (r *Repository) GetReceipt(ctx context.Context, id int64) (Receipt, error) {
	receipt, err := scanReceipt(r.pool.QueryRow(ctx, `SELECT `+receiptColumns+` FROM goods_receipts WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Receipt{}, ErrReceiptNotFound
	}
	if err != nil {
		return Receipt{}, err
	}
	receipt.Lines, err = loadReceiptLines(ctx, r.pool, id)
	return receipt, err
}

// ReceiptNumberExists checks number uniqueness ahead of the insert.
func (r *Repository) ReceiptNumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM goods_receipts WHERE number=$1)`, number).Scan(&exists)
	return exists, err
}

func (tx *txRepo) GetPurchaseOrderForUpdate(ctx context.Context, id int64) (PurchaseOrder, error) {
	return loadPurchaseOrder(ctx, tx.tx, id, true)
}

func (tx *txRepo) SavePurchaseOrder(ctx context.Context, po PurchaseOrder) error {
	for _, line := range po.Lines {
		if _, err := tx.tx.Exec(ctx, `UPDATE purchase_order_lines SET received_qty=$2 WHERE id=$1`, line.ID, line.ReceivedQty); err != nil {
			return err
		}
	}
	_, err := tx.tx.Exec(ctx, `UPDATE purchase_orders SET status=$2, updated_at=NOW() WHERE id=$1`, po.ID, string(po.Status))
	return err
}

func (tx *txRepo) GetReceiptForUpdate(ctx context.Context, id int64) (Receipt, error) {
	receipt, err := scanReceipt(tx.tx.QueryRow(ctx, `SELECT `+receiptColumns+` FROM goods_receipts WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Receipt{}, ErrReceiptNotFound
	}
	return receipt, err
}

func (tx *txRepo) ListReceiptLines(ctx context.Context, receiptID int64) ([]ReceiptLine, error) {
	return loadReceiptLines(ctx, tx.tx, receiptID)
}

func (tx *txRepo) InsertReceipt(ctx context.Context, receipt Receipt) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO goods_receipts (number, po_id, supplier_id, status, reversal_of_id, notes, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		receipt.Number, receipt.PurchaseOrderID, receipt.SupplierID, string(receipt.Status),
		nullableID(receipt.ReversalOfID), receipt.Notes, receipt.CreatedAt, receipt.UpdatedAt).Scan(&id)
	if db.IsUniqueViolation(err) {
		return 0, ErrDuplicateNumber
	}
	return id, err
}

func (tx *txRepo) ReplaceReceiptLines(ctx context.Context, receiptID int64, lines []ReceiptLine) ([]ReceiptLine, error) {
	if _, err := tx.tx.Exec(ctx, `DELETE FROM goods_receipt_lines WHERE receipt_id=$1`, receiptID); err != nil {
		return nil, err
	}
	out := make([]ReceiptLine, 0, len(lines))
	for _, line := range lines {
		line.ReceiptID = receiptID
		err := tx.tx.QueryRow(ctx, `INSERT INTO goods_receipt_lines (receipt_id, variant_id, qty, unit_cost, currency)
VALUES ($1,$2,$3,$4,$5) RETURNING id`, receiptID, line.VariantID, line.Qty, line.UnitCost, line.Currency).Scan(&line.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, nil
}

func (tx *txRepo) UpdateReceipt(ctx context.Context, receipt Receipt) error {
	var postedAt pgtype.Timestamptz
	if receipt.PostedAt != nil {
		postedAt = pgtype.Timestamptz{Time: *receipt.PostedAt, Valid: true}
	}
	_, err := tx.tx.Exec(ctx, `UPDATE goods_receipts SET status=$2, reversed_by_id=$3, notes=$4, posted_at=$5, updated_at=$6 WHERE id=$1`,
		receipt.ID, string(receipt.Status), nullableID(receipt.ReversedByID), receipt.Notes, postedAt, receipt.UpdatedAt)
	return err
}

func loadPurchaseOrder(ctx context.Context, q querier, id int64, lock bool) (PurchaseOrder, error) {
	query := `SELECT id, number, supplier_id, status, currency, updated_at FROM purchase_orders WHERE id=$1`
	if lock {
		query += ` FOR UPDATE`
	}
	var po PurchaseOrder
	var status string
	err := q.QueryRow(ctx, query, id).Scan(&po.ID, &po.Number, &po.SupplierID, &status, &po.Currency, &po.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PurchaseOrder{}, ErrPONotFound
	}
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Status = POStatus(status)

	rows, err := q.Query(ctx, `SELECT id, po_id, variant_id, ordered_qty, received_qty, expected_unit_cost
FROM purchase_order_lines WHERE po_id=$1 ORDER BY id`, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line POLine
		if err := rows.Scan(&line.ID, &line.POID, &line.VariantID, &line.OrderedQty, &line.ReceivedQty, &line.ExpectedUnitCost); err != nil {
			return PurchaseOrder{}, err
		}
		po.Lines = append(po.Lines, line)
	}
	return po, rows.Err()
}

func loadReceiptLines(ctx context.Context, q querier, receiptID int64) ([]ReceiptLine, error) {
	rows, err := q.Query(ctx, `SELECT `+receiptLineColumns+` FROM goods_receipt_lines WHERE receipt_id=$1 ORDER BY id`, receiptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lines := []ReceiptLine{}
	for rows.Next() {
		var line ReceiptLine
		if err := rows.Scan(&line.ID, &line.ReceiptID, &line.VariantID, &line.Qty, &line.UnitCost, &line.Currency); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func scanReceipt(row pgx.Row) (Receipt, error) {
	var receipt Receipt
	var status string
	var reversalOf, reversedBy pgtype.Int8
	var postedAt pgtype.Timestamptz
	var createdAt, updatedAt time.Time
	err := row.Scan(&receipt.ID, &receipt.Number, &receipt.PurchaseOrderID, &receipt.SupplierID, &status,
		&reversalOf, &reversedBy, &receipt.Notes, &createdAt, &postedAt, &updatedAt)
	if err != nil {
		return Receipt{}, err
	}
	receipt.Status = ReceiptStatus(status)
	receipt.CreatedAt = createdAt
	receipt.UpdatedAt = updatedAt
	if reversalOf.Valid {
		v := reversalOf.Int64
		receipt.ReversalOfID = &v
	}
	if reversedBy.Valid {
		v := reversedBy.Int64
		receipt.ReversedByID = &v
	}
	if postedAt.Valid {
		t := postedAt.Time
		receipt.PostedAt = &t
	}
	return receipt, nil
}

func nullableID(id *int64) pgtype.Int8 {
	if id == nil {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: *id, Valid: true}
}
