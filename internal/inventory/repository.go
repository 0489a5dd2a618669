package inventory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/costing/internal/platform/db"
)

// Repository persists the cost layer ledger and rollups in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository exposes ledger operations on a transaction owned by another module.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// WithTx executes the callback inside a transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const rollupColumns = `variant_id, on_hand, total_cost, wac, last_sequence, updated_at`

const eventColumns = `id, variant_id, sequence, kind, qty_delta, cost_delta, COALESCE(receipt_id, 0), COALESCE(receipt_line_id, 0), COALESCE(allocation_id, 0), flagged, occurred_at`

// GetRollup returns the cached rollup row.
func (r *Repository) GetRollup(ctx context.Context, variantID string) (Rollup, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+rollupColumns+` FROM cost_rollups WHERE variant_id=$1`, variantID)
	rollup, err := scanRollup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rollup{VariantID: variantID}, ErrRollupNotFound
	}
	return rollup, err
}

// MaxSequence returns the highest ledger sequence of the variant, 0 when it has no events.
func (r *Repository) MaxSequence(ctx context.Context, variantID string) (int64, error) {
	var seq int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM cost_layer_events WHERE variant_id=$1`, variantID).Scan(&seq)
	return seq, err
}

// ListEvents pages through a variant's events in sequence order.
func (r *Repository) ListEvents(ctx context.Context, variantID string, afterSequence int64, limit int) ([]CostEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT `+eventColumns+` FROM cost_layer_events
WHERE variant_id=$1 AND sequence > $2
ORDER BY sequence ASC
LIMIT $3`, variantID, afterSequence, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// ListVariantIDs returns every variant that has a ledger.
func (r *Repository) ListVariantIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT variant_id FROM cost_layer_events ORDER BY variant_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *txRepository) LockRollup(ctx context.Context, variantID string) (Rollup, error) {
	if _, err := r.tx.Exec(ctx, `INSERT INTO cost_rollups (variant_id, on_hand, total_cost, wac, last_sequence, updated_at)
VALUES ($1, 0, 0, 0, 0, NOW())
ON CONFLICT (variant_id) DO NOTHING`, variantID); err != nil {
		return Rollup{}, err
	}
	row := r.tx.QueryRow(ctx, `SELECT `+rollupColumns+` FROM cost_rollups WHERE variant_id=$1 FOR UPDATE`, variantID)
	return scanRollup(row)
}

func (r *txRepository) InsertEvent(ctx context.Context, evt CostEvent) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO cost_layer_events (variant_id, sequence, kind, qty_delta, cost_delta, receipt_id, receipt_line_id, allocation_id, flagged, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		evt.VariantID, evt.Sequence, string(evt.Kind), evt.QtyDelta, evt.CostDelta,
		nullInt(evt.Origin.ReceiptID), nullInt(evt.Origin.ReceiptLineID), nullInt(evt.Origin.AllocationID),
		evt.Flagged, evt.OccurredAt).Scan(&id)
	return id, err
}

func (r *txRepository) SaveRollup(ctx context.Context, rollup Rollup) error {
	_, err := r.tx.Exec(ctx, `UPDATE cost_rollups SET on_hand=$2, total_cost=$3, wac=$4, last_sequence=$5, updated_at=NOW() WHERE variant_id=$1`,
		rollup.VariantID, rollup.OnHand, rollup.TotalCost, rollup.WAC, rollup.LastSequence)
	return err
}

func (r *txRepository) EventsForVariant(ctx context.Context, variantID string) ([]CostEvent, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+eventColumns+` FROM cost_layer_events WHERE variant_id=$1 ORDER BY sequence ASC`, variantID)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func (r *txRepository) ReceiptAdjustments(ctx context.Context, receiptID int64) ([]CostEvent, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+eventColumns+` FROM cost_layer_events
WHERE receipt_id=$1 AND kind='ADJUSTMENT'
ORDER BY id ASC`, receiptID)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func scanRollup(row pgx.Row) (Rollup, error) {
	var rollup Rollup
	err := row.Scan(&rollup.VariantID, &rollup.OnHand, &rollup.TotalCost, &rollup.WAC, &rollup.LastSequence, &rollup.UpdatedAt)
	return rollup, err
}

func collectEvents(rows pgx.Rows) ([]CostEvent, error) {
	defer rows.Close()
	events := []CostEvent{}
	for rows.Next() {
		var evt CostEvent
		var kind string
		if err := rows.Scan(&evt.ID, &evt.VariantID, &evt.Sequence, &kind, &evt.QtyDelta, &evt.CostDelta,
			&evt.Origin.ReceiptID, &evt.Origin.ReceiptLineID, &evt.Origin.AllocationID, &evt.Flagged, &evt.OccurredAt); err != nil {
			return nil, err
		}
		evt.Kind = EventKind(kind)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
