package posting

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository stores posting requests and records in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txWriter struct {
	tx pgx.Tx
}

// NewTxRepository returns a writer bound to a transaction owned by another module.
func NewTxRepository(tx pgx.Tx) TxWriter {
	return &txWriter{tx: tx}
}

func (w *txWriter) InsertRequest(ctx context.Context, req Request) error {
	payload, err := json.Marshal(req.Deltas)
	if err != nil {
		return err
	}
	_, err = w.tx.Exec(ctx, `INSERT INTO posting_requests (source, deltas, created_at) VALUES ($1, $2, $3)`, req.Source, payload, req.CreatedAt)
	return err
}

const recordColumns = `source, target, status, idempotency_key, COALESCE(external_ref, ''), attempts, COALESCE(last_error, ''), claimed_until, created_at, updated_at`

// GetRequest loads the outbox row of a source.
func (r *Repository) GetRequest(ctx context.Context, source string) (Request, error) {
	var req Request
	var payload []byte
	err := r.pool.QueryRow(ctx, `SELECT source, deltas, created_at, settled_at FROM posting_requests WHERE source=$1`, source).
		Scan(&req.Source, &payload, &req.CreatedAt, &req.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, ErrRequestNotFound
	}
	if err != nil {
		return Request{}, err
	}
	if err := json.Unmarshal(payload, &req.Deltas); err != nil {
		return Request{}, err
	}
	return req, nil
}

// EnsureRecord inserts the record if absent and returns the stored row.
func (r *Repository) EnsureRecord(ctx context.Context, rec Record) (Record, error) {
	if _, err := r.pool.Exec(ctx, `INSERT INTO posting_records (source, target, status, idempotency_key, attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, 0, $5, $5)
ON CONFLICT (source, target) DO NOTHING`, rec.Source, rec.Target, string(rec.Status), rec.IdempotencyKey, rec.CreatedAt); err != nil {
		return Record{}, err
	}
	return r.getRecord(ctx, rec.Source, rec.Target)
}

// ClaimRecord takes the attempt lease with a single conditional update.
func (r *Repository) ClaimRecord(ctx context.Context, source, target string, now, until time.Time) (Record, bool, error) {
	row := r.pool.QueryRow(ctx, `UPDATE posting_records
SET status='PENDING', attempts=attempts+1, claimed_until=$4, updated_at=$3
WHERE source=$1 AND target=$2 AND status <> 'APPLIED' AND (claimed_until IS NULL OR claimed_until <= $3)
RETURNING `+recordColumns, source, target, now, until)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := r.getRecord(ctx, source, target)
		return current, false, err
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// MarkApplied stores the external reference. APPLIED is terminal.
func (r *Repository) MarkApplied(ctx context.Context, source, target, externalRef string, now time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE posting_records
SET status='APPLIED', external_ref=$3, last_error=NULL, claimed_until=NULL, updated_at=$4
WHERE source=$1 AND target=$2`, source, target, externalRef, now)
	return err
}

// MarkFailed records the failure unless the record already reached APPLIED.
func (r *Repository) MarkFailed(ctx context.Context, source, target, message string, now time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE posting_records
SET status='FAILED', last_error=$3, claimed_until=NULL, updated_at=$4
WHERE source=$1 AND target=$2 AND status <> 'APPLIED'`, source, target, message, now)
	return err
}

// ReleaseClaim drops the lease of a PENDING record so a retry can claim it at once.
func (r *Repository) ReleaseClaim(ctx context.Context, source, target string, now time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE posting_records SET claimed_until=NULL, updated_at=$3
WHERE source=$1 AND target=$2 AND status='PENDING'`, source, target, now)
	return err
}

// MarkSettled flags a request whose targets are all APPLIED.
func (r *Repository) MarkSettled(ctx context.Context, source string, now time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE posting_requests SET settled_at=$2 WHERE source=$1 AND settled_at IS NULL`, source, now)
	return err
}

// ListRecords returns the records of a source ordered by target.
func (r *Repository) ListRecords(ctx context.Context, source string) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+recordColumns+` FROM posting_records WHERE source=$1 ORDER BY target`, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListUnsettled returns sources created before the cut-off that are not settled yet, oldest first.
func (r *Repository) ListUnsettled(ctx context.Context, createdBefore time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT source FROM posting_requests
WHERE settled_at IS NULL AND created_at < $1
ORDER BY created_at ASC
LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *Repository) getRecord(ctx context.Context, source, target string) (Record, error) {
	return scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM posting_records WHERE source=$1 AND target=$2`, source, target))
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var status string
	err := row.Scan(&rec.Source, &rec.Target, &status, &rec.IdempotencyKey, &rec.ExternalRef, &rec.Attempts,
		&rec.LastError, &rec.ClaimedUntil, &rec.CreatedAt, &rec.UpdatedAt)
	rec.Status = Status(status)
	return rec, err
}
