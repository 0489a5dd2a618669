package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgRepository reads audit_logs from Postgres.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the Postgres audit reader.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const windowQuery = `SELECT occurred_at, actor_id, action, entity, entity_id, meta
FROM audit_logs
WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
  AND ($2::timestamptz IS NULL OR occurred_at < $2)
  AND ($3::text IS NULL OR entity = $3)
  AND ($4::text IS NULL OR entity_id = $4)
  AND ($5::text IS NULL OR action = $5)
ORDER BY occurred_at DESC, id DESC
LIMIT $6 OFFSET $7`

// Window implements Repository.
func (r *PgRepository) Window(ctx context.Context, filters TimelineFilters, limit, offset int) ([]TimelineRow, error) {
	var limitArg pgtype.Int4
	if limit > 0 {
		limitArg = pgtype.Int4{Int32: int32(limit), Valid: true}
	}
	rows, err := r.pool.Query(ctx, windowQuery,
		toPgTime(filters.From),
		toPgTime(filters.To),
		optionalText(filters.Entity),
		optionalText(filters.EntityID),
		optionalText(filters.Action),
		limitArg,
		offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TimelineRow
	for rows.Next() {
		var (
			row  TimelineRow
			meta []byte
		)
		if err := rows.Scan(&row.At, &row.ActorID, &row.Action, &row.Entity, &row.EntityID, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &row.Meta); err != nil {
				return nil, err
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	if value == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: value, Valid: true}
}
