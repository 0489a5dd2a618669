package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// SystemActor marks entries written by workers and cron jobs rather than a user.
const SystemActor int64 = 0

// AuditLog is one row of audit_logs.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// Normalize trims the identifying fields and checks they are present.
func (l AuditLog) Normalize() (AuditLog, error) {
	l.Action = strings.TrimSpace(l.Action)
	l.Entity = strings.TrimSpace(l.Entity)
	l.EntityID = strings.TrimSpace(l.EntityID)
	if l.Action == "" || l.Entity == "" || l.EntityID == "" {
		return l, fmt.Errorf("%w: audit entry needs action, entity and entity id", ErrValidation)
	}
	if l.Meta == nil {
		l.Meta = map[string]any{}
	}
	return l, nil
}

// AuditPort is implemented by anything that can persist audit entries.
type AuditPort interface {
	Record(ctx context.Context, log AuditLog) error
}

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const insertAudit = `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`

// AuditLogger appends entries to audit_logs.
type AuditLogger struct {
	db Execer
}

// NewAuditLogger returns a logger writing through db.
func NewAuditLogger(db Execer) *AuditLogger {
	return &AuditLogger{db: db}
}

// Record persists the entry. A zero At lets the database stamp the time.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.db == nil {
		return errors.New("shared: audit logger not initialised")
	}
	log, err := log.Normalize()
	if err != nil {
		return err
	}
	meta, err := json.Marshal(log.Meta)
	if err != nil {
		return fmt.Errorf("shared: audit meta: %w", err)
	}
	var at *time.Time
	if !log.At.IsZero() {
		utc := log.At.UTC()
		at = &utc
	}
	if _, err := l.db.Exec(ctx, insertAudit, log.ActorID, log.Action, log.Entity, log.EntityID, meta, at); err != nil {
		return fmt.Errorf("shared: insert audit %s %s/%s: %w", log.Action, log.Entity, log.EntityID, err)
	}
	return nil
}
