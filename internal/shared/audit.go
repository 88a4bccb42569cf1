package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog is one row of audit_logs. Actor defaults to the wallet on the
// request context.
type AuditLog struct {
	Actor    string
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// AuditLogger appends registry changes to audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the entry.
func (l *AuditLogger) Record(ctx context.Context, entry AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("audit logger not initialised")
	}
	if entry.Action == "" || entry.Entity == "" || entry.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	actor := NormalizeAddress(entry.Actor)
	if actor == "" {
		actor = ActorFromContext(ctx)
	}
	meta := entry.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	var at *time.Time
	if !entry.At.IsZero() {
		at = &entry.At
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (actor, action, entity, entity_id, meta, occurred_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`,
		actor, entry.Action, entry.Entity, entry.EntityID, metaJSON, at)
	return err
}
