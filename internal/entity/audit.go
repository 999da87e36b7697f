package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"
)

// ActionConflictResolved marks audit rows written when a remote change
// overwrote a locally modified entity.
const ActionConflictResolved = "CONFLICT_RESOLVED"

// AuditLog writes best-effort audit records. Write never returns an error:
// a failed audit write is logged and swallowed so it cannot abort the apply
// path it documents.
type AuditLog struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewAuditLog creates an audit writer over the tally database.
func NewAuditLog(store *Store, logger *slog.Logger) *AuditLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLog{
		db:     store.DB(),
		logger: logger.With("component", "audit"),
	}
}

// Write records one audited action with old and new field values.
func (a *AuditLog) Write(ctx context.Context, operatorID, action, entityType, entityID string, oldValues, newValues map[string]string) {
	oldJSON, err := json.Marshal(oldValues)
	if err != nil {
		a.logger.Warn("audit write skipped", "error", err)
		return
	}
	newJSON, err := json.Marshal(newValues)
	if err != nil {
		a.logger.Warn("audit write skipped", "error", err)
		return
	}

	_, err = a.db.ExecContext(ctx,
		`INSERT INTO audit_log (operator_id, action, entity_type, entity_id, old_values, new_values, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		operatorID, action, entityType, entityID,
		string(oldJSON), string(newJSON),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		a.logger.Warn("audit write failed",
			"action", action,
			"entity_type", entityType,
			"entity_id", entityID,
			"error", err)
	}
}
