package engine

import (
	"context"
	"errors"
	"time"

	"github.com/tallyops/tallysync/internal/change"
	"github.com/tallyops/tallysync/internal/entity"
	"github.com/tallyops/tallysync/internal/events"
)

// remoteOperator is recorded on audit rows when a remote payload does not
// name the operator who made the change.
const remoteOperator = "remote-sync"

// applyPage applies every change in the page. Unknown entity types and
// idempotent no-ops are logged and skipped without failing the page; a
// storage failure aborts it so the cursor is not advanced past unapplied
// changes.
func (e *Engine) applyPage(ctx context.Context, changes []change.Record) error {
	for _, rec := range changes {
		if err := e.applyRecord(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// applyRecord applies one remote change to the local database with
// last-write-wins conflict resolution.
func (e *Engine) applyRecord(ctx context.Context, rec change.Record) error {
	adapter, ok := e.registry.Adapter(rec.EntityType)
	if !ok {
		e.logger.Warn("unknown entity type on apply, skipping",
			"entity_type", rec.EntityType,
			"entity_id", rec.EntityID)
		return nil
	}

	switch rec.Operation {
	case change.OpDelete:
		return e.applyDelete(ctx, adapter, rec)
	case change.OpCreate, change.OpUpdate:
		return e.applyUpsert(ctx, adapter, rec)
	default:
		e.logger.Warn("unknown operation on apply, skipping",
			"operation", rec.Operation,
			"entity_type", rec.EntityType,
			"entity_id", rec.EntityID)
		return nil
	}
}

func (e *Engine) applyDelete(ctx context.Context, adapter entity.Adapter, rec change.Record) error {
	err := adapter.SoftDelete(ctx, rec.EntityID, rec.Data["deleted_by"])
	switch {
	case errors.Is(err, entity.ErrNotFound), errors.Is(err, entity.ErrAlreadyDeleted):
		// Redelivery of a delete is safe; nothing to do.
		e.logger.Debug("delete skipped",
			"entity_type", rec.EntityType,
			"entity_id", rec.EntityID,
			"reason", err)
		return nil
	case err != nil:
		return err
	}

	e.notifyEntity(rec)
	return nil
}

func (e *Engine) applyUpsert(ctx context.Context, adapter entity.Adapter, rec change.Record) error {
	fields := make(map[string]string, len(rec.Data)+1)
	for k, v := range rec.Data {
		fields[k] = v
	}
	if _, ok := fields["updated_at"]; !ok {
		fields["updated_at"] = rec.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	local, err := adapter.Lookup(ctx, rec.EntityID)
	if errors.Is(err, entity.ErrNotFound) {
		if err := adapter.Insert(ctx, rec.EntityID, fields); err != nil {
			return err
		}
		e.notifyEntity(rec)
		return nil
	}
	if err != nil {
		return err
	}

	// Last-write-wins: the remote change prevails when the local entity
	// has no recorded modification time or the remote timestamp is
	// strictly newer. Otherwise the local version stands and reapplying
	// the same remote change is a no-op.
	if local.UpdatedAt != nil && !rec.Timestamp.After(*local.UpdatedAt) {
		e.checkChangeInvariant(ctx, rec)
		return nil
	}

	if err := adapter.Update(ctx, rec.EntityID, fields); err != nil {
		return err
	}
	e.audit.Write(ctx, operatorFor(rec), entity.ActionConflictResolved,
		rec.EntityType, rec.EntityID, local.Fields, fields)

	e.notifyEntity(rec)
	return nil
}

// checkChangeInvariant flags a local entity that is newer than an incoming
// remote change but has no pending change record: every local mutation is
// supposed to enqueue one, so this indicates a bug upstream, not a state to
// repair here.
func (e *Engine) checkChangeInvariant(ctx context.Context, rec change.Record) {
	exists, err := e.queue.PendingExists(ctx, rec.EntityType, rec.EntityID)
	if err != nil {
		e.logger.Warn("pending-change check failed", "error", err)
		return
	}
	if !exists {
		e.logger.Warn("local entity newer than remote change but no pending change record",
			"entity_type", rec.EntityType,
			"entity_id", rec.EntityID)
	}
}

func (e *Engine) notifyEntity(rec change.Record) {
	e.bus.Publish(events.Event{
		Type:       events.EntityUpdated,
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
	})
}

func operatorFor(rec change.Record) string {
	if op, ok := rec.Data["updated_by"]; ok && op != "" {
		return op
	}
	return remoteOperator
}
