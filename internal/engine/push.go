package engine

import (
	"context"
	"errors"

	"github.com/tallyops/tallysync/internal/change"
	"github.com/tallyops/tallysync/internal/transport"
)

// pushPhase drains one bounded window of outbound changes: retry-ready
// entries first, then pending entries, merged into dependency order and
// pushed batch by batch, strictly sequentially. Per-record failures become
// queue-state transitions, never phase errors; only a queue-store failure
// aborts the phase.
func (e *Engine) pushPhase(ctx context.Context) error {
	retryReady, err := e.queue.RetryReady(ctx)
	if err != nil {
		return err
	}
	pending, err := e.queue.PendingOrdered(ctx, e.cfg.PushLimit)
	if err != nil {
		return err
	}

	records := mergeRecords(retryReady, pending)
	e.cfg.Order.Sort(records)
	if len(records) > e.cfg.PushLimit {
		records = records[:e.cfg.PushLimit]
	}
	if len(records) == 0 {
		return nil
	}

	batches := splitBatches(records, e.cfg.MaxBatchBytes)
	e.logger.Debug("push phase",
		"changes", len(records),
		"batches", len(batches))

	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := e.transport.Push(ctx, batch)
		switch {
		case errors.Is(err, transport.ErrDependencyConflict):
			// The server gives no per-record breakdown on 409, so the
			// whole batch waits for the missing parent to sync.
			for _, rec := range batch {
				if qerr := e.queue.MarkDependencyConflict(ctx, rec.ID, "batch rejected by server"); qerr != nil {
					e.logger.Warn("mark dependency conflict failed", "id", rec.ID, "error", qerr)
				}
			}
		case err != nil:
			for _, rec := range batch {
				if qerr := e.queue.MarkFailed(ctx, rec.ID, err.Error(), rec.RetryCount+1); qerr != nil {
					e.logger.Warn("mark failed failed", "id", rec.ID, "error", qerr)
				}
			}
		default:
			e.handlePushResponse(ctx, batch, resp)
		}
	}
	return nil
}

// handlePushResponse sorts the batch into accepted, failed and conflicting
// records per the server's response. Conflicting records are superseded:
// the server's version is applied locally and the local change is marked
// synced, not retried.
func (e *Engine) handlePushResponse(ctx context.Context, batch []change.Record, resp *transport.PushResponse) {
	failed := make(map[string]bool, len(resp.FailedChanges))
	for _, rec := range resp.FailedChanges {
		failed[rec.ID] = true
	}

	// Conflicts are matched by entity: the server reports its own version
	// of the record, whose id need not equal the pushed change's id.
	conflicts := make(map[string]change.Record, len(resp.Conflicts))
	for _, rec := range resp.Conflicts {
		conflicts[rec.EntityType+"\x00"+rec.EntityID] = rec
	}

	var synced []string
	for _, rec := range batch {
		if failed[rec.ID] {
			if err := e.queue.MarkFailed(ctx, rec.ID, "server processing failed", rec.RetryCount+1); err != nil {
				e.logger.Warn("mark failed failed", "id", rec.ID, "error", err)
			}
			continue
		}

		if server, ok := conflicts[rec.EntityType+"\x00"+rec.EntityID]; ok {
			if err := e.applyRecord(ctx, server); err != nil {
				e.logger.Warn("apply conflict resolution failed",
					"id", rec.ID,
					"entity_type", rec.EntityType,
					"entity_id", rec.EntityID,
					"error", err)
				if qerr := e.queue.MarkFailed(ctx, rec.ID, err.Error(), rec.RetryCount+1); qerr != nil {
					e.logger.Warn("mark failed failed", "id", rec.ID, "error", qerr)
				}
				continue
			}
		}

		synced = append(synced, rec.ID)
	}

	if err := e.queue.MarkSynced(ctx, synced); err != nil {
		e.logger.Warn("mark synced failed", "count", len(synced), "error", err)
	}
}

// mergeRecords concatenates the slices, dropping duplicates by change id.
func mergeRecords(groups ...[]change.Record) []change.Record {
	seen := make(map[string]bool)
	var out []change.Record
	for _, group := range groups {
		for _, rec := range group {
			if seen[rec.ID] {
				continue
			}
			seen[rec.ID] = true
			out = append(out, rec)
		}
	}
	return out
}
