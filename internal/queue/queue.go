// Package queue is the durable, crash-safe store of outbound change records.
// Every local mutation lands here as a pending entry; the sync engine drains
// entries in dependency order and reports outcomes back through the mark
// methods. A confirmed-synced entry is deleted, not soft-marked: absence from
// the queue is the synced state.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tallyops/tallysync/internal/backoff"
	"github.com/tallyops/tallysync/internal/change"
)

// Status is the lifecycle state of a queue entry. There is no "synced"
// status; synced entries are removed.
type Status string

const (
	StatusPending            Status = "pending"
	StatusRetry              Status = "retry"
	StatusDependencyConflict Status = "dependency_conflict"
	StatusFailedPermanent    Status = "failed_permanent"
)

// Entry is a change record plus its queue bookkeeping.
type Entry struct {
	Record      change.Record
	Status      Status
	LastError   string
	NextRetryAt *time.Time
}

// Counts summarizes the queue for status displays.
type Counts struct {
	Total              int
	Pending            int
	Retry              int
	DependencyConflict int
	FailedPermanent    int
}

// Options configures a Store.
type Options struct {
	// Order is the entity dependency order used by PendingOrdered.
	Order change.DependencyOrder
	// MaxRetries is the retry count at which an entry becomes permanent
	// failure.
	MaxRetries int
	// Backoff schedules retries after recoverable failures.
	Backoff backoff.Strategy
	// DependencyConflictDelay is the fixed wait after a missing-dependency
	// response. Longer than early backoff steps: the block clears when the
	// parent syncs, not with time.
	DependencyConflictDelay time.Duration
	// PriorityTypes are entity types whose enqueue fires the fast-sync hook.
	PriorityTypes []string

	Logger *slog.Logger
}

// Store persists queue entries in a single sqlite database. All mutating
// operations are atomic per entry; concurrent enqueues and marks on distinct
// entries never interfere.
type Store struct {
	db       *sql.DB
	order    change.DependencyOrder
	maxRetry int
	backoff  backoff.Strategy
	depDelay time.Duration
	priority map[string]bool
	logger   *slog.Logger

	fastSync func()

	now func() time.Time
}

// Open opens or creates the queue database at path.
func Open(path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open db: %w", err)
	}

	// WAL keeps readers from blocking the engine's writes.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: wal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: busy timeout: %w", err)
	}

	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.Backoff == (backoff.Strategy{}) {
		opts.Backoff = backoff.Default
	}
	if opts.DependencyConflictDelay <= 0 {
		opts.DependencyConflictDelay = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	priority := make(map[string]bool, len(opts.PriorityTypes))
	for _, t := range opts.PriorityTypes {
		priority[t] = true
	}

	s := &Store{
		db:       db,
		order:    opts.Order,
		maxRetry: opts.MaxRetries,
		backoff:  opts.Backoff,
		depDelay: opts.DependencyConflictDelay,
		priority: priority,
		logger:   opts.Logger.With("component", "queue"),
		now:      func() time.Time { return time.Now().UTC() },
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id            TEXT PRIMARY KEY,
			entity_type   TEXT NOT NULL,
			entity_id     TEXT NOT NULL,
			operation     TEXT NOT NULL,
			data          TEXT NOT NULL,
			created_at    INTEGER NOT NULL,
			retry_count   INTEGER NOT NULL DEFAULT 0,
			status        TEXT NOT NULL DEFAULT 'pending',
			last_error    TEXT,
			next_retry_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_entity ON sync_queue(entity_type, entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_retry ON sync_queue(next_retry_at)`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// OnPriorityEnqueue sets the hook fired after an enqueue of a priority
// entity type commits. The hook runs on the enqueuing goroutine and must
// not block; the engine's debounce absorbs bursts.
func (s *Store) OnPriorityEnqueue(fn func()) {
	s.fastSync = fn
}

// Enqueue creates and persists a new pending entry for the mutation and
// returns the change record with its assigned id and timestamp.
func (s *Store) Enqueue(ctx context.Context, entityType, entityID string, op change.Operation, data map[string]string) (change.Record, error) {
	if !op.Valid() {
		return change.Record{}, fmt.Errorf("queue: invalid operation %q", op)
	}

	rec := change.New(entityType, entityID, op, data)

	payload, err := json.Marshal(rec.Data)
	if err != nil {
		return change.Record{}, fmt.Errorf("queue: marshal data: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sync_queue (id, entity_type, entity_id, operation, data, created_at, retry_count, status)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		rec.ID, rec.EntityType, rec.EntityID, string(rec.Operation),
		string(payload), rec.Timestamp.UnixMilli(), string(StatusPending),
	)
	if err != nil {
		return change.Record{}, fmt.Errorf("queue: insert: %w", err)
	}

	s.logger.Debug("change enqueued",
		"id", rec.ID,
		"entity_type", entityType,
		"entity_id", entityID,
		"operation", op)

	// The hook fires only after the row is durably committed, so a crash
	// here loses the signal but never the entry.
	if s.fastSync != nil && s.priority[entityType] {
		s.fastSync()
	}

	return rec, nil
}

// PendingOrdered returns up to limit pending entries grouped by entity type
// in dependency order, each group ordered by creation time ascending. A
// parent's change is always returned no later than its dependents'.
func (s *Store) PendingOrdered(ctx context.Context, limit int) ([]change.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_type, entity_id, operation, data, created_at, retry_count
		 FROM sync_queue WHERE status = ? ORDER BY created_at ASC`,
		string(StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: query pending: %w", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	s.order.Sort(records)
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// RetryReady returns entries in retry or dependency_conflict status whose
// next_retry_at has elapsed, ordered by next_retry_at ascending.
func (s *Store) RetryReady(ctx context.Context) ([]change.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_type, entity_id, operation, data, created_at, retry_count
		 FROM sync_queue
		 WHERE status IN (?, ?) AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC`,
		string(StatusRetry), string(StatusDependencyConflict), s.now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: query retry-ready: %w", err)
	}
	return scanRecords(rows)
}

// MarkSynced deletes the given entries. Unknown ids are silent no-ops so a
// duplicate confirmation mid-batch never crashes the caller.
func (s *Store) MarkSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("queue: mark synced: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("changes synced", "count", n)
	}
	return nil
}

// MarkFailed records a failed push attempt. Below the retry ceiling the
// entry moves to retry with a backoff-scheduled next_retry_at; at or above
// the ceiling it becomes failed_permanent and is never retried
// automatically. Unknown or already-terminal ids are no-ops.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string, retryCount int) error {
	if retryCount >= s.maxRetry {
		_, err := s.db.ExecContext(ctx,
			`UPDATE sync_queue
			 SET status = ?, last_error = ?, retry_count = ?, next_retry_at = NULL
			 WHERE id = ? AND status != ?`,
			string(StatusFailedPermanent), errMsg, retryCount, id, string(StatusFailedPermanent),
		)
		if err != nil {
			return fmt.Errorf("queue: mark failed permanent: %w", err)
		}
		s.logger.Warn("change failed permanently",
			"id", id,
			"retry_count", retryCount,
			"error", errMsg)
		return nil
	}

	nextRetry := s.now().Add(s.backoff.Delay(retryCount))
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue
		 SET status = ?, last_error = ?, retry_count = ?, next_retry_at = ?
		 WHERE id = ? AND status != ?`,
		string(StatusRetry), errMsg, retryCount, nextRetry.UnixMilli(),
		id, string(StatusFailedPermanent),
	)
	if err != nil {
		return fmt.Errorf("queue: mark failed: %w", err)
	}

	s.logger.Debug("change scheduled for retry",
		"id", id,
		"retry_count", retryCount,
		"next_retry_at", nextRetry)
	return nil
}

// MarkDependencyConflict parks the entry until its missing parent has had a
// chance to sync. Uses the fixed dependency delay, not the failure backoff,
// and leaves retry_count untouched: waiting longer does not fix a missing
// parent, the next cycle pushing the parent does.
func (s *Store) MarkDependencyConflict(ctx context.Context, id, missing string) error {
	nextRetry := s.now().Add(s.depDelay)
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue
		 SET status = ?, last_error = ?, next_retry_at = ?
		 WHERE id = ? AND status != ?`,
		string(StatusDependencyConflict), "missing dependency: "+missing,
		nextRetry.UnixMilli(), id, string(StatusFailedPermanent),
	)
	if err != nil {
		return fmt.Errorf("queue: mark dependency conflict: %w", err)
	}

	s.logger.Debug("change blocked on dependency",
		"id", id,
		"missing", missing,
		"next_retry_at", nextRetry)
	return nil
}

// PendingExists reports whether any non-terminal entry exists for the given
// entity. The engine uses it to detect local mutations that never produced
// a change record.
func (s *Store) PendingExists(ctx context.Context, entityType, entityID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sync_queue
		 WHERE entity_type = ? AND entity_id = ? AND status != ?`,
		entityType, entityID, string(StatusFailedPermanent),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("queue: pending exists: %w", err)
	}
	return n > 0, nil
}

// Get returns the full entry for one id, or false when absent.
func (s *Store) Get(ctx context.Context, id string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, entity_type, entity_id, operation, data, created_at, retry_count,
		        status, COALESCE(last_error, ''), next_retry_at
		 FROM sync_queue WHERE id = ?`, id)

	var (
		e       Entry
		payload string
		created int64
		next    sql.NullInt64
		status  string
		op      string
	)
	err := row.Scan(&e.Record.ID, &e.Record.EntityType, &e.Record.EntityID, &op,
		&payload, &created, &e.Record.RetryCount, &status, &e.LastError, &next)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("queue: get: %w", err)
	}

	e.Record.Operation = change.Operation(op)
	e.Record.Timestamp = time.UnixMilli(created).UTC()
	e.Status = Status(status)
	if next.Valid {
		t := time.UnixMilli(next.Int64).UTC()
		e.NextRetryAt = &t
	}
	if err := json.Unmarshal([]byte(payload), &e.Record.Data); err != nil {
		return Entry{}, false, fmt.Errorf("queue: unmarshal data: %w", err)
	}
	return e, true, nil
}

// Counts returns per-status entry counts.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(1) FROM sync_queue GROUP BY status`)
	if err != nil {
		return Counts{}, fmt.Errorf("queue: counts: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, fmt.Errorf("queue: scan counts: %w", err)
		}
		c.Total += n
		switch Status(status) {
		case StatusPending:
			c.Pending = n
		case StatusRetry:
			c.Retry = n
		case StatusDependencyConflict:
			c.DependencyConflict = n
		case StatusFailedPermanent:
			c.FailedPermanent = n
		}
	}
	return c, rows.Err()
}

// Clear removes all entries unconditionally. Intended for tests and manual
// resets; the pull cursor is preserved.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue`); err != nil {
		return fmt.Errorf("queue: clear: %w", err)
	}
	s.logger.Info("queue cleared")
	return nil
}

// Cursor returns the persisted pull cursor, with ok=false before the first
// successful pull.
func (s *Store) Cursor(ctx context.Context) (time.Time, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_state WHERE key = 'pull_cursor'`).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("queue: read cursor: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("queue: parse cursor: %w", err)
	}
	return t, true, nil
}

// SetCursor durably advances the pull cursor.
func (s *Store) SetCursor(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_state (key, value) VALUES ('pull_cursor', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		t.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("queue: set cursor: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanRecords(rows *sql.Rows) ([]change.Record, error) {
	defer rows.Close()

	var records []change.Record
	for rows.Next() {
		var (
			rec     change.Record
			op      string
			payload string
			created int64
		)
		if err := rows.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &op,
			&payload, &created, &rec.RetryCount); err != nil {
			return nil, fmt.Errorf("queue: scan record: %w", err)
		}
		rec.Operation = change.Operation(op)
		rec.Timestamp = time.UnixMilli(created).UTC()
		if err := json.Unmarshal([]byte(payload), &rec.Data); err != nil {
			return nil, fmt.Errorf("queue: unmarshal data: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
