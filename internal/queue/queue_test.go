package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tallyops/tallysync/internal/backoff"
	"github.com/tallyops/tallysync/internal/change"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Order == nil {
		opts.Order = change.DependencyOrder{"Voter", "Party", "TallySession", "TallyLine"}
	}
	s, err := Open(filepath.Join(t.TempDir(), "queue.db"), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnqueueAndGet(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	rec, err := s.Enqueue(ctx, "Voter", "v1", change.OpCreate,
		map[string]string{"full_name": "Ada Quorum"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	entry, ok, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Expected entry to exist")
	}
	if entry.Status != StatusPending {
		t.Errorf("Expected pending, got %s", entry.Status)
	}
	if entry.Record.Data["full_name"] != "Ada Quorum" {
		t.Errorf("Unexpected data %v", entry.Record.Data)
	}
	if entry.Record.Operation != change.OpCreate {
		t.Errorf("Expected CREATE, got %s", entry.Record.Operation)
	}
}

func TestEnqueueRejectsInvalidOperation(t *testing.T) {
	s := openTestStore(t, Options{})

	_, err := s.Enqueue(context.Background(), "Voter", "v1", change.Operation("MERGE"), nil)
	if err == nil {
		t.Error("Expected error for invalid operation")
	}
}

func TestPendingOrderedRespectsDependencies(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	// Enqueue child before parent; drain order must still be parent-first.
	if _, err := s.Enqueue(ctx, "TallyLine", "line-1", change.OpCreate, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Enqueue(ctx, "TallySession", "sess-1", change.OpCreate, nil); err != nil {
		t.Fatal(err)
	}

	records, err := s.PendingOrdered(ctx, 10)
	if err != nil {
		t.Fatalf("PendingOrdered: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].EntityType != "TallySession" {
		t.Errorf("Expected TallySession first, got %s", records[0].EntityType)
	}
	if records[1].EntityType != "TallyLine" {
		t.Errorf("Expected TallyLine second, got %s", records[1].EntityType)
	}
}

func TestPendingOrderedLimit(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.Enqueue(ctx, "Voter", "v", change.OpUpdate, nil); err != nil {
			t.Fatal(err)
		}
	}

	records, err := s.PendingOrdered(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Errorf("Expected 3 records, got %d", len(records))
	}
}

func TestMarkSyncedDeletes(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	rec, err := s.Enqueue(ctx, "Party", "p1", change.OpCreate, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.MarkSynced(ctx, []string{rec.ID}); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	_, ok, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("Expected synced entry to be deleted")
	}

	// Confirming again is a no-op, not an error.
	if err := s.MarkSynced(ctx, []string{rec.ID}); err != nil {
		t.Errorf("Second MarkSynced: %v", err)
	}
}

func TestMarkFailedSchedulesRetry(t *testing.T) {
	s := openTestStore(t, Options{
		MaxRetries: 5,
		Backoff:    backoff.Strategy{Base: 2, Max: time.Hour},
	})
	ctx := context.Background()

	rec, err := s.Enqueue(ctx, "Voter", "v1", change.OpUpdate, nil)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if err := s.MarkFailed(ctx, rec.ID, "connection refused", 2); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	entry, ok, _ := s.Get(ctx, rec.ID)
	if !ok {
		t.Fatal("Entry vanished")
	}
	if entry.Status != StatusRetry {
		t.Errorf("Expected retry, got %s", entry.Status)
	}
	if entry.LastError != "connection refused" {
		t.Errorf("Unexpected last error %q", entry.LastError)
	}
	if entry.NextRetryAt == nil {
		t.Fatal("Expected next_retry_at to be set")
	}
	// Backoff for retry count 2 is 4 seconds.
	if want := now.Add(4 * time.Second); !entry.NextRetryAt.Equal(want) {
		t.Errorf("Expected retry at %v, got %v", want, entry.NextRetryAt)
	}
}

func TestMarkFailedPermanentAtCeiling(t *testing.T) {
	s := openTestStore(t, Options{MaxRetries: 3})
	ctx := context.Background()

	rec, err := s.Enqueue(ctx, "Voter", "v1", change.OpUpdate, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.MarkFailed(ctx, rec.ID, "server error", 3); err != nil {
		t.Fatal(err)
	}

	entry, _, _ := s.Get(ctx, rec.ID)
	if entry.Status != StatusFailedPermanent {
		t.Errorf("Expected failed_permanent, got %s", entry.Status)
	}
	if entry.NextRetryAt != nil {
		t.Error("Expected no retry schedule for permanent failure")
	}

	// A permanent failure is terminal; later marks must not resurrect it.
	if err := s.MarkFailed(ctx, rec.ID, "later error", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkDependencyConflict(ctx, rec.ID, "TallySession"); err != nil {
		t.Fatal(err)
	}

	entry, _, _ = s.Get(ctx, rec.ID)
	if entry.Status != StatusFailedPermanent {
		t.Errorf("Terminal entry changed status to %s", entry.Status)
	}
}

func TestMarkDependencyConflict(t *testing.T) {
	delay := 5 * time.Minute
	s := openTestStore(t, Options{DependencyConflictDelay: delay})
	ctx := context.Background()

	rec, err := s.Enqueue(ctx, "TallyLine", "line-1", change.OpCreate, nil)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if err := s.MarkDependencyConflict(ctx, rec.ID, "TallySession sess-1"); err != nil {
		t.Fatal(err)
	}

	entry, _, _ := s.Get(ctx, rec.ID)
	if entry.Status != StatusDependencyConflict {
		t.Errorf("Expected dependency_conflict, got %s", entry.Status)
	}
	if want := now.Add(delay); entry.NextRetryAt == nil || !entry.NextRetryAt.Equal(want) {
		t.Errorf("Expected retry at %v, got %v", want, entry.NextRetryAt)
	}
	// Dependency conflicts do not consume retry budget.
	if entry.Record.RetryCount != 0 {
		t.Errorf("Expected retry count untouched, got %d", entry.Record.RetryCount)
	}
}

func TestRetryReady(t *testing.T) {
	s := openTestStore(t, Options{MaxRetries: 5})
	ctx := context.Background()

	due, err := s.Enqueue(ctx, "Voter", "v-due", change.OpUpdate, nil)
	if err != nil {
		t.Fatal(err)
	}
	notDue, err := s.Enqueue(ctx, "Voter", "v-later", change.OpUpdate, nil)
	if err != nil {
		t.Fatal(err)
	}

	past := time.Now().UTC().Add(-time.Hour)
	s.now = func() time.Time { return past }
	if err := s.MarkFailed(ctx, due.ID, "timeout", 1); err != nil {
		t.Fatal(err)
	}

	future := time.Now().UTC().Add(time.Hour)
	s.now = func() time.Time { return future }
	if err := s.MarkFailed(ctx, notDue.ID, "timeout", 1); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return time.Now().UTC() }
	ready, err := s.RetryReady(ctx)
	if err != nil {
		t.Fatalf("RetryReady: %v", err)
	}
	if len(ready) != 1 {
		t.Fatalf("Expected 1 ready entry, got %d", len(ready))
	}
	if ready[0].ID != due.ID {
		t.Errorf("Expected %s, got %s", due.ID, ready[0].ID)
	}
}

func TestRetryReadyIncludesDependencyConflicts(t *testing.T) {
	s := openTestStore(t, Options{DependencyConflictDelay: 5 * time.Minute})
	ctx := context.Background()

	rec, err := s.Enqueue(ctx, "TallyLine", "line-1", change.OpCreate, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Park the entry far enough in the past that its fixed delay has elapsed.
	past := time.Now().UTC().Add(-time.Hour)
	s.now = func() time.Time { return past }
	if err := s.MarkDependencyConflict(ctx, rec.ID, "TallySession sess-1"); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return time.Now().UTC() }
	ready, err := s.RetryReady(ctx)
	if err != nil {
		t.Fatalf("RetryReady: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != rec.ID {
		t.Fatalf("Expected parked entry to become retry-ready, got %d entries", len(ready))
	}

	// Once the next push accepts it, the entry drains like any other.
	if err := s.MarkSynced(ctx, []string{rec.ID}); err != nil {
		t.Fatal(err)
	}
	_, ok, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("Expected recovered entry removed after sync")
	}
}

func TestPendingExists(t *testing.T) {
	s := openTestStore(t, Options{MaxRetries: 1})
	ctx := context.Background()

	rec, err := s.Enqueue(ctx, "Voter", "v1", change.OpUpdate, nil)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := s.PendingExists(ctx, "Voter", "v1")
	if err != nil || !ok {
		t.Errorf("Expected pending entry (ok=%v, err=%v)", ok, err)
	}
	ok, _ = s.PendingExists(ctx, "Voter", "v2")
	if ok {
		t.Error("Expected no pending entry for v2")
	}

	// Terminal entries do not count as pending work.
	if err := s.MarkFailed(ctx, rec.ID, "bad", 1); err != nil {
		t.Fatal(err)
	}
	ok, _ = s.PendingExists(ctx, "Voter", "v1")
	if ok {
		t.Error("Expected failed_permanent entry not to count")
	}
}

func TestCounts(t *testing.T) {
	s := openTestStore(t, Options{MaxRetries: 2})
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, "Voter", "v1", change.OpCreate, nil); err != nil {
		t.Fatal(err)
	}
	failed, err := s.Enqueue(ctx, "Voter", "v2", change.OpCreate, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFailed(ctx, failed.ID, "rejected", 5); err != nil {
		t.Fatal(err)
	}

	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.Total != 2 || counts.Pending != 1 || counts.FailedPermanent != 1 {
		t.Errorf("Unexpected counts %+v", counts)
	}
}

func TestClearPreservesCursor(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	cursor := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	if err := s.SetCursor(ctx, cursor); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Enqueue(ctx, "Voter", "v1", change.OpCreate, nil); err != nil {
		t.Fatal(err)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	counts, _ := s.Counts(ctx)
	if counts.Total != 0 {
		t.Errorf("Expected empty queue, got %d entries", counts.Total)
	}
	got, ok, err := s.Cursor(ctx)
	if err != nil || !ok {
		t.Fatalf("Cursor after clear (ok=%v, err=%v)", ok, err)
	}
	if !got.Equal(cursor) {
		t.Errorf("Expected cursor %v, got %v", cursor, got)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	_, ok, err := s.Cursor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("Expected no cursor before first pull")
	}

	ts := time.Date(2026, 8, 1, 9, 30, 0, 123456000, time.UTC)
	if err := s.SetCursor(ctx, ts); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.Cursor(ctx)
	if err != nil || !ok {
		t.Fatalf("Cursor (ok=%v, err=%v)", ok, err)
	}
	if !got.Equal(ts) {
		t.Errorf("Expected %v, got %v", ts, got)
	}
}

func TestPriorityEnqueueHook(t *testing.T) {
	s := openTestStore(t, Options{PriorityTypes: []string{"TallyLine"}})
	ctx := context.Background()

	fired := 0
	s.OnPriorityEnqueue(func() { fired++ })

	if _, err := s.Enqueue(ctx, "Voter", "v1", change.OpCreate, nil); err != nil {
		t.Fatal(err)
	}
	if fired != 0 {
		t.Errorf("Hook fired for non-priority type")
	}

	if _, err := s.Enqueue(ctx, "TallyLine", "line-1", change.OpUpdate, nil); err != nil {
		t.Fatal(err)
	}
	if fired != 1 {
		t.Errorf("Expected hook fired once, got %d", fired)
	}
}
