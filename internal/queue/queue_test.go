package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/driftq/driftq/internal/record"
)

// setupTestQueue creates a queue in a temp directory with the schema
// initialized.
func setupTestQueue(t *testing.T) *Queue {
	t.Helper()

	q, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	if err := q.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return q
}

func newMutation(entityType, entityID string, op record.Op) *record.Mutation {
	m := &record.Mutation{
		EntityType: entityType,
		EntityID:   entityID,
		Op:         op,
	}
	if op != record.OpDelete {
		m.Payload = []byte(`{"title":"hello"}`)
	}
	return m
}

// backdate rewrites a record's clock fields directly, simulating a record
// that has been sitting in the queue.
func backdate(t *testing.T, q *Queue, id string, enqueuedAt, expiresAt time.Time) {
	t.Helper()
	_, err := q.conn.Exec(`UPDATE mutations SET enqueued_at = ?, expires_at = ? WHERE id = ?`,
		formatTime(enqueuedAt), formatTime(expiresAt), id)
	if err != nil {
		t.Fatalf("failed to backdate record: %v", err)
	}
}

// TestEnqueueAndGet tests the basic append and fetch round trip.
func TestEnqueueAndGet(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	m := newMutation("task", "task-1", record.OpCreate)
	m.Priority = 3
	m.LocalVersion = 7

	id, err := q.Enqueue(m)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if id == "" {
		t.Fatal("Enqueue() returned empty id")
	}

	got, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.EntityType != "task" || got.EntityID != "task-1" {
		t.Errorf("Key = %s, want task/task-1", got.Key())
	}
	if got.Op != record.OpCreate {
		t.Errorf("Op = %v, want %v", got.Op, record.OpCreate)
	}
	if got.Status != record.StatusPending {
		t.Errorf("Status = %v, want %v", got.Status, record.StatusPending)
	}
	if got.Priority != 3 {
		t.Errorf("Priority = %d, want 3", got.Priority)
	}
	if got.LocalVersion != 7 {
		t.Errorf("LocalVersion = %d, want 7", got.LocalVersion)
	}
	if got.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", got.Attempts)
	}

	// Expiry defaults to 24h from enqueue.
	window := got.ExpiresAt.Sub(got.EnqueuedAt)
	if window != 24*time.Hour {
		t.Errorf("expiry window = %v, want 24h", window)
	}
}

// TestEnqueueValidation tests that malformed mutations are rejected.
func TestEnqueueValidation(t *testing.T) {
	q := setupTestQueue(t)

	if _, err := q.Enqueue(&record.Mutation{EntityID: "x", Op: record.OpCreate, Payload: []byte(`{}`)}); err == nil {
		t.Error("Enqueue() should reject a mutation without entity type")
	}
	if _, err := q.Enqueue(&record.Mutation{EntityType: "task", EntityID: "x", Op: record.OpUpdate}); err == nil {
		t.Error("Enqueue() should reject an update without payload")
	}
}

// TestEnqueueSupersedes tests that a second mutation for the same entity
// replaces the queued one in place, preserving id and enqueue time.
func TestEnqueueSupersedes(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	first := newMutation("task", "task-1", record.OpUpdate)
	firstID, err := q.Enqueue(first)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	before, err := q.Get(ctx, firstID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}

	second := newMutation("task", "task-1", record.OpDelete)
	second.Priority = 9
	secondID, err := q.Enqueue(second)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	if secondID != firstID {
		t.Errorf("superseding enqueue returned id %s, want surviving id %s", secondID, firstID)
	}

	var count int
	if err := q.conn.QueryRow(`SELECT COUNT(*) FROM mutations WHERE entity_type = 'task' AND entity_id = 'task-1'`).Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("row count = %d, want 1", count)
	}

	got, err := q.Get(ctx, firstID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Op != record.OpDelete {
		t.Errorf("Op = %v, want %v after supersession", got.Op, record.OpDelete)
	}
	if got.Priority != 9 {
		t.Errorf("Priority = %d, want 9 after supersession", got.Priority)
	}
	if !got.EnqueuedAt.Equal(before.EnqueuedAt) {
		t.Errorf("EnqueuedAt changed from %v to %v, want preserved", before.EnqueuedAt, got.EnqueuedAt)
	}
}

// TestEnqueueConcurrentSameKey tests that racing enqueues for one entity
// leave exactly one queued record.
func TestEnqueueConcurrentSameKey(t *testing.T) {
	q := setupTestQueue(t)

	const workers = 10
	errCh := make(chan error, workers)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(newMutation("task", "task-1", record.OpUpdate))
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("concurrent Enqueue() failed: %v", err)
		}
	}

	var count int
	if err := q.conn.QueryRow(`SELECT COUNT(*) FROM mutations`).Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("row count = %d, want 1 after concurrent enqueues", count)
	}
}

// TestDequeueBatchOrdering tests priority-then-FIFO dequeue order.
func TestDequeueBatchOrdering(t *testing.T) {
	q := setupTestQueue(t)

	a := newMutation("task", "task-a", record.OpUpdate)
	a.Priority = 5
	aID, err := q.Enqueue(a)
	if err != nil {
		t.Fatalf("Enqueue(a) failed: %v", err)
	}

	b := newMutation("task", "task-b", record.OpUpdate)
	b.Priority = 9
	bID, err := q.Enqueue(b)
	if err != nil {
		t.Fatalf("Enqueue(b) failed: %v", err)
	}

	batch, err := q.DequeueBatch(10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("batch size = %d, want 2", len(batch))
	}
	if batch[0].ID != bID || batch[1].ID != aID {
		t.Errorf("batch order = [%s, %s], want [%s, %s]", batch[0].ID, batch[1].ID, bID, aID)
	}
	for _, m := range batch {
		if m.Status != record.StatusInFlight {
			t.Errorf("record %s status = %v, want %v", m.ID, m.Status, record.StatusInFlight)
		}
	}
}

// TestDequeueBatchFIFOWithinPriority tests that equal priorities drain
// oldest first.
func TestDequeueBatchFIFOWithinPriority(t *testing.T) {
	q := setupTestQueue(t)

	var ids []string
	for _, entity := range []string{"e-1", "e-2", "e-3"} {
		id, err := q.Enqueue(newMutation("task", entity, record.OpUpdate))
		if err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
		ids = append(ids, id)
	}

	batch, err := q.DequeueBatch(10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batch))
	}
	for i, m := range batch {
		if m.ID != ids[i] {
			t.Errorf("batch[%d] = %s, want %s", i, m.ID, ids[i])
		}
	}
}

// TestDequeueBatchExhausts tests that a second dequeue finds nothing while
// the first batch is in flight.
func TestDequeueBatchExhausts(t *testing.T) {
	q := setupTestQueue(t)

	if _, err := q.Enqueue(newMutation("task", "task-1", record.OpUpdate)); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	first, err := q.DequeueBatch(10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first batch size = %d, want 1", len(first))
	}

	second, err := q.DequeueBatch(10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second batch size = %d, want 0", len(second))
	}
}

// TestDequeueBatchExcludesEntityWithInFlight tests that a newly enqueued
// record waits while its entity still has a record in flight.
func TestDequeueBatchExcludesEntityWithInFlight(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(newMutation("task", "task-1", record.OpUpdate)); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	batch, err := q.DequeueBatch(10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	inFlightID := batch[0].ID

	// A new mutation for the same entity queues behind the in-flight one.
	newID, err := q.Enqueue(newMutation("task", "task-1", record.OpDelete))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if newID == inFlightID {
		t.Fatal("new record should not supersede an in-flight record")
	}

	blocked, err := q.DequeueBatch(10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(blocked) != 0 {
		t.Errorf("batch size = %d, want 0 while entity has in-flight record", len(blocked))
	}

	// Once the in-flight record resolves, the queued one becomes eligible.
	if err := q.AcknowledgeContext(ctx, inFlightID); err != nil {
		t.Fatalf("Acknowledge() failed: %v", err)
	}
	ready, err := q.DequeueBatch(10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != newID {
		t.Errorf("batch = %v, want the queued record %s", ready, newID)
	}
}

// TestDequeueBatchCriticalBypassesCap tests that critical records ride along
// regardless of the batch size cap.
func TestDequeueBatchCriticalBypassesCap(t *testing.T) {
	q := setupTestQueue(t)

	for _, entity := range []string{"n-1", "n-2", "n-3"} {
		m := newMutation("task", entity, record.OpUpdate)
		m.Priority = 5
		if _, err := q.Enqueue(m); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}
	// Critical records with the lowest priority, sorting after every
	// non-critical row.
	for _, entity := range []string{"c-1", "c-2"} {
		m := newMutation("task", entity, record.OpUpdate)
		m.Critical = true
		if _, err := q.Enqueue(m); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	batch, err := q.DequeueBatch(2)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}

	if len(batch) != 4 {
		t.Fatalf("batch size = %d, want 4 (2 non-critical + 2 critical)", len(batch))
	}
	criticals := 0
	for _, m := range batch {
		if m.Critical {
			criticals++
		}
	}
	if criticals != 2 {
		t.Errorf("criticals in batch = %d, want 2", criticals)
	}

	// The third non-critical record stayed behind.
	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Pending != 1 {
		t.Errorf("pending after dequeue = %d, want 1", stats.Pending)
	}
}

// TestRequeueBackoffGating tests that a requeued record waits out its
// backoff deadline before becoming eligible again.
func TestRequeueBackoffGating(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(newMutation("task", "task-1", record.OpUpdate))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if _, err := q.DequeueBatch(10); err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}

	if err := q.Requeue(id, time.Hour); err != nil {
		t.Fatalf("Requeue() failed: %v", err)
	}

	got, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Status != record.StatusPendingRetry {
		t.Errorf("Status = %v, want %v", got.Status, record.StatusPendingRetry)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if got.LastAttemptAt == nil {
		t.Error("LastAttemptAt not set by requeue")
	}
	if got.NextAttemptAt == nil {
		t.Fatal("NextAttemptAt not set by requeue")
	}

	// Not eligible while the deadline is in the future.
	batch, err := q.DequeueBatch(10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("batch size = %d, want 0 during backoff", len(batch))
	}

	// Eligible once the deadline passes.
	past := formatTime(time.Now().Add(-time.Minute))
	if _, err := q.conn.Exec(`UPDATE mutations SET next_attempt_at = ? WHERE id = ?`, past, id); err != nil {
		t.Fatalf("failed to rewind deadline: %v", err)
	}
	batch, err = q.DequeueBatch(10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != id {
		t.Errorf("batch = %v, want the requeued record", batch)
	}
}

// TestDequeueBatchSkipsExpired tests that expired records are never handed
// out.
func TestDequeueBatchSkipsExpired(t *testing.T) {
	q := setupTestQueue(t)

	id, err := q.Enqueue(newMutation("task", "task-1", record.OpUpdate))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	backdate(t, q, id, time.Now().Add(-25*time.Hour), time.Now().Add(-time.Hour))

	batch, err := q.DequeueBatch(10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("batch size = %d, want 0 for expired record", len(batch))
	}
}

// TestDequeueBatchConcurrent tests that concurrent dequeuers never receive
// the same record.
func TestDequeueBatchConcurrent(t *testing.T) {
	q := setupTestQueue(t)

	const total = 20
	for i := 0; i < total; i++ {
		m := newMutation("task", "entity-"+string(rune('a'+i)), record.OpUpdate)
		if _, err := q.Enqueue(m); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	type result struct {
		ids []string
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			batch, err := q.DequeueBatch(total)
			var ids []string
			for _, m := range batch {
				ids = append(ids, m.ID)
			}
			results <- result{ids: ids, err: err}
		}()
	}

	seen := make(map[string]bool)
	taken := 0
	for i := 0; i < 2; i++ {
		res := <-results
		if res.err != nil {
			t.Fatalf("concurrent DequeueBatch() failed: %v", res.err)
		}
		for _, id := range res.ids {
			if seen[id] {
				t.Errorf("record %s handed to two callers", id)
			}
			seen[id] = true
			taken++
		}
	}
	if taken != total {
		t.Errorf("records dequeued = %d, want %d", taken, total)
	}
}

// TestAcknowledgeIdempotent tests that acknowledge deletes the record and
// tolerates repeats and unknowns.
func TestAcknowledgeIdempotent(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(newMutation("task", "task-1", record.OpUpdate))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if _, err := q.DequeueBatch(10); err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}

	if err := q.Acknowledge(id); err != nil {
		t.Fatalf("Acknowledge() failed: %v", err)
	}
	if _, err := q.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after acknowledge = %v, want ErrNotFound", err)
	}

	// Repeat and unknown acks are no-ops.
	if err := q.Acknowledge(id); err != nil {
		t.Errorf("repeated Acknowledge() = %v, want nil", err)
	}
	if err := q.Acknowledge("no-such-id"); err != nil {
		t.Errorf("Acknowledge(unknown) = %v, want nil", err)
	}

	// Acknowledging a record that is not in flight leaves it queued.
	pendingID, err := q.Enqueue(newMutation("task", "task-2", record.OpUpdate))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err := q.Acknowledge(pendingID); err != nil {
		t.Fatalf("Acknowledge() failed: %v", err)
	}
	if _, err := q.Get(ctx, pendingID); err != nil {
		t.Errorf("pending record should survive a stray acknowledge: %v", err)
	}
}

// TestRequeueNotInFlight tests the error for requeueing a queued record.
func TestRequeueNotInFlight(t *testing.T) {
	q := setupTestQueue(t)

	id, err := q.Enqueue(newMutation("task", "task-1", record.OpUpdate))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	if err := q.Requeue(id, time.Second); !errors.Is(err, ErrNotInFlight) {
		t.Errorf("Requeue(pending) = %v, want ErrNotInFlight", err)
	}
	if err := q.Requeue("no-such-id", time.Second); !errors.Is(err, ErrNotInFlight) {
		t.Errorf("Requeue(unknown) = %v, want ErrNotInFlight", err)
	}
}

// TestRequeueSupersededRecordDropped tests that an in-flight record whose
// entity gained a newer queued mutation is dropped on requeue.
func TestRequeueSupersededRecordDropped(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	oldID, err := q.Enqueue(newMutation("task", "task-1", record.OpUpdate))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if _, err := q.DequeueBatch(10); err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	newID, err := q.Enqueue(newMutation("task", "task-1", record.OpDelete))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	if err := q.Requeue(oldID, time.Second); err != nil {
		t.Fatalf("Requeue() failed: %v", err)
	}

	if _, err := q.Get(ctx, oldID); !errors.Is(err, ErrNotFound) {
		t.Errorf("superseded record still present: %v", err)
	}
	got, err := q.Get(ctx, newID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Status != record.StatusPending {
		t.Errorf("newer record status = %v, want %v", got.Status, record.StatusPending)
	}
}

// TestQuarantine tests quarantining and listing failed records.
func TestQuarantine(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(newMutation("task", "task-1", record.OpUpdate))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	// Only in-flight records can be quarantined through the push path.
	if err := q.Quarantine(id, "rejected"); !errors.Is(err, ErrNotInFlight) {
		t.Errorf("Quarantine(pending) = %v, want ErrNotInFlight", err)
	}

	if _, err := q.DequeueBatch(10); err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if err := q.Quarantine(id, "validation rejected by remote"); err != nil {
		t.Fatalf("Quarantine() failed: %v", err)
	}

	failed, err := q.FailedRecords(ctx)
	if err != nil {
		t.Fatalf("FailedRecords() failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("failed records = %d, want 1", len(failed))
	}
	if failed[0].ID != id {
		t.Errorf("failed record id = %s, want %s", failed[0].ID, id)
	}
	if failed[0].FailureReason != "validation rejected by remote" {
		t.Errorf("FailureReason = %q, want %q", failed[0].FailureReason, "validation rejected by remote")
	}

	// Failed records are terminal: never dequeued again.
	batch, err := q.DequeueBatch(10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("batch size = %d, want 0 after quarantine", len(batch))
	}
}

// TestQuarantineConflict tests that the conflicting remote state is stored
// with the record for manual review.
func TestQuarantineConflict(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(newMutation("task", "task-1", record.OpUpdate))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	// Queued records can be flagged too (pull path collisions).
	remote := []byte(`{"title":"their version"}`)
	if err := q.QuarantineConflict(id, "manual review", remote, 12); err != nil {
		t.Fatalf("QuarantineConflict() failed: %v", err)
	}

	got, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Status != record.StatusFailed {
		t.Errorf("Status = %v, want %v", got.Status, record.StatusFailed)
	}
	if string(got.RemotePayload) != string(remote) {
		t.Errorf("RemotePayload = %s, want %s", got.RemotePayload, remote)
	}
	if got.RemoteVersion != 12 {
		t.Errorf("RemoteVersion = %d, want 12", got.RemoteVersion)
	}

	if err := q.QuarantineConflict("no-such-id", "x", nil, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("QuarantineConflict(unknown) = %v, want ErrNotFound", err)
	}
}

// TestPurgeExpired tests that expired non-critical records are deleted while
// expired critical records are escalated to failed.
func TestPurgeExpired(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	old := time.Now().Add(-25 * time.Hour)
	expired := time.Now().Add(-time.Hour)

	normalID, err := q.Enqueue(newMutation("task", "normal", record.OpUpdate))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	backdate(t, q, normalID, old, expired)

	criticalM := newMutation("task", "critical", record.OpUpdate)
	criticalM.Critical = true
	criticalID, err := q.Enqueue(criticalM)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	backdate(t, q, criticalID, old, expired)

	freshID, err := q.Enqueue(newMutation("task", "fresh", record.OpUpdate))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	removed, escalated, err := q.PurgeExpired()
	if err != nil {
		t.Fatalf("PurgeExpired() failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if escalated != 1 {
		t.Errorf("escalated = %d, want 1", escalated)
	}

	if _, err := q.Get(ctx, normalID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired non-critical record still present: %v", err)
	}

	got, err := q.Get(ctx, criticalID)
	if err != nil {
		t.Fatalf("Get(critical) failed: %v", err)
	}
	if got.Status != record.StatusFailed {
		t.Errorf("critical record status = %v, want %v", got.Status, record.StatusFailed)
	}
	if got.FailureReason == "" {
		t.Error("escalated critical record has no failure reason")
	}

	if _, err := q.Get(ctx, freshID); err != nil {
		t.Errorf("fresh record should survive purge: %v", err)
	}
}

// TestResubmit tests re-enqueueing a failed record as a fresh mutation.
func TestResubmit(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	m := newMutation("task", "task-1", record.OpUpdate)
	m.Critical = true
	id, err := q.Enqueue(m)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	if _, err := q.Resubmit(id); !errors.Is(err, ErrNotFailed) {
		t.Errorf("Resubmit(pending) = %v, want ErrNotFailed", err)
	}

	if _, err := q.DequeueBatch(10); err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if err := q.Quarantine(id, "gave up"); err != nil {
		t.Fatalf("Quarantine() failed: %v", err)
	}

	newID, err := q.Resubmit(id)
	if err != nil {
		t.Fatalf("Resubmit() failed: %v", err)
	}
	if newID == id {
		t.Error("Resubmit() should mint a fresh id")
	}

	if _, err := q.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed record still present after resubmit: %v", err)
	}

	got, err := q.Get(ctx, newID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Status != record.StatusPending {
		t.Errorf("Status = %v, want %v", got.Status, record.StatusPending)
	}
	if got.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", got.Attempts)
	}
	if !got.Critical {
		t.Error("Critical flag lost on resubmit")
	}
	if got.FailureReason != "" {
		t.Errorf("FailureReason = %q, want empty", got.FailureReason)
	}

	if _, err := q.Resubmit("no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resubmit(unknown) = %v, want ErrNotFound", err)
	}
}

// TestReleaseReturnsRecordsImmediately tests cancellation release: no
// attempt counted, eligible right away.
func TestReleaseReturnsRecordsImmediately(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(newMutation("task", "task-1", record.OpUpdate))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if _, err := q.DequeueBatch(10); err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}

	if err := q.Release(ctx, []string{id, "no-such-id"}); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}

	got, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Status != record.StatusPendingRetry {
		t.Errorf("Status = %v, want %v", got.Status, record.StatusPendingRetry)
	}
	if got.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0 (release is not an attempt)", got.Attempts)
	}
	if got.NextAttemptAt != nil {
		t.Errorf("NextAttemptAt = %v, want nil", got.NextAttemptAt)
	}

	// Released records are immediately eligible again.
	batch, err := q.DequeueBatch(10)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != id {
		t.Errorf("batch = %v, want the released record", batch)
	}
}

// TestRecoverInFlight tests startup crash recovery.
func TestRecoverInFlight(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	for _, entity := range []string{"e-1", "e-2"} {
		if _, err := q.Enqueue(newMutation("task", entity, record.OpUpdate)); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}
	if _, err := q.DequeueBatch(10); err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}

	n, err := q.RecoverInFlight()
	if err != nil {
		t.Fatalf("RecoverInFlight() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered = %d, want 2", n)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.InFlight != 0 {
		t.Errorf("in-flight after recovery = %d, want 0", stats.InFlight)
	}
	if stats.PendingRetry != 2 {
		t.Errorf("pending-retry after recovery = %d, want 2", stats.PendingRetry)
	}
}

// TestCounts tests PendingCount and CriticalBacklog.
func TestCounts(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(newMutation("task", "a", record.OpUpdate)); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	critical := newMutation("task", "b", record.OpUpdate)
	critical.Critical = true
	if _, err := q.Enqueue(critical); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	count, err := q.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if count != 2 {
		t.Errorf("PendingCount() = %d, want 2", count)
	}

	backlog, err := q.CriticalBacklog(ctx)
	if err != nil {
		t.Fatalf("CriticalBacklog() failed: %v", err)
	}
	if backlog != 1 {
		t.Errorf("CriticalBacklog() = %d, want 1", backlog)
	}

	// In-flight critical records still count as backlog.
	if _, err := q.DequeueBatch(10); err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	backlog, err = q.CriticalBacklog(ctx)
	if err != nil {
		t.Fatalf("CriticalBacklog() failed: %v", err)
	}
	if backlog != 1 {
		t.Errorf("CriticalBacklog() after dequeue = %d, want 1", backlog)
	}
	count, err = q.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("PendingCount() after dequeue = %d, want 0", count)
	}
}

// TestStats tests the queue snapshot.
func TestStats(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	a, err := q.Enqueue(newMutation("task", "a", record.OpUpdate))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if _, err := q.Enqueue(newMutation("task", "b", record.OpUpdate)); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	batch, err := q.DequeueBatch(1)
	if err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != a {
		t.Fatalf("batch = %v, want [%s]", batch, a)
	}
	if err := q.Requeue(a, time.Hour); err != nil {
		t.Fatalf("Requeue() failed: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Pending != 1 {
		t.Errorf("Pending = %d, want 1", stats.Pending)
	}
	if stats.PendingRetry != 1 {
		t.Errorf("PendingRetry = %d, want 1", stats.PendingRetry)
	}
	if stats.InFlight != 0 {
		t.Errorf("InFlight = %d, want 0", stats.InFlight)
	}
	if stats.NextRetryAt == nil {
		t.Error("NextRetryAt not set with a pending-retry record waiting")
	}
	if stats.Total() != 2 {
		t.Errorf("Total() = %d, want 2", stats.Total())
	}
}

// TestListFilter tests record listing with filters.
func TestListFilter(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(newMutation("task", "a", record.OpUpdate)); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if _, err := q.Enqueue(newMutation("note", "b", record.OpUpdate)); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	critical := newMutation("note", "c", record.OpUpdate)
	critical.Critical = true
	if _, err := q.Enqueue(critical); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	t.Run("all", func(t *testing.T) {
		records, err := q.List(ctx, ListFilter{})
		if err != nil {
			t.Fatalf("List() failed: %v", err)
		}
		if len(records) != 3 {
			t.Errorf("records = %d, want 3", len(records))
		}
	})

	t.Run("by entity type", func(t *testing.T) {
		records, err := q.List(ctx, ListFilter{EntityType: "note"})
		if err != nil {
			t.Fatalf("List() failed: %v", err)
		}
		if len(records) != 2 {
			t.Errorf("records = %d, want 2", len(records))
		}
	})

	t.Run("critical only", func(t *testing.T) {
		records, err := q.List(ctx, ListFilter{CriticalOnly: true})
		if err != nil {
			t.Fatalf("List() failed: %v", err)
		}
		if len(records) != 1 || records[0].EntityID != "c" {
			t.Errorf("records = %v, want the critical record", records)
		}
	})

	t.Run("by status", func(t *testing.T) {
		records, err := q.List(ctx, ListFilter{Statuses: []record.Status{record.StatusFailed}})
		if err != nil {
			t.Fatalf("List() failed: %v", err)
		}
		if len(records) != 0 {
			t.Errorf("records = %d, want 0", len(records))
		}
	})

	t.Run("limit", func(t *testing.T) {
		records, err := q.List(ctx, ListFilter{Limit: 2})
		if err != nil {
			t.Fatalf("List() failed: %v", err)
		}
		if len(records) != 2 {
			t.Errorf("records = %d, want 2", len(records))
		}
	})
}

// TestPullCursor tests cursor persistence.
func TestPullCursor(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	cursor, err := q.PullCursor(ctx)
	if err != nil {
		t.Fatalf("PullCursor() failed: %v", err)
	}
	if cursor != "" {
		t.Errorf("initial cursor = %q, want empty", cursor)
	}

	if err := q.SetPullCursor(ctx, "42"); err != nil {
		t.Fatalf("SetPullCursor() failed: %v", err)
	}
	if err := q.SetPullCursor(ctx, "97"); err != nil {
		t.Fatalf("SetPullCursor() failed: %v", err)
	}

	cursor, err = q.PullCursor(ctx)
	if err != nil {
		t.Fatalf("PullCursor() failed: %v", err)
	}
	if cursor != "97" {
		t.Errorf("cursor = %q, want %q", cursor, "97")
	}
}

// TestExpiryOverrides tests per-entity-type expiry windows.
func TestExpiryOverrides(t *testing.T) {
	opts := DefaultOptions()
	opts.ExpiryOverrides = map[string]time.Duration{"note": time.Hour}

	q, err := OpenWithOptions(filepath.Join(t.TempDir(), "queue.db"), opts)
	if err != nil {
		t.Fatalf("OpenWithOptions() failed: %v", err)
	}
	defer q.Close()
	if err := q.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	ctx := context.Background()

	noteID, err := q.Enqueue(newMutation("note", "n-1", record.OpUpdate))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	taskID, err := q.Enqueue(newMutation("task", "t-1", record.OpUpdate))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	note, err := q.Get(ctx, noteID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if w := note.ExpiresAt.Sub(note.EnqueuedAt); w != time.Hour {
		t.Errorf("note expiry window = %v, want 1h", w)
	}

	task, err := q.Get(ctx, taskID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if w := task.ExpiresAt.Sub(task.EnqueuedAt); w != 24*time.Hour {
		t.Errorf("task expiry window = %v, want 24h", w)
	}
}

// TestActiveForEntity tests the pull-path collision lookup.
func TestActiveForEntity(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	key := record.Key{EntityType: "task", EntityID: "task-1"}

	got, err := q.ActiveForEntity(ctx, key)
	if err != nil {
		t.Fatalf("ActiveForEntity() failed: %v", err)
	}
	if got != nil {
		t.Errorf("ActiveForEntity() = %v, want nil for empty queue", got)
	}

	id, err := q.Enqueue(newMutation("task", "task-1", record.OpUpdate))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	got, err = q.ActiveForEntity(ctx, key)
	if err != nil {
		t.Fatalf("ActiveForEntity() failed: %v", err)
	}
	if got == nil || got.ID != id {
		t.Fatalf("ActiveForEntity() = %v, want record %s", got, id)
	}

	// With one in flight and a newer queued row, the queued row wins.
	if _, err := q.DequeueBatch(10); err != nil {
		t.Fatalf("DequeueBatch() failed: %v", err)
	}
	newID, err := q.Enqueue(newMutation("task", "task-1", record.OpDelete))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	got, err = q.ActiveForEntity(ctx, key)
	if err != nil {
		t.Fatalf("ActiveForEntity() failed: %v", err)
	}
	if got == nil || got.ID != newID {
		t.Errorf("ActiveForEntity() = %v, want the queued record %s", got, newID)
	}
}

// TestDiscard tests unconditional record removal.
func TestDiscard(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(newMutation("task", "task-1", record.OpUpdate))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	if err := q.Discard(ctx, id); err != nil {
		t.Fatalf("Discard() failed: %v", err)
	}
	if _, err := q.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("record still present after discard: %v", err)
	}
	if err := q.Discard(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Discard(gone) = %v, want ErrNotFound", err)
	}
}

// TestOpenRejectsBadOptions tests option validation.
func TestOpenRejectsBadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	if _, err := OpenWithOptions(path, Options{ExpiryWindow: 0}); err == nil {
		t.Error("OpenWithOptions() should reject a zero expiry window")
	}

	opts := DefaultOptions()
	opts.ExpiryOverrides = map[string]time.Duration{"task": -time.Hour}
	if _, err := OpenWithOptions(path, opts); err == nil {
		t.Error("OpenWithOptions() should reject negative overrides")
	}
}
