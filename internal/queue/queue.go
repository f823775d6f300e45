package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/driftq/driftq/internal/record"
	"github.com/google/uuid"
)

// enqueueSQL inserts a pending row or supersedes the active row for the same
// entity through the partial unique index. On supersession the existing row
// keeps its id, status, attempt count, and enqueue/expiry timestamps; only
// the change itself is replaced. Returns the surviving row id either way.
const enqueueSQL = `
INSERT INTO mutations (
	id, entity_type, entity_id, op, payload, priority, critical,
	status, attempts, enqueued_at, expires_at, local_version
) VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?)
ON CONFLICT(entity_type, entity_id) WHERE status IN ('pending', 'pending_retry')
DO UPDATE SET
	op = excluded.op,
	payload = excluded.payload,
	priority = excluded.priority,
	critical = excluded.critical,
	local_version = excluded.local_version
RETURNING id
`

// Enqueue appends a mutation to the queue.
//
// If a pending or pending-retry record already exists for the same entity,
// the new mutation supersedes it in place and the earlier record's id and
// enqueue time are preserved. Returns the id of the surviving record.
//
// Enqueue never performs network work; callers block only for the local
// append.
func (q *Queue) Enqueue(m *record.Mutation) (string, error) {
	return q.EnqueueContext(context.Background(), m)
}

// EnqueueContext appends a mutation with context support.
func (q *Queue) EnqueueContext(ctx context.Context, m *record.Mutation) (string, error) {
	if err := m.Validate(); err != nil {
		return "", fmt.Errorf("invalid mutation: %w", err)
	}

	id := m.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now()
	expiresAt := now.Add(q.expiryFor(m.EntityType))

	var survivor string
	err := q.conn.QueryRowContext(ctx, enqueueSQL,
		id,
		m.EntityType,
		m.EntityID,
		m.Op.String(),
		m.Payload,
		m.Priority,
		m.Critical,
		formatTime(now),
		formatTime(expiresAt),
		m.LocalVersion,
	).Scan(&survivor)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue mutation for %s: %w", m.Key(), err)
	}

	return survivor, nil
}

// DequeueBatch selects eligible records, marks them in-flight, and returns
// them ordered by priority (highest first) then enqueue time.
//
// Eligible means pending, or pending-retry past its backoff deadline, not
// expired, and targeting an entity with no record currently in flight.
// Critical records are always included; maxSize caps non-critical records
// only. Concurrent callers never receive the same record.
func (q *Queue) DequeueBatch(maxSize int) ([]*record.Mutation, error) {
	return q.DequeueBatchContext(context.Background(), maxSize)
}

// DequeueBatchContext dequeues a batch with context support.
func (q *Queue) DequeueBatchContext(ctx context.Context, maxSize int) ([]*record.Mutation, error) {
	if maxSize < 1 {
		return nil, fmt.Errorf("batch size must be positive")
	}
	nowStr := formatTime(time.Now())

	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	SELECT ` + mutationColumns + `
	FROM mutations m
	WHERE (
	        m.status = 'pending'
	        OR (m.status = 'pending_retry'
	            AND (m.next_attempt_at IS NULL OR m.next_attempt_at <= ?))
	      )
	  AND m.expires_at > ?
	  AND NOT EXISTS (
	        SELECT 1 FROM mutations f
	        WHERE f.entity_type = m.entity_type
	          AND f.entity_id = m.entity_id
	          AND f.status = 'in_flight'
	      )
	ORDER BY m.priority DESC, m.enqueued_at ASC
	`

	rows, err := tx.QueryContext(ctx, query, nowStr, nowStr)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible records: %w", err)
	}
	eligible, err := scanMutations(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	var batch []*record.Mutation
	nonCritical := 0
	for _, m := range eligible {
		if m.Critical {
			batch = append(batch, m)
			continue
		}
		if nonCritical < maxSize {
			batch = append(batch, m)
			nonCritical++
		}
	}
	if len(batch) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(batch))
	args := make([]interface{}, len(batch))
	for i, m := range batch {
		placeholders[i] = "?"
		args[i] = m.ID
	}
	markQuery := `UPDATE mutations SET status = 'in_flight' WHERE id IN (` +
		strings.Join(placeholders, ", ") + `)`
	if _, err := tx.ExecContext(ctx, markQuery, args...); err != nil {
		return nil, fmt.Errorf("failed to mark batch in-flight: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, m := range batch {
		m.Status = record.StatusInFlight
	}
	return batch, nil
}

// Acknowledge confirms the remote accepted an in-flight record. The record
// transitions to completed and its row is deleted.
//
// Idempotent: unknown or already-acknowledged ids are a no-op.
func (q *Queue) Acknowledge(id string) error {
	return q.AcknowledgeContext(context.Background(), id)
}

// AcknowledgeContext acknowledges a record with context support.
func (q *Queue) AcknowledgeContext(ctx context.Context, id string) error {
	query := `DELETE FROM mutations WHERE id = ? AND status = 'in_flight'`
	if _, err := q.conn.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to acknowledge record %s: %w", id, err)
	}
	return nil
}

// Requeue returns an in-flight record to pending-retry after a transient
// failure, recording the attempt and its backoff deadline.
//
// If a newer mutation for the same entity was enqueued while this record was
// in flight, the newer row already carries the full entity state; the stale
// record is deleted instead of requeued.
func (q *Queue) Requeue(id string, retryAfter time.Duration) error {
	return q.RequeueContext(context.Background(), id, retryAfter)
}

// RequeueContext requeues a record with context support.
func (q *Queue) RequeueContext(ctx context.Context, id string, retryAfter time.Duration) error {
	now := time.Now()
	next := now.Add(retryAfter)

	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	superseded, err := resolveInFlight(ctx, tx, id)
	if err != nil {
		return err
	}
	if !superseded {
		query := `
		UPDATE mutations
		SET status = 'pending_retry', attempts = attempts + 1,
		    last_attempt_at = ?, next_attempt_at = ?
		WHERE id = ?`
		if _, err := tx.ExecContext(ctx, query, formatTime(now), formatTime(next), id); err != nil {
			return fmt.Errorf("failed to requeue record %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// resolveInFlight checks that id is in flight and handles the superseded
// case: if the entity gained a queued row while this record was in flight,
// the in-flight row is deleted and true is returned. Returns ErrNotInFlight
// when the id is unknown or not in flight.
func resolveInFlight(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var entityType, entityID string
	err := tx.QueryRowContext(ctx,
		`SELECT entity_type, entity_id FROM mutations WHERE id = ? AND status = 'in_flight'`,
		id).Scan(&entityType, &entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotInFlight
	}
	if err != nil {
		return false, fmt.Errorf("failed to load record %s: %w", id, err)
	}

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutations
		 WHERE entity_type = ? AND entity_id = ? AND status IN ('pending', 'pending_retry')`,
		entityType, entityID).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("failed to check active records for %s/%s: %w", entityType, entityID, err)
	}
	if active == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("failed to drop superseded record %s: %w", id, err)
	}
	return true, nil
}

// Release returns in-flight records to pending-retry without counting an
// attempt. Used when a drain cycle is cancelled mid-batch so no record is
// left orphaned in flight. Ids that are no longer in flight are skipped.
func (q *Queue) Release(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if err := releaseInFlight(ctx, tx, id); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// releaseInFlight moves one in-flight row back to pending-retry with no
// attempt increment and no backoff deadline. No-op when the row is not in
// flight; superseded rows are dropped.
func releaseInFlight(ctx context.Context, tx *sql.Tx, id string) error {
	superseded, err := resolveInFlight(ctx, tx, id)
	if errors.Is(err, ErrNotInFlight) {
		return nil
	}
	if err != nil {
		return err
	}
	if superseded {
		return nil
	}

	query := `
	UPDATE mutations
	SET status = 'pending_retry', next_attempt_at = NULL
	WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to release record %s: %w", id, err)
	}
	return nil
}

// RecoverInFlight releases every in-flight record. Called once at startup:
// rows left in flight by a crash or kill re-enter the queue instead of
// being stranded. Returns how many records were recovered.
func (q *Queue) RecoverInFlight() (int, error) {
	return q.RecoverInFlightContext(context.Background())
}

// RecoverInFlightContext recovers in-flight records with context support.
func (q *Queue) RecoverInFlightContext(ctx context.Context) (int, error) {
	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM mutations WHERE status = 'in_flight'`)
	if err != nil {
		return 0, fmt.Errorf("failed to query in-flight records: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("error iterating in-flight records: %w", err)
	}
	rows.Close()

	for _, id := range ids {
		if err := releaseInFlight(ctx, tx, id); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return len(ids), nil
}

// Quarantine moves an in-flight record to failed with a reason. Failed
// records are retained for inspection and never re-dequeued.
func (q *Queue) Quarantine(id, reason string) error {
	return q.QuarantineContext(context.Background(), id, reason)
}

// QuarantineContext quarantines a record with context support.
func (q *Queue) QuarantineContext(ctx context.Context, id, reason string) error {
	query := `
	UPDATE mutations SET status = 'failed', failure_reason = ?
	WHERE id = ? AND status = 'in_flight'`
	res, err := q.conn.ExecContext(ctx, query, reason, id)
	if err != nil {
		return fmt.Errorf("failed to quarantine record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to quarantine record %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotInFlight
	}
	return nil
}

// QuarantineConflict moves a record to failed for manual review, storing the
// conflicting remote state alongside the local change so a human can see
// both versions. Unlike Quarantine it accepts queued records too: the pull
// path flags collisions before the local record was ever pushed.
func (q *Queue) QuarantineConflict(id, reason string, remotePayload []byte, remoteVersion int64) error {
	return q.QuarantineConflictContext(context.Background(), id, reason, remotePayload, remoteVersion)
}

// QuarantineConflictContext quarantines a conflicted record with context
// support.
func (q *Queue) QuarantineConflictContext(ctx context.Context, id, reason string, remotePayload []byte, remoteVersion int64) error {
	query := `
	UPDATE mutations
	SET status = 'failed', failure_reason = ?, remote_payload = ?, remote_version = ?
	WHERE id = ? AND status IN ('pending', 'pending_retry', 'in_flight')`
	res, err := q.conn.ExecContext(ctx, query, reason, remotePayload, remoteVersion, id)
	if err != nil {
		return fmt.Errorf("failed to quarantine conflicted record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to quarantine conflicted record %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeExpired sweeps queued records past their expiry deadline. Non-critical
// records are deleted silently; critical records are escalated to failed so
// they surface instead of vanishing. In-flight and failed rows are never
// touched. Returns (removed, escalated).
func (q *Queue) PurgeExpired() (int, int, error) {
	return q.PurgeExpiredContext(context.Background())
}

// PurgeExpiredContext purges expired records with context support.
func (q *Queue) PurgeExpiredContext(ctx context.Context) (int, int, error) {
	nowStr := formatTime(time.Now())

	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE mutations SET status = 'failed', failure_reason = 'expired before sync'
		WHERE critical = 1 AND status IN ('pending', 'pending_retry') AND expires_at <= ?`,
		nowStr)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to escalate expired critical records: %w", err)
	}
	escalated, err := res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to escalate expired critical records: %w", err)
	}

	res, err = tx.ExecContext(ctx, `
		DELETE FROM mutations
		WHERE critical = 0 AND status IN ('pending', 'pending_retry') AND expires_at <= ?`,
		nowStr)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to purge expired records: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to purge expired records: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return int(removed), int(escalated), nil
}

// Resubmit re-enqueues a failed record as a fresh pending mutation with a
// new id, zero attempts, and fresh enqueue and expiry times. The failed row
// is removed. Returns the surviving id (supersession applies if the entity
// has since gained an active record).
func (q *Queue) Resubmit(id string) (string, error) {
	return q.ResubmitContext(context.Background(), id)
}

// ResubmitContext resubmits a failed record with context support.
func (q *Queue) ResubmitContext(ctx context.Context, id string) (string, error) {
	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM mutations WHERE id = ?`, id)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load record %s: %w", id, err)
	}
	if m.Status != record.StatusFailed {
		return "", ErrNotFailed
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id); err != nil {
		return "", fmt.Errorf("failed to remove failed record %s: %w", id, err)
	}

	now := time.Now()
	expiresAt := now.Add(q.expiryFor(m.EntityType))

	var survivor string
	err = tx.QueryRowContext(ctx, enqueueSQL,
		uuid.New().String(),
		m.EntityType,
		m.EntityID,
		m.Op.String(),
		m.Payload,
		m.Priority,
		m.Critical,
		formatTime(now),
		formatTime(expiresAt),
		m.LocalVersion,
	).Scan(&survivor)
	if err != nil {
		return "", fmt.Errorf("failed to resubmit record %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return survivor, nil
}

// Discard deletes a record regardless of status. Used when the remote state
// supersedes a queued local mutation and by manual resolution.
func (q *Queue) Discard(ctx context.Context, id string) error {
	res, err := q.conn.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to discard record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to discard record %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
