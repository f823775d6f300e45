package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/driftq/driftq/internal/record"
)

// mutationColumns is the column list every record query selects, in the
// order scanMutation expects.
const mutationColumns = `id, entity_type, entity_id, op, payload, priority, critical,
	status, attempts, enqueued_at, last_attempt_at, next_attempt_at, expires_at,
	local_version, failure_reason, remote_payload, remote_version`

// Get retrieves a single record by id. Returns ErrNotFound when absent.
func (q *Queue) Get(ctx context.Context, id string) (*record.Mutation, error) {
	row := q.conn.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM mutations WHERE id = ?`, id)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", id, err)
	}
	return m, nil
}

// ListFilter configures the List query.
type ListFilter struct {
	// Statuses restricts results to the given statuses (empty = all).
	Statuses []record.Status
	// EntityType filters to one entity type (empty = all).
	EntityType string
	// CriticalOnly restricts to critical records.
	CriticalOnly bool
	// Since restricts to records enqueued at or after the given time.
	Since *time.Time
	// Limit restricts the number of results (0 = no limit); Offset skips.
	Limit  int
	Offset int
}

// List returns records matching the filter, newest first.
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]*record.Mutation, error) {
	var conditions []string
	var args []interface{}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, s.String())
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.EntityType != "" {
		conditions = append(conditions, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.CriticalOnly {
		conditions = append(conditions, "critical = 1")
	}
	if filter.Since != nil {
		conditions = append(conditions, "enqueued_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}

	query := `SELECT ` + mutationColumns + ` FROM mutations`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY enqueued_at DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := q.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	return scanMutations(rows)
}

// PendingCount returns how many records are waiting to sync (pending plus
// pending-retry; in-flight records are already on their way).
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := q.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutations WHERE status IN ('pending', 'pending_retry')`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending records: %w", err)
	}
	return count, nil
}

// FailedRecords returns quarantined records awaiting inspection, oldest
// first.
func (q *Queue) FailedRecords(ctx context.Context) ([]*record.Mutation, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutations
	WHERE status = 'failed' ORDER BY enqueued_at ASC`

	rows, err := q.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed records: %w", err)
	}
	defer rows.Close()

	return scanMutations(rows)
}

// CriticalBacklog returns how many critical records are still unconfirmed
// (pending, pending-retry, or in flight).
func (q *Queue) CriticalBacklog(ctx context.Context) (int, error) {
	var count int
	err := q.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutations
		 WHERE critical = 1 AND status IN ('pending', 'pending_retry', 'in_flight')`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count critical backlog: %w", err)
	}
	return count, nil
}

// ActiveForEntity returns the queued or in-flight record for an entity, or
// nil when the entity has none. When both a queued and an in-flight record
// exist (supersession during a push), the queued one is returned since it
// carries the newer state.
func (q *Queue) ActiveForEntity(ctx context.Context, key record.Key) (*record.Mutation, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutations
	WHERE entity_type = ? AND entity_id = ?
	  AND status IN ('pending', 'pending_retry', 'in_flight')
	ORDER BY CASE WHEN status = 'in_flight' THEN 1 ELSE 0 END, enqueued_at ASC
	LIMIT 1`

	row := q.conn.QueryRowContext(ctx, query, key.EntityType, key.EntityID)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active record for %s: %w", key, err)
	}
	return m, nil
}

// Stats is a point-in-time summary of queue state for the CLI and
// dashboard.
type Stats struct {
	Pending         int        `json:"pending"`
	InFlight        int        `json:"in_flight"`
	PendingRetry    int        `json:"pending_retry"`
	Failed          int        `json:"failed"`
	CriticalBacklog int        `json:"critical_backlog"`
	NextRetryAt     *time.Time `json:"next_retry_at,omitempty"`
}

// Total returns the number of live rows across all statuses.
func (s *Stats) Total() int {
	return s.Pending + s.InFlight + s.PendingRetry + s.Failed
}

// Stats returns a snapshot of queue counts.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	rows, err := q.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM mutations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		switch status {
		case "pending":
			stats.Pending = count
		case "in_flight":
			stats.InFlight = count
		case "pending_retry":
			stats.PendingRetry = count
		case "failed":
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stats: %w", err)
	}

	critical, err := q.CriticalBacklog(ctx)
	if err != nil {
		return nil, err
	}
	stats.CriticalBacklog = critical

	var nextRetry sql.NullString
	err = q.conn.QueryRowContext(ctx,
		`SELECT MIN(next_attempt_at) FROM mutations
		 WHERE status = 'pending_retry' AND next_attempt_at IS NOT NULL`).Scan(&nextRetry)
	if err != nil {
		return nil, fmt.Errorf("failed to query next retry time: %w", err)
	}
	stats.NextRetryAt = nullStringToTime(nextRetry)

	return stats, nil
}

// pullCursorKey is where the pull path stores its resume position.
const pullCursorKey = "pull_cursor"

// PullCursor returns the persisted pull cursor, empty when no pull has
// completed yet.
func (q *Queue) PullCursor(ctx context.Context) (string, error) {
	var value string
	err := q.conn.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = ?`, pullCursorKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get pull cursor: %w", err)
	}
	return value, nil
}

// SetPullCursor persists the pull cursor after a pull batch is applied.
func (q *Queue) SetPullCursor(ctx context.Context, cursor string) error {
	query := `
	INSERT INTO sync_meta (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`
	if _, err := q.conn.ExecContext(ctx, query, pullCursorKey, cursor, formatTime(time.Now())); err != nil {
		return fmt.Errorf("failed to set pull cursor: %w", err)
	}
	return nil
}

// rowScanner lets scanMutation work for both QueryRow and Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanMutation reads one record row in mutationColumns order.
func scanMutation(row rowScanner) (*record.Mutation, error) {
	var m record.Mutation
	var op, status string
	var enqueuedAt, expiresAt string
	var lastAttemptAt, nextAttemptAt, failureReason sql.NullString
	var remoteVersion sql.NullInt64

	err := row.Scan(
		&m.ID,
		&m.EntityType,
		&m.EntityID,
		&op,
		&m.Payload,
		&m.Priority,
		&m.Critical,
		&status,
		&m.Attempts,
		&enqueuedAt,
		&lastAttemptAt,
		&nextAttemptAt,
		&expiresAt,
		&m.LocalVersion,
		&failureReason,
		&m.RemotePayload,
		&remoteVersion,
	)
	if err != nil {
		return nil, err
	}

	parsedOp, err := record.ParseOp(op)
	if err != nil {
		return nil, fmt.Errorf("record %s has bad op: %w", m.ID, err)
	}
	m.Op = parsedOp

	parsedStatus, err := record.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("record %s has bad status: %w", m.ID, err)
	}
	m.Status = parsedStatus

	if t, err := parseTime(enqueuedAt); err == nil {
		m.EnqueuedAt = t
	}
	if t, err := parseTime(expiresAt); err == nil {
		m.ExpiresAt = t
	}
	m.LastAttemptAt = nullStringToTime(lastAttemptAt)
	m.NextAttemptAt = nullStringToTime(nextAttemptAt)
	if failureReason.Valid {
		m.FailureReason = failureReason.String
	}
	if remoteVersion.Valid {
		m.RemoteVersion = remoteVersion.Int64
	}

	return &m, nil
}

// scanMutations reads all rows from a record query.
func scanMutations(rows *sql.Rows) ([]*record.Mutation, error) {
	var records []*record.Mutation

	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}
