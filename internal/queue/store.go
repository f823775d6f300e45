// Package queue provides the durable mutation queue backing the sync engine.
//
// The queue is a single sqlite database with one row per mutation record.
// It is the only component that writes record state; the coordinator, CLI,
// and daemon all go through it. The database runs in embedded mode with WAL
// so status queries stay cheap while a drain cycle is writing.
//
// Lifecycle of a row:
//  1. Enqueue inserts a pending row, or supersedes the active row for the
//     same entity in place.
//  2. DequeueBatch marks eligible rows in-flight, at most one per entity.
//  3. Push outcomes move in-flight rows to completed (deleted), pending-retry
//     (with backoff), or failed (quarantined, retained).
//  4. PurgeExpired sweeps queued rows past their expiry deadline.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Sentinel errors returned by queue operations. Callers classify with
// errors.Is.
var (
	// ErrNotFound indicates the record id does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNotInFlight indicates an outcome was applied to a record that is
	// not currently in flight.
	ErrNotInFlight = errors.New("record is not in flight")
	// ErrNotFailed indicates a resubmit of a record that is not quarantined.
	ErrNotFailed = errors.New("record is not in failed status")
)

// timeLayout is a fixed-width UTC timestamp format. Fixed width keeps
// lexicographic ordering of the TEXT columns identical to chronological
// ordering, which the dequeue and purge queries rely on.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Options configures queue behavior beyond the database path.
type Options struct {
	// ExpiryWindow is how long a record may wait in the queue before the
	// purge sweep removes (or, for critical records, fails) it.
	ExpiryWindow time.Duration
	// ExpiryOverrides replaces the window per entity type.
	ExpiryOverrides map[string]time.Duration
}

// DefaultOptions returns the standard queue configuration.
func DefaultOptions() Options {
	return Options{
		ExpiryWindow: 24 * time.Hour,
	}
}

// Queue is a durable mutation queue stored in a sqlite database.
type Queue struct {
	conn *sql.DB
	path string
	opts Options
}

// Open creates or opens the queue database at the specified path with
// default options.
//
// The caller MUST call Close() when done.
func Open(path string) (*Queue, error) {
	return OpenWithOptions(path, DefaultOptions())
}

// OpenWithOptions creates or opens the queue database with explicit options.
func OpenWithOptions(path string, opts Options) (*Queue, error) {
	if opts.ExpiryWindow <= 0 {
		return nil, fmt.Errorf("expiry window must be positive")
	}
	for entityType, d := range opts.ExpiryOverrides {
		if d <= 0 {
			return nil, fmt.Errorf("expiry override for %s must be positive", entityType)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	// Immediate transactions serialize writers up front, so two drain
	// loops can never select the same rows before either marks them.
	// The busy timeout is set in the DSN so every pooled connection gets it.
	connStr := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping queue database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	q := &Queue{
		conn: conn,
		path: path,
		opts: opts,
	}

	// WAL is a database-level setting; one Exec persists it.
	if _, err := q.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return q, nil
}

// Path returns the database file path the queue was opened with.
func (q *Queue) Path() string {
	return q.path
}

// RawDB returns the underlying sql.DB connection for integrations that need
// direct access (migration tooling, test verification).
func (q *Queue) RawDB() *sql.DB {
	return q.conn
}

// Close closes the queue database, checkpointing the WAL first.
func (q *Queue) Close() error {
	if q.conn == nil {
		return nil
	}

	if _, err := q.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := q.conn.Close(); err != nil {
		return fmt.Errorf("failed to close queue database: %w", err)
	}

	q.conn = nil
	return nil
}

// InitSchema creates the queue schema if it doesn't exist.
//
// Idempotent - safe to call on every open.
func (q *Queue) InitSchema() error {
	return q.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the queue schema with context support.
func (q *Queue) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS mutations (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		op TEXT NOT NULL,
		payload BLOB,
		priority INTEGER NOT NULL DEFAULT 0,
		critical INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		enqueued_at TEXT NOT NULL,
		last_attempt_at TEXT,
		next_attempt_at TEXT,
		expires_at TEXT NOT NULL,
		local_version INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT,
		remote_payload BLOB,
		remote_version INTEGER
	);

	-- Cursor state for the pull path and other sync bookkeeping.
	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_mutations_status ON mutations(status);
	CREATE INDEX IF NOT EXISTS idx_mutations_expires ON mutations(expires_at);
	CREATE INDEX IF NOT EXISTS idx_mutations_entity ON mutations(entity_type, entity_id);

	-- Composite index for dequeue ordering
	CREATE INDEX IF NOT EXISTS idx_mutations_dequeue
	    ON mutations(status, priority, enqueued_at);

	-- At most one queued row per entity: enqueue supersedes through this
	-- index. In-flight and failed rows are deliberately outside it.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_mutations_active_key
	    ON mutations(entity_type, entity_id)
	    WHERE status IN ('pending', 'pending_retry');
	`

	if _, err := q.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// expiryFor returns the expiry window for an entity type.
func (q *Queue) expiryFor(entityType string) time.Duration {
	if d, ok := q.opts.ExpiryOverrides[entityType]; ok {
		return d
	}
	return q.opts.ExpiryWindow
}

// formatTime renders a timestamp in the fixed-width UTC layout.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a timestamp written by formatTime.
func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}
