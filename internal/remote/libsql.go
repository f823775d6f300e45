package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/driftq/driftq/internal/record"
)

// LibsqlEndpoint syncs against a shared libsql/Turso database instead of an
// HTTP server: every device pushes into one entities table guarded by an
// optimistic version check, and pulls from an append-only change log.
//
// Useful when the "server" is just a Turso database shared by a fleet of
// devices, with no sync service in front of it.
type LibsqlEndpoint struct {
	conn *sql.DB
}

// OpenLibsql connects to a libsql database. The URL may be a remote
// libsql:// database or a local file: path.
func OpenLibsql(url string) (*LibsqlEndpoint, error) {
	conn, err := sql.Open("libsql", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping libsql database: %w", err)
	}
	return &LibsqlEndpoint{conn: conn}, nil
}

// Close closes the connection.
func (e *LibsqlEndpoint) Close() error {
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}

// InitSchema creates the shared tables if they don't exist. Idempotent.
func (e *LibsqlEndpoint) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload BLOB,
		version INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	);

	-- Append-only log driving the pull cursor.
	CREATE TABLE IF NOT EXISTS entity_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		op TEXT NOT NULL,
		payload BLOB,
		version INTEGER NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entity_log_seq ON entity_log(seq);
	`
	if _, err := e.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize remote schema: %w", err)
	}
	return nil
}

// Push applies one mutation with an optimistic version check: the write
// succeeds only when the stored version still matches the version the
// mutation was based on. Otherwise the current row comes back as a
// conflict.
func (e *LibsqlEndpoint) Push(ctx context.Context, req PushRequest) (*PushResult, error) {
	tx, err := e.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin push transaction: %v", ErrTransient, err)
	}
	defer tx.Rollback()

	var current struct {
		payload  []byte
		version  int64
		priority int
	}
	err = tx.QueryRowContext(ctx,
		`SELECT payload, version, priority FROM entities WHERE entity_type = ? AND entity_id = ?`,
		req.EntityType, req.EntityID).Scan(&current.payload, &current.version, &current.priority)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: failed to read entity: %v", ErrTransient, err)
	}

	if current.version != req.LocalVersion {
		return &PushResult{
			Outcome:        PushConflict,
			RemotePayload:  current.payload,
			RemoteVersion:  current.version,
			RemotePriority: current.priority,
		}, nil
	}

	newVersion := current.version + 1
	now := time.Now().UTC().Format(time.RFC3339Nano)

	deleted := 0
	payload := req.Payload
	if req.Op == record.OpDelete {
		deleted = 1
		payload = nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (entity_type, entity_id, payload, version, priority, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			priority = excluded.priority,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at`,
		req.EntityType, req.EntityID, payload, newVersion, req.Priority, deleted, now)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to apply push: %v", ErrTransient, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entity_log (entity_type, entity_id, op, payload, version, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.EntityType, req.EntityID, req.Op.String(), payload, newVersion, req.Priority, now)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to append change log: %v", ErrTransient, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: failed to commit push: %v", ErrTransient, err)
	}

	return &PushResult{Outcome: PushAccepted, NewVersion: newVersion}, nil
}

// pullPageSize caps how many log rows one Pull returns.
const pullPageSize = 500

// Pull returns log entries after the cursor in sequence order.
func (e *LibsqlEndpoint) Pull(ctx context.Context, since string) (*PullResponse, error) {
	var sinceSeq int64
	if since != "" {
		var err error
		sinceSeq, err = strconv.ParseInt(since, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid pull cursor %q: %w", since, err)
		}
	}

	rows, err := e.conn.QueryContext(ctx, `
		SELECT seq, entity_type, entity_id, op, payload, version, priority
		FROM entity_log WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		sinceSeq, pullPageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query change log: %v", ErrTransient, err)
	}
	defer rows.Close()

	out := &PullResponse{}
	lastSeq := sinceSeq
	for rows.Next() {
		var seq int64
		var entityType, entityID, op string
		var payload []byte
		var version int64
		var priority int
		if err := rows.Scan(&seq, &entityType, &entityID, &op, &payload, &version, &priority); err != nil {
			return nil, fmt.Errorf("failed to scan change log row: %w", err)
		}
		parsedOp, err := record.ParseOp(op)
		if err != nil {
			return nil, fmt.Errorf("change log row %d: %w", seq, err)
		}
		out.Changes = append(out.Changes, Change{
			EntityType: entityType,
			EntityID:   entityID,
			Op:         parsedOp,
			Payload:    payload,
			Version:    version,
			Priority:   priority,
		})
		lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating change log: %v", ErrTransient, err)
	}

	out.NextCursor = strconv.FormatInt(lastSeq, 10)
	return out, nil
}
