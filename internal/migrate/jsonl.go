// Package migrate snapshots the mutation queue to JSONL and restores
// snapshots into a queue. Snapshots are used for backups and for moving a
// pending queue between devices; restored records always start a fresh
// lifecycle.
package migrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/driftq/driftq/internal/queue"
	"github.com/driftq/driftq/internal/record"
)

// maxLineBytes bounds a single snapshot line. Payload snapshots can be
// large, so the scanner buffer is raised well past its default.
const maxLineBytes = 8 << 20

// ImportOptions contains configuration for a restore.
type ImportOptions struct {
	DryRun bool // Decode and count without enqueueing
	Backup bool // Snapshot the live queue before enqueueing
}

// ImportResult contains statistics about a restore.
type ImportResult struct {
	Decoded       int
	Imported      int
	Skipped       int
	BackupCreated string
	Errors        []string
}

// ExportResult contains statistics about an export.
type ExportResult struct {
	Records int
	Path    string
}

// ExportJSONL writes records to w, one JSON object per line, in the order
// given. The full record is written, including status and attempt
// bookkeeping, so a snapshot is also readable as a queue audit trail.
func ExportJSONL(w io.Writer, records []*record.Mutation) (int, error) {
	encoder := json.NewEncoder(w)
	for i, m := range records {
		if err := encoder.Encode(m); err != nil {
			return i, fmt.Errorf("failed to encode record %s: %w", m.ID, err)
		}
	}
	return len(records), nil
}

// ImportJSONL decodes records from r one line at a time. Lines that fail to
// decode or validate are skipped, not fatal; each is reported in the
// returned error list with its line number. Blank lines are ignored.
func ImportJSONL(r io.Reader) ([]*record.Mutation, []string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var records []*record.Mutation
	var lineErrs []string

	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var m record.Mutation
		if err := json.Unmarshal(raw, &m); err != nil {
			lineErrs = append(lineErrs, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		if err := m.Validate(); err != nil {
			lineErrs = append(lineErrs, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		records = append(records, &m)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	return records, lineErrs, nil
}

// Export writes every live queue record to a JSONL file at path, oldest
// first. The write goes through a temp file and rename so a crash never
// leaves a truncated snapshot.
//
// Oldest-first matters: Import re-enqueues in file order, and per-entity
// supersession keeps the last record enqueued, so the newest state per
// entity survives a round trip.
func Export(ctx context.Context, q *queue.Queue, path string) (*ExportResult, error) {
	records, err := q.List(ctx, queue.ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}

	// List returns newest first; reverse into enqueue order.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}

	var buf bytes.Buffer
	count, err := ExportJSONL(&buf, records)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0600); err != nil {
		return nil, fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to finalize snapshot: %w", err)
	}

	return &ExportResult{Records: count, Path: path}, nil
}

// Import restores a JSONL snapshot into the queue. Every imported record is
// re-enqueued as a fresh pending mutation: new id, zero attempts, fresh
// enqueue and expiry times. Status, attempt counts, and deadlines in the
// snapshot are ignored, so failed and expired records get another run.
//
// Imported counts enqueue calls; per-entity supersession may leave fewer
// records queued when the snapshot holds several records for one entity.
func Import(ctx context.Context, q *queue.Queue, path string, opts ImportOptions) (*ImportResult, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer file.Close()

	records, lineErrs, err := ImportJSONL(file)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{
		Decoded: len(records),
		Skipped: len(lineErrs),
		Errors:  lineErrs,
	}

	if opts.DryRun {
		return result, nil
	}

	if opts.Backup {
		backupPath := q.Path() + ".backup." + time.Now().Format("20060102-150405")
		if _, err := Export(ctx, q, backupPath); err != nil {
			return nil, fmt.Errorf("failed to back up queue: %w", err)
		}
		result.BackupCreated = backupPath
	}

	for _, m := range records {
		fresh := &record.Mutation{
			EntityType:   m.EntityType,
			EntityID:     m.EntityID,
			Op:           m.Op,
			Payload:      m.Payload,
			Priority:     m.Priority,
			Critical:     m.Critical,
			LocalVersion: m.LocalVersion,
		}
		if _, err := q.EnqueueContext(ctx, fresh); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", m.Key(), err))
			result.Skipped++
			continue
		}
		result.Imported++
	}

	return result, nil
}
