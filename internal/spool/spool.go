// Package spool provides the JSON file format offline producers drop into
// the spool directory to enqueue mutations without linking the queue.
package spool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/driftq/driftq/internal/record"
)

// MutationFile is one queued write captured as a standalone JSON file in
// the spool directory. The daemon watches the directory, enqueues each
// valid file, and removes it. One file per entity key: a second drop for
// the same entity overwrites the first, mirroring queue supersession.
type MutationFile struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`

	// Operation is one of create, update, delete.
	Operation string `json:"operation"`

	// Payload is the full post-mutation state, opaque to the sync layer.
	// Omitted for deletes.
	Payload json.RawMessage `json:"payload,omitempty"`

	Priority int  `json:"priority"`
	Critical bool `json:"critical,omitempty"`

	// LocalVersion is the entity version this write was based on.
	LocalVersion int64 `json:"local_version"`
}

// Validate checks if the MutationFile has valid field values.
func (m *MutationFile) Validate() error {
	if m.EntityType == "" {
		return fmt.Errorf("entity_type is required")
	}
	if m.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	op, err := record.ParseOp(m.Operation)
	if err != nil {
		return err
	}
	if op != record.OpDelete && len(m.Payload) == 0 {
		return fmt.Errorf("payload is required for %s", m.Operation)
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (m *MutationFile) SetDefaults() {
	if m.Operation == "" {
		m.Operation = record.OpUpdate.String()
	}
}

// Filename returns the canonical filename for this mutation:
// {entity_type}--{entity_id}.json
func (m *MutationFile) Filename() string {
	return fmt.Sprintf("%s--%s.json", m.EntityType, m.EntityID)
}

// ToMutation converts the file to a queue record ready for Enqueue.
func (m *MutationFile) ToMutation() (*record.Mutation, error) {
	op, err := record.ParseOp(m.Operation)
	if err != nil {
		return nil, err
	}
	return &record.Mutation{
		EntityType:   m.EntityType,
		EntityID:     m.EntityID,
		Op:           op,
		Payload:      []byte(m.Payload),
		Priority:     m.Priority,
		Critical:     m.Critical,
		LocalVersion: m.LocalVersion,
	}, nil
}

// FromMutation converts a queue record to file format. This is the
// inverse of ToMutation() for export and testing.
func FromMutation(rec *record.Mutation) *MutationFile {
	return &MutationFile{
		EntityType:   rec.EntityType,
		EntityID:     rec.EntityID,
		Operation:    rec.Op.String(),
		Payload:      json.RawMessage(rec.Payload),
		Priority:     rec.Priority,
		Critical:     rec.Critical,
		LocalVersion: rec.LocalVersion,
	}
}

// ReadMutationFile reads and parses a mutation JSON file from the given
// path. Returns the parsed MutationFile or an error if reading, parsing,
// or validation fails.
func ReadMutationFile(path string) (*MutationFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mutation file %s: %w", path, err)
	}

	var m MutationFile
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse mutation file %s: %w", path, err)
	}
	m.SetDefaults()

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mutation file %s: %w", path, err)
	}

	return &m, nil
}

// WriteMutationFile writes a MutationFile to spoolDir as pretty-printed
// JSON under its canonical filename.
func WriteMutationFile(spoolDir string, m *MutationFile) error {
	m.SetDefaults()
	if err := m.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid mutation: %w", err)
	}

	if err := os.MkdirAll(spoolDir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal mutation for %s/%s: %w", m.EntityType, m.EntityID, err)
	}

	path := filepath.Join(spoolDir, m.Filename())
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write mutation file %s: %w", path, err)
	}

	return nil
}

// ReadAllMutationFiles reads every *.json file in the spool directory.
// A missing directory is treated as empty. Invalid files are skipped with
// a warning to stderr so one bad drop never blocks the rest.
func ReadAllMutationFiles(spoolDir string) ([]*MutationFile, error) {
	entries, err := os.ReadDir(spoolDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*MutationFile{}, nil
		}
		return nil, fmt.Errorf("failed to read spool directory: %w", err)
	}

	var files []*MutationFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(spoolDir, entry.Name())
		m, err := ReadMutationFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping invalid mutation file %s: %v\n", entry.Name(), err)
			continue
		}

		files = append(files, m)
	}

	return files, nil
}
