package record

import (
	"encoding/json"
	"testing"
	"time"
)

// TestOpString tests the wire representation of operations.
func TestOpString(t *testing.T) {
	tests := []struct {
		op   Op
		want string
	}{
		{OpCreate, "create"},
		{OpUpdate, "update"},
		{OpDelete, "delete"},
		{Op(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("Op(%d).String() = %q, want %q", int(tt.op), got, tt.want)
		}
	}
}

// TestParseOp tests round-tripping operations through their wire strings.
func TestParseOp(t *testing.T) {
	for _, op := range []Op{OpCreate, OpUpdate, OpDelete} {
		parsed, err := ParseOp(op.String())
		if err != nil {
			t.Fatalf("ParseOp(%q) failed: %v", op.String(), err)
		}
		if parsed != op {
			t.Errorf("ParseOp(%q) = %v, want %v", op.String(), parsed, op)
		}
	}

	if _, err := ParseOp("upsert"); err == nil {
		t.Error("ParseOp(\"upsert\") should fail")
	}
}

// TestParseStatus tests round-tripping statuses through their wire strings.
func TestParseStatus(t *testing.T) {
	statuses := []Status{StatusPending, StatusInFlight, StatusPendingRetry, StatusFailed, StatusCompleted}
	for _, s := range statuses {
		parsed, err := ParseStatus(s.String())
		if err != nil {
			t.Fatalf("ParseStatus(%q) failed: %v", s.String(), err)
		}
		if parsed != s {
			t.Errorf("ParseStatus(%q) = %v, want %v", s.String(), parsed, s)
		}
	}

	if _, err := ParseStatus("done"); err == nil {
		t.Error("ParseStatus(\"done\") should fail")
	}
}

// TestStatusTerminal tests that only failed and completed are end states.
func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusInFlight, false},
		{StatusPendingRetry, false},
		{StatusFailed, true},
		{StatusCompleted, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

// TestStatusCanTransition tests the legal lifecycle edges.
func TestStatusCanTransition(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusPending, StatusInFlight, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusPendingRetry, false},
		{StatusInFlight, StatusCompleted, true},
		{StatusInFlight, StatusPendingRetry, true},
		{StatusInFlight, StatusFailed, true},
		{StatusInFlight, StatusPending, false},
		{StatusPendingRetry, StatusInFlight, true},
		{StatusPendingRetry, StatusFailed, true},
		{StatusPendingRetry, StatusPending, false},
		{StatusFailed, StatusPending, false},
		{StatusFailed, StatusInFlight, false},
		{StatusCompleted, StatusInFlight, false},
		{StatusCompleted, StatusPending, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s.CanTransition(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

// TestMutationValidate tests field validation for new mutations.
func TestMutationValidate(t *testing.T) {
	tests := []struct {
		name    string
		m       Mutation
		wantErr bool
	}{
		{
			name: "valid update",
			m: Mutation{
				EntityType: "task",
				EntityID:   "task-1",
				Op:         OpUpdate,
				Payload:    []byte(`{"title":"x"}`),
			},
			wantErr: false,
		},
		{
			name: "delete without payload",
			m: Mutation{
				EntityType: "task",
				EntityID:   "task-1",
				Op:         OpDelete,
			},
			wantErr: false,
		},
		{
			name: "missing entity type",
			m: Mutation{
				EntityID: "task-1",
				Op:       OpCreate,
				Payload:  []byte(`{}`),
			},
			wantErr: true,
		},
		{
			name: "missing entity id",
			m: Mutation{
				EntityType: "task",
				Op:         OpCreate,
				Payload:    []byte(`{}`),
			},
			wantErr: true,
		},
		{
			name: "update without payload",
			m: Mutation{
				EntityType: "task",
				EntityID:   "task-1",
				Op:         OpUpdate,
			},
			wantErr: true,
		},
		{
			name: "invalid operation",
			m: Mutation{
				EntityType: "task",
				EntityID:   "task-1",
				Op:         Op(42),
				Payload:    []byte(`{}`),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestMutationKey tests the entity key helper.
func TestMutationKey(t *testing.T) {
	m := &Mutation{EntityType: "note", EntityID: "n-42"}
	key := m.Key()

	if key.EntityType != "note" || key.EntityID != "n-42" {
		t.Errorf("Key() = %+v, want {note n-42}", key)
	}
	if got := key.String(); got != "note/n-42" {
		t.Errorf("Key().String() = %q, want %q", got, "note/n-42")
	}
}

// TestMutationExpired tests expiry deadline checks.
func TestMutationExpired(t *testing.T) {
	now := time.Now()
	m := &Mutation{ExpiresAt: now.Add(time.Hour)}

	if m.Expired(now) {
		t.Error("record should not be expired before its deadline")
	}
	if !m.Expired(now.Add(2 * time.Hour)) {
		t.Error("record should be expired after its deadline")
	}
	if !m.Expired(m.ExpiresAt) {
		t.Error("record should be expired exactly at its deadline")
	}
}

// TestMutationReady tests dequeue eligibility.
func TestMutationReady(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)

	tests := []struct {
		name string
		m    Mutation
		want bool
	}{
		{"pending is ready", Mutation{Status: StatusPending}, true},
		{"retry before deadline", Mutation{Status: StatusPendingRetry, NextAttemptAt: &later}, false},
		{"retry without deadline", Mutation{Status: StatusPendingRetry}, true},
		{"in-flight never ready", Mutation{Status: StatusInFlight}, false},
		{"failed never ready", Mutation{Status: StatusFailed}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.Ready(now); got != tt.want {
				t.Errorf("Ready() = %v, want %v", got, tt.want)
			}
		})
	}

	// A retry record becomes ready once its deadline passes.
	m := Mutation{Status: StatusPendingRetry, NextAttemptAt: &later}
	if !m.Ready(later.Add(time.Second)) {
		t.Error("retry record should be ready after its deadline")
	}
}

// TestMutationJSON tests that enums survive a JSON round trip as strings.
func TestMutationJSON(t *testing.T) {
	m := Mutation{
		ID:         "rec-1",
		EntityType: "task",
		EntityID:   "task-1",
		Op:         OpDelete,
		Priority:   5,
		Critical:   true,
		Status:     StatusPendingRetry,
		EnqueuedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		ExpiresAt:  time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(&m)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded Mutation
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded.Op != OpDelete {
		t.Errorf("Op = %v, want %v", decoded.Op, OpDelete)
	}
	if decoded.Status != StatusPendingRetry {
		t.Errorf("Status = %v, want %v", decoded.Status, StatusPendingRetry)
	}
	if !decoded.Critical {
		t.Error("Critical flag lost in round trip")
	}

	if _, err := ParseOp("unknown"); err == nil {
		t.Error("ParseOp should reject the unknown placeholder")
	}
}
