// Package record defines the mutation record model shared by the queue,
// coordinator, and remote layers.
//
// A mutation is one pending local change to one logical entity. Records are
// created by application code when a local edit is observed, mutated only by
// the queue (status and attempt bookkeeping), and destroyed when they
// complete, expire, or are manually discarded after a surfaced failure.
package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// Op represents the kind of change a mutation applies to its entity.
type Op int

const (
	// OpCreate indicates the entity is being created.
	OpCreate Op = iota
	// OpUpdate indicates an existing entity is being changed.
	OpUpdate
	// OpDelete indicates the entity is being removed.
	OpDelete
)

// String returns the wire representation of the operation.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// IsValid reports whether op is one of the defined operations.
func (op Op) IsValid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// ParseOp converts a wire string back to an Op.
func ParseOp(s string) (Op, error) {
	switch s {
	case "create":
		return OpCreate, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	default:
		return 0, fmt.Errorf("invalid operation: %q", s)
	}
}

// MarshalJSON encodes the operation as its wire string.
func (op Op) MarshalJSON() ([]byte, error) {
	if !op.IsValid() {
		return nil, fmt.Errorf("invalid operation: %d", int(op))
	}
	return json.Marshal(op.String())
}

// UnmarshalJSON decodes an operation from its wire string.
func (op *Op) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseOp(s)
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}

// Status represents where a mutation is in its lifecycle.
type Status int

const (
	// StatusPending means the record is queued and has never been pushed.
	StatusPending Status = iota
	// StatusInFlight means the record is part of an active push batch.
	StatusInFlight
	// StatusPendingRetry means a push failed transiently and the record is
	// waiting out its backoff delay.
	StatusPendingRetry
	// StatusFailed means the record was quarantined and needs a human
	// decision. Failed records are retained, never re-dequeued.
	StatusFailed
	// StatusCompleted means the remote accepted the record. Completed
	// records are deleted immediately after the transition.
	StatusCompleted
)

// String returns the wire representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusPendingRetry:
		return "pending_retry"
	case StatusFailed:
		return "failed"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// IsValid reports whether s is one of the defined statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusPendingRetry, StatusFailed, StatusCompleted:
		return true
	default:
		return false
	}
}

// ParseStatus converts a wire string back to a Status.
func ParseStatus(str string) (Status, error) {
	switch str {
	case "pending":
		return StatusPending, nil
	case "in_flight":
		return StatusInFlight, nil
	case "pending_retry":
		return StatusPendingRetry, nil
	case "failed":
		return StatusFailed, nil
	case "completed":
		return StatusCompleted, nil
	default:
		return 0, fmt.Errorf("invalid status: %q", str)
	}
}

// MarshalJSON encodes the status as its wire string.
func (s Status) MarshalJSON() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid status: %d", int(s))
	}
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status from its wire string.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Terminal reports whether the status is an end state. Terminal records are
// never re-dequeued; failed records can only leave the queue by being
// resubmitted as fresh mutations or discarded.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusCompleted
}

// CanTransition reports whether moving from s to next is a legal edge of the
// record lifecycle. Queue operations enforce these edges; anything else is a
// bug in the caller.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		// Pending records become in-flight when dequeued, or failed when a
		// critical record expires before ever being pushed.
		return next == StatusInFlight || next == StatusFailed
	case StatusInFlight:
		return next == StatusCompleted || next == StatusPendingRetry || next == StatusFailed
	case StatusPendingRetry:
		return next == StatusInFlight || next == StatusFailed
	case StatusFailed, StatusCompleted:
		return false
	default:
		return false
	}
}

// Key identifies the logical entity a mutation targets. At most one queued
// (pending or pending-retry) record exists per key, and at most one record
// per key is ever in flight.
type Key struct {
	EntityType string
	EntityID   string
}

// String returns the key in "type/id" form for logs and error messages.
func (k Key) String() string {
	return k.EntityType + "/" + k.EntityID
}

// Mutation is one pending local change destined for the remote system.
type Mutation struct {
	// ID uniquely identifies this record, not the entity it mutates.
	ID string `json:"id"`

	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Op         Op     `json:"op"`

	// Payload is an opaque serialized snapshot of the entity at enqueue
	// time, sufficient to replay the mutation. Empty for deletes.
	Payload []byte `json:"payload,omitempty"`

	// Priority orders dequeue: higher is more urgent, ties broken by
	// EnqueuedAt.
	Priority int `json:"priority"`

	// Critical records bypass the batch size cap and are never silently
	// dropped on expiry.
	Critical bool `json:"critical"`

	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`

	EnqueuedAt    time.Time  `json:"enqueued_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	// NextAttemptAt is when a pending-retry record becomes eligible again.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at"`

	// LocalVersion is the entity version known locally at enqueue time,
	// compared against the remote version for conflict detection.
	LocalVersion int64 `json:"local_version"`

	// FailureReason is set when the record is quarantined.
	FailureReason string `json:"failure_reason,omitempty"`

	// RemotePayload and RemoteVersion carry the conflicting remote state for
	// records held in failed status pending manual review.
	RemotePayload []byte `json:"remote_payload,omitempty"`
	RemoteVersion int64  `json:"remote_version,omitempty"`
}

// Key returns the entity key this mutation targets.
func (m *Mutation) Key() Key {
	return Key{EntityType: m.EntityType, EntityID: m.EntityID}
}

// Expired reports whether the record's expiry deadline has passed.
func (m *Mutation) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// Ready reports whether the record is eligible for dequeue at the given
// time: it must be queued and, for retries, past its backoff deadline.
func (m *Mutation) Ready(now time.Time) bool {
	switch m.Status {
	case StatusPending:
		return true
	case StatusPendingRetry:
		return m.NextAttemptAt == nil || !now.Before(*m.NextAttemptAt)
	default:
		return false
	}
}

// Validate checks that the mutation is well-formed before it enters the
// queue. Status and bookkeeping fields are owned by the queue and not
// checked here.
func (m *Mutation) Validate() error {
	if m.EntityType == "" {
		return fmt.Errorf("entity_type is required")
	}
	if m.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if !m.Op.IsValid() {
		return fmt.Errorf("invalid operation: %d", int(m.Op))
	}
	if m.Op != OpDelete && len(m.Payload) == 0 {
		return fmt.Errorf("payload is required for %s", m.Op)
	}
	return nil
}
