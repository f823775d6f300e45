// Package remote defines the endpoint the sync engine pushes mutations to
// and pulls changes from, plus the HTTP and libsql implementations.
//
// Push outcomes are a closed set: the remote either accepted the mutation
// (returning the new entity version) or reported a version conflict
// (returning its current state). Transient and permanent failures travel as
// errors classified by this package; see errors.go.
package remote

import (
	"context"

	"github.com/driftq/driftq/internal/record"
)

// ProtocolVersion is the sync protocol this client speaks. Servers announce
// a minimum version; clients refuse to sync against servers demanding a
// newer protocol than they implement.
const ProtocolVersion = "v1.1.0"

// PushRequest is one mutation offered to the remote.
type PushRequest struct {
	EntityType string
	EntityID   string
	Op         record.Op
	// Payload is the opaque entity snapshot to apply.
	Payload []byte
	// LocalVersion is the entity version this mutation was based on. The
	// remote accepts the push only when it matches the current version.
	LocalVersion int64
	// Priority of the write. The remote remembers it so a later conflict
	// against this write can be tie-broken deterministically.
	Priority int
}

// PushOutcome distinguishes the two non-error push results.
type PushOutcome int

const (
	// PushAccepted means the remote applied the mutation.
	PushAccepted PushOutcome = iota
	// PushConflict means the remote holds a version the mutation was not
	// based on.
	PushConflict
)

// String returns a short name for logs.
func (o PushOutcome) String() string {
	switch o {
	case PushAccepted:
		return "accepted"
	case PushConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// PushResult is the remote's answer to a push.
type PushResult struct {
	Outcome PushOutcome

	// NewVersion is the version the remote assigned. Set when accepted.
	NewVersion int64

	// RemotePayload, RemoteVersion, and RemotePriority describe the
	// remote's current state. Set on conflict.
	RemotePayload  []byte
	RemoteVersion  int64
	RemotePriority int
}

// Change is one remote-side mutation delivered by Pull.
type Change struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Op         record.Op `json:"op"`
	Payload    []byte    `json:"payload,omitempty"`
	Version    int64     `json:"version"`
	Priority   int       `json:"priority"`
}

// Key returns the entity key this change targets.
func (c *Change) Key() record.Key {
	return record.Key{EntityType: c.EntityType, EntityID: c.EntityID}
}

// PullResponse is an ordered page of remote changes plus the cursor to
// resume from.
type PullResponse struct {
	Changes    []Change `json:"changes"`
	NextCursor string   `json:"next_cursor"`
}

// Endpoint is the remote system the engine syncs against.
type Endpoint interface {
	// Push offers one mutation. The result is accepted or conflict;
	// transient and permanent failures are returned as classified errors.
	Push(ctx context.Context, req PushRequest) (*PushResult, error)

	// Pull returns changes after the given cursor in order, with the
	// cursor to resume from. An empty cursor starts from the beginning.
	Pull(ctx context.Context, since string) (*PullResponse, error)
}
