// Package conflict decides what happens when a local mutation collides with
// newer remote state. Resolution is pure: the resolver inspects the two
// versions and returns an outcome; the coordinator applies it.
package conflict

import (
	"encoding/json"

	"github.com/driftq/driftq/internal/record"
)

// Outcome is the resolver's verdict for one collision.
type Outcome int

const (
	// OutcomeApplyLocal means the local mutation wins and should be pushed
	// again against the remote version.
	OutcomeApplyLocal Outcome = iota
	// OutcomeDiscardLocal means the remote state supersedes the local
	// mutation, which is acknowledged without being applied.
	OutcomeDiscardLocal
	// OutcomeFlagManual means neither side can be chosen automatically; the
	// record is held with both versions until a human decides.
	OutcomeFlagManual
)

// String returns a short name for logs.
func (o Outcome) String() string {
	switch o {
	case OutcomeApplyLocal:
		return "apply_local"
	case OutcomeDiscardLocal:
		return "discard_local"
	case OutcomeFlagManual:
		return "flag_manual"
	default:
		return "unknown"
	}
}

// RemoteState is the conflicting remote side of a collision: the entity as
// the server currently has it.
type RemoteState struct {
	Payload []byte
	Version int64
	// Priority of the remote write, used only to break exact version ties.
	// Zero when the remote does not report one.
	Priority int
}

// Resolver applies last-write-wins with two escape hatches: entity types can
// opt into manual review wholesale, and concurrent updates to disjoint
// fields are never discarded silently.
type Resolver struct {
	manual map[string]bool
}

// NewResolver builds a resolver from a policy. A nil policy yields plain
// last-write-wins behavior.
func NewResolver(policy *Policy) *Resolver {
	r := &Resolver{manual: make(map[string]bool)}
	if policy != nil {
		for _, t := range policy.ManualReview {
			r.manual[t] = true
		}
	}
	return r
}

// Resolve returns the outcome for a collision between a local mutation and
// the remote state it conflicted with. Identical inputs always produce the
// same outcome.
func (r *Resolver) Resolve(local *record.Mutation, remote RemoteState) Outcome {
	if r.manual[local.EntityType] {
		return OutcomeFlagManual
	}
	// Two updates that touched unrelated fields would merge cleanly, but a
	// silent merge hides the concurrency from both writers. Surface it.
	if local.Op == record.OpUpdate && disjointFields(local.Payload, remote.Payload) {
		return OutcomeFlagManual
	}

	switch {
	case local.LocalVersion > remote.Version:
		return OutcomeApplyLocal
	case local.LocalVersion < remote.Version:
		return OutcomeDiscardLocal
	}

	// Exact version tie: higher priority wins, remote wins the final tie.
	if local.Priority > remote.Priority {
		return OutcomeApplyLocal
	}
	return OutcomeDiscardLocal
}

// disjointFields reports whether both payloads are JSON objects whose
// top-level key sets do not overlap. Non-object payloads never qualify.
func disjointFields(local, remote []byte) bool {
	var localObj, remoteObj map[string]json.RawMessage
	if err := json.Unmarshal(local, &localObj); err != nil || len(localObj) == 0 {
		return false
	}
	if err := json.Unmarshal(remote, &remoteObj); err != nil || len(remoteObj) == 0 {
		return false
	}
	for k := range localObj {
		if _, ok := remoteObj[k]; ok {
			return false
		}
	}
	return true
}
