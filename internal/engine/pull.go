package engine

import (
	"context"
	"fmt"

	"github.com/driftq/driftq/internal/conflict"
	"github.com/driftq/driftq/internal/remote"
)

// ApplyFunc lands a pulled remote change in local storage. It must be
// idempotent: a partially applied pull batch is replayed from the same
// cursor on the next call.
type ApplyFunc func(ctx context.Context, change remote.Change) error

// PullStats summarizes one pull cycle.
type PullStats struct {
	Changes int    // changes received from the remote
	Applied int    // changes handed to the apply callback
	Dropped int    // local records discarded in favor of a newer remote write
	Kept    int    // local records kept; the pulled change was ignored
	Flagged int    // local records quarantined for manual review
	Cursor  string // cursor persisted after the batch
}

// Pull fetches remote-origin changes past the persisted cursor and folds
// them into local state. A change that collides with an unacknowledged
// local mutation for the same entity goes through the conflict resolver
// instead of being applied blindly; everything else is handed to the
// configured ApplyFunc in arrival order. The cursor advances only after
// the whole batch has been handled.
func (c *Coordinator) Pull(ctx context.Context) (*PullStats, error) {
	if c.config.Apply == nil {
		return nil, fmt.Errorf("no apply callback configured")
	}

	cursor, err := c.queue.PullCursor(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pull cursor: %w", err)
	}

	resp, err := c.remote.Pull(ctx, cursor)
	if err != nil {
		return nil, fmt.Errorf("pull failed: %w", err)
	}

	stats := &PullStats{Changes: len(resp.Changes), Cursor: cursor}
	for _, change := range resp.Changes {
		if err := c.foldChange(ctx, change, stats); err != nil {
			// Stop without advancing the cursor; the batch replays.
			return stats, err
		}
	}

	if resp.NextCursor != cursor {
		if err := c.queue.SetPullCursor(ctx, resp.NextCursor); err != nil {
			return stats, fmt.Errorf("failed to persist pull cursor: %w", err)
		}
	}
	stats.Cursor = resp.NextCursor

	if stats.Changes > 0 {
		c.config.Logger.Printf("Pull: %d changes, applied=%d dropped=%d kept=%d flagged=%d, cursor=%s",
			stats.Changes, stats.Applied, stats.Dropped, stats.Kept, stats.Flagged, stats.Cursor)
	}
	return stats, nil
}

// foldChange lands one pulled change, resolving against any queued local
// mutation for the same entity first.
func (c *Coordinator) foldChange(ctx context.Context, change remote.Change, stats *PullStats) error {
	local, err := c.queue.ActiveForEntity(ctx, change.Key())
	if err != nil {
		return fmt.Errorf("failed to check for local collision: %w", err)
	}

	if local == nil {
		if err := c.config.Apply(ctx, change); err != nil {
			return fmt.Errorf("failed to apply change for %s: %w", change.Key(), err)
		}
		stats.Applied++
		return nil
	}

	outcome := c.resolver.Resolve(local, conflict.RemoteState{
		Payload:  change.Payload,
		Version:  change.Version,
		Priority: change.Priority,
	})

	switch outcome {
	case conflict.OutcomeDiscardLocal:
		// The pulled write supersedes the queued local one: drop the
		// local record, then land the remote state.
		if err := c.queue.Discard(ctx, local.ID); err != nil {
			return fmt.Errorf("failed to discard superseded record %s: %w", local.ID, err)
		}
		stats.Dropped++
		if err := c.config.Apply(ctx, change); err != nil {
			return fmt.Errorf("failed to apply change for %s: %w", change.Key(), err)
		}
		stats.Applied++

	case conflict.OutcomeApplyLocal:
		// The queued local write is newer; it wins when it pushes, so the
		// pulled change is stale and ignored.
		stats.Kept++

	case conflict.OutcomeFlagManual:
		reason := fmt.Sprintf("pulled change at version %d requires manual review", change.Version)
		if err := c.queue.QuarantineConflictContext(ctx, local.ID, reason, change.Payload, change.Version); err != nil {
			return fmt.Errorf("failed to flag record %s: %w", local.ID, err)
		}
		stats.Flagged++
		c.config.Logger.Printf("Flagged %s (%s) against pulled version %d", local.ID, change.Key(), change.Version)
	}
	return nil
}
