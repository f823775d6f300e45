package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftq/driftq/internal/config"
	"github.com/driftq/driftq/internal/conflict"
	"github.com/driftq/driftq/internal/engine"
	"github.com/driftq/driftq/internal/queue"
	"github.com/driftq/driftq/internal/record"
	"github.com/driftq/driftq/internal/remote"
	"github.com/driftq/driftq/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push queued mutations to the remote now",
	Long: `Run drain cycles until the queue is empty or every remaining record is
waiting out a retry delay.

This is the one-shot counterpart to 'dq daemon': it wakes the coordinator,
drains what is ready, and reports a summary. Records that fail transiently
are rescheduled with backoff and will be picked up by the next sync.`,
	Run: runSync,
}

var pullCmd = &cobra.Command{
	Use:     "pull",
	GroupID: "sync",
	Short:   "Fetch remote changes and fold them into local state",
	Long: `Fetch remote-origin changes past the last pull cursor.

Changes that do not collide with a queued local mutation are written to the
inbox directory next to the queue database, one JSON file per entity, for
the application to apply. Collisions go through the conflict policy: the
newer side wins, or the record is flagged for manual review.`,
	Run: runPull,
}

func init() {
	syncCmd.Flags().Duration("timeout", 5*time.Minute, "Give up after this long")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(pullCmd)
}

// engineConfig converts the config's engine section, leaving listeners and
// the apply callback to the caller.
func engineConfig(cfg *config.Config) *engine.Config {
	engCfg := engine.DefaultConfig()
	engCfg.BatchSize = cfg.Engine.BatchSize
	engCfg.FanOut = cfg.Engine.FanOut
	engCfg.DrainInterval = cfg.Engine.DrainInterval
	return engCfg
}

// inboxApply returns an ApplyFunc that lands pulled changes as JSON files
// in an inbox directory next to the queue database. One file per entity;
// deletes remove the file. Rewriting the same change is a no-op, which
// keeps replayed pull batches safe.
func inboxApply(cfg *config.Config) engine.ApplyFunc {
	dir := filepath.Join(filepath.Dir(cfg.DB.Path), "inbox")
	return func(ctx context.Context, change remote.Change) error {
		name := fmt.Sprintf("%s--%s.json", change.EntityType, change.EntityID)
		path := filepath.Join(dir, name)

		if change.Op == record.OpDelete {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
			return nil
		}

		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		data, err := json.MarshalIndent(&change, "", "  ")
		if err != nil {
			return err
		}
		tmpPath := path + ".tmp"
		if err := os.WriteFile(tmpPath, data, 0600); err != nil {
			return err
		}
		if err := os.Rename(tmpPath, path); err != nil {
			_ = os.Remove(tmpPath)
			return err
		}
		return nil
	}
}

// buildCoordinator wires the queue, endpoint, resolver, and retry policy
// into a coordinator. The caller owns the returned cleanup func.
func buildCoordinator(cfg *config.Config, engCfg *engine.Config) (*engine.Coordinator, *queue.Queue, func(), error) {
	policy, err := loadPolicy(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	q, err := openQueue(cfg, policy)
	if err != nil {
		return nil, nil, nil, err
	}

	endpoint, closeEndpoint, err := buildEndpoint(cfg)
	if err != nil {
		_ = q.Close()
		return nil, nil, nil, err
	}

	coord, err := engine.New(q, endpoint, conflict.NewResolver(policy), retryPolicy(cfg), engCfg)
	if err != nil {
		closeEndpoint()
		_ = q.Close()
		return nil, nil, nil, err
	}

	cleanup := func() {
		closeEndpoint()
		_ = q.Close()
	}
	return coord, q, cleanup, nil
}

func runSync(cmd *cobra.Command, args []string) {
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Accumulate cycle summaries; the listener fires from the
	// coordinator's goroutine.
	var totalsMu sync.Mutex
	var totals engine.CycleStats

	// Buffered so the coordinator never blocks on a slow reader; a
	// dropped intermediate state is fine, the settle states repeat.
	stateCh := make(chan engine.State, 16)

	engCfg := engineConfig(cfg)
	engCfg.Apply = inboxApply(cfg)
	engCfg.CycleListener = func(stats engine.CycleStats) {
		totalsMu.Lock()
		totals.Pushed += stats.Pushed
		totals.Accepted += stats.Accepted
		totals.Conflicts += stats.Conflicts
		totals.Flagged += stats.Flagged
		totals.Requeued += stats.Requeued
		totals.Quarantined += stats.Quarantined
		totals.Duration += stats.Duration
		totalsMu.Unlock()
	}
	engCfg.StateListener = func(s engine.State) {
		select {
		case stateCh <- s:
		default:
		}
	}

	coord, q, cleanup, err := buildCoordinator(cfg, engCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	pending, err := q.PendingCount(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading queue: %v\n", err)
		os.Exit(1)
	}
	if pending == 0 {
		fmt.Println("Queue is empty, nothing to push")
		return
	}

	fmt.Printf("%s Pushing %d queued mutations to %s...\n", ui.RenderAccent("🔄"), pending, cfg.Remote.URL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- coord.Start(ctx) }()
	coord.Wake()

	// Done when the machine settles after draining: Idle means the queue
	// is clear, Backoff means everything left is gated on a retry delay.
	sawDrain := false
	stopped := false
waitLoop:
	for {
		select {
		case s := <-stateCh:
			if s == engine.StateDraining {
				sawDrain = true
			}
			if sawDrain && (s == engine.StateIdle || s == engine.StateBackoff) {
				break waitLoop
			}
		case err := <-errCh:
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: sync failed: %v\n", err)
				os.Exit(1)
			}
			stopped = true
			break waitLoop
		case <-ctx.Done():
			break waitLoop
		}
	}

	if !stopped {
		coord.Stop()
		<-errCh
	}

	totalsMu.Lock()
	summary := totals
	totalsMu.Unlock()

	if ctx.Err() == context.DeadlineExceeded {
		fmt.Printf("%s Sync timed out after %v\n", ui.RenderWarn("⚠"), timeout)
	}

	fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), summary.Duration.Round(time.Millisecond))
	fmt.Printf("   Accepted: %d\n", summary.Accepted)
	if summary.Conflicts > 0 {
		fmt.Printf("   Conflicts resolved: %d\n", summary.Conflicts-summary.Flagged)
	}
	if summary.Flagged > 0 {
		fmt.Printf("   Flagged for review: %s\n", ui.RenderWarn(fmt.Sprintf("%d", summary.Flagged)))
	}
	if summary.Requeued > 0 {
		fmt.Printf("   Awaiting retry: %d\n", summary.Requeued)
	}
	if summary.Quarantined > 0 {
		fmt.Printf("   Failed: %s (run 'dq resolve')\n", ui.RenderFail(fmt.Sprintf("%d", summary.Quarantined)))
	}
}

func runPull(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	engCfg := engineConfig(cfg)
	engCfg.Apply = inboxApply(cfg)

	coord, _, cleanup, err := buildCoordinator(cfg, engCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := coord.Pull(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: pull failed: %v\n", err)
		os.Exit(1)
	}

	if stats.Changes == 0 {
		fmt.Println("No remote changes")
		return
	}
	fmt.Printf("%s Pulled %d changes (cursor %s)\n", ui.RenderPass("✓"), stats.Changes, stats.Cursor)
	fmt.Printf("   Applied: %d\n", stats.Applied)
	if stats.Dropped > 0 {
		fmt.Printf("   Local edits superseded: %d\n", stats.Dropped)
	}
	if stats.Kept > 0 {
		fmt.Printf("   Stale changes ignored: %d\n", stats.Kept)
	}
	if stats.Flagged > 0 {
		fmt.Printf("   Flagged for review: %s (run 'dq resolve')\n", ui.RenderWarn(fmt.Sprintf("%d", stats.Flagged)))
	}
}
