package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/driftq/driftq/internal/conflict"
	"github.com/driftq/driftq/internal/queue"
	"github.com/driftq/driftq/internal/record"
	"github.com/driftq/driftq/internal/remote"
	"github.com/driftq/driftq/internal/retry"
)

// State is the coordinator's position in its sync lifecycle.
type State int

const (
	// StateIdle means the queue is drained and the coordinator is waiting
	// for the drain timer or a wake signal.
	StateIdle State = iota
	// StateDraining means a batch is being pushed right now.
	StateDraining
	// StateBackoff means records are queued but all of them are waiting
	// out a retry delay.
	StateBackoff
	// StateSuspended means connectivity is gone and pushing is paused.
	StateSuspended
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateBackoff:
		return "backoff"
	case StateSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Config holds configuration for the coordinator.
type Config struct {
	// BatchSize caps how many non-critical records one drain cycle claims.
	BatchSize int

	// FanOut is how many pushes may be on the wire at once within a batch.
	FanOut int

	// DrainInterval is how often an idle coordinator checks the queue
	// without an explicit wake.
	DrainInterval time.Duration

	// Apply receives pulled remote changes that do not collide with a
	// queued local mutation. Required before calling Pull.
	Apply ApplyFunc

	// CycleListener, when set, receives a summary after every drain cycle.
	CycleListener func(CycleStats)

	// StateListener, when set, receives every state transition.
	StateListener func(State)

	// Logger for coordinator activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:     25,
		FanOut:        4,
		DrainInterval: 30 * time.Second,
		Logger:        log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// CycleStats summarizes one drain cycle.
type CycleStats struct {
	Pushed      int           // records claimed from the queue
	Accepted    int           // records acknowledged, including resolved conflicts
	Conflicts   int           // pushes that came back as version conflicts
	Flagged     int           // conflicts quarantined for manual review
	Requeued    int           // records rescheduled with a backoff delay
	Quarantined int           // records moved to failed
	Duration    time.Duration // wall-clock time for the cycle
}

// Coordinator owns the drain loop. Exactly one instance runs per process;
// all queue transitions for pushed records flow through it.
type Coordinator struct {
	queue    *queue.Queue
	remote   remote.Endpoint
	resolver *conflict.Resolver
	policy   retry.Policy
	config   *Config

	mu          sync.Mutex
	state       State
	online      bool
	batchCancel context.CancelFunc

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a coordinator wired to a queue and a remote endpoint.
//
// The queue must be open with its schema initialized. A nil resolver gets
// the default last-write-wins policy; a nil config gets DefaultConfig().
// Use Start() to begin draining.
func New(q *queue.Queue, endpoint remote.Endpoint, resolver *conflict.Resolver, policy retry.Policy, config *Config) (*Coordinator, error) {
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if endpoint == nil {
		return nil, fmt.Errorf("endpoint cannot be nil")
	}
	if resolver == nil {
		resolver = conflict.NewResolver(nil)
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be at least 1, got %d", config.BatchSize)
	}
	if config.FanOut < 1 {
		return nil, fmt.Errorf("fan-out must be at least 1, got %d", config.FanOut)
	}
	if config.DrainInterval <= 0 {
		return nil, fmt.Errorf("drain interval must be positive, got %v", config.DrainInterval)
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		queue:    q,
		remote:   endpoint,
		resolver: resolver,
		policy:   policy,
		config:   config,
		state:    StateIdle,
		online:   true,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start runs the drain loop until ctx is cancelled or Stop is called.
//
// Records left in-flight by a previous crash are recovered to
// pending-retry before the first cycle.
func (c *Coordinator) Start(ctx context.Context) error {
	c.config.Logger.Println("Starting sync coordinator")

	recovered, err := c.queue.RecoverInFlightContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover in-flight records: %w", err)
	}
	if recovered > 0 {
		c.config.Logger.Printf("Recovered %d in-flight records from previous run", recovered)
	}

	// A backlog left over from the previous run should not wait out a
	// full drain interval.
	if n, err := c.queue.PendingCount(ctx); err == nil && n > 0 && c.Online() {
		c.setState(StateDraining)
	}

	for {
		switch c.State() {
		case StateIdle:
			timer := time.NewTimer(c.config.DrainInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-c.ctx.Done():
				timer.Stop()
				return nil
			case <-c.wake:
				timer.Stop()
				c.casState(StateIdle, StateDraining)
			case <-timer.C:
				c.casState(StateIdle, StateDraining)
			}

		case StateDraining:
			if !c.Online() {
				c.setState(StateSuspended)
				continue
			}
			processed, err := c.drainOnce(ctx)
			if err != nil {
				if ctx.Err() != nil || c.ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, context.Canceled) {
					// Batch interrupted by SetOnline(false); the state
					// is already Suspended.
					continue
				}
				c.config.Logger.Printf("Drain cycle failed: %v", err)
				c.casState(StateDraining, StateBackoff)
				continue
			}
			if processed {
				// More batches may be ready.
				continue
			}
			if err := c.settleAfterDrain(ctx); err != nil {
				c.config.Logger.Printf("Failed to inspect queue after drain: %v", err)
				c.casState(StateDraining, StateIdle)
			}

		case StateBackoff:
			timer := time.NewTimer(c.backoffWait(ctx))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-c.ctx.Done():
				timer.Stop()
				return nil
			case <-c.wake:
				timer.Stop()
				c.casState(StateBackoff, StateDraining)
			case <-timer.C:
				c.casState(StateBackoff, StateDraining)
			}

		case StateSuspended:
			select {
			case <-ctx.Done():
				return nil
			case <-c.ctx.Done():
				return nil
			case <-c.wake:
				// SetOnline(true) already picked the next state.
			}
		}
	}
}

// Stop signals the drain loop to exit and interrupts the batch in
// progress. Start returns shortly after.
func (c *Coordinator) Stop() {
	c.cancel()
	c.mu.Lock()
	batchCancel := c.batchCancel
	c.mu.Unlock()
	if batchCancel != nil {
		batchCancel()
	}
	c.signalWake()
}

// Wake triggers a drain cycle without waiting for the timer. Safe to call
// from any goroutine; extra wakes while one is pending are dropped.
func (c *Coordinator) Wake() {
	c.signalWake()
}

// SetOnline records a reachability change. Going offline suspends the
// coordinator and interrupts the batch in progress; coming back online
// resumes draining if anything is queued.
func (c *Coordinator) SetOnline(online bool) {
	c.mu.Lock()
	was := c.online
	c.online = online
	c.mu.Unlock()
	if online == was {
		return
	}

	if !online {
		c.config.Logger.Println("Connectivity lost, suspending")
		c.mu.Lock()
		c.state = StateSuspended
		batchCancel := c.batchCancel
		listener := c.config.StateListener
		c.mu.Unlock()
		if batchCancel != nil {
			batchCancel()
		}
		if listener != nil {
			listener(StateSuspended)
		}
		return
	}

	c.config.Logger.Println("Connectivity restored")
	next := StateIdle
	if n, err := c.queue.PendingCount(context.Background()); err == nil && n > 0 {
		next = StateDraining
	}
	c.casState(StateSuspended, next)
	c.signalWake()
}

// Online reports the last reachability reported via SetOnline.
func (c *Coordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) signalWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	listener := c.config.StateListener
	c.mu.Unlock()
	if changed && listener != nil {
		listener(s)
	}
}

// casState transitions from one state to another only if no concurrent
// transition (suspension in particular) got there first.
func (c *Coordinator) casState(from, to State) bool {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return false
	}
	c.state = to
	listener := c.config.StateListener
	c.mu.Unlock()
	if listener != nil {
		listener(to)
	}
	return true
}

// settleAfterDrain decides where an empty drain cycle leaves the machine:
// Idle when the queue is clear, Backoff when records are gated on a delay.
func (c *Coordinator) settleAfterDrain(ctx context.Context) error {
	n, err := c.queue.PendingCount(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		c.casState(StateDraining, StateIdle)
	} else {
		c.casState(StateDraining, StateBackoff)
	}
	return nil
}

// backoffWait computes how long to sleep in Backoff: until the earliest
// retry gate, falling back to the drain interval.
func (c *Coordinator) backoffWait(ctx context.Context) time.Duration {
	stats, err := c.queue.Stats(ctx)
	if err != nil || stats.NextRetryAt == nil {
		return c.config.DrainInterval
	}
	wait := time.Until(*stats.NextRetryAt)
	if wait < 0 {
		wait = 0
	}
	return wait
}

// pushReply carries one push outcome from a worker to the serial applier.
type pushReply struct {
	rec *record.Mutation
	res *remote.PushResult
	err error
}

// drainOnce claims and fully resolves one batch. It reports whether any
// records were processed. A cancelled batch releases its records back to
// pending-retry before returning.
func (c *Coordinator) drainOnce(parent context.Context) (bool, error) {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.batchCancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.batchCancel = nil
		c.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	batch, err := c.queue.DequeueBatchContext(ctx, c.config.BatchSize)
	if err != nil {
		return false, fmt.Errorf("failed to dequeue batch: %w", err)
	}
	if len(batch) == 0 {
		return false, nil
	}

	stats := c.processBatch(ctx, batch)
	stats.Duration = time.Since(start)

	interrupted := ctx.Err() != nil
	if interrupted {
		ids := make([]string, len(batch))
		for i, rec := range batch {
			ids[i] = rec.ID
		}
		// The run context may be the thing that was cancelled, so the
		// release itself runs on a fresh context.
		if err := c.queue.Release(context.Background(), ids); err != nil {
			c.config.Logger.Printf("Failed to release interrupted batch: %v", err)
		} else {
			c.config.Logger.Printf("Released %d records from interrupted batch", len(batch))
		}
	}

	if c.config.CycleListener != nil {
		c.config.CycleListener(stats)
	}
	c.config.Logger.Printf("Drain cycle: pushed=%d accepted=%d conflicts=%d flagged=%d requeued=%d quarantined=%d in %v",
		stats.Pushed, stats.Accepted, stats.Conflicts, stats.Flagged, stats.Requeued, stats.Quarantined,
		stats.Duration.Round(time.Millisecond))

	if interrupted {
		return true, ctx.Err()
	}
	return true, nil
}

// processBatch pushes the batch with bounded fan-out and applies every
// outcome serially.
func (c *Coordinator) processBatch(ctx context.Context, batch []*record.Mutation) CycleStats {
	stats := CycleStats{Pushed: len(batch)}

	replies := make(chan pushReply, len(batch))
	sem := make(chan struct{}, c.config.FanOut)
	var wg sync.WaitGroup

	for _, rec := range batch {
		wg.Add(1)
		go func(rec *record.Mutation) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				replies <- pushReply{rec: rec, err: ctx.Err()}
				return
			}
			defer func() { <-sem }()

			res, err := c.remote.Push(ctx, pushRequest(rec))
			replies <- pushReply{rec: rec, res: res, err: err}
		}(rec)
	}

	go func() {
		wg.Wait()
		close(replies)
	}()

	for reply := range replies {
		c.applyOutcome(ctx, reply, &stats)
	}
	return stats
}

// applyOutcome folds a single push outcome back into the queue.
func (c *Coordinator) applyOutcome(ctx context.Context, reply pushReply, stats *CycleStats) {
	rec := reply.rec
	switch {
	case reply.err == nil && reply.res.Outcome == remote.PushAccepted:
		if err := c.queue.AcknowledgeContext(ctx, rec.ID); err != nil {
			c.logApplyError(ctx, "acknowledge", rec.ID, err)
			return
		}
		stats.Accepted++

	case reply.err == nil && reply.res.Outcome == remote.PushConflict:
		stats.Conflicts++
		c.resolveConflict(ctx, rec, reply.res, stats)

	case errors.Is(reply.err, context.Canceled):
		// Interrupted batch; the record is released with the rest.

	case remote.IsTransient(reply.err):
		c.retryOrQuarantine(ctx, rec, reply.err, stats)

	default:
		// Permanent rejection: retrying would never succeed.
		if err := c.queue.QuarantineContext(ctx, rec.ID, reply.err.Error()); err != nil {
			c.logApplyError(ctx, "quarantine", rec.ID, err)
			return
		}
		stats.Quarantined++
		c.config.Logger.Printf("Quarantined %s (%s): %v", rec.ID, rec.Key(), reply.err)
	}
}

// resolveConflict runs the resolver over a version conflict and carries
// out its decision.
func (c *Coordinator) resolveConflict(ctx context.Context, rec *record.Mutation, res *remote.PushResult, stats *CycleStats) {
	outcome := c.resolver.Resolve(rec, conflict.RemoteState{
		Payload:  res.RemotePayload,
		Version:  res.RemoteVersion,
		Priority: res.RemotePriority,
	})

	switch outcome {
	case conflict.OutcomeApplyLocal:
		c.repushOnRemoteBase(ctx, rec, res.RemoteVersion, stats)

	case conflict.OutcomeDiscardLocal:
		// The remote write supersedes this one; dropping it is the
		// last-write-wins default.
		if err := c.queue.AcknowledgeContext(ctx, rec.ID); err != nil {
			c.logApplyError(ctx, "acknowledge", rec.ID, err)
			return
		}
		stats.Accepted++
		c.config.Logger.Printf("Discarded %s (%s): remote version %d supersedes local %d",
			rec.ID, rec.Key(), res.RemoteVersion, rec.LocalVersion)

	case conflict.OutcomeFlagManual:
		reason := fmt.Sprintf("conflict with remote version %d requires manual review", res.RemoteVersion)
		if err := c.queue.QuarantineConflictContext(ctx, rec.ID, reason, res.RemotePayload, res.RemoteVersion); err != nil {
			c.logApplyError(ctx, "quarantine conflict", rec.ID, err)
			return
		}
		stats.Flagged++
		c.config.Logger.Printf("Flagged %s (%s) for manual review", rec.ID, rec.Key())
	}
}

// repushOnRemoteBase re-issues a winning local write with the remote
// version as its new base. Success counts as accepted.
func (c *Coordinator) repushOnRemoteBase(ctx context.Context, rec *record.Mutation, base int64, stats *CycleStats) {
	req := pushRequest(rec)
	req.LocalVersion = base

	res, err := c.remote.Push(ctx, req)
	switch {
	case err == nil && res.Outcome == remote.PushAccepted:
		if err := c.queue.AcknowledgeContext(ctx, rec.ID); err != nil {
			c.logApplyError(ctx, "acknowledge", rec.ID, err)
			return
		}
		stats.Accepted++
		c.config.Logger.Printf("Re-pushed %s (%s) over remote version %d", rec.ID, rec.Key(), base)

	case err == nil && res.Outcome == remote.PushConflict:
		// The remote advanced again between the two pushes; let the next
		// cycle resolve against its latest state.
		c.retryOrQuarantine(ctx, rec, fmt.Errorf("conflict recurred at remote version %d", res.RemoteVersion), stats)

	case errors.Is(err, context.Canceled):
		// Released with the batch.

	case remote.IsTransient(err):
		c.retryOrQuarantine(ctx, rec, err, stats)

	default:
		if qerr := c.queue.QuarantineContext(ctx, rec.ID, err.Error()); qerr != nil {
			c.logApplyError(ctx, "quarantine", rec.ID, qerr)
			return
		}
		stats.Quarantined++
		c.config.Logger.Printf("Quarantined %s (%s): %v", rec.ID, rec.Key(), err)
	}
}

// retryOrQuarantine consults the retry policy for a failed push and either
// reschedules the record or gives up on it.
func (c *Coordinator) retryOrQuarantine(ctx context.Context, rec *record.Mutation, cause error, stats *CycleStats) {
	decision := c.policy.Decide(rec.Attempts+1, rec.Critical)
	if decision.GiveUp {
		reason := fmt.Sprintf("retry budget exhausted after %d attempts: %v", rec.Attempts+1, cause)
		if err := c.queue.QuarantineContext(ctx, rec.ID, reason); err != nil {
			c.logApplyError(ctx, "quarantine", rec.ID, err)
			return
		}
		stats.Quarantined++
		c.config.Logger.Printf("Gave up on %s (%s) after %d attempts: %v", rec.ID, rec.Key(), rec.Attempts+1, cause)
		return
	}

	if err := c.queue.RequeueContext(ctx, rec.ID, decision.RetryAfter); err != nil {
		c.logApplyError(ctx, "requeue", rec.ID, err)
		return
	}
	stats.Requeued++
}

// logApplyError reports a failed queue transition unless the batch was
// cancelled out from under it, in which case the release pass cleans up.
func (c *Coordinator) logApplyError(ctx context.Context, op, id string, err error) {
	if ctx.Err() != nil {
		return
	}
	c.config.Logger.Printf("Failed to %s %s: %v", op, id, err)
}

func pushRequest(rec *record.Mutation) remote.PushRequest {
	return remote.PushRequest{
		EntityType:   rec.EntityType,
		EntityID:     rec.EntityID,
		Op:           rec.Op,
		Payload:      rec.Payload,
		LocalVersion: rec.LocalVersion,
		Priority:     rec.Priority,
	}
}
