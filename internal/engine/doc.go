// Package engine drives the push/pull synchronization loop between the
// local mutation queue and a remote endpoint.
//
// Overview
//
// The engine package implements the coordinator at the center of driftq.
// It drains the durable queue in priority order, pushes each mutation to
// the remote with bounded concurrency, and folds every outcome back into
// the queue one at a time.
//
// Architecture
//
// The coordinator sits between the queue and the remote:
//
//	Application code
//	     └── Enqueue / Wake         Remote endpoint (HTTP or libsql)
//	              ↓                        ↑ Push      ↓ Pull
//	        MutationQueue  ←───────  Coordinator  ─────┘
//	        (SQLite, WAL)            state machine
//	                                      ↓
//	                                 CycleStats → logs / dashboard
//
// The coordinator is a four-state machine:
//
//	Idle       nothing to push; waiting on the drain timer or a wake signal
//	Draining   actively pushing one batch at a time
//	Backoff    queue non-empty but every record is waiting out a retry delay
//	Suspended  no connectivity; nothing moves until SetOnline(true)
//
// Connectivity loss moves the machine to Suspended from any state and
// interrupts the batch in progress; interrupted records go back to
// pending-retry immediately so a crash or suspend never strands them
// in-flight.
//
// Usage
//
// Basic wiring:
//
//	q, err := queue.Open(".driftq/queue.db")
//	if err != nil {
//	    return err
//	}
//	defer q.Close()
//	if err := q.InitSchema(); err != nil {
//	    return err
//	}
//
//	coord, err := engine.New(q, remote.NewHTTPEndpoint(url), nil, retry.DefaultPolicy(), nil)
//	if err != nil {
//	    return err
//	}
//
//	// Blocks until ctx is cancelled or Stop is called.
//	go coord.Start(ctx)
//
//	// After enqueuing from application code:
//	coord.Wake()
//
// Outcome handling
//
// Each pushed record lands in exactly one place:
//
//   - Accepted: acknowledged and removed from the queue
//   - Conflict: resolved by the ConflictResolver; the local write is
//     re-pushed on the remote version, dropped, or quarantined for review
//   - Transient failure: requeued with exponential backoff, or quarantined
//     once the retry budget is exhausted
//   - Permanent rejection: quarantined immediately
//
// Concurrency
//
// Pushes within a batch run on a small fixed fan-out, but queue state only
// ever changes serially: one goroutine applies outcomes, so no two workers
// can both decide the fate of the same record. Enqueue never blocks behind
// a network call.
package engine
