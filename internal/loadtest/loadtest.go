// Package loadtest drives the queue and coordinator with synthetic mutation
// traffic described by TOML scenario files.
//
// A run has two phases: a worker pool enqueues generated mutations while
// per-call latency is recorded, then (optionally) the coordinator drains the
// backlog against an in-memory remote that accepts every push. The package
// backs the `dq bench` command.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/driftq/driftq/internal/engine"
	"github.com/driftq/driftq/internal/queue"
	"github.com/driftq/driftq/internal/record"
	"github.com/driftq/driftq/internal/remote"
	"github.com/driftq/driftq/internal/retry"
)

// entityTypes is the pool of entity types generated traffic draws from.
var entityTypes = []string{"note", "invoice", "contact"}

const padLetters = "abcdefghijklmnopqrstuvwxyz"

// LatencyStats captures per-operation latency metrics from a load run.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	TotalOps  int
	Errors    int
	Durations []time.Duration
}

// PrintStats formats and prints latency statistics.
func (s *LatencyStats) PrintStats() {
	fmt.Printf("Latency Statistics:\n")
	fmt.Printf("  Total Ops:     %d\n", s.TotalOps)
	fmt.Printf("  Errors:        %d\n", s.Errors)
	fmt.Printf("  Min:           %v\n", s.Min)
	fmt.Printf("  P50 (Median):  %v\n", s.P50)
	fmt.Printf("  Mean:          %v\n", s.Mean)
	fmt.Printf("  P95:           %v\n", s.P95)
	fmt.Printf("  P99:           %v\n", s.P99)
	fmt.Printf("  Max:           %v\n", s.Max)
}

// DrainStats summarizes the coordinator draining against the fake remote.
type DrainStats struct {
	Cycles    int
	Pushed    int
	Accepted  int
	Duration  time.Duration
	PerSecond float64
}

// Result captures everything measured in one scenario run.
type Result struct {
	Scenario Scenario

	// Enqueue holds per-enqueue latency across all workers.
	Enqueue *LatencyStats

	// QueueDepth is the backlog after the enqueue phase. Supersession
	// collapses repeated mutations per entity, so this is at most
	// Scenario.Entities.
	QueueDepth int

	// Drain is set when the scenario drains the backlog.
	Drain *DrainStats

	TotalDuration time.Duration
}

// Run executes a scenario against a fresh queue at dbPath. The path is
// scratch space: any existing file there is removed, and the database is
// deleted again when the run finishes.
func Run(ctx context.Context, scenario Scenario, dbPath string) (*Result, error) {
	if err := scenario.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	_ = os.Remove(dbPath)
	defer func() { _ = os.Remove(dbPath) }()

	q, err := queue.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}
	defer func() { _ = q.Close() }()

	if err := q.InitSchemaContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	runStart := time.Now()

	// Phase 1: concurrent enqueue with per-call timing.
	enqueueCtx := ctx
	cancel := context.CancelFunc(func() {})
	if scenario.Duration.Duration > 0 {
		enqueueCtx, cancel = context.WithTimeout(ctx, scenario.Duration.Duration)
	}
	defer cancel()

	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, scenario.Workers)
	errorsChan := make(chan error, scenario.Workers)

	perWorker := scenario.Mutations / scenario.Workers
	extra := scenario.Mutations % scenario.Workers

	for i := 0; i < scenario.Workers; i++ {
		count := perWorker
		if i < extra {
			count++
		}
		if count == 0 {
			continue
		}

		wg.Add(1)
		go func(workerID, count int) {
			defer wg.Done()

			// Per-worker source keeps generation deterministic without
			// contending on a shared lock.
			rng := rand.New(rand.NewSource(scenario.Seed + int64(workerID)))
			durations := make([]time.Duration, 0, count)

			for j := 0; j < count; j++ {
				if enqueueCtx.Err() != nil {
					break // time budget exhausted
				}

				m := generateMutation(rng, scenario, workerID, j)

				start := time.Now()
				_, err := q.EnqueueContext(enqueueCtx, m)
				elapsed := time.Since(start)

				if err != nil {
					if enqueueCtx.Err() != nil {
						break
					}
					errorsChan <- fmt.Errorf("worker %d enqueue %d failed: %w", workerID, j, err)
					return
				}
				durations = append(durations, elapsed)
			}

			resultsChan <- durations
		}(i, count)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var errorCount int
	for err := range errorsChan {
		if err != nil {
			errorCount++
			fmt.Printf("Error: %v\n", err)
		}
	}

	var allDurations []time.Duration
	for durations := range resultsChan {
		allDurations = append(allDurations, durations...)
	}

	if len(allDurations) == 0 {
		return nil, fmt.Errorf("no mutations were enqueued")
	}

	enqueueStats := computeLatencyStats(allDurations)
	enqueueStats.Errors = errorCount

	stats, err := q.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	depth := stats.Pending

	result := &Result{
		Scenario:   scenario,
		Enqueue:    enqueueStats,
		QueueDepth: depth,
	}

	// Phase 2: drain the backlog through the coordinator.
	if scenario.Drain {
		drain, err := drainBacklog(ctx, q, scenario)
		if err != nil {
			return nil, err
		}
		result.Drain = drain
	}

	result.TotalDuration = time.Since(runStart)
	return result, nil
}

// drainBacklog runs the coordinator against an accept-everything remote
// until the queue is empty.
func drainBacklog(ctx context.Context, q *queue.Queue, scenario Scenario) (*DrainStats, error) {
	endpoint := newAcceptAll(scenario.RemoteLatency.Duration)

	var mu sync.Mutex
	accum := DrainStats{}

	cfg := &engine.Config{
		BatchSize:     scenario.BatchSize,
		FanOut:        scenario.FanOut,
		DrainInterval: 50 * time.Millisecond,
		CycleListener: func(cs engine.CycleStats) {
			mu.Lock()
			accum.Cycles++
			accum.Pushed += cs.Pushed
			accum.Accepted += cs.Accepted
			mu.Unlock()
		},
		Logger: log.New(io.Discard, "", 0),
	}

	coord, err := engine.New(q, endpoint, nil, retry.DefaultPolicy(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build coordinator: %w", err)
	}

	drainStart := time.Now()
	errCh := make(chan error, 1)
	go func() {
		errCh <- coord.Start(ctx)
	}()
	coord.Wake()

	for {
		stats, err := q.Stats(ctx)
		if err != nil {
			coord.Stop()
			<-errCh
			return nil, fmt.Errorf("failed to read queue stats: %w", err)
		}
		if stats.Total() == 0 {
			break
		}

		select {
		case <-ctx.Done():
			coord.Stop()
			<-errCh
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	drainDuration := time.Since(drainStart)

	coord.Stop()
	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("coordinator failed: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	accum.Duration = drainDuration
	if drainDuration.Seconds() > 0 {
		accum.PerSecond = float64(accum.Accepted) / drainDuration.Seconds()
	}
	return &accum, nil
}

// generateMutation builds one synthetic mutation.
func generateMutation(rng *rand.Rand, scenario Scenario, workerID, seq int) *record.Mutation {
	op := pickOp(rng, scenario.Mix)

	m := &record.Mutation{
		EntityType:   entityTypes[rng.Intn(len(entityTypes))],
		EntityID:     fmt.Sprintf("e-%05d", rng.Intn(scenario.Entities)),
		Op:           op,
		Priority:     rng.Intn(scenario.MaxPriority + 1),
		Critical:     rng.Float64() < scenario.CriticalRatio,
		LocalVersion: 1,
	}

	if op != record.OpDelete {
		pad := make([]byte, scenario.PayloadBytes)
		for i := range pad {
			pad[i] = padLetters[rng.Intn(len(padLetters))]
		}
		m.Payload = []byte(fmt.Sprintf(`{"worker":%d,"seq":%d,"pad":%q}`, workerID, seq, pad))
	}

	return m
}

// pickOp draws an operation weighted by the scenario mix.
func pickOp(rng *rand.Rand, mix Mix) record.Op {
	r := rng.Float64() * mix.total()
	switch {
	case r < mix.Create:
		return record.OpCreate
	case r < mix.Create+mix.Update:
		return record.OpUpdate
	default:
		return record.OpDelete
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	mean := sum / time.Duration(len(durations))

	p50 := sorted[len(sorted)*50/100]
	p95 := sorted[len(sorted)*95/100]
	p99 := sorted[len(sorted)*99/100]

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      mean,
		P50:       p50,
		P95:       p95,
		P99:       p99,
		TotalOps:  len(durations),
		Durations: sorted,
	}
}

// PrintResult outputs a formatted scenario result.
func PrintResult(result *Result) {
	fmt.Printf("\n=== Load Test Results (%s) ===\n\n", result.Scenario.Name)

	fmt.Printf("Configuration:\n")
	fmt.Printf("  Entities:       %d\n", result.Scenario.Entities)
	fmt.Printf("  Mutations:      %d\n", result.Scenario.Mutations)
	fmt.Printf("  Workers:        %d\n", result.Scenario.Workers)
	fmt.Printf("  Critical:       %.1f%%\n", result.Scenario.CriticalRatio*100)
	fmt.Printf("\n")

	fmt.Printf("Enqueue:\n")
	fmt.Printf("  Enqueued:       %d\n", result.Enqueue.TotalOps)
	fmt.Printf("  Queue Depth:    %d\n", result.QueueDepth)
	fmt.Printf("  Min:            %v\n", result.Enqueue.Min)
	fmt.Printf("  P50:            %v\n", result.Enqueue.P50)
	fmt.Printf("  Mean:           %v\n", result.Enqueue.Mean)
	fmt.Printf("  P95:            %v\n", result.Enqueue.P95)
	fmt.Printf("  P99:            %v\n", result.Enqueue.P99)
	fmt.Printf("  Max:            %v\n", result.Enqueue.Max)
	fmt.Printf("  Errors:         %d\n", result.Enqueue.Errors)
	fmt.Printf("\n")

	if result.Drain != nil {
		fmt.Printf("Drain:\n")
		fmt.Printf("  Cycles:         %d\n", result.Drain.Cycles)
		fmt.Printf("  Pushed:         %d\n", result.Drain.Pushed)
		fmt.Printf("  Accepted:       %d\n", result.Drain.Accepted)
		fmt.Printf("  Duration:       %v\n", result.Drain.Duration.Round(time.Millisecond))
		fmt.Printf("  Throughput:     %.2f mutations/sec\n", result.Drain.PerSecond)
		fmt.Printf("\n")
	}

	fmt.Printf("Total Duration:   %v\n", result.TotalDuration.Round(time.Millisecond))
}

// acceptAll is an in-memory endpoint that accepts every push, optionally
// after a simulated round-trip delay.
type acceptAll struct {
	latency time.Duration

	mu       sync.Mutex
	pushed   int
	versions map[record.Key]int64
}

func newAcceptAll(latency time.Duration) *acceptAll {
	return &acceptAll{
		latency:  latency,
		versions: make(map[record.Key]int64),
	}
}

// Push accepts the mutation and assigns the next version for its entity.
func (e *acceptAll) Push(ctx context.Context, req remote.PushRequest) (*remote.PushResult, error) {
	if e.latency > 0 {
		select {
		case <-time.After(e.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.pushed++
	key := record.Key{EntityType: req.EntityType, EntityID: req.EntityID}
	version := e.versions[key] + 1
	e.versions[key] = version

	return &remote.PushResult{Outcome: remote.PushAccepted, NewVersion: version}, nil
}

// Pull reports no remote changes.
func (e *acceptAll) Pull(ctx context.Context, since string) (*remote.PullResponse, error) {
	return &remote.PullResponse{NextCursor: since}, nil
}

// Pushed returns how many pushes the endpoint has accepted.
func (e *acceptAll) Pushed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pushed
}
