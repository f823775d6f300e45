// Package daemon provides the long-running supervisor for offline sync.
//
// The daemon:
// 1. Runs the sync coordinator's drain loop
// 2. Watches a spool directory for dropped mutation files and enqueues them
// 3. Periodically purges expired mutations from the queue
// 4. Polls the remote for changes to fold into local state
// 5. Probes remote reachability and flips the coordinator online/offline
// 6. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/driftq/driftq/internal/dashboard"
	"github.com/driftq/driftq/internal/engine"
	"github.com/driftq/driftq/internal/queue"
	"github.com/driftq/driftq/internal/spool"
)

// probeTimeout bounds a single reachability check.
const probeTimeout = 5 * time.Second

// Config holds configuration for the daemon.
type Config struct {
	// PurgeInterval is how often expired mutations are swept from the queue
	PurgeInterval time.Duration

	// PullInterval is how often remote changes are polled; 0 disables polling
	PullInterval time.Duration

	// ProbeInterval is how often remote reachability is checked; probing is
	// disabled when this is 0 or ProbeURL is empty
	ProbeInterval time.Duration

	// ProbeURL is the endpoint fetched by the reachability probe
	ProbeURL string

	// DebounceInterval is how long to wait before processing spool file changes
	// This batches rapid writes together
	DebounceInterval time.Duration

	// Events receives queue and pull activity for dashboard broadcasting; may be nil
	Events *dashboard.Handler

	// LogFile, when set and Logger is nil, routes daemon logs to a
	// size-rotated file instead of stderr
	LogFile string

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PurgeInterval:    5 * time.Minute,
		PullInterval:     30 * time.Second,
		ProbeInterval:    15 * time.Second,
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// NewLogger builds a daemon logger, routing output through a size-rotated
// file when one is configured.
func NewLogger(logFile string) *log.Logger {
	if logFile == "" {
		return log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	return log.New(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}, "[daemon] ", log.LstdFlags)
}

// Daemon supervises the queue, the coordinator, and the spool directory.
type Daemon struct {
	queue    *queue.Queue
	coord    *engine.Coordinator
	spoolDir string
	config   *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> timestamp
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon instance.
//
// The daemon requires:
//   - q: the durable mutation queue
//   - coord: the sync coordinator that drains it
//   - spoolDir: directory watched for dropped mutation JSON files
//
// Use Start() to begin supervising.
func New(q *queue.Queue, coord *engine.Coordinator, spoolDir string) (*Daemon, error) {
	return NewWithConfig(q, coord, spoolDir, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(q *queue.Queue, coord *engine.Coordinator, spoolDir string, config *Config) (*Daemon, error) {
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if coord == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	if spoolDir == "" {
		return nil, fmt.Errorf("spoolDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = NewLogger(config.LogFile)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		queue:       q,
		coord:       coord,
		spoolDir:    spoolDir,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Sweep mutations spooled while it was down
// 2. Start watching the spool directory
// 3. Run the coordinator's drain loop
// 4. Periodically purge expired mutations and poll for remote changes
//
// This blocks until ctx is cancelled or an error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := os.MkdirAll(d.spoolDir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	// Pick up whatever was dropped while the daemon was down.
	if err := d.sweepSpool(); err != nil {
		return fmt.Errorf("initial spool sweep failed: %w", err)
	}

	if err := d.watcher.Add(d.spoolDir); err != nil {
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}

	d.config.Logger.Printf("Watching: %s", d.spoolDir)

	// Run the coordinator's drain loop.
	coordErr := make(chan error, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		coordErr <- d.coord.Start(d.ctx)
	}()

	// Start background goroutines
	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processChangeQueue()
	go d.purgeLoop()

	if d.config.PullInterval > 0 {
		d.wg.Add(1)
		go d.pullLoop()
	}
	if d.config.ProbeInterval > 0 && d.config.ProbeURL != "" {
		d.wg.Add(1)
		go d.probeLoop()
	}

	// Wait for shutdown
	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	case err := <-coordErr:
		if err != nil {
			d.config.Logger.Printf("Coordinator failed: %v", err)
			_ = d.Stop()
			return fmt.Errorf("coordinator failed: %w", err)
		}
		return d.Stop()
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	// Signal shutdown; stopping the coordinator also releases any batch it
	// still has in flight.
	d.coord.Stop()
	d.cancel()

	// Close watcher
	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	// Wait for goroutines to finish
	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// sweepSpool enqueues every mutation file already sitting in the spool
// directory. It's called on startup, before the watcher takes over.
func (d *Daemon) sweepSpool() error {
	entries, err := os.ReadDir(d.spoolDir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}

	enqueued := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		ok, err := d.processSpoolFile(filepath.Join(d.spoolDir, entry.Name()))
		if err != nil {
			d.config.Logger.Printf("Warning: skipping spool file %s: %v", entry.Name(), err)
			continue
		}
		if ok {
			enqueued++
		}
	}

	if enqueued > 0 {
		d.config.Logger.Printf("Recovered %d spooled mutations", enqueued)
		d.coord.Wake()
	}
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			// Only care about Create, Write, Rename. Remove events are
			// our own cleanup after enqueueing.
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			// Only process .json files
			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued file changes with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges enqueues files that have been quiet for long enough.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	enqueued := 0

	for path, queuedAt := range d.changeQueue {
		// Only process if enough time has passed (debouncing)
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}

		ok, err := d.processSpoolFile(path)
		if err != nil {
			d.config.Logger.Printf("Warning: skipping spool file %s: %v", path, err)
		} else if ok {
			enqueued++
		}

		delete(d.changeQueue, path)
	}

	if enqueued > 0 {
		d.coord.Wake()
		d.broadcastQueueStats()
	}
}

// processSpoolFile enqueues one spooled mutation file and removes it.
// Returns false when the file no longer exists. Invalid files are left in
// place for inspection.
func (d *Daemon) processSpoolFile(path string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	mf, err := spool.ReadMutationFile(path)
	if err != nil {
		return false, err
	}

	m, err := mf.ToMutation()
	if err != nil {
		return false, err
	}

	id, err := d.queue.EnqueueContext(d.ctx, m)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue: %w", err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.config.Logger.Printf("Warning: failed to remove spool file %s: %v", path, err)
	}

	d.config.Logger.Printf("Spooled %s (%s %s/%s)", id, m.Op, m.EntityType, m.EntityID)
	return true, nil
}

// purgeLoop periodically sweeps expired mutations from the queue.
func (d *Daemon) purgeLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			removed, escalated, err := d.queue.PurgeExpiredContext(d.ctx)
			if err != nil {
				if d.ctx.Err() != nil {
					return
				}
				d.config.Logger.Printf("Error purging expired mutations: %v", err)
				continue
			}
			if removed > 0 || escalated > 0 {
				d.config.Logger.Printf("Purged %d expired mutations, escalated %d critical", removed, escalated)
				d.broadcastQueueStats()
			}
		}
	}
}

// pullLoop periodically folds remote changes into local state.
func (d *Daemon) pullLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if !d.coord.Online() {
				continue
			}
			stats, err := d.coord.Pull(d.ctx)
			if err != nil {
				if d.ctx.Err() != nil {
					return
				}
				d.config.Logger.Printf("Error pulling remote changes: %v", err)
				continue
			}
			if d.config.Events != nil {
				d.config.Events.OnPullComplete(*stats)
			}
			if stats.Changes > 0 {
				d.broadcastQueueStats()
			}
		}
	}
}

// probeLoop checks remote reachability and flips the coordinator
// online/offline when it changes.
func (d *Daemon) probeLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ProbeInterval)
	defer ticker.Stop()

	client := &http.Client{Timeout: probeTimeout}
	online := d.coord.Online()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			reachable := d.probe(client)
			if reachable == online {
				continue
			}
			online = reachable

			if reachable {
				d.config.Logger.Printf("Remote reachable at %s", d.config.ProbeURL)
			} else {
				d.config.Logger.Printf("Remote unreachable at %s", d.config.ProbeURL)
			}
			d.coord.SetOnline(reachable)
		}
	}
}

// probe reports whether the remote answered the health check.
func (d *Daemon) probe(client *http.Client) bool {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodGet, d.config.ProbeURL, nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode < http.StatusInternalServerError
}

// broadcastQueueStats pushes a fresh queue snapshot to the dashboard.
func (d *Daemon) broadcastQueueStats() {
	if d.config.Events == nil {
		return
	}

	stats, err := d.queue.Stats(d.ctx)
	if err != nil {
		if d.ctx.Err() == nil {
			d.config.Logger.Printf("Error reading queue stats: %v", err)
		}
		return
	}
	d.config.Events.OnQueueStats(*stats)
}
