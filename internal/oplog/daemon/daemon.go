package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/localfirst/opsync/internal/oplog/compact"
	oplogsync "github.com/localfirst/opsync/internal/oplog/sync"
	"github.com/localfirst/opsync/internal/oplog/transport/localdir"
)

// Syncer runs one sync round.
type Syncer interface {
	Sync(ctx context.Context) (*oplogsync.Result, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often to sync when nothing triggers it earlier
	SyncInterval time.Duration

	// DebounceInterval is how long to wait after a file change before
	// syncing. This batches a burst of chunk writes together.
	DebounceInterval time.Duration

	// SyncTimeout bounds one sync round (default: 2m)
	SyncTimeout time.Duration

	// WatchDir is the ops directory of a local-directory provider. Changes
	// in it trigger a sync. Empty disables watching.
	WatchDir string

	// IgnoreFile filters watched files, e.g. chunks written by this client
	IgnoreFile func(name string) bool

	// Compactor is run on CompactionSchedule (optional)
	Compactor compact.Compactor

	// CompactionSchedule is a cron spec (default: @hourly)
	CompactionSchedule string

	// OnSync is called after every sync round (optional)
	OnSync func(res *oplogsync.Result, err error)

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:       time.Minute,
		DebounceInterval:   500 * time.Millisecond,
		SyncTimeout:        2 * time.Minute,
		CompactionSchedule: compact.DefaultSchedule,
		Logger:             log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Status is a snapshot of the daemon's activity.
type Status struct {
	Running        bool
	Syncs          int
	LastSync       time.Time
	LastResult     *oplogsync.Result
	LastError      string
	NextCompaction time.Time
}

// Daemon syncs in the background: on a timer, on file changes in a watched
// provider directory and on demand.
type Daemon struct {
	syncer Syncer
	config *Config

	watcher   *localdir.Watcher
	scheduler *compact.Scheduler
	trigger   chan struct{}

	changeQueue   map[string]time.Time // path -> last change
	changeQueueMu sync.Mutex

	statusMu sync.Mutex
	status   Status

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon with the default configuration.
func New(syncer Syncer) (*Daemon, error) {
	return NewWithConfig(syncer, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(syncer Syncer, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = defaults.SyncTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	d := &Daemon{
		syncer:      syncer,
		config:      config,
		trigger:     make(chan struct{}, 1),
		changeQueue: make(map[string]time.Time),
	}

	if config.WatchDir != "" {
		w, err := localdir.NewWatcher()
		if err != nil {
			return nil, err
		}
		w.Ignore = config.IgnoreFile
		d.watcher = w
	}
	if config.Compactor != nil {
		s, err := compact.NewScheduler(config.Compactor, config.CompactionSchedule, config.Logger)
		if err != nil {
			return nil, err
		}
		d.scheduler = s
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start runs an initial sync, starts the background loops and blocks until
// ctx is cancelled. A failing initial sync is logged, not fatal: the
// device may be offline.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	d.runSync()

	if d.watcher != nil {
		if err := d.watcher.Start(d.config.WatchDir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", d.config.WatchDir, err)
		}
		d.config.Logger.Printf("Watching: %s", d.config.WatchDir)
		d.wg.Add(2)
		go d.watchFileEvents()
		go d.processChangeQueue()
	}
	if d.scheduler != nil {
		d.scheduler.Start()
	}

	d.setRunning(true)
	d.wg.Add(1)
	go d.syncLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")
	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}
	if d.scheduler != nil {
		d.scheduler.Stop()
	}

	d.wg.Wait()
	d.setRunning(false)
	d.config.Logger.Println("Daemon stopped")
	return nil
}

// TriggerSync asks for a sync as soon as possible. Requests made while a
// sync is queued are merged.
func (d *Daemon) TriggerSync() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	d.statusMu.Lock()
	s := d.status
	d.statusMu.Unlock()
	if d.scheduler != nil {
		s.NextCompaction = d.scheduler.Next()
	}
	return s
}

func (d *Daemon) setRunning(running bool) {
	d.statusMu.Lock()
	d.status.Running = running
	d.statusMu.Unlock()
}

// syncLoop syncs on every tick and every trigger.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runSync()
		case <-d.trigger:
			d.runSync()
		}
	}
}

func (d *Daemon) runSync() {
	ctx, cancel := context.WithTimeout(d.ctx, d.config.SyncTimeout)
	defer cancel()

	res, err := d.syncer.Sync(ctx)

	d.statusMu.Lock()
	d.status.Syncs++
	d.status.LastSync = time.Now()
	d.status.LastResult = res
	d.status.LastError = ""
	if err != nil {
		d.status.LastError = err.Error()
	}
	d.statusMu.Unlock()

	if err != nil {
		d.config.Logger.Printf("Warning: sync failed: %v", err)
	}
	if d.config.OnSync != nil {
		d.config.OnSync(res, err)
	}
}

// watchFileEvents queues changed provider files.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			if event.Op == localdir.OpDelete {
				continue
			}
			d.queueChange(event.Path)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	d.changeQueue[path] = time.Now()
}

// processChangeQueue triggers a sync once the queued changes have been
// quiet for DebounceInterval.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if d.settled() {
				d.TriggerSync()
			}
		}
	}
}

// settled reports whether there are queued changes and none of them is
// newer than DebounceInterval. It clears the queue when it returns true.
func (d *Daemon) settled() bool {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	if len(d.changeQueue) == 0 {
		return false
	}
	now := time.Now()
	for _, at := range d.changeQueue {
		if now.Sub(at) < d.config.DebounceInterval {
			return false
		}
	}
	d.config.Logger.Printf("Processing %d changed files", len(d.changeQueue))
	d.changeQueue = make(map[string]time.Time)
	return true
}
