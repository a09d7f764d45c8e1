// Package loadtest simulates many clients syncing through one server.
//
// Every simulated client is a full sync stack (SQLite log, lock service,
// in-memory state, capture, applier, conflict resolution) talking to a
// shared memory.Server in API mode. Clients create their own tasks and
// edit a few shared tasks concurrently, so rounds produce real conflicts.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/apply"
	"github.com/localfirst/opsync/internal/oplog/capture"
	"github.com/localfirst/opsync/internal/oplog/db"
	"github.com/localfirst/opsync/internal/oplog/lock"
	"github.com/localfirst/opsync/internal/oplog/resolve"
	"github.com/localfirst/opsync/internal/oplog/state"
	"github.com/localfirst/opsync/internal/oplog/store"
	oplogsync "github.com/localfirst/opsync/internal/oplog/sync"
	"github.com/localfirst/opsync/internal/oplog/transport"
	"github.com/localfirst/opsync/internal/oplog/transport/memory"
)

// Config configures a simulation.
type Config struct {
	// Clients is the number of simulated devices
	Clients int

	// Rounds is the number of capture+sync rounds per client
	Rounds int

	// SharedTasks is the number of tasks every client edits
	SharedTasks int

	// EditRate is the probability that a round edits a shared task instead
	// of creating a new one
	EditRate float64

	// Dir holds the per-client databases (default: a temp dir, removed
	// after the run)
	Dir string

	// Seed for the workload generator
	Seed int64

	// Logger for progress (default: stderr logger). The sync stacks of
	// the clients log to ClientLogger (default: discarded).
	Logger       *log.Logger
	ClientLogger *log.Logger
}

// DefaultConfig returns a small simulation.
func DefaultConfig() *Config {
	return &Config{
		Clients:      10,
		Rounds:       20,
		SharedTasks:  3,
		EditRate:     0.3,
		Seed:         42,
		Logger:       log.New(os.Stderr, "[loadtest] ", log.LstdFlags),
		ClientLogger: log.New(io.Discard, "", 0),
	}
}

// LatencyStats captures sync round latencies.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration // Median
	P95        time.Duration
	P99        time.Duration
	TotalSyncs int
	Errors     int
	Durations  []time.Duration
}

// Report describes one simulation run.
type Report struct {
	Latency *LatencyStats

	Captured  int
	Uploaded  int
	Applied   int
	Conflicts int
	Rejected  int
	ServerOps int

	// Missing counts (client, task) pairs where a created task never
	// reached the client. Zero means the task sets converged.
	Missing  int
	Duration time.Duration
}

// Converged reports whether every client ended with every created task.
func (r *Report) Converged() bool {
	return r.Missing == 0
}

type client struct {
	id       string
	db       *db.DB
	state    *state.Store
	capturer *capture.Capturer
	sync     *oplogsync.Service
}

// Run executes the simulation.
func Run(ctx context.Context, config *Config) (*Report, error) {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Clients <= 0 {
		return nil, fmt.Errorf("clients must be positive")
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.ClientLogger == nil {
		config.ClientLogger = defaults.ClientLogger
	}
	if config.Dir == "" {
		dir, err := os.MkdirTemp("", "opsync-loadtest-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create work dir: %w", err)
		}
		defer os.RemoveAll(dir)
		config.Dir = dir
	}

	start := time.Now()
	server := memory.NewServer()

	clients := make([]*client, config.Clients)
	for i := range clients {
		c, err := newClient(ctx, config, server, fmt.Sprintf("client-%03d", i))
		if err != nil {
			closeAll(clients)
			return nil, err
		}
		clients[i] = c
	}
	defer closeAll(clients)

	report := &Report{}
	var created []string
	var mu sync.Mutex

	// The first client seeds the shared tasks; everyone then syncs once so
	// all clients can edit them.
	shared := make([]string, config.SharedTasks)
	for i := range shared {
		shared[i] = fmt.Sprintf("shared-%d", i)
		if err := clients[0].createTask(ctx, shared[i]); err != nil {
			return nil, err
		}
		created = append(created, shared[i])
		report.Captured++
	}
	for _, c := range clients {
		res, err := c.sync.Sync(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: initial sync failed: %w", c.id, err)
		}
		report.add(res)
	}

	var durations []time.Duration
	errCount := 0

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(c *client, rng *rand.Rand) {
			defer wg.Done()

			for r := 0; r < config.Rounds; r++ {
				if ctx.Err() != nil {
					return
				}

				var err error
				var taskID string
				if len(shared) > 0 && rng.Float64() < config.EditRate {
					err = c.renameTask(ctx, shared[rng.Intn(len(shared))], fmt.Sprintf("%s round %d", c.id, r))
				} else {
					taskID = fmt.Sprintf("%s-task-%d", c.id, r)
					err = c.createTask(ctx, taskID)
				}

				syncStart := time.Now()
				var res *oplogsync.Result
				if err == nil {
					res, err = c.sync.Sync(ctx)
				}
				elapsed := time.Since(syncStart)

				mu.Lock()
				if err != nil {
					errCount++
					config.Logger.Printf("Error: %s round %d: %v", c.id, r, err)
				} else {
					durations = append(durations, elapsed)
				}
				if taskID != "" {
					created = append(created, taskID)
				}
				report.Captured++
				report.add(res)
				mu.Unlock()
			}
		}(c, rand.New(rand.NewSource(config.Seed+int64(i))))
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Two settle passes: the first pushes everything to the server, the
	// second pulls it everywhere.
	for pass := 0; pass < 2; pass++ {
		for _, c := range clients {
			res, err := c.sync.Sync(ctx)
			if err != nil {
				errCount++
				config.Logger.Printf("Error: %s settle sync: %v", c.id, err)
				continue
			}
			report.add(res)
		}
	}

	for _, c := range clients {
		tasks := c.state.State().Tasks
		for _, id := range created {
			if tasks[id] == nil {
				report.Missing++
			}
		}
	}

	report.Latency = computeLatencyStats(durations)
	report.Latency.Errors = errCount
	report.ServerOps = server.Len()
	report.Duration = time.Since(start)
	config.Logger.Printf("%d clients x %d rounds done in %v", config.Clients, config.Rounds, report.Duration.Round(time.Millisecond))
	return report, nil
}

func (r *Report) add(res *oplogsync.Result) {
	if res == nil {
		return
	}
	r.Uploaded += res.Uploaded
	r.Applied += res.Applied
	r.Conflicts += res.Conflicts
	r.Rejected += res.Rejected
}

func newClient(ctx context.Context, config *Config, server *memory.Server, id string) (*client, error) {
	dir := filepath.Join(config.Dir, id)
	logger := config.ClientLogger

	database, err := db.OpenContext(ctx, filepath.Join(dir, "opsync.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database for %s: %w", id, err)
	}
	c := &client{id: id, db: database, state: state.New()}

	fail := func(err error) (*client, error) {
		_ = database.Close()
		return nil, fmt.Errorf("failed to set up %s: %w", id, err)
	}

	st, err := store.New(database, logger)
	if err != nil {
		return fail(err)
	}
	locks, err := lock.New(&lock.Config{Dir: filepath.Join(dir, "locks"), Logger: logger})
	if err != nil {
		return fail(err)
	}
	c.capturer, err = capture.New(&capture.Config{ClientID: id, Store: st, Locks: locks, State: c.state, Logger: logger})
	if err != nil {
		return fail(err)
	}
	applier, err := apply.New(c.state, logger)
	if err != nil {
		return fail(err)
	}
	resolver, err := resolve.New(&resolve.Config{
		Store:   st,
		Locks:   locks,
		Applier: applier,
		Decider: resolve.SuggestedDecider{Fallback: oplog.ResolveRemote},
		Logger:  logger,
	})
	if err != nil {
		return fail(err)
	}
	tr, err := transport.NewAPI(memory.NewClient(server))
	if err != nil {
		return fail(err)
	}
	c.sync, err = oplogsync.New(&oplogsync.Config{
		ClientID:  id,
		Store:     st,
		Locks:     locks,
		Applier:   applier,
		Transport: tr,
		Resolver:  resolver,
		Logger:    logger,
	})
	if err != nil {
		return fail(err)
	}
	return c, nil
}

func (c *client) createTask(ctx context.Context, id string) error {
	_, err := c.capturer.Capture(ctx, capture.Action{
		ActionType: "[Task] Add",
		OpType:     oplog.OpCreate,
		EntityType: oplog.EntityTask,
		EntityID:   id,
		Payload:    map[string]string{"title": id},
	})
	return err
}

func (c *client) renameTask(ctx context.Context, id, title string) error {
	_, err := c.capturer.Capture(ctx, capture.Action{
		ActionType: "[Task] Update",
		OpType:     oplog.OpUpdate,
		EntityType: oplog.EntityTask,
		EntityID:   id,
		Payload:    map[string]string{"title": title},
	})
	return err
}

func closeAll(clients []*client) {
	for _, c := range clients {
		if c != nil {
			_ = c.db.Close()
		}
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

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		TotalSyncs: len(durations),
		Durations:  sorted,
	}
}

// Print writes a human-readable summary to w.
func (r *Report) Print(w io.Writer) {
	s := r.Latency
	fmt.Fprintf(w, "Sync Latency:\n")
	fmt.Fprintf(w, "  Total Syncs:   %d\n", s.TotalSyncs)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
	fmt.Fprintf(w, "Operations:\n")
	fmt.Fprintf(w, "  Captured:      %d\n", r.Captured)
	fmt.Fprintf(w, "  Uploaded:      %d\n", r.Uploaded)
	fmt.Fprintf(w, "  Applied:       %d\n", r.Applied)
	fmt.Fprintf(w, "  Conflicts:     %d\n", r.Conflicts)
	fmt.Fprintf(w, "  Rejected:      %d\n", r.Rejected)
	fmt.Fprintf(w, "  On server:     %d\n", r.ServerOps)
	fmt.Fprintf(w, "  Converged:     %v (%d missing)\n", r.Converged(), r.Missing)
	fmt.Fprintf(w, "  Duration:      %v\n", r.Duration.Round(time.Millisecond))
}
