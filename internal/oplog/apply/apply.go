// Package apply feeds operations into the materialized state in order,
// gating each on its hard dependencies.
//
// An op whose parent entity does not exist yet is skipped and parked in an
// in-memory arena keyed by the missing entity. As soon as a later op
// creates that entity, the parked ops are retried right after it. Parked
// remote ops remain flagged pending-apply in the log, so a restart retries
// them through the hydrator even though the arena itself is not persisted.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/deps"
)

// DefaultMaxParked bounds the arena. The oldest parked op is dropped when
// it overflows.
const DefaultMaxParked = 1000

// Options tunes one ApplyOperations call.
type Options struct {
	// LocalHydration replays ops that were valid when captured locally:
	// dependency checks and parking are skipped.
	LocalHydration bool
}

// FailedOp is an op that the state rejected as invalid.
type FailedOp struct {
	Op  oplog.Operation
	Err error
}

// SkippedOp is an op parked for a missing hard dependency.
type SkippedOp struct {
	Op      oplog.Operation
	Missing []deps.Dependency
}

// Result reports what happened to each op of a call.
type Result struct {
	// Applied lists ops dispatched successfully, parked ops retried during
	// this call included, in application order. An op parked and then
	// unblocked within the same call is listed in both Skipped and Applied.
	Applied []oplog.Operation
	Skipped []SkippedOp
	Failed  []FailedOp
}

// AppliedIDs returns the ids of Applied.
func (r *Result) AppliedIDs() []string {
	ids := make([]string, 0, len(r.Applied))
	for _, op := range r.Applied {
		ids = append(ids, op.ID)
	}
	return ids
}

// Config configures an Applier.
type Config struct {
	// Logger for apply activity (default: stderr logger)
	Logger *log.Logger

	// MaxParked bounds the arena (default: DefaultMaxParked)
	MaxParked int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger:    log.New(os.Stderr, "[apply] ", log.LstdFlags),
		MaxParked: DefaultMaxParked,
	}
}

// Applier is the OperationApplier.
type Applier struct {
	state    oplog.StateStore
	resolver *deps.Resolver
	logger   *log.Logger
	maxPark  int

	mu     sync.Mutex
	failed []FailedOp

	// arena maps a missing entity key to the ops waiting on it.
	arena map[string][]oplog.Operation
	// parkedOrder keeps parked op ids oldest first for eviction.
	parkedOrder []string
	parked      map[string]string // op id -> arena key
}

// New creates an Applier.
func New(state oplog.StateStore, logger *log.Logger) (*Applier, error) {
	config := DefaultConfig()
	if logger != nil {
		config.Logger = logger
	}
	return NewWithConfig(state, config)
}

// NewWithConfig creates an Applier with custom configuration.
func NewWithConfig(state oplog.StateStore, config *Config) (*Applier, error) {
	if state == nil {
		return nil, fmt.Errorf("state cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.MaxParked <= 0 {
		config.MaxParked = DefaultMaxParked
	}

	resolver, err := deps.New(state)
	if err != nil {
		return nil, err
	}

	return &Applier{
		state:    state,
		resolver: resolver,
		logger:   config.Logger,
		maxPark:  config.MaxParked,
		arena:    make(map[string][]oplog.Operation),
		parked:   make(map[string]string),
	}, nil
}

// ApplyOperations applies ops in the given order. Ops failing with
// oplog.ErrInvalidOperation are recorded and skipped; any other dispatch
// error stops the batch and is returned together with the partial result.
// Nothing is written to the log.
func (a *Applier) ApplyOperations(ctx context.Context, ops []oplog.Operation, opts Options) (*Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	res := &Result{}
	for _, op := range ops {
		if err := a.applyOne(ctx, op, opts, res); err != nil {
			return res, err
		}
	}

	if len(res.Skipped) > 0 {
		a.logger.Printf("Warning: skipped %d operations with missing dependencies (%d parked)", len(res.Skipped), len(a.parked))
	}
	if len(res.Failed) > 0 {
		a.logger.Printf("Warning: %d operations failed to apply", len(res.Failed))
	}
	return res, nil
}

// applyOne applies op and then, recursively, any parked ops it unblocks.
func (a *Applier) applyOne(ctx context.Context, op oplog.Operation, opts Options, res *Result) error {
	if !opts.LocalHydration {
		check, err := a.resolver.CheckDependencies(ctx, deps.ExtractDependencies(&op))
		if err != nil {
			return fmt.Errorf("failed to check dependencies of %s: %w", op.ID, err)
		}
		if !check.OK() {
			a.park(op, check.MissingHard[0].Key())
			res.Skipped = append(res.Skipped, SkippedOp{Op: op, Missing: check.MissingHard})
			return nil
		}
	}

	if err := a.state.Dispatch(ctx, op); err != nil {
		if errors.Is(err, oplog.ErrInvalidOperation) {
			a.logger.Printf("Warning: operation %s (%s %s) failed: %v", op.ID, op.OpType, op.EntityType, err)
			f := FailedOp{Op: op, Err: err}
			res.Failed = append(res.Failed, f)
			a.failed = append(a.failed, f)
			return nil
		}
		return fmt.Errorf("failed to apply operation %s: %w", op.ID, err)
	}
	res.Applied = append(res.Applied, op)
	a.forget(op.ID)

	if opts.LocalHydration {
		return nil
	}
	for _, key := range op.EntityKeys() {
		for _, waiting := range a.unpark(key) {
			if err := a.applyOne(ctx, waiting, opts, res); err != nil {
				return err
			}
		}
	}
	return nil
}

// park stores op under the missing key.
func (a *Applier) park(op oplog.Operation, key string) {
	if _, ok := a.parked[op.ID]; ok {
		return
	}
	if len(a.parked) >= a.maxPark {
		a.evictOldest()
	}
	a.arena[key] = append(a.arena[key], op)
	a.parked[op.ID] = key
	a.parkedOrder = append(a.parkedOrder, op.ID)
}

// unpark removes and returns every op waiting on key.
func (a *Applier) unpark(key string) []oplog.Operation {
	ops := a.arena[key]
	if len(ops) == 0 {
		return nil
	}
	delete(a.arena, key)
	for _, op := range ops {
		delete(a.parked, op.ID)
	}
	a.compactOrder()
	return ops
}

// forget drops op id from the arena if it was parked earlier.
func (a *Applier) forget(id string) {
	key, ok := a.parked[id]
	if !ok {
		return
	}
	a.removeFromArena(key, id)
	a.compactOrder()
}

func (a *Applier) removeFromArena(key, id string) {
	delete(a.parked, id)
	waiting := a.arena[key]
	for i, op := range waiting {
		if op.ID == id {
			waiting = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(waiting) == 0 {
		delete(a.arena, key)
	} else {
		a.arena[key] = waiting
	}
}

func (a *Applier) evictOldest() {
	for len(a.parkedOrder) > 0 {
		id := a.parkedOrder[0]
		a.parkedOrder = a.parkedOrder[1:]
		key, ok := a.parked[id]
		if !ok {
			continue
		}
		a.removeFromArena(key, id)
		a.logger.Printf("Warning: arena full, dropped parked operation %s", id)
		return
	}
}

// compactOrder drops ids that are no longer parked.
func (a *Applier) compactOrder() {
	kept := a.parkedOrder[:0]
	for _, id := range a.parkedOrder {
		if _, ok := a.parked[id]; ok {
			kept = append(kept, id)
		}
	}
	a.parkedOrder = kept
}

// Parked returns the parked ops, oldest first.
func (a *Applier) Parked() []oplog.Operation {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]oplog.Operation, 0, len(a.parked))
	for _, id := range a.parkedOrder {
		key, ok := a.parked[id]
		if !ok {
			continue
		}
		for _, op := range a.arena[key] {
			if op.ID == id {
				out = append(out, op)
				break
			}
		}
	}
	return out
}

// RetryParked re-applies every parked op whose dependencies now exist, for
// example after a full-state replacement.
func (a *Applier) RetryParked(ctx context.Context) (*Result, error) {
	ops := a.Parked()
	a.mu.Lock()
	a.arena = make(map[string][]oplog.Operation)
	a.parked = make(map[string]string)
	a.parkedOrder = nil
	a.mu.Unlock()

	return a.ApplyOperations(ctx, ops, Options{})
}

// FailedCount returns how many ops failed since the last clear.
func (a *Applier) FailedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.failed)
}

// FailedOperations returns the failed ops since the last clear.
func (a *Applier) FailedOperations() []FailedOp {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]FailedOp(nil), a.failed...)
}

// ClearFailedOperations resets failure tracking.
func (a *Applier) ClearFailedOperations() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failed = nil
}
