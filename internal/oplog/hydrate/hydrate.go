// Package hydrate rebuilds the materialized state on startup from the
// state cache snapshot and the log tail after it.
package hydrate

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/apply"
	"github.com/localfirst/opsync/internal/oplog/repair"
	"github.com/localfirst/opsync/internal/oplog/store"
)

// MaxApplyAttempts is the retry budget of remote ops that failed to apply.
const MaxApplyAttempts = 5

// Applier applies ops to the materialized state.
type Applier interface {
	ApplyOperations(ctx context.Context, ops []oplog.Operation, opts apply.Options) (*apply.Result, error)
}

// Migrator upgrades the persisted snapshot and logged ops.
type Migrator interface {
	MigrateCache(ctx context.Context, st *store.Store) (bool, error)
	MigrateOperations(ops []oplog.Operation) ([]oplog.Operation, error)
}

// Checkpointer validates the state between hydration steps.
type Checkpointer interface {
	ValidateAndRepair(ctx context.Context, checkpoint repair.Checkpoint) *repair.Result
}

// Config configures a Hydrator.
type Config struct {
	Store   *store.Store
	State   oplog.StateStore
	Applier Applier

	// Migrator upgrades old snapshots and ops (optional)
	Migrator Migrator

	// Repair validates after the snapshot load and the tail replay (optional)
	Repair Checkpointer

	// Logger for hydration activity (default: stderr logger)
	Logger *log.Logger
}

// Result describes one hydration.
type Result struct {
	SnapshotSeq int64
	Migrated    bool
	Replayed    int
	// Retried counts remote ops stored before a crash and applied now.
	Retried     int
	StillParked int
	Failed      int
	Repaired    bool
	Duration    time.Duration
}

// Hydrator loads state on startup.
type Hydrator struct {
	config *Config
	logger *log.Logger
}

// New creates a Hydrator.
func New(config *Config) (*Hydrator, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config.State == nil {
		return nil, fmt.Errorf("state cannot be nil")
	}
	if config.Applier == nil {
		return nil, fmt.Errorf("applier cannot be nil")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[hydrate] ", log.LstdFlags)
	}
	return &Hydrator{config: config, logger: config.Logger}, nil
}

// Hydrate migrates the snapshot if needed, loads it, replays the local
// tail after it and retries remote ops that were stored but never applied.
//
// Hydration runs before any sync, so it takes no lock.
func (h *Hydrator) Hydrate(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{}

	if h.config.Migrator != nil {
		migrated, err := h.config.Migrator.MigrateCache(ctx, h.config.Store)
		if err != nil {
			return res, fmt.Errorf("failed to migrate state cache: %w", err)
		}
		res.Migrated = migrated
	}

	snap, err := h.config.Store.LoadStateCache(ctx)
	if err != nil {
		return res, err
	}
	if snap != nil {
		if err := h.config.State.ReplaceAll(ctx, snap.State); err != nil {
			return res, fmt.Errorf("failed to load snapshot: %w", err)
		}
		res.SnapshotSeq = snap.LastAppliedOpSeq
	}

	tail, err := h.tail(ctx, res.SnapshotSeq)
	if err != nil {
		return res, err
	}
	// A REPAIR op is appended after every tail entry, so with a tail the
	// state is validated once the tail is in.
	if len(tail) == 0 {
		if snap != nil {
			h.checkpoint(ctx, repair.AfterSnapshotLoad, res)
		}
	} else {
		if err := h.replay(ctx, tail, res); err != nil {
			return res, err
		}
		h.checkpoint(ctx, repair.AfterTailReplay, res)
	}

	if err := h.retryPending(ctx, res); err != nil {
		return res, err
	}

	res.Duration = time.Since(start)
	h.logger.Printf("Hydrated from seq %d: %d replayed, %d retried, %d still waiting (%v)",
		res.SnapshotSeq, res.Replayed, res.Retried, res.StillParked, res.Duration.Round(time.Millisecond))
	return res, nil
}

// tail returns the applied, non-rejected ops logged after seq.
func (h *Hydrator) tail(ctx context.Context, seq int64) ([]oplog.Operation, error) {
	entries, err := h.config.Store.GetOpsAfterSeq(ctx, seq)
	if err != nil {
		return nil, err
	}
	var ops []oplog.Operation
	for i := range entries {
		if entries[i].IsRejected() || entries[i].PendingApply {
			continue
		}
		ops = append(ops, entries[i].Op)
	}
	return ops, nil
}

// replay reapplies the tail. Its ops were valid when applied, so
// dependency checks are skipped.
func (h *Hydrator) replay(ctx context.Context, ops []oplog.Operation, res *Result) error {
	var err error
	if h.config.Migrator != nil {
		if ops, err = h.config.Migrator.MigrateOperations(ops); err != nil {
			return fmt.Errorf("failed to migrate logged operations: %w", err)
		}
	}

	applied, err := h.config.Applier.ApplyOperations(ctx, ops, apply.Options{LocalHydration: true})
	if err != nil {
		return fmt.Errorf("failed to replay log tail: %w", err)
	}
	res.Replayed = len(applied.Applied)
	for _, f := range applied.Failed {
		h.logger.Printf("Warning: logged op %s no longer applies: %v", f.Op.ID, f.Err)
	}
	return nil
}

// retryPending applies remote ops left pending by a crash or a missing
// dependency. Ops that fail again count toward their retry budget.
func (h *Hydrator) retryPending(ctx context.Context, res *Result) error {
	entries, err := h.config.Store.GetPendingRemoteOps(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	ops := make([]oplog.Operation, len(entries))
	for i := range entries {
		ops[i] = entries[i].Op
	}
	if h.config.Migrator != nil {
		if ops, err = h.config.Migrator.MigrateOperations(ops); err != nil {
			return fmt.Errorf("failed to migrate pending operations: %w", err)
		}
	}

	applied, err := h.config.Applier.ApplyOperations(ctx, ops, apply.Options{})
	if err != nil {
		return fmt.Errorf("failed to apply pending remote operations: %w", err)
	}
	if err := h.config.Store.MarkAppliedByID(ctx, applied.AppliedIDs()); err != nil {
		return err
	}
	res.Retried = len(applied.Applied)

	done := make(map[string]bool, len(applied.Applied))
	for _, op := range applied.Applied {
		done[op.ID] = true
	}
	for _, sk := range applied.Skipped {
		if !done[sk.Op.ID] {
			res.StillParked++
		}
	}

	if len(applied.Failed) > 0 {
		ids := make([]string, len(applied.Failed))
		for i, f := range applied.Failed {
			ids[i] = f.Op.ID
		}
		res.Failed = len(ids)
		if err := h.config.Store.MarkFailed(ctx, ids, MaxApplyAttempts); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hydrator) checkpoint(ctx context.Context, cp repair.Checkpoint, res *Result) {
	if h.config.Repair == nil {
		return
	}
	r := h.config.Repair.ValidateAndRepair(ctx, cp)
	if r == nil {
		return
	}
	if r.Err != nil {
		h.logger.Printf("Warning: validation %s failed: %v", cp, r.Err)
		return
	}
	if r.Repaired {
		res.Repaired = true
	}
}
