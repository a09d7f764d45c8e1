package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/apply"
	"github.com/localfirst/opsync/internal/oplog/lock"
	"github.com/localfirst/opsync/internal/oplog/migrate"
	"github.com/localfirst/opsync/internal/oplog/repair"
	"github.com/localfirst/opsync/internal/oplog/store"
	"github.com/localfirst/opsync/internal/oplog/vclock"
)

// ProcessResult reports what ProcessRemoteOps did with a batch.
type ProcessResult struct {
	Applied    int
	Stale      int
	Duplicates int
	// Superseded ops were invalidated by a later full-state op.
	Superseded int
	// Parked ops wait for a missing dependency.
	Parked    int
	Failed    int
	Conflicts []oplog.EntityConflict
}

// ProcessRemoteOps runs a batch of remote ops through migration, the
// full-state import filter and conflict detection, then stores and applies
// the non-conflicting ones.
//
// Ops are stored flagged pending-apply before they are applied. If the
// applier returns an error every op stored by this call is deleted again
// and the error is returned. Conflicts are handed to the resolver after
// the sp_op_log lock is released.
//
// Remote ops deferred by an earlier undecided conflict run through again
// ahead of the new batch, so they are presented until someone decides.
// Callers hold sp_op_log_download.
func (s *Service) ProcessRemoteOps(ctx context.Context, ops []oplog.Operation) (*ProcessResult, error) {
	res := &ProcessResult{}

	if s.config.Migrator != nil && len(ops) > 0 {
		migrated, err := s.config.Migrator.MigrateOperations(ops)
		if err != nil {
			if errors.Is(err, migrate.ErrIncompatibleVersion) {
				s.notify(oplog.Event{
					Kind:    oplog.EventIncompatibleRemote,
					Message: "Another device uses a newer version of the app. Please update to keep syncing.",
				})
			}
			return res, err
		}
		ops = migrated
	}

	deferred, err := s.config.Store.GetDeferredOps(ctx)
	if err != nil {
		return res, err
	}
	ops = withDeferred(deferred, ops)
	if len(ops) == 0 {
		return res, nil
	}

	ops, superseded, err := s.filterSuperseded(ctx, ops)
	if err != nil {
		return res, err
	}
	res.Superseded = superseded

	err = s.config.Locks.Request(ctx, lock.NameOpLog, func(ctx context.Context) error {
		return s.storeAndApply(ctx, ops, res)
	})
	if err != nil {
		return res, err
	}

	// Deferred ops that no longer conflict were applied or dropped above.
	if err := s.config.Store.RemoveDeferredOps(ctx, settledDeferred(deferred, res.Conflicts)); err != nil {
		return res, err
	}

	s.config.Metrics.AddApplied(res.Applied)
	s.config.Metrics.AddConflicts(len(res.Conflicts))

	if len(res.Conflicts) > 0 {
		s.logger.Printf("Detected %d conflicting entities", len(res.Conflicts))
		s.notify(oplog.Event{
			Kind:      oplog.EventConflictsDetected,
			Message:   fmt.Sprintf("%d items were changed on several devices", len(res.Conflicts)),
			Count:     len(res.Conflicts),
			Conflicts: res.Conflicts,
		})
		// Queued first; the resolver removes what it settles.
		if err := s.config.Store.DeferOps(ctx, conflictRemoteOps(res.Conflicts)); err != nil {
			return res, fmt.Errorf("failed to defer conflicting operations: %w", err)
		}
		if s.config.Resolver == nil {
			s.logger.Printf("Warning: no conflict resolver configured, leaving %d conflicts unresolved", len(res.Conflicts))
			return res, nil
		}
		if err := s.config.Resolver.PresentConflicts(ctx, res.Conflicts); err != nil {
			return res, fmt.Errorf("failed to resolve conflicts: %w", err)
		}
		return res, nil
	}

	if res.Applied > 0 && s.config.Repair != nil {
		if r := s.config.Repair.ValidateAndRepair(ctx, repair.AfterRemoteApply); r != nil {
			if r.Err != nil {
				s.logger.Printf("Warning: validation after remote apply failed: %v", r.Err)
			} else if r.Repaired {
				s.config.Metrics.IncRepairs()
			}
		}
	}
	return res, nil
}

// storeAndApply must be called with sp_op_log held.
func (s *Service) storeAndApply(ctx context.Context, ops []oplog.Operation, res *ProcessResult) error {
	det, err := s.DetectConflicts(ctx, ops)
	if err != nil {
		return err
	}
	res.Conflicts = det.Conflicts
	res.Stale = det.Stale
	res.Duplicates = det.Duplicates

	fresh := make([]oplog.Operation, 0, len(det.NonConflicting))
	seen := make(map[string]bool, len(det.NonConflicting))
	for _, op := range det.NonConflicting {
		if seen[op.ID] {
			res.Duplicates++
			continue
		}
		seen[op.ID] = true

		known, err := s.config.Store.HasOp(ctx, op.ID)
		if err != nil {
			return err
		}
		if known {
			res.Duplicates++
			continue
		}
		fresh = append(fresh, op)
	}
	if len(fresh) == 0 {
		return nil
	}

	if _, err := s.config.Store.AppendBatch(ctx, fresh, oplog.SourceRemote, store.AppendOptions{PendingApply: true}); err != nil {
		return fmt.Errorf("failed to store remote operations: %w", err)
	}

	applied, err := s.config.Applier.ApplyOperations(ctx, fresh, apply.Options{})
	if err != nil {
		ids := opIDs(fresh)
		if derr := s.config.Store.DeleteOpsByID(ctx, ids); derr != nil {
			s.logger.Printf("Warning: failed to roll back %d stored operations: %v", len(ids), derr)
		}
		return fmt.Errorf("failed to apply remote operations: %w", err)
	}

	if err := s.config.Store.MarkAppliedByID(ctx, applied.AppliedIDs()); err != nil {
		return err
	}
	res.Applied = len(applied.Applied)
	done := make(map[string]bool, len(applied.Applied))
	for _, op := range applied.Applied {
		done[op.ID] = true
	}
	for _, sk := range applied.Skipped {
		if !done[sk.Op.ID] {
			res.Parked++
		}
	}

	if len(applied.Failed) > 0 {
		ids := make([]string, 0, len(applied.Failed))
		for _, f := range applied.Failed {
			ids = append(ids, f.Op.ID)
			s.logger.Printf("Warning: remote op %s failed to apply: %v", f.Op.ID, f.Err)
		}
		res.Failed = len(ids)
		if err := s.config.Store.MarkFailed(ctx, ids, MaxApplyAttempts); err != nil {
			return err
		}
		s.notify(oplog.Event{
			Kind:       oplog.EventApplyFailed,
			Message:    fmt.Sprintf("%d changes from other devices could not be applied", len(ids)),
			Affordance: oplog.AffordanceReload,
			Count:      len(ids),
		})
	}
	return nil
}

// filterSuperseded drops remote ops that a later full-state op makes
// irrelevant. The latest full-state op is looked up across the batch and
// the stored log by id, which orders by creation time. Ops whose clock is
// below or concurrent to it were not part of the imported state.
func (s *Service) filterSuperseded(ctx context.Context, ops []oplog.Operation) ([]oplog.Operation, int, error) {
	var latest *oplog.Operation
	consider := func(op *oplog.Operation) {
		if op.OpType.IsFullState() && (latest == nil || op.ID > latest.ID) {
			latest = op
		}
	}

	for i := range ops {
		consider(&ops[i])
	}
	entries, err := s.config.Store.GetOpsAfterSeq(ctx, 0)
	if err != nil {
		return nil, 0, err
	}
	for i := range entries {
		if !entries[i].IsRejected() {
			consider(&entries[i].Op)
		}
	}
	if latest == nil {
		return ops, 0, nil
	}

	kept := make([]oplog.Operation, 0, len(ops))
	dropped := 0
	for _, op := range ops {
		if op.ID == latest.ID {
			kept = append(kept, op)
			continue
		}
		switch vclock.Compare(op.VectorClock, latest.VectorClock) {
		case vclock.LessThan, vclock.Concurrent:
			dropped++
		default:
			kept = append(kept, op)
		}
	}
	if dropped > 0 {
		s.logger.Printf("Dropped %d operations superseded by %s %s", dropped, latest.OpType, latest.ID)
	}
	return kept, dropped, nil
}

func opIDs(ops []oplog.Operation) []string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}

// withDeferred puts deferred ops ahead of ops, dropping repeats by id.
func withDeferred(deferred, ops []oplog.Operation) []oplog.Operation {
	if len(deferred) == 0 {
		return ops
	}
	out := make([]oplog.Operation, 0, len(deferred)+len(ops))
	seen := make(map[string]bool, len(deferred)+len(ops))
	for _, batch := range [][]oplog.Operation{deferred, ops} {
		for _, op := range batch {
			if !seen[op.ID] {
				seen[op.ID] = true
				out = append(out, op)
			}
		}
	}
	return out
}

// settledDeferred returns the ids of deferred ops that are not part of any
// conflict any more.
func settledDeferred(deferred []oplog.Operation, conflicts []oplog.EntityConflict) []string {
	open := make(map[string]bool)
	for _, op := range conflictRemoteOps(conflicts) {
		open[op.ID] = true
	}
	var ids []string
	for _, op := range deferred {
		if !open[op.ID] {
			ids = append(ids, op.ID)
		}
	}
	return ids
}

func conflictRemoteOps(conflicts []oplog.EntityConflict) []oplog.Operation {
	var ops []oplog.Operation
	for _, c := range conflicts {
		ops = append(ops, c.RemoteOps...)
	}
	return ops
}
