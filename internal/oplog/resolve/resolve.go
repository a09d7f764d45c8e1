// Package resolve settles conflicts found during sync. A Decider picks a
// side for every conflicting entity; the Service then applies the remote
// side or keeps the local one.
package resolve

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/apply"
	"github.com/localfirst/opsync/internal/oplog/lock"
	"github.com/localfirst/opsync/internal/oplog/repair"
	"github.com/localfirst/opsync/internal/oplog/store"
)

// DefaultDecisionTimeout bounds how long the Decider may take.
const DefaultDecisionTimeout = 5 * time.Minute

// MaxApplyAttempts matches the retry budget of ops stored by sync.
const MaxApplyAttempts = 5

// Applier applies remote ops to the materialized state.
type Applier interface {
	ApplyOperations(ctx context.Context, ops []oplog.Operation, opts apply.Options) (*apply.Result, error)
}

// Checkpointer runs the validation checkpoint after resolution.
type Checkpointer interface {
	ValidateAndRepair(ctx context.Context, checkpoint repair.Checkpoint) *repair.Result
}

// Config configures a Service.
type Config struct {
	Store   *store.Store
	Locks   *lock.Service
	Applier Applier
	Decider Decider

	// Repair runs after resolution (optional)
	Repair Checkpointer

	// Notifier receives resolution events (default: oplog.NopNotifier)
	Notifier oplog.Notifier

	// DecisionTimeout bounds the Decider (default: 5m)
	DecisionTimeout time.Duration

	// Logger for resolution activity (default: stderr logger)
	Logger *log.Logger
}

// Result counts what one resolution round did.
type Result struct {
	RemoteApplied int
	KeptLocal     int
	Skipped       int
	Failed        int
	// Rejected is the number of local ops dropped because remote won.
	Rejected int
}

// Service implements the sync ConflictResolver.
type Service struct {
	config *Config
	logger *log.Logger
}

// New creates a Service.
func New(config *Config) (*Service, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config.Locks == nil {
		return nil, fmt.Errorf("lock service cannot be nil")
	}
	if config.Applier == nil {
		return nil, fmt.Errorf("applier cannot be nil")
	}
	if config.Decider == nil {
		return nil, fmt.Errorf("decider cannot be nil")
	}
	if config.Notifier == nil {
		config.Notifier = oplog.NopNotifier{}
	}
	if config.DecisionTimeout <= 0 {
		config.DecisionTimeout = DefaultDecisionTimeout
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[resolve] ", log.LstdFlags)
	}
	return &Service{config: config, logger: config.Logger}, nil
}

// PresentConflicts implements the sync ConflictResolver.
func (s *Service) PresentConflicts(ctx context.Context, conflicts []oplog.EntityConflict) error {
	_, err := s.Resolve(ctx, conflicts)
	return err
}

// Resolve asks the Decider about conflicts and carries out its choices in
// order. Conflicts arrive already in the store's deferred queue; a decided
// one leaves it, a skipped one stays and is presented again on the next
// sync. A Decider that fails or times out resolves nothing. A remote side
// that cannot be applied leaves the local ops queued, and the next conflict
// is still handled.
func (s *Service) Resolve(ctx context.Context, conflicts []oplog.EntityConflict) (*Result, error) {
	res := &Result{}
	if len(conflicts) == 0 {
		return res, nil
	}

	if err := s.config.Store.SaveStateCacheBackup(ctx); err != nil {
		return res, fmt.Errorf("failed to back up state cache: %w", err)
	}

	decisions, err := s.decide(ctx, conflicts)
	if err != nil {
		s.logger.Printf("Warning: no conflict decision, leaving %d conflicts unresolved: %v", len(conflicts), err)
		res.Skipped = len(conflicts)
		return res, s.config.Store.ClearStateCacheBackup(ctx)
	}

	var settled []string
	for i, c := range conflicts {
		switch decisions[i] {
		case oplog.ResolveRemote:
			ok, err := s.applyRemote(ctx, c, res)
			if err != nil {
				s.logger.Printf("Warning: failed to apply the remote side of %s %s: %v", c.EntityType, c.EntityID, err)
				s.notifyFailed(c, len(c.RemoteOps))
				res.Failed++
				continue
			}
			if ok {
				res.RemoteApplied++
			} else {
				res.Failed++
			}
			settled = append(settled, opIDs(c.RemoteOps)...)
		case oplog.ResolveLocal:
			res.KeptLocal++
			settled = append(settled, opIDs(c.RemoteOps)...)
		default:
			res.Skipped++
		}
	}
	if err := s.config.Store.RemoveDeferredOps(ctx, settled); err != nil {
		return res, err
	}

	s.logger.Printf("Resolved %d conflicts: %d remote, %d local, %d skipped, %d failed",
		len(conflicts), res.RemoteApplied, res.KeptLocal, res.Skipped, res.Failed)
	if res.RemoteApplied+res.KeptLocal > 0 {
		s.config.Notifier.Notify(oplog.Event{
			Kind:    oplog.EventConflictsResolved,
			Message: fmt.Sprintf("Resolved %d conflicts", res.RemoteApplied+res.KeptLocal),
			Count:   res.RemoteApplied + res.KeptLocal,
			Time:    time.Now(),
		})
	}

	// A failed resolution keeps the backup around for a reload.
	if res.Failed == 0 {
		if err := s.config.Store.ClearStateCacheBackup(ctx); err != nil {
			return res, err
		}
	}

	if res.RemoteApplied > 0 && s.config.Repair != nil {
		if r := s.config.Repair.ValidateAndRepair(ctx, repair.AfterConflictResolution); r != nil && r.Err != nil {
			s.logger.Printf("Warning: validation after conflict resolution failed: %v", r.Err)
		}
	}
	return res, nil
}

func (s *Service) decide(ctx context.Context, conflicts []oplog.EntityConflict) ([]oplog.Resolution, error) {
	dctx, cancel := context.WithTimeout(ctx, s.config.DecisionTimeout)
	defer cancel()

	decisions, err := s.config.Decider.Decide(dctx, conflicts)
	if err != nil {
		return nil, err
	}
	if err := dctx.Err(); err != nil {
		return nil, err
	}
	if len(decisions) != len(conflicts) {
		return nil, fmt.Errorf("decider returned %d decisions for %d conflicts", len(decisions), len(conflicts))
	}
	return decisions, nil
}

// applyRemote stores and applies the remote ops of c. Only when every one
// of them applied are the local pending ops on the entity rejected.
func (s *Service) applyRemote(ctx context.Context, c oplog.EntityConflict, res *Result) (bool, error) {
	var failed []string
	err := s.config.Locks.Request(ctx, lock.NameOpLog, func(ctx context.Context) error {
		var fresh []oplog.Operation
		for _, op := range c.RemoteOps {
			known, err := s.config.Store.HasOp(ctx, op.ID)
			if err != nil {
				return err
			}
			if !known {
				fresh = append(fresh, op)
			}
		}
		if len(fresh) > 0 {
			if _, err := s.config.Store.AppendBatch(ctx, fresh, oplog.SourceRemote, store.AppendOptions{PendingApply: true}); err != nil {
				return fmt.Errorf("failed to store remote operations: %w", err)
			}
		}

		applied, err := s.config.Applier.ApplyOperations(ctx, c.RemoteOps, apply.Options{})
		if err != nil {
			if derr := s.config.Store.DeleteOpsByID(ctx, opIDs(fresh)); derr != nil {
				s.logger.Printf("Warning: failed to roll back %d stored operations: %v", len(fresh), derr)
			}
			return fmt.Errorf("failed to apply remote operations: %w", err)
		}
		if err := s.config.Store.MarkAppliedByID(ctx, applied.AppliedIDs()); err != nil {
			return err
		}

		done := make(map[string]bool, len(applied.Applied))
		for _, op := range applied.Applied {
			done[op.ID] = true
		}
		for _, op := range c.RemoteOps {
			if !done[op.ID] {
				failed = append(failed, op.ID)
			}
		}
		if len(failed) > 0 {
			return s.config.Store.MarkFailed(ctx, failed, MaxApplyAttempts)
		}

		pending, err := s.config.Store.GetUnsyncedByEntity(ctx)
		if err != nil {
			return err
		}
		reject := opIDs(c.LocalOps)
		for _, key := range entityKeys(c) {
			reject = append(reject, opIDs(pending[key])...)
		}
		reject = unique(reject)
		if err := s.config.Store.MarkRejected(ctx, reject); err != nil {
			return err
		}
		res.Rejected += len(reject)
		return nil
	})
	if err != nil {
		return false, err
	}

	if len(failed) > 0 {
		s.logger.Printf("Warning: %d remote ops for %s %s could not be applied, keeping local changes", len(failed), c.EntityType, c.EntityID)
		s.notifyFailed(c, len(failed))
		return false, nil
	}
	return true, nil
}

func (s *Service) notifyFailed(c oplog.EntityConflict, count int) {
	s.config.Notifier.Notify(oplog.Event{
		Kind:       oplog.EventResolutionFailed,
		Message:    fmt.Sprintf("Could not apply the other device's version of %s %s", c.EntityType, c.EntityID),
		Affordance: oplog.AffordanceReload,
		Count:      count,
		Time:       time.Now(),
	})
}

// entityKeys returns every entity key the conflict touches. Remote batch
// ops can name more entities than the conflict key.
func entityKeys(c oplog.EntityConflict) []string {
	keys := []string{oplog.EntityKey(c.EntityType, c.EntityID)}
	for _, op := range c.RemoteOps {
		keys = append(keys, op.EntityKeys()...)
	}
	return unique(keys)
}

func opIDs(ops []oplog.Operation) []string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}

func unique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
