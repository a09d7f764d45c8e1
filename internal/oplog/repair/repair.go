// Package repair validates the materialized state at fixed checkpoints and,
// when it is structurally broken, replaces it with a repaired copy recorded
// as a REPAIR operation so other clients converge on the same fix.
package repair

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/lock"
	"github.com/localfirst/opsync/internal/oplog/schema"
	"github.com/localfirst/opsync/internal/oplog/store"
	"github.com/localfirst/opsync/internal/oplog/vclock"
)

// Checkpoint names the moment a validation runs.
type Checkpoint string

const (
	AfterSnapshotLoad       Checkpoint = "after-snapshot-load"
	AfterTailReplay         Checkpoint = "after-tail-replay"
	AfterConflictResolution Checkpoint = "after-conflict-resolution"
	AfterRemoteApply        Checkpoint = "after-remote-apply"
)

const actionRepair = "[Repair] Repair state"

// Result reports one ValidateAndRepair run.
type Result struct {
	Valid    bool
	Repaired bool
	Summary  oplog.RepairSummary
	Issues   []schema.Issue
	Err      error
}

// Config configures a Service.
type Config struct {
	ClientID string
	Store    *store.Store
	Locks    *lock.Service
	State    oplog.StateStore

	// Notifier receives repair events (default: oplog.NopNotifier)
	Notifier oplog.Notifier

	// Logger for repair activity (default: stderr logger)
	Logger *log.Logger

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// Service runs validation checkpoints.
type Service struct {
	config *Config
	logger *log.Logger
}

// New creates a Service.
func New(config *Config) (*Service, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config.Locks == nil {
		return nil, fmt.Errorf("lock service cannot be nil")
	}
	if config.State == nil {
		return nil, fmt.Errorf("state cannot be nil")
	}
	if config.Notifier == nil {
		config.Notifier = oplog.NopNotifier{}
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[repair] ", log.LstdFlags)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Service{config: config, logger: config.Logger}, nil
}

// ValidateAndRepair validates the current state. A broken state is repaired,
// a REPAIR op is appended under sp_op_log and the state is replaced. When
// the repair itself fails the state is left as is and a reload is offered
// to the user.
func (s *Service) ValidateAndRepair(ctx context.Context, checkpoint Checkpoint) *Result {
	raw, err := s.config.State.GetAllDataSnapshot(ctx)
	if err != nil {
		return &Result{Err: fmt.Errorf("failed to read state at %s: %w", checkpoint, err)}
	}
	current, err := schema.Decode(raw)
	if err != nil {
		return s.failed(checkpoint, nil, err)
	}

	issues := schema.Inspect(current)
	if len(issues) == 0 {
		return &Result{Valid: true}
	}
	s.logger.Printf("Warning: %d integrity issues at %s (first: %s)", len(issues), checkpoint, issues[0])

	fixed, counts, err := schema.Repair(current)
	if err != nil {
		return s.failed(checkpoint, issues, err)
	}
	summary := oplog.RepairSummary(counts)

	encoded, err := fixed.Encode()
	if err != nil {
		return s.failed(checkpoint, issues, err)
	}

	err = s.config.Locks.Request(ctx, lock.NameOpLog, func(ctx context.Context) error {
		return s.commit(ctx, encoded, summary)
	})
	if err != nil {
		return s.failed(checkpoint, issues, err)
	}

	s.logger.Printf("Repaired state at %s: %d fixes", checkpoint, summary.Total())
	s.config.Notifier.Notify(oplog.Event{
		Kind:    oplog.EventRepaired,
		Message: fmt.Sprintf("Repaired %d data integrity issues", summary.Total()),
		Summary: summary,
		Time:    s.config.Now(),
	})
	return &Result{Repaired: true, Summary: summary, Issues: issues}
}

// commit must be called with sp_op_log held.
func (s *Service) commit(ctx context.Context, state []byte, summary oplog.RepairSummary) error {
	current, err := s.config.Store.GetCurrentVectorClock(ctx)
	if err != nil {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate operation id: %w", err)
	}

	payload, err := encodeRepair(state, summary)
	if err != nil {
		return err
	}
	op := oplog.Operation{
		ID:            id.String(),
		ClientID:      s.config.ClientID,
		ActionType:    actionRepair,
		OpType:        oplog.OpRepair,
		EntityType:    oplog.EntityAll,
		Payload:       payload,
		VectorClock:   vclock.Increment(current, s.config.ClientID),
		Timestamp:     s.config.Now().UnixMilli(),
		SchemaVersion: oplog.CurrentSchemaVersion,
	}

	if _, err := s.config.Store.Append(ctx, op, oplog.SourceLocal); err != nil {
		return fmt.Errorf("failed to append repair operation: %w", err)
	}
	if err := s.config.State.ReplaceAll(ctx, state); err != nil {
		// The log must not carry a state that was never materialized.
		if derr := s.config.Store.DeleteOpsByID(ctx, []string{op.ID}); derr != nil {
			s.logger.Printf("Warning: failed to roll back repair operation %s: %v", op.ID, derr)
		}
		return fmt.Errorf("failed to replace state: %w", err)
	}
	return nil
}

func encodeRepair(state []byte, summary oplog.RepairSummary) (json.RawMessage, error) {
	data, err := json.Marshal(oplog.RepairPayload{AppState: state, RepairSummary: summary})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal repair payload: %w", err)
	}
	return data, nil
}

func (s *Service) failed(checkpoint Checkpoint, issues []schema.Issue, err error) *Result {
	err = fmt.Errorf("failed to repair state at %s: %w", checkpoint, err)
	s.logger.Printf("Warning: %v", err)
	s.config.Notifier.Notify(oplog.Event{
		Kind:       oplog.EventRepairFailed,
		Message:    "Your data has integrity problems that could not be repaired automatically",
		Affordance: oplog.AffordanceReload,
		Count:      len(issues),
		Time:       s.config.Now(),
	})
	return &Result{Issues: issues, Err: err}
}
