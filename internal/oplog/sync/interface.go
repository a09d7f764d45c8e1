package sync

import (
	"context"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/apply"
	"github.com/localfirst/opsync/internal/oplog/repair"
)

// Applier applies a batch of operations to the materialized state.
// *apply.Applier satisfies it.
type Applier interface {
	// ApplyOperations applies ops in order. Per-op failures are reported
	// in the result; a returned error means the batch must be rolled back.
	ApplyOperations(ctx context.Context, ops []oplog.Operation, opts apply.Options) (*apply.Result, error)
}

// ConflictResolver decides what happens to conflicting entities.
// *resolve.Service satisfies it.
//
// PresentConflicts is called after the sp_op_log lock has been released;
// implementations take it themselves while applying decisions.
type ConflictResolver interface {
	PresentConflicts(ctx context.Context, conflicts []oplog.EntityConflict) error
}

// OpMigrator upgrades remote operations to the local schema version.
// *migrate.Service satisfies it.
type OpMigrator interface {
	// MigrateOperations returns the upgraded ops, dropping those a
	// migration removes. It fails with migrate.ErrIncompatibleVersion when
	// an op is too far ahead.
	MigrateOperations(ops []oplog.Operation) ([]oplog.Operation, error)
}

// Checkpointer validates and repairs the state after remote changes.
// *repair.Service satisfies it.
type Checkpointer interface {
	ValidateAndRepair(ctx context.Context, checkpoint repair.Checkpoint) *repair.Result
}
