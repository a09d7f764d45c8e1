package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/localfirst/opsync/internal/oplog"
)

const metaDeferredOps = "deferred_remote_ops"

// Deferred remote ops belong to conflicts nobody decided yet. They are not
// part of the log: the download cursor has moved past them, so this queue
// is the only copy until the conflict is settled. Callers hold
// sp_op_log_download.

// DeferOps adds remote ops to the deferred queue. Ops already queued keep
// their position.
func (s *Store) DeferOps(ctx context.Context, ops []oplog.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	queued, err := s.GetDeferredOps(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(queued))
	for _, op := range queued {
		seen[op.ID] = true
	}
	for _, op := range ops {
		if !seen[op.ID] {
			seen[op.ID] = true
			queued = append(queued, op)
		}
	}
	return s.saveDeferred(ctx, queued)
}

// GetDeferredOps returns the deferred queue in the order ops were added.
func (s *Store) GetDeferredOps(ctx context.Context) ([]oplog.Operation, error) {
	raw, ok, err := s.GetMeta(ctx, metaDeferredOps)
	if err != nil || !ok {
		return nil, err
	}
	var ops []oplog.Operation
	if err := json.Unmarshal([]byte(raw), &ops); err != nil {
		return nil, fmt.Errorf("failed to decode deferred operations: %w", err)
	}
	return ops, nil
}

// RemoveDeferredOps drops ops from the deferred queue by id.
func (s *Store) RemoveDeferredOps(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	queued, err := s.GetDeferredOps(ctx)
	if err != nil || len(queued) == 0 {
		return err
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := queued[:0]
	for _, op := range queued {
		if !drop[op.ID] {
			kept = append(kept, op)
		}
	}
	return s.saveDeferred(ctx, kept)
}

// GetDeferredEntityKeys returns the entity keys touched by deferred ops.
// Local changes on these entities are held back from upload.
func (s *Store) GetDeferredEntityKeys(ctx context.Context) (map[string]bool, error) {
	queued, err := s.GetDeferredOps(ctx)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]bool)
	for _, op := range queued {
		for _, key := range op.EntityKeys() {
			keys[key] = true
		}
	}
	return keys, nil
}

func (s *Store) saveDeferred(ctx context.Context, ops []oplog.Operation) error {
	if len(ops) == 0 {
		return s.DeleteMeta(ctx, metaDeferredOps)
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("failed to marshal deferred operations: %w", err)
	}
	return s.SetMeta(ctx, metaDeferredOps, string(data))
}
