// Package compact folds the operation log into a state snapshot and
// deletes entries that are old, synced and covered by the snapshot.
package compact

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/localfirst/opsync/internal/metrics"
	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/lock"
	"github.com/localfirst/opsync/internal/oplog/store"
)

const (
	// DefaultRetention is how long applied, synced entries are kept.
	DefaultRetention = 7 * 24 * time.Hour

	// DefaultSlowThreshold triggers a warning for a slow compaction.
	DefaultSlowThreshold = 3 * time.Second

	// DefaultStateSizeWarning triggers a warning for a large snapshot.
	DefaultStateSizeWarning = 20 << 20
)

// Config configures a Service.
type Config struct {
	Store *store.Store
	Locks *lock.Service
	State oplog.StateStore

	// Retention keeps applied entries this long (default: 7 days)
	Retention time.Duration

	// SlowThreshold is the duration above which a warning is logged (default: 3s)
	SlowThreshold time.Duration

	// StateSizeWarning is the snapshot size in bytes above which a warning
	// is logged (default: 20 MiB)
	StateSizeWarning int

	// Notifier receives compaction events (default: oplog.NopNotifier)
	Notifier oplog.Notifier

	// Metrics collects compaction counters (optional)
	Metrics *metrics.Metrics

	// Logger for compaction activity (default: stderr logger)
	Logger *log.Logger

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// DefaultConfig returns the default compaction configuration.
func DefaultConfig() *Config {
	return &Config{
		Retention:        DefaultRetention,
		SlowThreshold:    DefaultSlowThreshold,
		StateSizeWarning: DefaultStateSizeWarning,
		Logger:           log.New(os.Stderr, "[compact] ", log.LstdFlags),
		Now:              time.Now,
	}
}

// Result describes one compaction.
type Result struct {
	Snapshot  *oplog.Snapshot
	Deleted   int
	StateSize int
	Duration  time.Duration
}

// Service compacts the log. It satisfies capture.Compactor.
type Service struct {
	config *Config
	logger *log.Logger
}

// New creates a Service. Zero durations and sizes take their defaults.
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
	if config.State == nil {
		return nil, fmt.Errorf("state cannot be nil")
	}

	defaults := DefaultConfig()
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if config.SlowThreshold <= 0 {
		config.SlowThreshold = defaults.SlowThreshold
	}
	if config.StateSizeWarning <= 0 {
		config.StateSizeWarning = defaults.StateSizeWarning
	}
	if config.Notifier == nil {
		config.Notifier = oplog.NopNotifier{}
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	return &Service{config: config, logger: config.Logger}, nil
}

// Compact implements capture.Compactor.
func (s *Service) Compact(ctx context.Context) error {
	_, err := s.Run(ctx)
	return err
}

// Run snapshots the current state and deletes every entry that is synced,
// was applied before the retention window and is covered by the snapshot.
// Unsynced local ops and ops still waiting to be applied are never deleted.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	start := s.config.Now()
	res := &Result{}

	err := s.config.Locks.Request(ctx, lock.NameOpLog, func(ctx context.Context) error {
		raw, err := s.config.State.GetAllDataSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("failed to read state: %w", err)
		}
		clock, err := s.config.Store.GetCurrentVectorClock(ctx)
		if err != nil {
			return err
		}
		lastSeq, err := s.config.Store.GetLastSeq(ctx)
		if err != nil {
			return err
		}

		snap := &oplog.Snapshot{
			State:            raw,
			LastAppliedOpSeq: lastSeq,
			VectorClock:      clock,
			CompactedAt:      start.UTC(),
			SchemaVersion:    oplog.CurrentSchemaVersion,
		}
		if err := s.config.Store.SaveStateCache(ctx, snap); err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}
		res.Snapshot = snap
		res.StateSize = len(raw)

		cutoff := start.Add(-s.config.Retention)
		res.Deleted, err = s.config.Store.DeleteOpsWhere(ctx, func(e *oplog.Entry) bool {
			return e.IsSynced() &&
				!e.PendingApply &&
				e.AppliedAt.Before(cutoff) &&
				e.Seq <= lastSeq
		})
		if err != nil {
			return fmt.Errorf("failed to delete compacted ops: %w", err)
		}

		return s.config.Store.ResetCompactionCounter(ctx)
	})
	res.Duration = s.config.Now().Sub(start)
	if err != nil {
		return res, fmt.Errorf("failed to compact: %w", err)
	}

	if res.Duration > s.config.SlowThreshold {
		s.logger.Printf("Warning: compaction took %v", res.Duration.Round(time.Millisecond))
	}
	if res.StateSize > s.config.StateSizeWarning {
		s.logger.Printf("Warning: state snapshot is %.1f MiB", float64(res.StateSize)/(1<<20))
	}

	s.config.Metrics.ObserveCompaction(res.Deleted)
	s.logger.Printf("Compacted log at seq %d, deleted %d entries", res.Snapshot.LastAppliedOpSeq, res.Deleted)
	s.config.Notifier.Notify(oplog.Event{
		Kind:    oplog.EventCompacted,
		Message: fmt.Sprintf("Compacted %d operations", res.Deleted),
		Count:   res.Deleted,
		Time:    s.config.Now(),
	})
	return res, nil
}
