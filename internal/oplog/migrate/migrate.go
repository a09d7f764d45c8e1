// Package migrate upgrades persisted state snapshots and operations from
// older schema versions to oplog.CurrentSchemaVersion.
//
// Migrations form a contiguous chain (1→2, 2→3, ...). A state migration
// rewrites the whole AppState JSON; an operation migration rewrites one
// op's payload and may drop the op entirely.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/store"
)

// MaxVersionSkip is how many schema versions ahead a remote op may be and
// still be accepted unchanged.
const MaxVersionSkip = 5

var (
	// ErrMissingMigration means no registered step leads from a version.
	ErrMissingMigration = errors.New("missing migration")

	// ErrIncompatibleVersion means a remote op is too far ahead.
	ErrIncompatibleVersion = errors.New("incompatible schema version")
)

// Migration is one step of the chain.
type Migration struct {
	FromVersion int
	ToVersion   int
	Description string

	// MigrateState rewrites a serialized AppState.
	MigrateState func(state json.RawMessage) (json.RawMessage, error)

	// RequiresOperationMigration marks steps that change op payloads.
	RequiresOperationMigration bool

	// MigrateOperation returns the rewritten op, or nil to drop it.
	MigrateOperation func(op oplog.Operation) (*oplog.Operation, error)
}

// Config configures a Service.
type Config struct {
	Migrations     []Migration
	CurrentVersion int

	// Logger for migration activity (default: stderr logger)
	Logger *log.Logger
}

// Service is the SchemaMigrationService.
type Service struct {
	steps   map[int]Migration
	current int
	logger  *log.Logger

	warnedNewer bool
}

// New validates the registry and creates a Service.
func New(config *Config) (*Service, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.CurrentVersion < 1 {
		return nil, fmt.Errorf("current version must be at least 1")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[migrate] ", log.LstdFlags)
	}

	migrations := append([]Migration(nil), config.Migrations...)
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].FromVersion < migrations[j].FromVersion })

	steps := make(map[int]Migration, len(migrations))
	for i, m := range migrations {
		if m.ToVersion != m.FromVersion+1 {
			return nil, fmt.Errorf("migration %d→%d must advance exactly one version", m.FromVersion, m.ToVersion)
		}
		if i > 0 && migrations[i-1].ToVersion != m.FromVersion {
			return nil, fmt.Errorf("migration chain has a gap before version %d", m.FromVersion)
		}
		if m.ToVersion > config.CurrentVersion {
			return nil, fmt.Errorf("migration %d→%d goes past current version %d", m.FromVersion, m.ToVersion, config.CurrentVersion)
		}
		if m.MigrateState == nil {
			return nil, fmt.Errorf("migration %d→%d has no state migration", m.FromVersion, m.ToVersion)
		}
		if m.RequiresOperationMigration && m.MigrateOperation == nil {
			return nil, fmt.Errorf("migration %d→%d requires an operation migration", m.FromVersion, m.ToVersion)
		}
		steps[m.FromVersion] = m
	}
	if n := len(migrations); n > 0 && migrations[n-1].ToVersion != config.CurrentVersion {
		return nil, fmt.Errorf("migration chain ends at %d, current version is %d", migrations[n-1].ToVersion, config.CurrentVersion)
	}

	return &Service{steps: steps, current: config.CurrentVersion, logger: config.Logger}, nil
}

// Default returns the Service with the built-in migrations.
func Default(logger *log.Logger) *Service {
	s, err := New(&Config{
		Migrations:     Builtin(),
		CurrentVersion: oplog.CurrentSchemaVersion,
		Logger:         logger,
	})
	if err != nil {
		panic(fmt.Sprintf("built-in migrations are invalid: %v", err))
	}
	return s
}

// CurrentVersion returns the target version.
func (s *Service) CurrentVersion() int {
	return s.current
}

func normalize(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

// NeedsMigration reports whether snap is older than the current version.
func (s *Service) NeedsMigration(snap *oplog.Snapshot) bool {
	return snap != nil && normalize(snap.SchemaVersion) < s.current
}

// MigrateStateIfNeeded returns snap upgraded to the current version. The
// input is not modified. A missing step is fatal.
func (s *Service) MigrateStateIfNeeded(snap *oplog.Snapshot) (*oplog.Snapshot, error) {
	if snap == nil || !s.NeedsMigration(snap) {
		return snap, nil
	}

	out := *snap
	version := normalize(snap.SchemaVersion)
	state := snap.State
	for version < s.current {
		step, ok := s.steps[version]
		if !ok {
			return nil, fmt.Errorf("%w from version %d", ErrMissingMigration, version)
		}
		migrated, err := step.MigrateState(state)
		if err != nil {
			return nil, fmt.Errorf("failed to migrate state %d→%d: %w", step.FromVersion, step.ToVersion, err)
		}
		s.logger.Printf("Migrated state %d→%d: %s", step.FromVersion, step.ToVersion, step.Description)
		state = migrated
		version = step.ToVersion
	}

	out.State = state
	out.SchemaVersion = version
	return &out, nil
}

// MigrateOperation upgrades one op. It returns nil when a step drops the
// op. Ops from newer clients are returned unchanged if within
// MaxVersionSkip, otherwise ErrIncompatibleVersion.
func (s *Service) MigrateOperation(op oplog.Operation) (*oplog.Operation, error) {
	version := normalize(op.SchemaVersion)
	if version > s.current+MaxVersionSkip {
		return nil, fmt.Errorf("%w: op %s has version %d, this client supports up to %d",
			ErrIncompatibleVersion, op.ID, version, s.current+MaxVersionSkip)
	}
	if version > s.current {
		if !s.warnedNewer {
			s.warnedNewer = true
			s.logger.Printf("Warning: received ops from a newer schema version %d (current %d)", version, s.current)
		}
		return &op, nil
	}

	cur := &op
	for version < s.current {
		step, ok := s.steps[version]
		if !ok {
			return nil, fmt.Errorf("%w from version %d", ErrMissingMigration, version)
		}
		if step.RequiresOperationMigration {
			next, err := step.MigrateOperation(*cur)
			if err != nil {
				return nil, oplog.Invalid(op.ID, "migration %d→%d failed: %v", step.FromVersion, step.ToVersion, err)
			}
			if next == nil {
				return nil, nil
			}
			cur = next
		}
		version = step.ToVersion
	}
	cur.SchemaVersion = version
	return cur, nil
}

// MigrateOperations upgrades ops in order, skipping dropped ones and ops
// whose migration fails. The first incompatible op aborts the batch.
func (s *Service) MigrateOperations(ops []oplog.Operation) ([]oplog.Operation, error) {
	out := make([]oplog.Operation, 0, len(ops))
	for _, op := range ops {
		migrated, err := s.MigrateOperation(op)
		if err != nil {
			if errors.Is(err, ErrIncompatibleVersion) || errors.Is(err, ErrMissingMigration) {
				return nil, err
			}
			s.logger.Printf("Warning: skipping op %s: %v", op.ID, err)
			continue
		}
		if migrated == nil {
			s.logger.Printf("Dropped op %s during migration", op.ID)
			continue
		}
		out = append(out, *migrated)
	}
	return out, nil
}

// MigrateCache upgrades the persisted state cache in place. The previous
// snapshot is kept as a backup until the new one is saved and restored if
// anything fails. It reports whether a migration ran.
func (s *Service) MigrateCache(ctx context.Context, st *store.Store) (bool, error) {
	snap, err := st.LoadStateCache(ctx)
	if err != nil {
		return false, err
	}
	if !s.NeedsMigration(snap) {
		return false, nil
	}

	if err := st.SaveStateCacheBackup(ctx); err != nil {
		return false, fmt.Errorf("failed to back up state cache: %w", err)
	}

	migrated, err := s.MigrateStateIfNeeded(snap)
	if err == nil {
		err = st.SaveStateCache(ctx, migrated)
	}
	if err != nil {
		if rerr := st.RestoreStateCacheFromBackup(ctx); rerr != nil {
			s.logger.Printf("Warning: failed to restore state cache backup: %v", rerr)
		}
		return false, err
	}

	if err := st.ClearStateCacheBackup(ctx); err != nil {
		s.logger.Printf("Warning: failed to clear state cache backup: %v", err)
	}
	return true, nil
}
