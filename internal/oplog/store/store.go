// Package store implements the LogStore: a durable, append-only sequence of
// operations plus a single "current" state-cache snapshot, backed by SQLite.
//
// seq is assigned by the database at append time and never reused, even
// after compaction deletes rows. The op id is covered by a unique index so
// HasOp is a point lookup; callers check it before any external side effect
// to get at-most-once application per op id.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/db"
	"github.com/localfirst/opsync/internal/oplog/vclock"
)

const (
	stateCacheCurrent = "current"
	stateCacheBackup  = "backup"

	metaCompactionCounter = "compaction_counter"

	// maxBindVars keeps IN (...) lists under SQLite's variable limit.
	maxBindVars = 500
)

// Config configures a Store.
type Config struct {
	// Logger for store activity (default: stderr logger)
	Logger *log.Logger

	// Now returns the current time (default: time.Now). Tests override it.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[store] ", log.LstdFlags),
		Now:    time.Now,
	}
}

// AppendOptions tunes a single append.
type AppendOptions struct {
	// PendingApply marks a remote op as stored but not yet applied. It is
	// cleared by MarkApplied and retried on startup otherwise.
	PendingApply bool
}

// Store is the SQLite-backed operation log.
type Store struct {
	db     *db.DB
	conn   *sql.DB
	logger *log.Logger
	now    func() time.Time
}

// New creates a Store over an open database.
func New(database *db.DB, logger *log.Logger) (*Store, error) {
	config := DefaultConfig()
	if logger != nil {
		config.Logger = logger
	}
	return NewWithConfig(database, config)
}

// NewWithConfig creates a Store with custom configuration.
func NewWithConfig(database *db.DB, config *Config) (*Store, error) {
	if database == nil || database.RawDB() == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Store{
		db:     database,
		conn:   database.RawDB(),
		logger: config.Logger,
		now:    config.Now,
	}, nil
}

// Append writes op and returns its seq. Remote ops are stored as synced
// because the remote side already holds them.
func (s *Store) Append(ctx context.Context, op oplog.Operation, source oplog.Source) (int64, error) {
	return s.AppendWithOptions(ctx, op, source, AppendOptions{})
}

// AppendWithOptions is Append with per-entry flags.
func (s *Store) AppendWithOptions(ctx context.Context, op oplog.Operation, source oplog.Source, opts AppendOptions) (int64, error) {
	seqs, err := s.AppendBatch(ctx, []oplog.Operation{op}, source, opts)
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendBatch writes every op in a single transaction and returns their
// seqs in input order. A duplicate op id fails the whole batch.
func (s *Store) AppendBatch(ctx context.Context, ops []oplog.Operation, source oplog.Source, opts AppendOptions) ([]int64, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	if source != oplog.SourceLocal && source != oplog.SourceRemote {
		return nil, fmt.Errorf("invalid source %q", source)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	INSERT INTO ops (
		op_id, client_id, entity_type, entity_keys, op_type, op,
		source, applied_at, synced_at, pending_apply
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	appliedAt := s.now().UnixMilli()
	var syncedAt sql.NullInt64
	if source == oplog.SourceRemote {
		syncedAt = sql.NullInt64{Int64: appliedAt, Valid: true}
	}

	seqs := make([]int64, 0, len(ops))
	for i := range ops {
		op := &ops[i]
		if op.ID == "" {
			return nil, fmt.Errorf("operation id is required")
		}

		opJSON, err := json.Marshal(op)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal operation %s: %w", op.ID, err)
		}
		keysJSON, err := json.Marshal(op.EntityKeys())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal entity keys: %w", err)
		}

		res, err := tx.ExecContext(ctx, query,
			op.ID,
			op.ClientID,
			string(op.EntityType),
			string(keysJSON),
			string(op.OpType),
			string(opJSON),
			string(source),
			appliedAt,
			syncedAt,
			boolToInt(opts.PendingApply),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to append operation %s: %w", op.ID, err)
		}

		seq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read seq: %w", err)
		}
		seqs = append(seqs, seq)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return seqs, nil
}

// HasOp reports whether an op with this id is in the log.
func (s *Store) HasOp(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.conn.QueryRowContext(ctx, `SELECT 1 FROM ops WHERE op_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check op %s: %w", id, err)
	}
	return true, nil
}

// GetOpByID returns the entry for id, or nil if absent.
func (s *Store) GetOpByID(ctx context.Context, id string) (*oplog.Entry, error) {
	rows, err := s.conn.QueryContext(ctx, selectEntries+` WHERE op_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query op %s: %w", id, err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// GetOpsAfterSeq returns every entry with seq > after, in seq order.
func (s *Store) GetOpsAfterSeq(ctx context.Context, after int64) ([]oplog.Entry, error) {
	rows, err := s.conn.QueryContext(ctx, selectEntries+` WHERE seq > ? ORDER BY seq ASC`, after)
	if err != nil {
		return nil, fmt.Errorf("failed to query ops after %d: %w", after, err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// GetUnsynced returns local entries that were neither uploaded nor
// rejected, in seq order.
func (s *Store) GetUnsynced(ctx context.Context) ([]oplog.Entry, error) {
	query := selectEntries + `
	WHERE source = 'local' AND synced_at IS NULL AND rejected_at IS NULL
	ORDER BY seq ASC`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced ops: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// GetUnsyncedByEntity groups pending local ops by entity key.
func (s *Store) GetUnsyncedByEntity(ctx context.Context) (map[string][]oplog.Operation, error) {
	entries, err := s.GetUnsynced(ctx)
	if err != nil {
		return nil, err
	}

	byEntity := make(map[string][]oplog.Operation)
	for _, e := range entries {
		for _, key := range e.Op.EntityKeys() {
			byEntity[key] = append(byEntity[key], e.Op)
		}
	}
	return byEntity, nil
}

// GetPendingRemoteOps returns remote entries stored but never confirmed
// applied (crash between store and apply).
func (s *Store) GetPendingRemoteOps(ctx context.Context) ([]oplog.Entry, error) {
	query := selectEntries + `
	WHERE pending_apply = 1 AND rejected_at IS NULL
	ORDER BY seq ASC`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending remote ops: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// GetAppliedOpIDs returns the id of every op in the log.
func (s *Store) GetAppliedOpIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT op_id FROM ops`)
	if err != nil {
		return nil, fmt.Errorf("failed to query op ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan op id: %w", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating op ids: %w", err)
	}
	return ids, nil
}

// MarkSynced stamps synced_at on the given seqs.
func (s *Store) MarkSynced(ctx context.Context, seqs []int64) error {
	return s.updateBySeq(ctx, `UPDATE ops SET synced_at = ? WHERE synced_at IS NULL AND seq IN (%s)`,
		[]interface{}{s.now().UnixMilli()}, seqs)
}

// MarkApplied clears the pending-apply flag on the given seqs.
func (s *Store) MarkApplied(ctx context.Context, seqs []int64) error {
	return s.updateBySeq(ctx, `UPDATE ops SET pending_apply = 0 WHERE seq IN (%s)`, nil, seqs)
}

// MarkAppliedByID clears the pending-apply flag on the given op ids.
func (s *Store) MarkAppliedByID(ctx context.Context, ids []string) error {
	return s.updateByID(ctx, `UPDATE ops SET pending_apply = 0 WHERE op_id IN (%s)`, nil, ids)
}

// MarkRejected excludes the given op ids from upload and from the entity
// frontier. Rejection is sticky.
func (s *Store) MarkRejected(ctx context.Context, ids []string) error {
	return s.updateByID(ctx, `UPDATE ops SET rejected_at = ?, pending_apply = 0 WHERE rejected_at IS NULL AND op_id IN (%s)`,
		[]interface{}{s.now().UnixMilli()}, ids)
}

// MarkFailed counts one failed apply attempt for each id. Ops that reach
// maxAttempts are rejected so they stop being retried.
func (s *Store) MarkFailed(ctx context.Context, ids []string, maxAttempts int) error {
	if err := s.updateByID(ctx, `UPDATE ops SET apply_attempts = apply_attempts + 1 WHERE op_id IN (%s)`, nil, ids); err != nil {
		return err
	}

	now := s.now().UnixMilli()
	_, err := s.conn.ExecContext(ctx, `
	UPDATE ops SET rejected_at = ?, pending_apply = 0
	WHERE rejected_at IS NULL AND apply_attempts >= ?`, now, maxAttempts)
	if err != nil {
		return fmt.Errorf("failed to reject exhausted ops: %w", err)
	}
	return nil
}

// DeleteOpsWhere deletes every entry for which pred returns true and
// returns how many were removed.
func (s *Store) DeleteOpsWhere(ctx context.Context, pred func(e *oplog.Entry) bool) (int, error) {
	rows, err := s.conn.QueryContext(ctx, selectEntries+` ORDER BY seq ASC`)
	if err != nil {
		return 0, fmt.Errorf("failed to scan ops: %w", err)
	}
	entries, err := scanEntries(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}

	var seqs []int64
	for i := range entries {
		if pred(&entries[i]) {
			seqs = append(seqs, entries[i].Seq)
		}
	}

	if err := s.deleteSeqs(ctx, seqs); err != nil {
		return 0, err
	}
	return len(seqs), nil
}

// DeleteOpsByID removes the given ids. Used to roll back a batch that was
// stored but could not be applied.
func (s *Store) DeleteOpsByID(ctx context.Context, ids []string) error {
	return s.updateByID(ctx, `DELETE FROM ops WHERE op_id IN (%s)`, nil, ids)
}

// GetLastSeq returns the highest seq ever assigned, 0 for an empty log.
func (s *Store) GetLastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.conn.QueryRowContext(ctx, `SELECT MAX(seq) FROM ops`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to get last seq: %w", err)
	}
	if !seq.Valid {
		// The log may be empty after compaction; AUTOINCREMENT still knows.
		var last sql.NullInt64
		err := s.conn.QueryRowContext(ctx, `SELECT seq FROM sqlite_sequence WHERE name = 'ops'`).Scan(&last)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("failed to read sequence: %w", err)
		}
		return last.Int64, nil
	}
	return seq.Int64, nil
}

// CountOps returns the number of entries in the log.
func (s *Store) CountOps(ctx context.Context) (int, error) {
	return s.db.Count(ctx, "ops")
}

// SaveStateCache replaces the current snapshot in a single write.
func (s *Store) SaveStateCache(ctx context.Context, snap *oplog.Snapshot) error {
	return s.saveStateCacheRow(ctx, stateCacheCurrent, snap)
}

// LoadStateCache returns the current snapshot, or nil if none was written.
func (s *Store) LoadStateCache(ctx context.Context) (*oplog.Snapshot, error) {
	return s.loadStateCacheRow(ctx, stateCacheCurrent)
}

// SaveStateCacheBackup copies the current snapshot into the backup slot.
// It is a no-op when there is no current snapshot.
func (s *Store) SaveStateCacheBackup(ctx context.Context) error {
	snap, err := s.LoadStateCache(ctx)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	return s.saveStateCacheRow(ctx, stateCacheBackup, snap)
}

// LoadStateCacheBackup returns the backup snapshot, or nil.
func (s *Store) LoadStateCacheBackup(ctx context.Context) (*oplog.Snapshot, error) {
	return s.loadStateCacheRow(ctx, stateCacheBackup)
}

// RestoreStateCacheFromBackup makes the backup current again and clears it.
func (s *Store) RestoreStateCacheFromBackup(ctx context.Context) error {
	backup, err := s.LoadStateCacheBackup(ctx)
	if err != nil {
		return err
	}
	if backup == nil {
		return fmt.Errorf("no state cache backup to restore")
	}
	if err := s.SaveStateCache(ctx, backup); err != nil {
		return err
	}
	return s.ClearStateCacheBackup(ctx)
}

// ClearStateCacheBackup drops the backup slot.
func (s *Store) ClearStateCacheBackup(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM state_cache WHERE id = ?`, stateCacheBackup); err != nil {
		return fmt.Errorf("failed to clear state cache backup: %w", err)
	}
	return nil
}

// GetCurrentVectorClock merges the snapshot clock with the clock of every
// entry appended after it, rejected ones included, so that a client never
// reuses one of its own counters.
//
// This is a conservative approximation of the global frontier: remote ops
// may arrive causally out of order, so the last op's clock alone is not
// enough.
func (s *Store) GetCurrentVectorClock(ctx context.Context) (vclock.Clock, error) {
	snap, err := s.LoadStateCache(ctx)
	if err != nil {
		return nil, err
	}

	clock := vclock.New()
	var after int64
	if snap != nil {
		clock = vclock.Merge(clock, snap.VectorClock)
		after = snap.LastAppliedOpSeq
	}

	entries, err := s.GetOpsAfterSeq(ctx, after)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		clock = vclock.Merge(clock, e.Op.VectorClock)
	}
	return clock, nil
}

// GetEntityFrontier returns, for every entity touched since the snapshot,
// the clock of its most recent non-rejected op. When entityType and
// entityID are set only that entity is reported. Entities missing from the
// result have no tracked history; callers fall back to the snapshot clock.
func (s *Store) GetEntityFrontier(ctx context.Context, entityType oplog.EntityType, entityID string) (map[string]vclock.Clock, error) {
	snap, err := s.LoadStateCache(ctx)
	if err != nil {
		return nil, err
	}
	var after int64
	if snap != nil {
		after = snap.LastAppliedOpSeq
	}

	entries, err := s.GetOpsAfterSeq(ctx, after)
	if err != nil {
		return nil, err
	}

	var only string
	if entityType != "" && entityID != "" {
		only = oplog.EntityKey(entityType, entityID)
	}

	frontier := make(map[string]vclock.Clock)
	for _, e := range entries {
		if e.IsRejected() {
			continue
		}
		for _, key := range e.Op.EntityKeys() {
			if only != "" && key != only {
				continue
			}
			frontier[key] = e.Op.VectorClock.Clone()
		}
	}
	return frontier, nil
}

// IncrementCompactionCounter bumps and returns the number of ops appended
// since the last compaction.
func (s *Store) IncrementCompactionCounter(ctx context.Context) (int, error) {
	n, err := s.GetCompactionCounter(ctx)
	if err != nil {
		return 0, err
	}
	n++
	if err := s.SetMeta(ctx, metaCompactionCounter, strconv.Itoa(n)); err != nil {
		return 0, err
	}
	return n, nil
}

// GetCompactionCounter returns the current counter value.
func (s *Store) GetCompactionCounter(ctx context.Context) (int, error) {
	v, ok, err := s.GetMeta(ctx, metaCompactionCounter)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		s.logger.Printf("Warning: corrupt compaction counter %q, resetting", v)
		return 0, nil
	}
	return n, nil
}

// ResetCompactionCounter sets the counter back to zero.
func (s *Store) ResetCompactionCounter(ctx context.Context) error {
	return s.SetMeta(ctx, metaCompactionCounter, "0")
}

// GetMeta reads a metadata value.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta upserts a metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`
	if _, err := s.conn.ExecContext(ctx, query, key, value, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}

// DeleteMeta removes a metadata value. Missing keys are not an error.
func (s *Store) DeleteMeta(ctx context.Context, key string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete meta %s: %w", key, err)
	}
	return nil
}

// saveStateCacheRow upserts one state_cache row.
func (s *Store) saveStateCacheRow(ctx context.Context, id string, snap *oplog.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}

	clockJSON, err := json.Marshal(snap.VectorClock)
	if err != nil {
		return fmt.Errorf("failed to marshal vector clock: %w", err)
	}
	state := snap.State
	if len(state) == 0 {
		state = json.RawMessage("{}")
	}

	query := `
	INSERT INTO state_cache (
		id, state, last_applied_op_seq, vector_clock, compacted_at, schema_version
	) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		state = excluded.state,
		last_applied_op_seq = excluded.last_applied_op_seq,
		vector_clock = excluded.vector_clock,
		compacted_at = excluded.compacted_at,
		schema_version = excluded.schema_version
	`

	_, err = s.conn.ExecContext(ctx, query,
		id,
		string(state),
		snap.LastAppliedOpSeq,
		string(clockJSON),
		snap.CompactedAt.UnixMilli(),
		snap.SchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to save state cache %s: %w", id, err)
	}
	return nil
}

// loadStateCacheRow reads one state_cache row, nil if absent.
func (s *Store) loadStateCacheRow(ctx context.Context, id string) (*oplog.Snapshot, error) {
	query := `
	SELECT state, last_applied_op_seq, vector_clock, compacted_at, schema_version
	FROM state_cache
	WHERE id = ?
	`

	var (
		state       string
		clockJSON   string
		compactedAt int64
		snap        oplog.Snapshot
	)
	err := s.conn.QueryRowContext(ctx, query, id).Scan(
		&state,
		&snap.LastAppliedOpSeq,
		&clockJSON,
		&compactedAt,
		&snap.SchemaVersion,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state cache %s: %w", id, err)
	}

	snap.State = json.RawMessage(state)
	snap.CompactedAt = time.UnixMilli(compactedAt)
	clock, err := vclock.Parse([]byte(clockJSON))
	if err != nil {
		return nil, err
	}
	snap.VectorClock = clock
	return &snap, nil
}

// updateBySeq runs a statement with an IN list of seqs, chunked.
func (s *Store) updateBySeq(ctx context.Context, format string, leading []interface{}, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	for start := 0; start < len(seqs); start += maxBindVars {
		end := min(start+maxBindVars, len(seqs))
		args := append([]interface{}{}, leading...)
		for _, seq := range seqs[start:end] {
			args = append(args, seq)
		}
		query := fmt.Sprintf(format, placeholders(end-start))
		if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to update ops by seq: %w", err)
		}
	}
	return nil
}

// updateByID runs a statement with an IN list of op ids, chunked.
func (s *Store) updateByID(ctx context.Context, format string, leading []interface{}, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	for start := 0; start < len(ids); start += maxBindVars {
		end := min(start+maxBindVars, len(ids))
		args := append([]interface{}{}, leading...)
		for _, id := range ids[start:end] {
			args = append(args, id)
		}
		query := fmt.Sprintf(format, placeholders(end-start))
		if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to update ops by id: %w", err)
		}
	}
	return nil
}

// deleteSeqs removes the given seqs in one transaction.
func (s *Store) deleteSeqs(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(seqs); start += maxBindVars {
		end := min(start+maxBindVars, len(seqs))
		args := make([]interface{}, 0, end-start)
		for _, seq := range seqs[start:end] {
			args = append(args, seq)
		}
		query := fmt.Sprintf(`DELETE FROM ops WHERE seq IN (%s)`, placeholders(end-start))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to delete ops: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const selectEntries = `
	SELECT seq, op, source, applied_at, synced_at, rejected_at, pending_apply, apply_attempts
	FROM ops`

// scanEntries is a helper to scan log entries from query results.
func scanEntries(rows *sql.Rows) ([]oplog.Entry, error) {
	var entries []oplog.Entry

	for rows.Next() {
		var (
			e          oplog.Entry
			opJSON     string
			source     string
			appliedAt  int64
			syncedAt   sql.NullInt64
			rejectedAt sql.NullInt64
			pending    int
		)

		err := rows.Scan(
			&e.Seq,
			&opJSON,
			&source,
			&appliedAt,
			&syncedAt,
			&rejectedAt,
			&pending,
			&e.ApplyAttempts,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}

		if err := json.Unmarshal([]byte(opJSON), &e.Op); err != nil {
			return nil, fmt.Errorf("failed to unmarshal operation at seq %d: %w", e.Seq, err)
		}
		e.Source = oplog.Source(source)
		e.AppliedAt = time.UnixMilli(appliedAt)
		e.SyncedAt = nullIntToTime(syncedAt)
		e.RejectedAt = nullIntToTime(rejectedAt)
		e.PendingApply = pending != 0

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}

	return entries, nil
}

// nullIntToTime converts a nullable unix-ms column to a time pointer.
func nullIntToTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64)
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
