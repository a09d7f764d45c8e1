package store

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/db"
	"github.com/localfirst/opsync/internal/oplog/vclock"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	clock := &testClock{t: time.Now()}
	s, err := NewWithConfig(database, &Config{
		Logger: log.New(io.Discard, "", 0),
		Now:    clock.now,
	})
	require.NoError(t, err)
	return s, clock
}

func testOp(id, client string, entityID string, clock vclock.Clock) oplog.Operation {
	return oplog.Operation{
		ID:            id,
		ClientID:      client,
		ActionType:    "[Task] Update",
		OpType:        oplog.OpUpdate,
		EntityType:    oplog.EntityTask,
		EntityID:      entityID,
		VectorClock:   clock,
		Timestamp:     time.Now().UnixMilli(),
		SchemaVersion: oplog.CurrentSchemaVersion,
	}
}

func TestNew_NilDatabase(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}

func TestAppend_HasOp(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	seq, err := s.Append(ctx, testOp("op-1", "A", "t1", vclock.Clock{"A": 1}), oplog.SourceLocal)
	require.NoError(t, err)
	assert.Greater(t, seq, int64(0))

	ok, err := s.HasOp(ctx, "op-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasOp(ctx, "op-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppend_DuplicateIDFails(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	op := testOp("op-1", "A", "t1", vclock.Clock{"A": 1})
	_, err := s.Append(ctx, op, oplog.SourceLocal)
	require.NoError(t, err)

	_, err = s.Append(ctx, op, oplog.SourceLocal)
	assert.Error(t, err)
}

func TestAppend_SeqMonotonicAcrossDeletes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.Append(ctx, testOp("op-1", "A", "t1", vclock.Clock{"A": 1}), oplog.SourceLocal)
	require.NoError(t, err)
	second, err := s.Append(ctx, testOp("op-2", "A", "t1", vclock.Clock{"A": 2}), oplog.SourceLocal)
	require.NoError(t, err)
	assert.Greater(t, second, first)

	_, err = s.DeleteOpsWhere(ctx, func(*oplog.Entry) bool { return true })
	require.NoError(t, err)

	last, err := s.GetLastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, last, "last seq survives an emptied log")

	third, err := s.Append(ctx, testOp("op-3", "A", "t1", vclock.Clock{"A": 3}), oplog.SourceLocal)
	require.NoError(t, err)
	assert.Greater(t, third, second, "seq is never reused")
}

func TestAppendBatch_Atomic(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ops := []oplog.Operation{
		testOp("op-1", "B", "t1", vclock.Clock{"B": 1}),
		testOp("op-1", "B", "t2", vclock.Clock{"B": 2}),
	}
	_, err := s.AppendBatch(ctx, ops, oplog.SourceRemote, AppendOptions{})
	require.Error(t, err)

	ok, err := s.HasOp(ctx, "op-1")
	require.NoError(t, err)
	assert.False(t, ok, "failed batch leaves nothing behind")
}

func TestRemoteEntriesAreSynced(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, testOp("r-1", "B", "t1", vclock.Clock{"B": 1}), oplog.SourceRemote)
	require.NoError(t, err)

	e, err := s.GetOpByID(ctx, "r-1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.True(t, e.IsSynced())
	assert.Equal(t, oplog.SourceRemote, e.Source)

	unsynced, err := s.GetUnsynced(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestGetOpByID_Missing(t *testing.T) {
	s, _ := newTestStore(t)
	e, err := s.GetOpByID(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestGetUnsynced_ExcludesSyncedAndRejected(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	seq1, err := s.Append(ctx, testOp("op-1", "A", "t1", vclock.Clock{"A": 1}), oplog.SourceLocal)
	require.NoError(t, err)
	_, err = s.Append(ctx, testOp("op-2", "A", "t2", vclock.Clock{"A": 2}), oplog.SourceLocal)
	require.NoError(t, err)
	_, err = s.Append(ctx, testOp("op-3", "A", "t3", vclock.Clock{"A": 3}), oplog.SourceLocal)
	require.NoError(t, err)

	require.NoError(t, s.MarkSynced(ctx, []int64{seq1}))
	require.NoError(t, s.MarkRejected(ctx, []string{"op-2"}))

	unsynced, err := s.GetUnsynced(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, "op-3", unsynced[0].Op.ID)
}

func TestGetUnsyncedByEntity(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, testOp("op-1", "A", "t1", vclock.Clock{"A": 1}), oplog.SourceLocal)
	require.NoError(t, err)
	_, err = s.Append(ctx, testOp("op-2", "A", "t1", vclock.Clock{"A": 2}), oplog.SourceLocal)
	require.NoError(t, err)
	multi := testOp("op-3", "A", "", vclock.Clock{"A": 3})
	multi.EntityIDs = []string{"t1", "t2"}
	_, err = s.Append(ctx, multi, oplog.SourceLocal)
	require.NoError(t, err)

	byEntity, err := s.GetUnsyncedByEntity(ctx)
	require.NoError(t, err)
	assert.Len(t, byEntity["TASK:t1"], 3)
	assert.Len(t, byEntity["TASK:t2"], 1)
}

func TestGetOpsAfterSeq(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var seqs []int64
	for i := 1; i <= 3; i++ {
		seq, err := s.Append(ctx, testOp(fmt.Sprintf("op-%d", i), "A", "t1", vclock.Clock{"A": int64(i)}), oplog.SourceLocal)
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}

	entries, err := s.GetOpsAfterSeq(ctx, seqs[0])
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "op-2", entries[0].Op.ID)
	assert.Equal(t, "op-3", entries[1].Op.ID)
	assert.Equal(t, vclock.Clock{"A": 3}, entries[1].Op.VectorClock)
}

func TestPendingApplyLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	seq, err := s.AppendWithOptions(ctx, testOp("r-1", "B", "t1", vclock.Clock{"B": 1}), oplog.SourceRemote, AppendOptions{PendingApply: true})
	require.NoError(t, err)

	pending, err := s.GetPendingRemoteOps(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].PendingApply)

	require.NoError(t, s.MarkApplied(ctx, []int64{seq}))

	pending, err = s.GetPendingRemoteOps(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = s.AppendWithOptions(ctx, testOp("r-2", "B", "t2", vclock.Clock{"B": 2}), oplog.SourceRemote, AppendOptions{PendingApply: true})
	require.NoError(t, err)
	require.NoError(t, s.MarkAppliedByID(ctx, []string{"r-2"}))

	pending, err = s.GetPendingRemoteOps(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMarkFailed_RejectsAfterMaxAttempts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendWithOptions(ctx, testOp("r-1", "B", "t1", vclock.Clock{"B": 1}), oplog.SourceRemote, AppendOptions{PendingApply: true})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.MarkFailed(ctx, []string{"r-1"}, 3))
	}
	e, err := s.GetOpByID(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, 2, e.ApplyAttempts)
	assert.False(t, e.IsRejected())

	require.NoError(t, s.MarkFailed(ctx, []string{"r-1"}, 3))
	e, err = s.GetOpByID(ctx, "r-1")
	require.NoError(t, err)
	assert.True(t, e.IsRejected())
	assert.False(t, e.PendingApply)
}

func TestDeleteOpsByID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendBatch(ctx, []oplog.Operation{
		testOp("r-1", "B", "t1", vclock.Clock{"B": 1}),
		testOp("r-2", "B", "t2", vclock.Clock{"B": 2}),
	}, oplog.SourceRemote, AppendOptions{PendingApply: true})
	require.NoError(t, err)

	require.NoError(t, s.DeleteOpsByID(ctx, []string{"r-1", "r-2"}))

	ids, err := s.GetAppliedOpIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStateCache_SaveLoad(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	snap, err := s.LoadStateCache(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)

	want := &oplog.Snapshot{
		State:            []byte(`{"task":{}}`),
		LastAppliedOpSeq: 42,
		VectorClock:      vclock.Clock{"A": 3, "B": 1},
		CompactedAt:      time.UnixMilli(1700000000000),
		SchemaVersion:    2,
	}
	require.NoError(t, s.SaveStateCache(ctx, want))

	got, err := s.LoadStateCache(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, string(want.State), string(got.State))
	assert.Equal(t, want.LastAppliedOpSeq, got.LastAppliedOpSeq)
	assert.Equal(t, want.VectorClock, got.VectorClock)
	assert.True(t, want.CompactedAt.Equal(got.CompactedAt))
	assert.Equal(t, 2, got.SchemaVersion)
}

func TestStateCache_BackupRestore(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	orig := &oplog.Snapshot{State: []byte(`{"v":1}`), LastAppliedOpSeq: 1, VectorClock: vclock.Clock{}}
	require.NoError(t, s.SaveStateCache(ctx, orig))
	require.NoError(t, s.SaveStateCacheBackup(ctx))

	require.NoError(t, s.SaveStateCache(ctx, &oplog.Snapshot{State: []byte(`{"v":2}`), LastAppliedOpSeq: 2, VectorClock: vclock.Clock{}}))
	require.NoError(t, s.RestoreStateCacheFromBackup(ctx))

	got, err := s.LoadStateCache(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(got.State))

	backup, err := s.LoadStateCacheBackup(ctx)
	require.NoError(t, err)
	assert.Nil(t, backup, "restore clears the backup")

	assert.Error(t, s.RestoreStateCacheFromBackup(ctx))
}

func TestGetCurrentVectorClock(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	seq, err := s.Append(ctx, testOp("op-1", "A", "t1", vclock.Clock{"A": 1}), oplog.SourceLocal)
	require.NoError(t, err)
	require.NoError(t, s.SaveStateCache(ctx, &oplog.Snapshot{
		State:            []byte(`{}`),
		LastAppliedOpSeq: seq,
		VectorClock:      vclock.Clock{"A": 1, "C": 7},
	}))

	_, err = s.Append(ctx, testOp("op-2", "B", "t1", vclock.Clock{"B": 4}), oplog.SourceRemote)
	require.NoError(t, err)
	_, err = s.Append(ctx, testOp("op-3", "A", "t2", vclock.Clock{"A": 2}), oplog.SourceLocal)
	require.NoError(t, err)
	require.NoError(t, s.MarkRejected(ctx, []string{"op-3"}))

	clock, err := s.GetCurrentVectorClock(ctx)
	require.NoError(t, err)
	assert.Equal(t, vclock.Clock{"A": 2, "B": 4, "C": 7}, clock, "rejected entries still count")
}

func TestGetEntityFrontier(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, testOp("op-1", "A", "t1", vclock.Clock{"A": 1}), oplog.SourceLocal)
	require.NoError(t, err)
	_, err = s.Append(ctx, testOp("op-2", "B", "t1", vclock.Clock{"A": 1, "B": 1}), oplog.SourceRemote)
	require.NoError(t, err)
	_, err = s.Append(ctx, testOp("op-3", "A", "t2", vclock.Clock{"A": 2}), oplog.SourceLocal)
	require.NoError(t, err)
	_, err = s.Append(ctx, testOp("op-4", "A", "t2", vclock.Clock{"A": 3}), oplog.SourceLocal)
	require.NoError(t, err)
	require.NoError(t, s.MarkRejected(ctx, []string{"op-4"}))

	frontier, err := s.GetEntityFrontier(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, vclock.Clock{"A": 1, "B": 1}, frontier["TASK:t1"])
	assert.Equal(t, vclock.Clock{"A": 2}, frontier["TASK:t2"], "rejected ops are not part of the frontier")

	one, err := s.GetEntityFrontier(ctx, oplog.EntityTask, "t2")
	require.NoError(t, err)
	assert.Len(t, one, 1)

	none, err := s.GetEntityFrontier(ctx, oplog.EntityTask, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteOpsWhere_Predicate(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	clock.t = time.Now().Add(-10 * 24 * time.Hour)
	old, err := s.Append(ctx, testOp("old", "A", "t1", vclock.Clock{"A": 1}), oplog.SourceLocal)
	require.NoError(t, err)
	require.NoError(t, s.MarkSynced(ctx, []int64{old}))

	clock.t = time.Now()
	_, err = s.Append(ctx, testOp("new", "A", "t1", vclock.Clock{"A": 2}), oplog.SourceLocal)
	require.NoError(t, err)

	cutoff := time.Now().Add(-7 * 24 * time.Hour)
	n, err := s.DeleteOpsWhere(ctx, func(e *oplog.Entry) bool {
		return e.IsSynced() && e.AppliedAt.Before(cutoff)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := s.HasOp(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.HasOp(ctx, "new")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompactionCounter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := s.IncrementCompactionCounter(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	require.NoError(t, s.ResetCompactionCounter(ctx))
	n, err := s.GetCompactionCounter(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMeta(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetMeta(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetMeta(ctx, "k", "v1"))
	require.NoError(t, s.SetMeta(ctx, "k", "v2"))
	v, ok, err := s.GetMeta(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)

	require.NoError(t, s.DeleteMeta(ctx, "k"))
	require.NoError(t, s.DeleteMeta(ctx, "k"))
	_, ok, err = s.GetMeta(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkSynced_LargeBatch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ops := make([]oplog.Operation, 0, 1200)
	for i := 0; i < 1200; i++ {
		ops = append(ops, testOp(fmt.Sprintf("op-%04d", i), "A", "t1", vclock.Clock{"A": int64(i + 1)}))
	}
	seqs, err := s.AppendBatch(ctx, ops, oplog.SourceLocal, AppendOptions{})
	require.NoError(t, err)
	require.Len(t, seqs, 1200)

	require.NoError(t, s.MarkSynced(ctx, seqs))
	unsynced, err := s.GetUnsynced(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}
