package compact

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localfirst/opsync/internal/metrics"
	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/db"
	"github.com/localfirst/opsync/internal/oplog/lock"
	"github.com/localfirst/opsync/internal/oplog/state"
	"github.com/localfirst/opsync/internal/oplog/store"
	"github.com/localfirst/opsync/internal/oplog/vclock"
)

var quiet = log.New(io.Discard, "", 0)

type fixture struct {
	store  *store.Store
	locks  *lock.Service
	state  *state.Store
	now    time.Time
	logged time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	database, err := db.Open(filepath.Join(dir, "opsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	f := &fixture{state: state.New(), now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
	f.logged = f.now
	f.store, err = store.NewWithConfig(database, &store.Config{Logger: quiet, Now: func() time.Time { return f.logged }})
	require.NoError(t, err)
	f.locks, err = lock.New(&lock.Config{Dir: filepath.Join(dir, "locks"), Logger: quiet})
	require.NoError(t, err)
	return f
}

func (f *fixture) service(t *testing.T, tweak ...func(*Config)) *Service {
	t.Helper()
	config := &Config{
		Store:  f.store,
		Locks:  f.locks,
		State:  f.state,
		Logger: quiet,
		Now:    func() time.Time { return f.now },
	}
	for _, fn := range tweak {
		fn(config)
	}
	svc, err := New(config)
	require.NoError(t, err)
	return svc
}

func op(id, client string, counter int64) oplog.Operation {
	return oplog.Operation{
		ID: id, ClientID: client, ActionType: "[Task] Update",
		OpType: oplog.OpUpdate, EntityType: oplog.EntityTask, EntityID: "t",
		Payload:     json.RawMessage(`{"title":"x"}`),
		VectorClock: vclock.Clock{client: counter},
	}
}

func (f *fixture) append(t *testing.T, o oplog.Operation, source oplog.Source, age time.Duration) int64 {
	t.Helper()
	f.logged = f.now.Add(-age)
	seq, err := f.store.Append(context.Background(), o, source)
	require.NoError(t, err)
	return seq
}

func TestRun_DeletesOnlyOldSyncedEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	day := 24 * time.Hour

	oldSynced := f.append(t, op("1", "A", 1), oplog.SourceLocal, 8*day)
	require.NoError(t, f.store.MarkSynced(ctx, []int64{oldSynced}))
	f.append(t, op("2", "A", 2), oplog.SourceLocal, 8*day)
	f.append(t, op("3", "B", 1), oplog.SourceRemote, day)

	m := metrics.New()
	res, err := f.service(t, func(c *Config) { c.Metrics = m }).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	for id, want := range map[string]bool{"1": false, "2": true, "3": true} {
		ok, err := f.store.HasOp(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, ok, "op %s", id)
	}

	snap, err := f.store.LoadStateCache(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(3), snap.LastAppliedOpSeq)
	assert.Equal(t, vclock.Clock{"A": 2, "B": 1}, snap.VectorClock)
	assert.Equal(t, oplog.CurrentSchemaVersion, snap.SchemaVersion)
	assert.True(t, snap.CompactedAt.Equal(f.now))

	// The deleted entry is folded into the snapshot clock.
	clock, err := f.store.GetCurrentVectorClock(ctx)
	require.NoError(t, err)
	assert.Equal(t, vclock.Clock{"A": 2, "B": 1}, clock)
}

func TestRun_KeepsPendingApplyEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.logged = f.now.Add(-30 * 24 * time.Hour)
	_, err := f.store.AppendWithOptions(ctx, op("1", "B", 1), oplog.SourceRemote, store.AppendOptions{PendingApply: true})
	require.NoError(t, err)

	res, err := f.service(t).Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Deleted)
}

func TestRun_ResetsCounterAndNotifies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		_, err := f.store.IncrementCompactionCounter(ctx)
		require.NoError(t, err)
	}

	var events []oplog.Event
	svc := f.service(t, func(c *Config) {
		c.Notifier = oplog.NotifierFunc(func(ev oplog.Event) { events = append(events, ev) })
	})
	require.NoError(t, svc.Compact(ctx))

	n, err := f.store.GetCompactionCounter(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.Len(t, events, 1)
	assert.Equal(t, oplog.EventCompacted, events[0].Kind)
}

func TestNew_Defaults(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t)
	assert.Equal(t, DefaultRetention, svc.config.Retention)
	assert.Equal(t, DefaultSlowThreshold, svc.config.SlowThreshold)
	assert.Equal(t, DefaultStateSizeWarning, svc.config.StateSizeWarning)

	_, err := New(&Config{Store: f.store})
	assert.Error(t, err)
}

type countingCompactor struct {
	calls atomic.Int32
	err   error
}

func (c *countingCompactor) Compact(ctx context.Context) error {
	c.calls.Add(1)
	return c.err
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	c := &countingCompactor{err: errors.New("locked")}
	s, err := NewScheduler(c, "@every 1s", quiet)
	require.NoError(t, err)

	s.Start()
	defer s.Stop()
	assert.False(t, s.Next().IsZero())

	require.Eventually(t, func() bool { return c.calls.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
	s.Stop()

	last, lastErr := s.LastRun()
	assert.False(t, last.IsZero())
	assert.EqualError(t, lastErr, "locked")
}

func TestNewScheduler_InvalidSpec(t *testing.T) {
	_, err := NewScheduler(&countingCompactor{}, "every tuesday", quiet)
	assert.Error(t, err)
	_, err = NewScheduler(nil, "", quiet)
	assert.Error(t, err)
}
