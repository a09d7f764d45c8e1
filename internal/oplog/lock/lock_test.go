package lock

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localfirst/opsync/internal/oplog/db"
	"github.com/localfirst/opsync/internal/oplog/store"
)

// memStore is an in-memory KeyedStore.
type memStore struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemStore() *memStore { return &memStore{m: make(map[string]string)} }

func (s *memStore) GetMeta(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *memStore) SetMeta(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *memStore) DeleteMeta(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newNative(t *testing.T, dir string, timeout time.Duration) *Service {
	t.Helper()
	s, err := New(&Config{Dir: dir, AcquireTimeout: timeout, PollInterval: 5 * time.Millisecond, Logger: quietLogger()})
	require.NoError(t, err)
	return s
}

func newFallback(t *testing.T, ks KeyedStore, timeout time.Duration) *Service {
	t.Helper()
	s, err := New(&Config{
		Store:          ks,
		AcquireTimeout: timeout,
		PollInterval:   5 * time.Millisecond,
		YieldDelay:     time.Millisecond,
		Logger:         quietLogger(),
	})
	require.NoError(t, err)
	return s
}

func TestNew_RequiresMechanism(t *testing.T) {
	_, err := New(&Config{})
	assert.Error(t, err)
	_, err = New(nil)
	assert.Error(t, err)
}

func TestRequest_RunsAndReleases(t *testing.T) {
	for _, tc := range []struct {
		name string
		svc  func(t *testing.T) *Service
	}{
		{"native", func(t *testing.T) *Service { return newNative(t, t.TempDir(), time.Second) }},
		{"fallback", func(t *testing.T) *Service { return newFallback(t, newMemStore(), time.Second) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := tc.svc(t)
			ctx := context.Background()

			var order []int
			for i := 1; i <= 3; i++ {
				err := s.Request(ctx, NameOpLog, func(context.Context) error {
					order = append(order, i)
					return nil
				})
				require.NoError(t, err)
			}
			assert.Equal(t, []int{1, 2, 3}, order)
		})
	}
}

func TestRequest_ReleasesOnError(t *testing.T) {
	s := newNative(t, t.TempDir(), time.Second)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.Request(ctx, NameOpLog, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	ran := false
	require.NoError(t, s.Request(ctx, NameOpLog, func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestRequest_ReleasesOnPanic(t *testing.T) {
	s := newFallback(t, newMemStore(), time.Second)
	ctx := context.Background()

	func() {
		defer func() { _ = recover() }()
		_ = s.Request(ctx, NameOpLog, func(context.Context) error { panic("boom") })
	}()

	release, err := s.Acquire(ctx, NameOpLog)
	require.NoError(t, err)
	release()
}

func TestRequest_MutualExclusion(t *testing.T) {
	s := newNative(t, t.TempDir(), 5*time.Second)
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Request(ctx, NameUpload, func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestDifferentNamesIndependent(t *testing.T) {
	s := newNative(t, t.TempDir(), 200*time.Millisecond)
	ctx := context.Background()

	releaseUpload, err := s.Acquire(ctx, NameUpload)
	require.NoError(t, err)
	defer releaseUpload()

	releaseDownload, err := s.Acquire(ctx, NameDownload)
	require.NoError(t, err)
	releaseDownload()
}

// Two processes sharing a data directory: the second one gives up with
// ErrLockTimeout while the first holds the lock.
func TestCrossProcessTimeout(t *testing.T) {
	dir := t.TempDir()
	first := newNative(t, dir, time.Second)
	second := newNative(t, dir, 100*time.Millisecond)
	ctx := context.Background()

	release, err := first.Acquire(ctx, NameOpLog)
	require.NoError(t, err)

	_, err = second.Acquire(ctx, NameOpLog)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockTimeout)

	release()
	release2, err := second.Acquire(ctx, NameOpLog)
	require.NoError(t, err)
	release2()
}

func TestNotReentrant(t *testing.T) {
	s := newFallback(t, newMemStore(), 50*time.Millisecond)
	ctx := context.Background()

	release, err := s.Acquire(ctx, NameOpLog)
	require.NoError(t, err)
	defer release()

	_, err = s.Acquire(ctx, NameOpLog)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestCancelledContext(t *testing.T) {
	s := newFallback(t, newMemStore(), time.Second)
	release, err := s.Acquire(context.Background(), NameOpLog)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Acquire(ctx, NameOpLog)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrLockTimeout)
}

func TestFallback_StaleAndCorruptRecords(t *testing.T) {
	tests := []struct {
		name   string
		record string
	}{
		{"stale", "other:" + strconv.FormatInt(time.Now().Add(-40*time.Second).UnixMilli(), 10)},
		{"no timestamp", "invalid_format_no_colon"},
		{"nan timestamp", "some_id:not_a_number"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ks := newMemStore()
			ks.m[fallbackKeyPrefix+NameOpLog] = tt.record
			s := newFallback(t, ks, 500*time.Millisecond)

			ran := false
			err := s.Request(context.Background(), NameOpLog, func(context.Context) error {
				ran = true
				return nil
			})
			require.NoError(t, err)
			assert.True(t, ran)
		})
	}
}

func TestFallback_FreshForeignRecordBlocks(t *testing.T) {
	ks := newMemStore()
	ks.m[fallbackKeyPrefix+NameOpLog] = "other:" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	s := newFallback(t, ks, 50*time.Millisecond)

	_, err := s.Acquire(context.Background(), NameOpLog)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestFallback_ReleaseKeepsForeignRecord(t *testing.T) {
	ks := newMemStore()
	s := newFallback(t, ks, time.Second)

	release, err := s.Acquire(context.Background(), NameOpLog)
	require.NoError(t, err)

	// Someone else took over after our record expired.
	foreign := "other:" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	ks.m[fallbackKeyPrefix+NameOpLog] = foreign
	release()

	assert.Equal(t, foreign, ks.m[fallbackKeyPrefix+NameOpLog])
}

func TestFallback_ReleaseDeletesOwnRecord(t *testing.T) {
	ks := newMemStore()
	s := newFallback(t, ks, time.Second)

	release, err := s.Acquire(context.Background(), NameOpLog)
	require.NoError(t, err)
	assert.Contains(t, ks.m, fallbackKeyPrefix+NameOpLog)

	release()
	release()
	assert.NotContains(t, ks.m, fallbackKeyPrefix+NameOpLog)
}

func TestFallback_SQLiteMetaTable(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "lock.db"))
	require.NoError(t, err)
	defer database.Close()

	st, err := store.New(database, quietLogger())
	require.NoError(t, err)

	first := newFallback(t, st, time.Second)
	second := newFallback(t, st, 100*time.Millisecond)
	ctx := context.Background()

	release, err := first.Acquire(ctx, NameDownload)
	require.NoError(t, err)

	_, err = second.Acquire(ctx, NameDownload)
	assert.ErrorIs(t, err, ErrLockTimeout)

	release()
	_, ok, err := st.GetMeta(ctx, fallbackKeyPrefix+NameDownload)
	require.NoError(t, err)
	assert.False(t, ok)
}
