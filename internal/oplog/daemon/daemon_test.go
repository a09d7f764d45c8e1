package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	oplogsync "github.com/localfirst/opsync/internal/oplog/sync"
)

var quiet = log.New(io.Discard, "", 0)

type countingSyncer struct {
	calls atomic.Int32
	err   error
}

func (c *countingSyncer) Sync(ctx context.Context) (*oplogsync.Result, error) {
	c.calls.Add(1)
	return &oplogsync.Result{Uploaded: 1}, c.err
}

type countingCompactor struct{ calls atomic.Int32 }

func (c *countingCompactor) Compact(ctx context.Context) error {
	c.calls.Add(1)
	return nil
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// startDaemon runs d in the background and stops it at test end.
func startDaemon(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Start returned error: %v", err)
		}
	})
	waitFor(t, "daemon to run", func() bool { return d.Status().Running })
}

func TestNewWithConfig(t *testing.T) {
	tests := []struct {
		name    string
		syncer  Syncer
		config  *Config
		wantErr bool
	}{
		{name: "defaults", syncer: &countingSyncer{}, config: nil},
		{name: "nil syncer", syncer: nil, wantErr: true},
		{
			name:    "bad compaction schedule",
			syncer:  &countingSyncer{},
			config:  &Config{Compactor: &countingCompactor{}, CompactionSchedule: "sometimes", Logger: quiet},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewWithConfig(tt.syncer, tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewWithConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && d.config.SyncInterval != time.Minute {
				t.Errorf("SyncInterval = %v, want default", d.config.SyncInterval)
			}
		})
	}
}

func TestDaemon_SyncsOnStartAndInterval(t *testing.T) {
	syncer := &countingSyncer{}
	d, err := NewWithConfig(syncer, &Config{SyncInterval: 20 * time.Millisecond, Logger: quiet})
	if err != nil {
		t.Fatalf("NewWithConfig failed: %v", err)
	}
	startDaemon(t, d)

	waitFor(t, "periodic syncs", func() bool { return syncer.calls.Load() >= 3 })

	st := d.Status()
	if st.LastSync.IsZero() {
		t.Error("LastSync not recorded")
	}
	if st.LastResult == nil || st.LastResult.Uploaded != 1 {
		t.Errorf("LastResult = %+v, want the syncer's result", st.LastResult)
	}
}

func TestDaemon_TriggerSync(t *testing.T) {
	syncer := &countingSyncer{err: errors.New("offline")}
	d, err := NewWithConfig(syncer, &Config{SyncInterval: time.Hour, Logger: quiet})
	if err != nil {
		t.Fatalf("NewWithConfig failed: %v", err)
	}
	startDaemon(t, d)

	if got := syncer.calls.Load(); got != 1 {
		t.Fatalf("calls after start = %d, want 1", got)
	}
	d.TriggerSync()
	waitFor(t, "triggered sync", func() bool { return syncer.calls.Load() == 2 })

	if got := d.Status().LastError; got != "offline" {
		t.Errorf("LastError = %q, want offline", got)
	}
}

func TestDaemon_FileChangeTriggersSync(t *testing.T) {
	dir := t.TempDir()
	syncer := &countingSyncer{}
	d, err := NewWithConfig(syncer, &Config{
		SyncInterval:     time.Hour,
		DebounceInterval: 20 * time.Millisecond,
		WatchDir:         dir,
		IgnoreFile:       func(name string) bool { return name == "ops_me_1.json" },
		Logger:           quiet,
	})
	if err != nil {
		t.Fatalf("NewWithConfig failed: %v", err)
	}
	startDaemon(t, d)

	if err := os.WriteFile(filepath.Join(dir, "ops_me_1.json"), []byte("{}"), 0644); err != nil {
		t.Fatalf("Failed to write own chunk: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := syncer.calls.Load(); got != 1 {
		t.Fatalf("own chunk triggered a sync: calls = %d", got)
	}

	if err := os.WriteFile(filepath.Join(dir, "ops_other_1.json"), []byte("{}"), 0644); err != nil {
		t.Fatalf("Failed to write chunk: %v", err)
	}
	waitFor(t, "sync after file change", func() bool { return syncer.calls.Load() >= 2 })
}

func TestDaemon_SchedulesCompaction(t *testing.T) {
	compactor := &countingCompactor{}
	d, err := NewWithConfig(&countingSyncer{}, &Config{
		SyncInterval:       time.Hour,
		Compactor:          compactor,
		CompactionSchedule: "@every 1s",
		Logger:             quiet,
	})
	if err != nil {
		t.Fatalf("NewWithConfig failed: %v", err)
	}
	startDaemon(t, d)

	if d.Status().NextCompaction.IsZero() {
		t.Error("NextCompaction not reported")
	}
	waitFor(t, "scheduled compaction", func() bool { return compactor.calls.Load() > 0 })
}
