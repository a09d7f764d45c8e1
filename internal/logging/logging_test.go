package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/localfirst/opsync/internal/config"
)

func TestFactory_File(t *testing.T) {
	dir := t.TempDir()
	f := New(config.LogConfig{File: "opsync.log", MaxSizeMB: 1}, dir)

	f.Logger("sync").Printf("Sync complete: %d uploaded", 3)
	f.Quiet("daemon").Println("tick")
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "opsync.log"))
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	out := string(data)
	for _, want := range []string{"[sync] Sync complete: 3 uploaded", "[daemon] tick"} {
		if !strings.Contains(out, want) {
			t.Errorf("log file missing %q:\n%s", want, out)
		}
	}
}

func TestFactory_AbsolutePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "abs.log")
	f := New(config.LogConfig{File: path}, "/unused")
	f.Logger("x").Println("hello")
	f.Close()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("Expected log at %s: %v", path, err)
	}
}

func TestFactory_QuietWithoutFile(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LogConfig
		discard bool
	}{
		{"stderr", config.LogConfig{}, true},
		{"verbose", config.LogConfig{Verbose: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.cfg, t.TempDir())
			l := f.Quiet("sync")
			if got := l.Prefix() == ""; got != tt.discard {
				t.Errorf("Quiet discards = %v, want %v", got, tt.discard)
			}
			if err := f.Close(); err != nil {
				t.Errorf("Close failed: %v", err)
			}
		})
	}
}
