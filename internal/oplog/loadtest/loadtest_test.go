package loadtest

import (
	"bytes"
	"context"
	"io"
	"log"
	"strings"
	"testing"
	"time"
)

var quiet = log.New(io.Discard, "", 0)

func TestRun_Small(t *testing.T) {
	report, err := Run(context.Background(), &Config{
		Clients:     4,
		Rounds:      5,
		SharedTasks: 2,
		EditRate:    0.5,
		Dir:         t.TempDir(),
		Seed:        1,
		Logger:      quiet,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Latency.Errors > 0 {
		t.Errorf("Got %d errors during the run", report.Latency.Errors)
	}
	if report.Latency.TotalSyncs != 4*5 {
		t.Errorf("Expected 20 timed syncs, got %d", report.Latency.TotalSyncs)
	}
	if report.Captured != 2+4*5 {
		t.Errorf("Captured = %d, want 22", report.Captured)
	}
	if !report.Converged() {
		t.Errorf("Clients did not converge: %d missing tasks", report.Missing)
	}
	if report.ServerOps == 0 {
		t.Error("Server holds no operations")
	}
	if report.Latency.Mean > time.Second {
		t.Errorf("Mean sync time too high: %v", report.Latency.Mean)
	}
}

func TestRun_NoSharedTasksHasNoConflicts(t *testing.T) {
	report, err := Run(context.Background(), &Config{
		Clients: 3,
		Rounds:  3,
		Dir:     t.TempDir(),
		Logger:  quiet,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Conflicts != 0 {
		t.Errorf("Conflicts = %d, want 0 without shared edits", report.Conflicts)
	}
	if report.ServerOps != 9 {
		t.Errorf("ServerOps = %d, want 9", report.ServerOps)
	}
	if !report.Converged() {
		t.Errorf("Clients did not converge: %d missing tasks", report.Missing)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	if _, err := Run(context.Background(), &Config{Clients: 0, Logger: quiet}); err == nil {
		t.Error("Expected error for zero clients")
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"min", stats.Min, 1 * time.Millisecond},
		{"max", stats.Max, 100 * time.Millisecond},
		{"p50", stats.P50, 51 * time.Millisecond},
		{"p95", stats.P95, 96 * time.Millisecond},
		{"p99", stats.P99, 100 * time.Millisecond},
		{"mean", stats.Mean, 50500 * time.Microsecond},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if stats.TotalSyncs != 100 {
		t.Errorf("TotalSyncs = %d, want 100", stats.TotalSyncs)
	}

	if empty := computeLatencyStats(nil); empty.TotalSyncs != 0 {
		t.Errorf("empty TotalSyncs = %d", empty.TotalSyncs)
	}
}

func TestReportPrint(t *testing.T) {
	r := &Report{Latency: &LatencyStats{TotalSyncs: 3}, Conflicts: 2}
	var buf bytes.Buffer
	r.Print(&buf)
	for _, want := range []string{"Total Syncs:   3", "Conflicts:     2", "Converged:     true"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}
}
