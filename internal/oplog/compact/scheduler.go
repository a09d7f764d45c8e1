package compact

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule compacts once an hour.
const DefaultSchedule = "@hourly"

// Compactor is what the scheduler runs.
type Compactor interface {
	Compact(ctx context.Context) error
}

// Scheduler runs a Compactor on a cron schedule.
type Scheduler struct {
	cron      *cron.Cron
	compactor Compactor
	timeout   time.Duration
	logger    *log.Logger

	mu      sync.Mutex
	running bool
	lastRun time.Time
	lastErr error
}

// NewScheduler creates a Scheduler. spec is a standard five-field cron
// expression or a descriptor such as "@every 30m".
func NewScheduler(compactor Compactor, spec string, logger *log.Logger) (*Scheduler, error) {
	if compactor == nil {
		return nil, fmt.Errorf("compactor cannot be nil")
	}
	if spec == "" {
		spec = DefaultSchedule
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[compact] ", log.LstdFlags)
	}

	s := &Scheduler{
		cron:      cron.New(),
		compactor: compactor,
		timeout:   5 * time.Minute,
		logger:    logger,
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("invalid compaction schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins running scheduled compactions.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
}

// Stop halts the schedule and waits for a running compaction to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// Next returns when the next compaction is due, or zero if not started.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// LastRun returns the time and error of the most recent compaction.
func (s *Scheduler) LastRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	err := s.compactor.Compact(ctx)
	if err != nil {
		s.logger.Printf("Warning: scheduled compaction failed: %v", err)
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastErr = err
	s.mu.Unlock()
}
