// Package lock provides named mutual exclusion across goroutines and
// processes sharing one data directory.
//
// Two mechanisms are available:
//
//   - Native: an in-process semaphore per name plus an OS file lock
//     (<dir>/<name>.lock) taken with gofrs/flock.
//   - Fallback: a polling protocol over a keyed store (the meta table) for
//     environments without a usable lock directory. A record
//     "holderId:unixms" older than LockTimeout is considered abandoned.
//
// Locks are not reentrant: acquiring a name already held by the caller
// blocks until AcquireTimeout and fails with ErrLockTimeout.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// Lock names used by the synchronization core.
const (
	NameUpload   = "sp_op_log_upload"
	NameDownload = "sp_op_log_download"
	NameOpLog    = "sp_op_log"
)

const (
	// LockTimeout is the age after which a fallback record is abandoned.
	LockTimeout = 30 * time.Second

	// DefaultAcquireTimeout bounds how long Acquire waits.
	DefaultAcquireTimeout = 30 * time.Second

	fallbackKeyPrefix = "lock_"
)

// ErrLockTimeout is returned when a lock could not be acquired in time.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// KeyedStore is the small key/value store used by the fallback mechanism.
// *store.Store satisfies it.
type KeyedStore interface {
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
	DeleteMeta(ctx context.Context, key string) error
}

// Config configures a Service.
type Config struct {
	// Dir holds the OS lock files. When empty the fallback is used.
	Dir string

	// Store backs the fallback mechanism.
	Store KeyedStore

	// AcquireTimeout bounds how long Acquire waits (default: 30s)
	AcquireTimeout time.Duration

	// LockTimeout is the fallback record expiry (default: 30s)
	LockTimeout time.Duration

	// PollInterval between attempts (default: 50ms)
	PollInterval time.Duration

	// YieldDelay between writing and re-reading a fallback record (default: 20ms)
	YieldDelay time.Duration

	// Logger for lock activity (default: stderr logger)
	Logger *log.Logger

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// DefaultConfig returns sensible defaults. Dir and Store must be set by the
// caller.
func DefaultConfig() *Config {
	return &Config{
		AcquireTimeout: DefaultAcquireTimeout,
		LockTimeout:    LockTimeout,
		PollInterval:   50 * time.Millisecond,
		YieldDelay:     20 * time.Millisecond,
		Logger:         log.New(os.Stderr, "[lock] ", log.LstdFlags),
		Now:            time.Now,
	}
}

// Service hands out named locks.
type Service struct {
	config *Config
	logger *log.Logger

	mu   sync.Mutex
	sems map[string]chan struct{}
}

// New creates a Service. Either config.Dir or config.Store must be set.
func New(config *Config) (*Service, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.Dir == "" && config.Store == nil {
		return nil, fmt.Errorf("either a lock directory or a keyed store is required")
	}

	defaults := DefaultConfig()
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = defaults.AcquireTimeout
	}
	if config.LockTimeout <= 0 {
		config.LockTimeout = defaults.LockTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.YieldDelay <= 0 {
		config.YieldDelay = defaults.YieldDelay
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}

	if config.Dir != "" {
		if err := os.MkdirAll(config.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create lock directory: %w", err)
		}
	}

	return &Service{
		config: config,
		logger: config.Logger,
		sems:   make(map[string]chan struct{}),
	}, nil
}

// Native reports whether OS file locks are used.
func (s *Service) Native() bool {
	return s.config.Dir != ""
}

// Request acquires name, runs fn and releases the lock on every exit path,
// panics included.
func (s *Service) Request(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	release, err := s.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer release()

	return fn(ctx)
}

// Acquire blocks until name is held or AcquireTimeout elapses. The returned
// release func is safe to call more than once.
func (s *Service) Acquire(ctx context.Context, name string) (func(), error) {
	if name == "" {
		return nil, fmt.Errorf("lock name cannot be empty")
	}

	actx, cancel := context.WithTimeout(ctx, s.config.AcquireTimeout)
	defer cancel()

	sem := s.semaphore(name)
	select {
	case sem <- struct{}{}:
	case <-actx.Done():
		return nil, s.timeoutErr(ctx, name)
	}

	var (
		unlock func()
		err    error
	)
	if s.Native() {
		unlock, err = s.acquireFile(actx, name)
	} else {
		unlock, err = s.acquireRecord(actx, name)
	}
	if err != nil {
		<-sem
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, s.timeoutErr(ctx, name)
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unlock()
			<-sem
		})
	}, nil
}

// timeoutErr distinguishes caller cancellation from running out of time.
func (s *Service) timeoutErr(parent context.Context, name string) error {
	if err := parent.Err(); err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	return fmt.Errorf("lock %s: %w after %v", name, ErrLockTimeout, s.config.AcquireTimeout)
}

func (s *Service) semaphore(name string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	sem, ok := s.sems[name]
	if !ok {
		sem = make(chan struct{}, 1)
		s.sems[name] = sem
	}
	return sem
}

// acquireFile takes the OS file lock for name.
func (s *Service) acquireFile(ctx context.Context, name string) (func(), error) {
	fl := flock.New(filepath.Join(s.config.Dir, name+".lock"))

	locked, err := fl.TryLockContext(ctx, s.config.PollInterval)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, context.DeadlineExceeded
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			s.logger.Printf("Warning: failed to unlock %s: %v", name, err)
		}
	}, nil
}

// acquireRecord runs the keyed-store polling protocol.
func (s *Service) acquireRecord(ctx context.Context, name string) (func(), error) {
	key := fallbackKeyPrefix + name
	holder := uuid.NewString()

	for {
		current, ok, err := s.config.Store.GetMeta(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read lock %s: %w", name, err)
		}

		if !ok || s.expired(current) {
			record := holder + ":" + strconv.FormatInt(s.config.Now().UnixMilli(), 10)
			if err := s.config.Store.SetMeta(ctx, key, record); err != nil {
				return nil, fmt.Errorf("failed to write lock %s: %w", name, err)
			}

			// Another holder may have written in between; whoever reads
			// back their own id wins.
			if err := sleep(ctx, s.config.YieldDelay); err != nil {
				return nil, err
			}
			current, ok, err = s.config.Store.GetMeta(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("failed to read lock %s: %w", name, err)
			}
			if ok && current == record {
				return func() { s.releaseRecord(key, holder) }, nil
			}
		}

		if err := sleep(ctx, s.config.PollInterval); err != nil {
			return nil, err
		}
	}
}

// releaseRecord deletes the record only while it is still ours.
func (s *Service) releaseRecord(key, holder string) {
	ctx := context.Background()

	current, ok, err := s.config.Store.GetMeta(ctx, key)
	if err != nil {
		s.logger.Printf("Warning: failed to read lock %s on release: %v", key, err)
		return
	}
	if !ok {
		return
	}
	if id, _, _ := parseRecord(current); id != holder {
		return
	}
	if err := s.config.Store.DeleteMeta(ctx, key); err != nil {
		s.logger.Printf("Warning: failed to release lock %s: %v", key, err)
	}
}

// expired reports whether a record is abandoned. Unparsable records are.
func (s *Service) expired(record string) bool {
	_, ts, ok := parseRecord(record)
	if !ok {
		return true
	}
	return s.config.Now().Sub(time.UnixMilli(ts)) > s.config.LockTimeout
}

// parseRecord splits "holderId:unixms".
func parseRecord(record string) (string, int64, bool) {
	i := strings.LastIndex(record, ":")
	if i <= 0 {
		return "", 0, false
	}
	ts, err := strconv.ParseInt(record[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return record[:i], ts, true
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
