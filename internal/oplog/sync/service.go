package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/localfirst/opsync/internal/metrics"
	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/crypt"
	"github.com/localfirst/opsync/internal/oplog/lock"
	"github.com/localfirst/opsync/internal/oplog/store"
	"github.com/localfirst/opsync/internal/oplog/transport"
)

const (
	// DefaultBatchSize is the number of ops per upload request or chunk.
	DefaultBatchSize = 100

	// DefaultDownloadPageSize is the number of ops requested per page.
	DefaultDownloadPageSize = 500

	// DefaultMaxDownloadIterations guards against a server that never
	// clears HasMore.
	DefaultMaxDownloadIterations = 1000

	// MaxApplyAttempts is how often a remote op may fail before it is
	// rejected for good.
	MaxApplyAttempts = 5
)

// Meta keys.
const (
	metaFirstDownloadAt   = "first_download_at"
	metaFileUploadPending = "file_upload_pending"
	metaDownloadedFiles   = "downloaded_files"
)

// Config configures a Service.
type Config struct {
	ClientID  string
	Store     *store.Store
	Locks     *lock.Service
	Applier   Applier
	Transport *transport.Transport

	// Resolver receives detected conflicts (optional). Without one,
	// conflicting remote ops stay deferred and local ops on the same
	// entities are not uploaded.
	Resolver ConflictResolver

	// Migrator upgrades remote ops (optional)
	Migrator OpMigrator

	// Repair runs the after-remote-apply checkpoint (optional)
	Repair Checkpointer

	// Cipher encrypts payloads and chunk files (optional)
	Cipher *crypt.Cipher

	// DisableCompression writes chunk files without snappy
	DisableCompression bool

	// Notifier receives user-visible events (default: oplog.NopNotifier)
	Notifier oplog.Notifier

	// Metrics collects counters (optional)
	Metrics *metrics.Metrics

	// Logger for sync activity (default: stderr logger)
	Logger *log.Logger

	// Now returns the current time (default: time.Now)
	Now func() time.Time

	BatchSize             int
	DownloadPageSize      int
	MaxDownloadIterations int
}

// DefaultConfig returns sensible defaults. ClientID, Store, Locks, Applier
// and Transport must be set by the caller.
func DefaultConfig() *Config {
	return &Config{
		Notifier:              oplog.NopNotifier{},
		Logger:                log.New(os.Stderr, "[sync] ", log.LstdFlags),
		Now:                   time.Now,
		BatchSize:             DefaultBatchSize,
		DownloadPageSize:      DefaultDownloadPageSize,
		MaxDownloadIterations: DefaultMaxDownloadIterations,
	}
}

// Result counts what one sync step did.
type Result struct {
	// Uploaded is the number of local ops the remote accepted.
	Uploaded int
	// Downloaded is the number of remote ops received and not already known.
	Downloaded int
	// Applied is the number of remote ops applied to the state.
	Applied int
	// Conflicts is the number of conflicting entities.
	Conflicts int
	// Skipped counts stale, duplicate, superseded and parked remote ops.
	Skipped int
	// Rejected is the number of local ops the server refused.
	Rejected int
	// FailedFiles is the number of chunk files that could not be read.
	FailedFiles int
	// Failed is the number of remote ops the state rejected.
	Failed int

	Duration time.Duration
}

func (r *Result) add(o *Result) {
	if o == nil {
		return
	}
	r.Uploaded += o.Uploaded
	r.Downloaded += o.Downloaded
	r.Applied += o.Applied
	r.Conflicts += o.Conflicts
	r.Skipped += o.Skipped
	r.Rejected += o.Rejected
	r.FailedFiles += o.FailedFiles
	r.Failed += o.Failed
}

func (r *Result) addProcessed(p *ProcessResult) {
	if p == nil {
		return
	}
	r.Applied += p.Applied
	r.Conflicts += len(p.Conflicts)
	r.Skipped += p.Stale + p.Duplicates + p.Superseded + p.Parked
	r.Failed += p.Failed
}

// Service is the SyncService.
type Service struct {
	config *Config
	logger *log.Logger
}

// New creates a Service.
func New(config *Config) (*Service, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config.Locks == nil {
		return nil, fmt.Errorf("lock service cannot be nil")
	}
	if config.Applier == nil {
		return nil, fmt.Errorf("applier cannot be nil")
	}
	if config.Transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	switch config.Transport.Kind {
	case transport.KindAPI:
		if config.Transport.API == nil {
			return nil, fmt.Errorf("api transport has no provider")
		}
	case transport.KindFile:
		if config.Transport.Files == nil {
			return nil, fmt.Errorf("file transport has no provider")
		}
	default:
		return nil, fmt.Errorf("unknown transport kind %q", config.Transport.Kind)
	}

	defaults := DefaultConfig()
	if config.Notifier == nil {
		config.Notifier = defaults.Notifier
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.DownloadPageSize <= 0 {
		config.DownloadPageSize = defaults.DownloadPageSize
	}
	if config.MaxDownloadIterations <= 0 {
		config.MaxDownloadIterations = defaults.MaxDownloadIterations
	}

	return &Service{config: config, logger: config.Logger}, nil
}

// ClientID returns the local client id.
func (s *Service) ClientID() string {
	return s.config.ClientID
}

// Sync downloads remote ops, then uploads local ones.
func (s *Service) Sync(ctx context.Context) (*Result, error) {
	start := s.config.Now()
	res := &Result{}

	down, err := s.DownloadRemoteOps(ctx)
	res.add(down)
	if err != nil {
		s.config.Metrics.ObserveSync("sync", time.Since(start), err)
		return res, err
	}

	up, err := s.UploadPendingOps(ctx)
	res.add(up)
	res.Duration = time.Since(start)
	s.config.Metrics.ObserveSync("sync", res.Duration, err)
	if err != nil {
		return res, err
	}

	s.logger.Printf("Sync complete: %d uploaded, %d downloaded, %d applied, %d conflicts (%v)",
		res.Uploaded, res.Downloaded, res.Applied, res.Conflicts, res.Duration)
	s.notify(oplog.Event{
		Kind:    oplog.EventSyncComplete,
		Message: fmt.Sprintf("Synced: %d up, %d down", res.Uploaded, res.Downloaded),
		Count:   res.Uploaded + res.Downloaded,
	})
	return res, nil
}

// UploadPendingOps sends local ops that were not uploaded yet.
func (s *Service) UploadPendingOps(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{}

	err := s.config.Locks.Request(ctx, lock.NameUpload, func(ctx context.Context) error {
		ready, err := s.downloadedOnce(ctx)
		if err != nil {
			return err
		}
		if !ready {
			s.logger.Printf("Skipping upload: no download has completed yet")
			return nil
		}

		if s.config.Transport.Kind == transport.KindAPI {
			return s.uploadAPI(ctx, res)
		}
		return s.uploadFiles(ctx, res)
	})

	res.Duration = time.Since(start)
	s.config.Metrics.ObserveSync("upload", res.Duration, err)
	s.config.Metrics.AddUploaded(res.Uploaded)
	s.config.Metrics.AddRejected(res.Rejected)
	s.updatePendingGauge(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to upload operations: %w", err)
	}
	return res, nil
}

// DownloadRemoteOps fetches and processes ops from other clients.
func (s *Service) DownloadRemoteOps(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{}

	err := s.config.Locks.Request(ctx, lock.NameDownload, func(ctx context.Context) error {
		var err error
		if s.config.Transport.Kind == transport.KindAPI {
			err = s.downloadAPI(ctx, res)
		} else {
			err = s.downloadFiles(ctx, res)
		}
		if err != nil {
			return err
		}
		return s.markDownloaded(ctx)
	})

	res.Duration = time.Since(start)
	s.config.Metrics.ObserveSync("download", res.Duration, err)
	if err != nil {
		return res, fmt.Errorf("failed to download operations: %w", err)
	}
	return res, nil
}

// downloadedOnce reports whether a download has completed on this client.
func (s *Service) downloadedOnce(ctx context.Context) (bool, error) {
	_, ok, err := s.config.Store.GetMeta(ctx, metaFirstDownloadAt)
	return ok, err
}

func (s *Service) markDownloaded(ctx context.Context) error {
	ok, err := s.downloadedOnce(ctx)
	if err != nil || ok {
		return err
	}
	return s.config.Store.SetMeta(ctx, metaFirstDownloadAt, s.config.Now().UTC().Format(time.RFC3339))
}

func (s *Service) updatePendingGauge(ctx context.Context) {
	if s.config.Metrics == nil {
		return
	}
	entries, err := s.config.Store.GetUnsynced(ctx)
	if err == nil {
		s.config.Metrics.SetPending(len(entries))
	}
}

func (s *Service) notify(ev oplog.Event) {
	if ev.Time.IsZero() {
		ev.Time = s.config.Now()
	}
	s.config.Notifier.Notify(ev)
}
