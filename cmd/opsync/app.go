package main

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/localfirst/opsync/internal/config"
	"github.com/localfirst/opsync/internal/logging"
	"github.com/localfirst/opsync/internal/metrics"
	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/apply"
	"github.com/localfirst/opsync/internal/oplog/capture"
	"github.com/localfirst/opsync/internal/oplog/compact"
	"github.com/localfirst/opsync/internal/oplog/crypt"
	"github.com/localfirst/opsync/internal/oplog/db"
	"github.com/localfirst/opsync/internal/oplog/hydrate"
	"github.com/localfirst/opsync/internal/oplog/lock"
	"github.com/localfirst/opsync/internal/oplog/migrate"
	"github.com/localfirst/opsync/internal/oplog/repair"
	"github.com/localfirst/opsync/internal/oplog/resolve"
	"github.com/localfirst/opsync/internal/oplog/state"
	"github.com/localfirst/opsync/internal/oplog/store"
	oplogsync "github.com/localfirst/opsync/internal/oplog/sync"
	"github.com/localfirst/opsync/internal/oplog/transport"
	"github.com/localfirst/opsync/internal/oplog/transport/httpapi"
	"github.com/localfirst/opsync/internal/oplog/transport/localdir"
	"github.com/localfirst/opsync/internal/oplog/transport/s3"
)

// app is one opened client: the database, the hydrated state and every
// service wired together.
type app struct {
	cfg  *config.Config
	logs *logging.Factory

	db        *db.DB
	store     *store.Store
	locks     *lock.Service
	state     *state.Store
	clientID  string
	metrics   *metrics.Metrics
	notifier  oplog.MultiNotifier
	capturer  *capture.Capturer
	applier   *apply.Applier
	migrator  *migrate.Service
	repair    *repair.Service
	compactor *compact.Service
	resolver  *resolve.Service

	// sync is nil when no provider is configured
	sync *oplogsync.Service

	// localRoot is the shared folder of the localdir provider
	localRoot string

	hydrated *hydrate.Result
}

type openOptions struct {
	// interactive allows prompting for conflict decisions
	interactive bool

	// notifiers receive events in addition to the stderr printer
	notifiers []oplog.Notifier

	// metrics is shared with the caller (default: a fresh registry)
	metrics *metrics.Metrics
}

func loadConfig() *config.Config {
	cfg, err := config.Load(v)
	if err != nil {
		fatalf("%v", err)
	}
	return cfg
}

// mustOpen opens the client or exits.
func mustOpen(ctx context.Context, opts openOptions) *app {
	a, err := openApp(ctx, loadConfig(), opts)
	if err != nil {
		fatalf("%v", err)
	}
	return a
}

func openApp(ctx context.Context, cfg *config.Config, opts openOptions) (*app, error) {
	a := &app{
		cfg:      cfg,
		logs:     logging.New(cfg.Log, cfg.DataDir),
		state:    state.New(),
		metrics:  opts.metrics,
		notifier: append(oplog.MultiNotifier{eventPrinter{}}, opts.notifiers...),
	}
	if a.metrics == nil {
		a.metrics = metrics.New()
	}

	var err error
	if a.db, err = db.OpenContext(ctx, cfg.DBPath()); err != nil {
		return nil, err
	}
	if err := a.wire(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, opts openOptions) error {
	cfg := a.cfg
	logs := a.logs

	var err error
	if a.store, err = store.New(a.db, logs.Quiet("store")); err != nil {
		return err
	}
	if a.clientID, err = capture.LoadOrCreateClientID(ctx, a.store); err != nil {
		return err
	}
	if a.locks, err = lock.New(&lock.Config{Dir: cfg.LockDir(), Store: a.store, Logger: logs.Quiet("lock")}); err != nil {
		return err
	}

	if a.applier, err = apply.New(a.state, logs.Quiet("apply")); err != nil {
		return err
	}
	a.migrator = migrate.Default(logs.Quiet("migrate"))
	if a.repair, err = repair.New(&repair.Config{
		ClientID: a.clientID,
		Store:    a.store,
		Locks:    a.locks,
		State:    a.state,
		Notifier: a.notifier,
		Logger:   logs.Quiet("repair"),
	}); err != nil {
		return err
	}

	compactCfg := compact.DefaultConfig()
	compactCfg.Store = a.store
	compactCfg.Locks = a.locks
	compactCfg.State = a.state
	compactCfg.Retention = cfg.Compaction.Retention
	compactCfg.Notifier = a.notifier
	compactCfg.Metrics = a.metrics
	compactCfg.Logger = logs.Quiet("compact")
	if a.compactor, err = compact.New(compactCfg); err != nil {
		return err
	}

	if a.capturer, err = capture.New(&capture.Config{
		ClientID:            a.clientID,
		Store:               a.store,
		Locks:               a.locks,
		State:               a.state,
		Compactor:           a.compactor,
		CompactionThreshold: cfg.Compaction.Threshold,
		Logger:              logs.Quiet("capture"),
	}); err != nil {
		return err
	}

	decider, err := a.decider(opts.interactive)
	if err != nil {
		return err
	}
	if a.resolver, err = resolve.New(&resolve.Config{
		Store:           a.store,
		Locks:           a.locks,
		Applier:         a.applier,
		Decider:         decider,
		Repair:          a.repair,
		Notifier:        a.notifier,
		DecisionTimeout: cfg.Conflicts.Timeout,
		Logger:          logs.Quiet("resolve"),
	}); err != nil {
		return err
	}

	h, err := hydrate.New(&hydrate.Config{
		Store:    a.store,
		State:    a.state,
		Applier:  a.applier,
		Migrator: a.migrator,
		Repair:   a.repair,
		Logger:   logs.Quiet("hydrate"),
	})
	if err != nil {
		return err
	}
	if a.hydrated, err = h.Hydrate(ctx); err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	return a.wireSync(ctx)
}

// wireSync builds the sync service for the configured provider.
func (a *app) wireSync(ctx context.Context) error {
	cfg := a.cfg

	var tr *transport.Transport
	var err error
	switch cfg.Provider {
	case config.ProviderNone, "":
		return nil
	case config.ProviderLocalDir:
		p, err := localdir.New(cfg.LocalDir.Path)
		if err != nil {
			return err
		}
		a.localRoot = p.Root()
		tr, err = transport.NewFile(p)
		if err != nil {
			return err
		}
	case config.ProviderS3:
		p, err := s3.New(ctx, s3.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Prefix:          cfg.S3.Prefix,
			UsePathStyle:    cfg.S3.PathStyle,
		})
		if err != nil {
			return err
		}
		if tr, err = transport.NewFile(p); err != nil {
			return err
		}
	case config.ProviderHTTP:
		c, err := httpapi.NewClient(&httpapi.ClientConfig{
			BaseURL: cfg.HTTP.URL,
			Token:   cfg.HTTP.Token,
			Cursor:  a.store,
		})
		if err != nil {
			return err
		}
		if tr, err = transport.NewAPI(c); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown provider %q", cfg.Provider)
	}

	var cipher *crypt.Cipher
	if cfg.Encryption.Passphrase != "" {
		if cipher, err = crypt.New(cfg.Encryption.Passphrase); err != nil {
			return err
		}
	}

	a.sync, err = oplogsync.New(&oplogsync.Config{
		ClientID:           a.clientID,
		Store:              a.store,
		Locks:              a.locks,
		Applier:            a.applier,
		Transport:          tr,
		Resolver:           a.resolver,
		Migrator:           a.migrator,
		Repair:             a.repair,
		Cipher:             cipher,
		DisableCompression: cfg.Sync.DisableCompression,
		Notifier:           a.notifier,
		Metrics:            a.metrics,
		Logger:             a.logs.Quiet("sync"),
		BatchSize:          cfg.Sync.BatchSize,
		DownloadPageSize:   cfg.Sync.DownloadPageSize,
	})
	return err
}

// decider picks how conflicts are decided: a prompt on a terminal, the
// policy file, or the suggested resolution with manual cases skipped.
func (a *app) decider(interactive bool) (resolve.Decider, error) {
	cfg := a.cfg.Conflicts

	var fallback resolve.Decider = resolve.SuggestedDecider{Fallback: oplog.ResolveSkip}
	if cfg.Policy != "" {
		policy, err := resolve.LoadPolicy(cfg.Policy)
		if err != nil {
			return nil, err
		}
		fallback = resolve.PolicyDecider{Policy: policy}
	}

	if interactive && cfg.Interactive && term.IsTerminal(int(os.Stdin.Fd())) {
		return promptDecider{}, nil
	}
	return fallback, nil
}

// requireSync returns the sync service or exits when no provider is set.
func (a *app) requireSync() *oplogsync.Service {
	if a.sync == nil {
		fatalf("no sync provider configured (set provider in %s.yaml or pass --provider)", config.FileName)
	}
	return a.sync
}

// ownChunk reports whether a file in the shared folder was written by
// this client.
func (a *app) ownChunk(name string) bool {
	author, ok := oplogsync.ChunkClientID(name)
	return ok && author == a.clientID
}

// Close closes the database and the log file.
func (a *app) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
	_ = a.logs.Close()
}
