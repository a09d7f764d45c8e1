// Package daemon runs sync in the background.
//
// # Architecture
//
// The daemon consists of three loops:
//
//   - Sync loop: runs sync.Service.Sync on every SyncInterval tick and
//     whenever TriggerSync is called. Rounds never overlap.
//   - Change queue: for the local-directory provider, a localdir.Watcher
//     reports chunk and manifest writes from other clients. Changes are
//     debounced and then trigger a sync.
//   - Compaction: a compact.Scheduler runs the compactor on a cron spec.
//
// # Usage
//
//	config := daemon.DefaultConfig()
//	config.WatchDir = filepath.Join(files.Root(), sync.OpsDir)
//	config.Compactor = compactor
//
//	d, err := daemon.NewWithConfig(syncService, config)
//	if err != nil {
//	    return err
//	}
//	return d.Start(ctx) // blocks until ctx is cancelled
//
// # Error Handling
//
// A failed sync round is logged and recorded in Status; the next tick
// tries again. Watcher errors are logged and watching continues.
//
// # Graceful Shutdown
//
// Cancel the context passed to Start, or call Stop. Stop closes the
// watcher, stops the scheduler after a running compaction finishes and
// waits for the loops to exit.
package daemon
