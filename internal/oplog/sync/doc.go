// Package sync exchanges operations between the local log and a remote
// provider and merges remote changes into the materialized state.
//
// Overview
//
// Every local change is an operation in the log (see package capture).
// Syncing means uploading the local operations the remote does not have
// yet and downloading operations written by other clients. Downloaded
// operations are classified against local history with vector clocks:
//
//	remote op ──► migrate ──► full-state filter ──► DetectConflicts
//	                                                   │
//	                     ┌─────────────────────────────┼──────────────┐
//	                     ▼                             ▼              ▼
//	            stale / duplicate              non-conflicting     conflict
//	               (skipped)              store ► apply ► mark    (resolver)
//
// Transports
//
// The provider kind is fixed when the transport.Transport is built:
//
//   - API: a server assigns sequence numbers. Uploads go in batches of
//     100 and may carry piggy-backed remote ops; downloads page through
//     ops after the persisted cursor.
//   - File: a plain blob store. Ops are written as chunk files
//     ops/ops_<clientId>_<unixms>.json listed in ops/manifest.json.
//     Chunks are snappy-compressed and, with a passphrase, encrypted.
//
// Usage
//
//	files, _ := localdir.New("/mnt/shared/opsync")
//	tr, _ := transport.NewFile(files)
//	svc, err := sync.New(&sync.Config{
//	    ClientID:  clientID,
//	    Store:     logStore,
//	    Locks:     locks,
//	    Applier:   applier,
//	    Transport: tr,
//	    Resolver:  resolver,
//	})
//	if err != nil {
//	    return err
//	}
//	res, err := svc.Sync(ctx)
//
// Locking
//
// Upload runs under sp_op_log_upload, download under sp_op_log_download.
// Storing and applying remote ops takes sp_op_log. The resolver and the
// repair checkpoint are invoked after sp_op_log is released and take it
// themselves.
//
// Error Handling
//
//   - Lock timeouts, storage errors and transport errors abort the step
//     and are returned.
//   - An apply error rolls back every op stored by the batch.
//   - Ops the state rejects as invalid are counted, marked failed and
//     retried on startup until MaxApplyAttempts.
//   - Unreadable chunk files are counted in Result.FailedFiles and retried
//     on the next download. A wrong passphrase is fatal.
package sync
