package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/lock"
	"github.com/localfirst/opsync/internal/oplog/transport"
)

// uploadAPI sends unsynced ops in batches. Accepted ops are marked synced,
// refused ones rejected. Remote ops piggy-backed on the response are
// processed like a download; the cursor only moves when the piggy-back was
// complete and processed without error.
func (s *Service) uploadAPI(ctx context.Context, res *Result) error {
	entries, err := s.uploadable(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	api := s.config.Transport.API
	cursor, err := api.GetLastServerSeq(ctx)
	if err != nil {
		return fmt.Errorf("failed to read server cursor: %w", err)
	}

	seqByID := make(map[string]int64, len(entries))
	for _, e := range entries {
		seqByID[e.Op.ID] = e.Seq
	}

	for start := 0; start < len(entries); start += s.config.BatchSize {
		end := min(start+s.config.BatchSize, len(entries))
		batch := make([]oplog.Operation, 0, end-start)
		for _, e := range entries[start:end] {
			batch = append(batch, e.Op)
		}

		payload, err := s.config.Cipher.EncryptOps(batch)
		if err != nil {
			return err
		}
		resp, err := api.UploadOps(ctx, payload, s.config.ClientID, cursor)
		if err != nil {
			return err
		}

		var (
			synced   []int64
			rejected []string
		)
		for _, r := range resp.Results {
			seq, ok := seqByID[r.OpID]
			if !ok {
				continue
			}
			if r.Accepted {
				synced = append(synced, seq)
			} else {
				s.logger.Printf("Warning: server rejected op %s: %s", r.OpID, r.Error)
				rejected = append(rejected, r.OpID)
			}
		}
		if err := s.config.Store.MarkSynced(ctx, synced); err != nil {
			return err
		}
		if err := s.config.Store.MarkRejected(ctx, rejected); err != nil {
			return err
		}
		res.Uploaded += len(synced)
		res.Rejected += len(rejected)

		if len(resp.NewOps) > 0 {
			var perr error
			err := s.config.Locks.Request(ctx, lock.NameDownload, func(ctx context.Context) error {
				perr = s.processServerOps(ctx, resp.NewOps, res)
				return nil
			})
			if err != nil {
				return err
			}
			if perr != nil {
				if errors.Is(perr, context.Canceled) {
					return perr
				}
				s.logger.Printf("Warning: failed to process piggy-backed operations: %v", perr)
				continue
			}
		}
		if !resp.HasMore && resp.LatestSeq > cursor {
			if err := api.SetLastServerSeq(ctx, resp.LatestSeq); err != nil {
				return err
			}
			cursor = resp.LatestSeq
		}
	}

	s.logger.Printf("Uploaded %d operations (%d rejected)", res.Uploaded, res.Rejected)
	return nil
}

// uploadable returns the unsynced entries, minus those on entities with a
// deferred conflict. They stay queued until the conflict is decided.
func (s *Service) uploadable(ctx context.Context) ([]oplog.Entry, error) {
	entries, err := s.config.Store.GetUnsynced(ctx)
	if err != nil {
		return nil, err
	}
	held, err := s.config.Store.GetDeferredEntityKeys(ctx)
	if err != nil || len(held) == 0 {
		return entries, err
	}

	out := make([]oplog.Entry, 0, len(entries))
	for _, e := range entries {
		if touchesAny(&e.Op, held) {
			continue
		}
		out = append(out, e)
	}
	if n := len(entries) - len(out); n > 0 {
		s.logger.Printf("Holding back %d operations on items with undecided conflicts", n)
	}
	return out, nil
}

func touchesAny(op *oplog.Operation, keys map[string]bool) bool {
	for _, key := range op.EntityKeys() {
		if keys[key] {
			return true
		}
	}
	return false
}

// processServerOps decrypts server ops, drops known ones and processes the
// rest. Callers hold sp_op_log_download.
func (s *Service) processServerOps(ctx context.Context, sops []transport.ServerOp, res *Result) error {
	ops := make([]oplog.Operation, 0, len(sops))
	for _, so := range sops {
		ops = append(ops, so.Op)
	}
	if err := s.config.Cipher.DecryptOps(ops); err != nil {
		return err
	}

	ops, err := s.filterKnown(ctx, ops)
	if err != nil {
		return err
	}
	res.Downloaded += len(ops)
	s.config.Metrics.AddDownloaded(len(ops))

	processed, err := s.ProcessRemoteOps(ctx, ops)
	res.addProcessed(processed)
	return err
}

func (s *Service) filterKnown(ctx context.Context, ops []oplog.Operation) ([]oplog.Operation, error) {
	if len(ops) == 0 {
		return ops, nil
	}
	known, err := s.config.Store.GetAppliedOpIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := ops[:0]
	for _, op := range ops {
		if _, ok := known[op.ID]; !ok {
			out = append(out, op)
		}
	}
	return out, nil
}

// pendingUpload records chunk files written but not yet confirmed in the
// manifest, with the seqs each one carries.
type pendingUpload map[string][]int64

// uploadFiles writes unsynced ops as chunk files and lists them in the
// manifest. Chunks that reached the manifest before a crash are recognized
// on the next run and their ops marked synced.
func (s *Service) uploadFiles(ctx context.Context, res *Result) error {
	files := s.config.Transport.Files

	if err := s.recoverPendingUpload(ctx); err != nil {
		return err
	}

	entries, err := s.uploadable(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	manifest, err := s.loadManifest(ctx)
	if err != nil {
		return err
	}

	pending := make(pendingUpload)
	var names []string
	ms := s.config.Now().UnixMilli()
	for start := 0; start < len(entries); start += s.config.BatchSize {
		end := min(start+s.config.BatchSize, len(entries))
		name := ChunkName(s.config.ClientID, ms)
		for manifest.Contains(name) || pending[name] != nil {
			ms++
			name = ChunkName(s.config.ClientID, ms)
		}
		ms++

		seqs := make([]int64, 0, end-start)
		for _, e := range entries[start:end] {
			seqs = append(seqs, e.Seq)
		}
		pending[name] = seqs
		names = append(names, name)
	}
	if err := s.savePendingUpload(ctx, pending); err != nil {
		return err
	}

	var (
		uploaded []string
		synced   []int64
		chunkErr error
	)
	for i, name := range names {
		start := i * s.config.BatchSize
		end := min(start+s.config.BatchSize, len(entries))
		chunk := &Chunk{Version: ChunkVersion, ClientID: s.config.ClientID}
		for _, e := range entries[start:end] {
			chunk.Ops = append(chunk.Ops, e.Op)
		}

		data, err := EncodeChunk(chunk, s.config.Cipher, !s.config.DisableCompression)
		if err != nil {
			chunkErr = err
			break
		}
		if err := files.UploadFile(ctx, name, data); err != nil {
			chunkErr = fmt.Errorf("failed to upload %s: %w", name, err)
			break
		}
		uploaded = append(uploaded, name)
		synced = append(synced, pending[name]...)
	}

	if len(uploaded) > 0 {
		// Reload so files written by other clients meanwhile are kept.
		latest, err := s.loadManifest(ctx)
		if err != nil {
			return err
		}
		latest.Add(uploaded...)
		data, err := EncodeManifest(latest)
		if err != nil {
			return err
		}
		if err := files.UploadFile(ctx, ManifestPath, data); err != nil {
			return fmt.Errorf("failed to upload manifest: %w", err)
		}
		if err := s.config.Store.MarkSynced(ctx, synced); err != nil {
			return err
		}
		res.Uploaded += len(synced)
	}

	if err := s.config.Store.DeleteMeta(ctx, metaFileUploadPending); err != nil {
		return err
	}
	if chunkErr != nil {
		return chunkErr
	}

	s.logger.Printf("Uploaded %d operations in %d files", len(synced), len(uploaded))
	return nil
}

func (s *Service) savePendingUpload(ctx context.Context, p pendingUpload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending upload: %w", err)
	}
	return s.config.Store.SetMeta(ctx, metaFileUploadPending, string(data))
}

// recoverPendingUpload marks the ops of chunks that made it into the
// manifest as synced. Chunks that did not are uploaded again as new files.
func (s *Service) recoverPendingUpload(ctx context.Context) error {
	raw, ok, err := s.config.Store.GetMeta(ctx, metaFileUploadPending)
	if err != nil || !ok {
		return err
	}

	var pending pendingUpload
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		s.logger.Printf("Warning: discarding unreadable pending upload record: %v", err)
		return s.config.Store.DeleteMeta(ctx, metaFileUploadPending)
	}

	manifest, err := s.loadManifest(ctx)
	if err != nil {
		return err
	}
	var synced []int64
	for name, seqs := range pending {
		if manifest.Contains(name) {
			synced = append(synced, seqs...)
		}
	}
	if len(synced) > 0 {
		s.logger.Printf("Recovered %d operations from an interrupted upload", len(synced))
		if err := s.config.Store.MarkSynced(ctx, synced); err != nil {
			return err
		}
	}
	return s.config.Store.DeleteMeta(ctx, metaFileUploadPending)
}

// loadManifest returns the remote manifest, or an empty one when none has
// been uploaded yet.
func (s *Service) loadManifest(ctx context.Context) (*Manifest, error) {
	data, err := s.config.Transport.Files.DownloadFile(ctx, ManifestPath)
	if errors.Is(err, transport.ErrFileNotFound) {
		return &Manifest{Version: ManifestVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to download manifest: %w", err)
	}
	return DecodeManifest(data)
}
