package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/crypt"
	"github.com/localfirst/opsync/internal/oplog/transport"
)

// downloadAPI pages through server ops after the cursor. A server whose
// latest seq is below the cursor was reset; the cursor is then dropped to
// zero and the download starts over once.
func (s *Service) downloadAPI(ctx context.Context, res *Result) error {
	api := s.config.Transport.API
	cursor, err := api.GetLastServerSeq(ctx)
	if err != nil {
		return fmt.Errorf("failed to read server cursor: %w", err)
	}

	page, err := api.DownloadOps(ctx, cursor, s.config.ClientID, s.config.DownloadPageSize)
	if err != nil {
		return err
	}
	if page.LatestSeq < cursor {
		s.logger.Printf("Warning: server seq %d is behind local cursor %d, downloading everything again", page.LatestSeq, cursor)
		cursor = 0
		if page, err = api.DownloadOps(ctx, cursor, s.config.ClientID, s.config.DownloadPageSize); err != nil {
			return err
		}
	}

	var all []transport.ServerOp
	latest := page.LatestSeq
	complete := false
	for i := 0; ; i++ {
		all = append(all, page.Ops...)
		if n := len(page.Ops); n > 0 {
			cursor = max(cursor, page.Ops[n-1].ServerSeq)
		}
		latest = max(latest, page.LatestSeq)
		if !page.HasMore {
			complete = true
			break
		}
		if len(page.Ops) == 0 || i+1 >= s.config.MaxDownloadIterations {
			s.logger.Printf("Warning: stopping download after %d pages at seq %d", i+1, cursor)
			break
		}
		if page, err = api.DownloadOps(ctx, cursor, s.config.ClientID, s.config.DownloadPageSize); err != nil {
			return err
		}
	}

	if err := s.processServerOps(ctx, all, res); err != nil {
		if errors.Is(err, crypt.ErrDecrypt) {
			return fmt.Errorf("failed to decrypt remote operations, check the sync passphrase: %w", err)
		}
		return err
	}

	if complete {
		cursor = max(cursor, latest)
	}
	if err := api.SetLastServerSeq(ctx, cursor); err != nil {
		return err
	}
	if err := api.AcknowledgeOps(ctx, s.config.ClientID, cursor); err != nil {
		s.logger.Printf("Warning: failed to acknowledge seq %d: %v", cursor, err)
	}

	if len(all) > 0 {
		s.logger.Printf("Downloaded %d operations (%d new, %d applied)", len(all), res.Downloaded, res.Applied)
	}
	return nil
}

// downloadFiles reads every chunk listed in the manifest that was not
// written by this client and not processed before. Unreadable chunks are
// counted and retried on the next run.
func (s *Service) downloadFiles(ctx context.Context, res *Result) error {
	files := s.config.Transport.Files

	manifest, err := s.loadManifest(ctx)
	if err != nil {
		return err
	}
	names := manifest.OperationFiles
	if len(names) == 0 {
		listed, err := files.ListFiles(ctx, OpsDir)
		if err != nil {
			return fmt.Errorf("failed to list operation files: %w", err)
		}
		for _, name := range listed {
			if _, ok := ChunkClientID(name); ok {
				names = append(names, name)
			}
		}
		sort.Strings(names)
	}

	processed, err := s.loadProcessedFiles(ctx)
	if err != nil {
		return err
	}

	var (
		ops      []oplog.Operation
		newFiles []string
	)
	for _, name := range names {
		author, ok := ChunkClientID(name)
		if !ok || author == s.config.ClientID || processed[name] {
			continue
		}

		data, err := files.DownloadFile(ctx, name)
		if err != nil {
			s.logger.Printf("Warning: failed to download %s: %v", name, err)
			res.FailedFiles++
			continue
		}
		chunk, err := DecodeChunk(data, s.config.Cipher)
		if err != nil {
			if errors.Is(err, crypt.ErrDecrypt) || errors.Is(err, ErrEncryptedChunk) {
				return fmt.Errorf("failed to decrypt %s, check the sync passphrase: %w", name, err)
			}
			s.logger.Printf("Warning: failed to read %s: %v", name, err)
			res.FailedFiles++
			continue
		}

		ops = append(ops, chunk.Ops...)
		newFiles = append(newFiles, name)
	}

	if res.FailedFiles > 0 {
		s.notify(oplog.Event{
			Kind:       oplog.EventPartialDownload,
			Message:    fmt.Sprintf("%d sync files could not be read and will be retried", res.FailedFiles),
			Affordance: oplog.AffordanceRetry,
			Count:      res.FailedFiles,
		})
	}

	if err := s.config.Cipher.DecryptOps(ops); err != nil {
		return err
	}
	ops, err = s.filterKnown(ctx, ops)
	if err != nil {
		return err
	}
	res.Downloaded += len(ops)
	s.config.Metrics.AddDownloaded(len(ops))

	pr, err := s.ProcessRemoteOps(ctx, ops)
	res.addProcessed(pr)
	if err != nil {
		return err
	}

	if len(newFiles) > 0 {
		for _, name := range newFiles {
			processed[name] = true
		}
		if err := s.saveProcessedFiles(ctx, processed); err != nil {
			return err
		}
		s.logger.Printf("Downloaded %d files (%d new operations, %d applied)", len(newFiles), res.Downloaded, res.Applied)
	}
	return nil
}

func (s *Service) loadProcessedFiles(ctx context.Context) (map[string]bool, error) {
	out := make(map[string]bool)
	raw, ok, err := s.config.Store.GetMeta(ctx, metaDownloadedFiles)
	if err != nil || !ok {
		return out, err
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		s.logger.Printf("Warning: ignoring unreadable processed file list: %v", err)
		return out, nil
	}
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}

func (s *Service) saveProcessedFiles(ctx context.Context, processed map[string]bool) error {
	names := make([]string, 0, len(processed))
	for n := range processed {
		names = append(names, n)
	}
	sort.Strings(names)
	data, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("failed to marshal processed files: %w", err)
	}
	return s.config.Store.SetMeta(ctx, metaDownloadedFiles, string(data))
}
