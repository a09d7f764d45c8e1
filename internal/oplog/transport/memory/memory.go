// Package memory provides in-process sync providers: a file store and an
// operation-sync server with per-client API handles. Used by tests and the
// load simulation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/transport"
)

// Files is an in-memory transport.FileProvider.
type Files struct {
	mu    sync.RWMutex
	files map[string][]byte

	// FailUpload and FailDownload inject errors for matching paths.
	FailUpload   func(path string) error
	FailDownload func(path string) error
}

// NewFiles creates an empty file store.
func NewFiles() *Files {
	return &Files{files: make(map[string][]byte)}
}

// UploadFile implements transport.FileProvider.
func (f *Files) UploadFile(ctx context.Context, path string, data []byte) error {
	if f.FailUpload != nil {
		if err := f.FailUpload(path); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = append([]byte(nil), data...)
	return nil
}

// DownloadFile implements transport.FileProvider.
func (f *Files) DownloadFile(ctx context.Context, path string) ([]byte, error) {
	if f.FailDownload != nil {
		if err := f.FailDownload(path); err != nil {
			return nil, err
		}
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	data, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, transport.ErrFileNotFound)
	}
	return append([]byte(nil), data...), nil
}

// ListFiles implements transport.FileProvider.
func (f *Files) ListFiles(ctx context.Context, dir string) ([]string, error) {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []string
	for p := range f.files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes a file.
func (f *Files) Delete(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
}

type serverOp struct {
	transport.ServerOp
	clientID string
}

// Server is an in-memory transport.Server.
type Server struct {
	mu        sync.Mutex
	ops       []serverOp
	byID      map[string]int64
	acks      map[string]int64
	piggyback int

	// Now returns the receive time (default: time.Now)
	Now func() time.Time
}

// NewServer creates an empty server.
func NewServer() *Server {
	return &Server{
		byID:      make(map[string]int64),
		acks:      make(map[string]int64),
		piggyback: transport.DefaultPiggybackLimit,
		Now:       time.Now,
	}
}

// Upload implements transport.Server.
func (s *Server) Upload(ctx context.Context, ops []oplog.Operation, clientID string, lastKnownServerSeq int64) (*transport.UploadResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := &transport.UploadResponse{Results: make([]transport.UploadResult, 0, len(ops))}
	for _, op := range ops {
		if seq, ok := s.byID[op.ID]; ok {
			resp.Results = append(resp.Results, transport.UploadResult{OpID: op.ID, Accepted: true, ServerSeq: seq})
			continue
		}
		if err := transport.ValidateOp(&op, clientID); err != nil {
			resp.Results = append(resp.Results, transport.UploadResult{OpID: op.ID, Error: err.Error()})
			continue
		}

		seq := int64(len(s.ops)) + 1
		s.ops = append(s.ops, serverOp{
			ServerOp: transport.ServerOp{ServerSeq: seq, Op: op, ReceivedAt: s.Now().UnixMilli()},
			clientID: clientID,
		})
		s.byID[op.ID] = seq
		resp.Results = append(resp.Results, transport.UploadResult{OpID: op.ID, Accepted: true, ServerSeq: seq})
	}

	resp.NewOps, resp.HasMore = s.collect(lastKnownServerSeq, clientID, s.piggyback)
	resp.LatestSeq = int64(len(s.ops))
	return resp, nil
}

// Download implements transport.Server.
func (s *Server) Download(ctx context.Context, sinceSeq int64, excludeClient string, limit int) (*transport.DownloadResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops, more := s.collect(sinceSeq, excludeClient, limit)
	return &transport.DownloadResponse{Ops: ops, HasMore: more, LatestSeq: int64(len(s.ops))}, nil
}

func (s *Server) collect(sinceSeq int64, excludeClient string, limit int) ([]transport.ServerOp, bool) {
	if limit <= 0 {
		limit = transport.DefaultPiggybackLimit
	}
	if sinceSeq < 0 {
		sinceSeq = 0
	}

	var out []transport.ServerOp
	for i := sinceSeq; i < int64(len(s.ops)); i++ {
		so := s.ops[i]
		if so.clientID == excludeClient {
			continue
		}
		if len(out) == limit {
			return out, true
		}
		out = append(out, so.ServerOp)
	}
	return out, false
}

// Acknowledge implements transport.Server.
func (s *Server) Acknowledge(ctx context.Context, clientID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.acks[clientID] {
		s.acks[clientID] = seq
	}
	return nil
}

// Acked returns the last acknowledged seq of clientID.
func (s *Server) Acked(clientID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acks[clientID]
}

// Len returns the number of stored ops.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}

// Reset drops every op, as if the server had been wiped.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = nil
	s.byID = make(map[string]int64)
	s.acks = make(map[string]int64)
}

// Client is one device's handle to a Server. It keeps the download cursor
// in memory.
type Client struct {
	server transport.Server

	mu     sync.Mutex
	cursor int64
}

// NewClient creates an OpsAPI bound to server.
func NewClient(server transport.Server) *Client {
	return &Client{server: server}
}

// UploadOps implements transport.OpsAPI.
func (c *Client) UploadOps(ctx context.Context, ops []oplog.Operation, clientID string, lastKnownServerSeq int64) (*transport.UploadResponse, error) {
	return c.server.Upload(ctx, ops, clientID, lastKnownServerSeq)
}

// DownloadOps implements transport.OpsAPI.
func (c *Client) DownloadOps(ctx context.Context, sinceSeq int64, excludeClient string, limit int) (*transport.DownloadResponse, error) {
	return c.server.Download(ctx, sinceSeq, excludeClient, limit)
}

// GetLastServerSeq implements transport.OpsAPI.
func (c *Client) GetLastServerSeq(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor, nil
}

// SetLastServerSeq implements transport.OpsAPI.
func (c *Client) SetLastServerSeq(ctx context.Context, seq int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = seq
	return nil
}

// AcknowledgeOps implements transport.OpsAPI.
func (c *Client) AcknowledgeOps(ctx context.Context, clientID string, seq int64) error {
	return c.server.Acknowledge(ctx, clientID, seq)
}
