// Package transport defines the sync-provider collaborators the SyncService
// talks to. A provider is either operation-based (OpsAPI, a server that
// assigns sequence numbers) or file-based (FileProvider, a dumb blob store
// holding chunk files and a manifest). The kind is fixed when the Transport
// is built, so the sync service never inspects provider types at runtime.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/localfirst/opsync/internal/oplog"
)

// ErrFileNotFound is returned by FileProvider.DownloadFile for a missing
// file. For the manifest it means "nothing uploaded yet".
var ErrFileNotFound = errors.New("file not found")

// Kind selects the sync protocol.
type Kind string

const (
	KindAPI  Kind = "api"
	KindFile Kind = "file"
)

// FileProvider stores opaque files by path.
type FileProvider interface {
	// UploadFile writes data at path, replacing any existing file.
	//
	// Example:
	//   err := p.UploadFile(ctx, "ops/manifest.json", data)
	UploadFile(ctx context.Context, path string, data []byte) error

	// DownloadFile reads the file at path.
	//
	// Returns an error wrapping ErrFileNotFound if the file does not exist.
	DownloadFile(ctx context.Context, path string) ([]byte, error)

	// ListFiles returns the paths of all files under dir, in no
	// particular order. A missing dir yields an empty list.
	ListFiles(ctx context.Context, dir string) ([]string, error)
}

// UploadResult is the server verdict for one uploaded op.
type UploadResult struct {
	OpID      string `json:"opId"`
	Accepted  bool   `json:"accepted"`
	ServerSeq int64  `json:"serverSeq,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ServerOp is an op with its server-assigned sequence number.
type ServerOp struct {
	ServerSeq  int64           `json:"serverSeq"`
	Op         oplog.Operation `json:"op"`
	ReceivedAt int64           `json:"receivedAt,omitempty"`
}

// UploadResponse answers UploadOps.
type UploadResponse struct {
	Results   []UploadResult `json:"results"`
	LatestSeq int64          `json:"latestSeq"`
	// NewOps are remote ops the client has not seen yet (piggy-backed so
	// an upload doubles as a download).
	NewOps []ServerOp `json:"newOps,omitempty"`
	// HasMore is set when NewOps was truncated; the client must download
	// the rest before moving its cursor to LatestSeq.
	HasMore bool `json:"hasMore,omitempty"`
}

// DownloadResponse answers DownloadOps.
type DownloadResponse struct {
	Ops       []ServerOp `json:"ops"`
	HasMore   bool       `json:"hasMore"`
	LatestSeq int64      `json:"latestSeq"`
}

// OpsAPI is an operation-sync server.
type OpsAPI interface {
	// UploadOps sends ops from clientID. lastKnownServerSeq lets the server
	// piggy-back ops newer than that.
	UploadOps(ctx context.Context, ops []oplog.Operation, clientID string, lastKnownServerSeq int64) (*UploadResponse, error)

	// DownloadOps returns up to limit ops with server seq > sinceSeq,
	// excluding those uploaded by excludeClient.
	DownloadOps(ctx context.Context, sinceSeq int64, excludeClient string, limit int) (*DownloadResponse, error)

	// GetLastServerSeq returns the client-side cursor.
	GetLastServerSeq(ctx context.Context) (int64, error)

	// SetLastServerSeq persists the client-side cursor.
	SetLastServerSeq(ctx context.Context, seq int64) error

	// AcknowledgeOps tells the server this client has processed everything
	// up to seq, so it may garbage-collect.
	AcknowledgeOps(ctx context.Context, clientID string, seq int64) error
}

// Transport is a provider together with its kind.
type Transport struct {
	Kind  Kind
	API   OpsAPI
	Files FileProvider
}

// NewAPI wraps an operation-sync server.
func NewAPI(api OpsAPI) (*Transport, error) {
	if api == nil {
		return nil, fmt.Errorf("api provider cannot be nil")
	}
	return &Transport{Kind: KindAPI, API: api}, nil
}

// NewFile wraps a file provider.
func NewFile(files FileProvider) (*Transport, error) {
	if files == nil {
		return nil, fmt.Errorf("file provider cannot be nil")
	}
	return &Transport{Kind: KindFile, Files: files}, nil
}
