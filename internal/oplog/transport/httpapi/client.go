package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/transport"
)

// MetaLastServerSeq is the meta key holding the download cursor.
const MetaLastServerSeq = "last_server_seq"

// CursorStore persists the download cursor. *store.Store satisfies it.
type CursorStore interface {
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL string
	Token   string

	// Cursor persists the last processed server seq.
	Cursor CursorStore

	// HTTPClient (default: 30s timeout)
	HTTPClient *http.Client
}

// Client implements transport.OpsAPI over HTTP.
type Client struct {
	base   *url.URL
	token  string
	cursor CursorStore
	http   *http.Client
}

// NewClient creates a Client.
func NewClient(config *ClientConfig) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.Cursor == nil {
		return nil, fmt.Errorf("cursor store cannot be nil")
	}
	base, err := url.Parse(strings.TrimSuffix(config.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", config.BaseURL)
	}
	hc := config.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: base, token: config.Token, cursor: config.Cursor, http: hc}, nil
}

// UploadOps implements transport.OpsAPI.
func (c *Client) UploadOps(ctx context.Context, ops []oplog.Operation, clientID string, lastKnownServerSeq int64) (*transport.UploadResponse, error) {
	var resp transport.UploadResponse
	err := c.do(ctx, http.MethodPost, PathUpload, nil, UploadRequest{
		ClientID:           clientID,
		LastKnownServerSeq: lastKnownServerSeq,
		Ops:                ops,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to upload ops: %w", err)
	}
	return &resp, nil
}

// DownloadOps implements transport.OpsAPI.
func (c *Client) DownloadOps(ctx context.Context, sinceSeq int64, excludeClient string, limit int) (*transport.DownloadResponse, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(sinceSeq, 10))
	q.Set("exclude", excludeClient)
	q.Set("limit", strconv.Itoa(limit))

	var resp transport.DownloadResponse
	if err := c.do(ctx, http.MethodGet, PathDownload, q, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to download ops: %w", err)
	}
	return &resp, nil
}

// GetLastServerSeq implements transport.OpsAPI.
func (c *Client) GetLastServerSeq(ctx context.Context) (int64, error) {
	v, ok, err := c.cursor.GetMeta(ctx, MetaLastServerSeq)
	if err != nil || !ok {
		return 0, err
	}
	seq, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return seq, nil
}

// SetLastServerSeq implements transport.OpsAPI.
func (c *Client) SetLastServerSeq(ctx context.Context, seq int64) error {
	return c.cursor.SetMeta(ctx, MetaLastServerSeq, strconv.FormatInt(seq, 10))
}

// AcknowledgeOps implements transport.OpsAPI.
func (c *Client) AcknowledgeOps(ctx context.Context, clientID string, seq int64) error {
	if err := c.do(ctx, http.MethodPost, PathAck, nil, AckRequest{ClientID: clientID, Seq: seq}, nil); err != nil {
		return fmt.Errorf("failed to acknowledge ops: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	u := *c.base
	u.Path += path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
