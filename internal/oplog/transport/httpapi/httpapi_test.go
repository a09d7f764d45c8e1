package httpapi

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/db"
	"github.com/localfirst/opsync/internal/oplog/store"
	"github.com/localfirst/opsync/internal/oplog/vclock"
)

func openDB(t *testing.T, name string) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), name))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func taskOp(id, client string, n int64) oplog.Operation {
	return oplog.Operation{
		ID: id, ClientID: client, OpType: oplog.OpCreate, EntityType: oplog.EntityTask, EntityID: id,
		VectorClock: vclock.Clock{client: n}, SchemaVersion: oplog.CurrentSchemaVersion,
	}
}

type harness struct {
	backend *ServerStore
	url     string
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)

	backend, err := NewServerStore(openDB(t, "server.db"), quiet)
	require.NoError(t, err)
	srv, err := NewServer(backend, &ServerConfig{Token: token, Logger: quiet})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{backend: backend, url: ts.URL}
}

func newClient(t *testing.T, h *harness, token string) *Client {
	t.Helper()
	st, err := store.New(openDB(t, "client.db"), log.New(io.Discard, "", 0))
	require.NoError(t, err)
	c, err := NewClient(&ClientConfig{BaseURL: h.url, Token: token, Cursor: st})
	require.NoError(t, err)
	return c
}

func TestUploadDownload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "")
	a := newClient(t, h, "")
	b := newClient(t, h, "")

	up, err := a.UploadOps(ctx, []oplog.Operation{taskOp("a1", "A", 1), taskOp("a2", "A", 2)}, "A", 0)
	require.NoError(t, err)
	require.Len(t, up.Results, 2)
	assert.True(t, up.Results[0].Accepted)
	assert.Equal(t, int64(2), up.LatestSeq)

	down, err := b.DownloadOps(ctx, 0, "B", 1)
	require.NoError(t, err)
	require.Len(t, down.Ops, 1)
	assert.Equal(t, "a1", down.Ops[0].Op.ID)
	assert.Equal(t, vclock.Clock{"A": 1}, down.Ops[0].Op.VectorClock)
	assert.True(t, down.HasMore)

	down, err = b.DownloadOps(ctx, 1, "B", 10)
	require.NoError(t, err)
	require.Len(t, down.Ops, 1)
	assert.False(t, down.HasMore)

	own, err := a.DownloadOps(ctx, 0, "A", 10)
	require.NoError(t, err)
	assert.Empty(t, own.Ops)
}

func TestUpload_PiggybacksRemoteOps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "")
	a := newClient(t, h, "")
	b := newClient(t, h, "")

	_, err := b.UploadOps(ctx, []oplog.Operation{taskOp("b1", "B", 1)}, "B", 0)
	require.NoError(t, err)

	up, err := a.UploadOps(ctx, []oplog.Operation{taskOp("a1", "A", 1)}, "A", 0)
	require.NoError(t, err)
	require.Len(t, up.NewOps, 1)
	assert.Equal(t, "b1", up.NewOps[0].Op.ID)
}

func TestUpload_DuplicateAndInvalid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "")
	a := newClient(t, h, "")

	_, err := a.UploadOps(ctx, []oplog.Operation{taskOp("a1", "A", 1)}, "A", 0)
	require.NoError(t, err)

	bad := taskOp("a2", "A", 2)
	bad.OpType = "NOPE"
	up, err := a.UploadOps(ctx, []oplog.Operation{taskOp("a1", "A", 1), bad}, "A", 0)
	require.NoError(t, err)
	assert.True(t, up.Results[0].Accepted)
	assert.Equal(t, int64(1), up.Results[0].ServerSeq)
	assert.False(t, up.Results[1].Accepted)
	assert.NotEmpty(t, up.Results[1].Error)
}

func TestCursorPersistedInMeta(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "")
	a := newClient(t, h, "")

	seq, err := a.GetLastServerSeq(ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)

	require.NoError(t, a.SetLastServerSeq(ctx, 42))
	seq, err = a.GetLastServerSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)
}

func TestAcknowledge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "")
	a := newClient(t, h, "")

	require.NoError(t, a.AcknowledgeOps(ctx, "A", 5))
	require.NoError(t, a.AcknowledgeOps(ctx, "A", 3))
	require.NoError(t, h.backend.Acknowledge(ctx, "B", 2))

	lowest, err := h.backend.MinAcked(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), lowest)
}

func TestTokenRequired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "s3cret")

	_, err := newClient(t, h, "").DownloadOps(ctx, 0, "A", 10)
	assert.ErrorContains(t, err, "401")

	_, err = newClient(t, h, "s3cret").DownloadOps(ctx, 0, "A", 10)
	assert.NoError(t, err)

	resp, err := http.Get(h.url + PathHealth)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil)
	assert.Error(t, err)
	_, err = NewClient(&ClientConfig{BaseURL: "http://x"})
	assert.Error(t, err)
}
