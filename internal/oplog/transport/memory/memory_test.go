package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/transport"
	"github.com/localfirst/opsync/internal/oplog/vclock"
)

func op(id, client string, n int64) oplog.Operation {
	return oplog.Operation{
		ID: id, ClientID: client, OpType: oplog.OpUpdate, EntityType: oplog.EntityTask, EntityID: "t1",
		VectorClock: vclock.Clock{client: n},
	}
}

func TestFiles(t *testing.T) {
	ctx := context.Background()
	f := NewFiles()

	_, err := f.DownloadFile(ctx, "ops/manifest.json")
	assert.True(t, errors.Is(err, transport.ErrFileNotFound))

	require.NoError(t, f.UploadFile(ctx, "ops/b.json", []byte("b")))
	require.NoError(t, f.UploadFile(ctx, "ops/a.json", []byte("a")))
	require.NoError(t, f.UploadFile(ctx, "other/c.json", []byte("c")))

	list, err := f.ListFiles(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, []string{"ops/a.json", "ops/b.json"}, list)

	data, err := f.DownloadFile(ctx, "ops/a.json")
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))
}

func TestServer_UploadAssignsSeqAndDedups(t *testing.T) {
	ctx := context.Background()
	s := NewServer()

	resp, err := s.Upload(ctx, []oplog.Operation{op("a1", "A", 1), op("a2", "A", 2)}, "A", 0)
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, int64(1), resp.Results[0].ServerSeq)
	assert.Equal(t, int64(2), resp.Results[1].ServerSeq)
	assert.Equal(t, int64(2), resp.LatestSeq)
	assert.Empty(t, resp.NewOps, "own ops are not piggy-backed")

	resp, err = s.Upload(ctx, []oplog.Operation{op("a1", "A", 1)}, "A", 2)
	require.NoError(t, err)
	assert.True(t, resp.Results[0].Accepted)
	assert.Equal(t, int64(1), resp.Results[0].ServerSeq)
	assert.Equal(t, 2, s.Len())
}

func TestServer_RejectsInvalid(t *testing.T) {
	s := NewServer()
	bad := op("x", "B", 1)

	resp, err := s.Upload(context.Background(), []oplog.Operation{bad}, "A", 0)
	require.NoError(t, err)
	assert.False(t, resp.Results[0].Accepted)
	assert.Contains(t, resp.Results[0].Error, "does not match")
	assert.Zero(t, s.Len())
}

func TestServer_PiggybackAndDownload(t *testing.T) {
	ctx := context.Background()
	s := NewServer()

	_, err := s.Upload(ctx, []oplog.Operation{op("b1", "B", 1), op("b2", "B", 2)}, "B", 0)
	require.NoError(t, err)

	resp, err := s.Upload(ctx, []oplog.Operation{op("a1", "A", 1)}, "A", 1)
	require.NoError(t, err)
	require.Len(t, resp.NewOps, 1)
	assert.Equal(t, "b2", resp.NewOps[0].Op.ID)
	assert.False(t, resp.HasMore)

	page, err := s.Download(ctx, 0, "A", 1)
	require.NoError(t, err)
	require.Len(t, page.Ops, 1)
	assert.Equal(t, "b1", page.Ops[0].Op.ID)
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(3), page.LatestSeq)

	page, err = s.Download(ctx, page.Ops[0].ServerSeq, "A", 10)
	require.NoError(t, err)
	require.Len(t, page.Ops, 1)
	assert.Equal(t, "b2", page.Ops[0].Op.ID)
	assert.False(t, page.HasMore)
}

func TestClient_Cursor(t *testing.T) {
	ctx := context.Background()
	s := NewServer()
	c := NewClient(s)

	seq, err := c.GetLastServerSeq(ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)

	require.NoError(t, c.SetLastServerSeq(ctx, 7))
	seq, _ = c.GetLastServerSeq(ctx)
	assert.Equal(t, int64(7), seq)

	require.NoError(t, c.AcknowledgeOps(ctx, "A", 7))
	require.NoError(t, c.AcknowledgeOps(ctx, "A", 3))
	assert.Equal(t, int64(7), s.Acked("A"))
}
