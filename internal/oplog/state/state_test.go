package state

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/schema"
)

func op(id string, typ oplog.OpType, entity oplog.EntityType, entityID string, payload string) oplog.Operation {
	o := oplog.Operation{
		ID:         id,
		ClientID:   "A",
		OpType:     typ,
		EntityType: entity,
		EntityID:   entityID,
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).UnixMilli(),
	}
	if payload != "" {
		o.Payload = json.RawMessage(payload)
	}
	return o
}

func mustDispatch(t *testing.T, s *Store, o oplog.Operation) {
	t.Helper()
	require.NoError(t, s.Dispatch(context.Background(), o))
}

func TestCreate_LinksParentAndProject(t *testing.T) {
	s := New()
	mustDispatch(t, s, op("1", oplog.OpCreate, oplog.EntityProject, "p", `{"title":"Inbox"}`))
	mustDispatch(t, s, op("2", oplog.OpCreate, oplog.EntityTask, "parent", `{"title":"Parent","projectId":"p"}`))
	mustDispatch(t, s, op("3", oplog.OpCreate, oplog.EntityTask, "child", `{"title":"Child","projectId":"p","parentId":"parent"}`))

	app := s.State()
	assert.Equal(t, []string{"parent"}, app.Projects["p"].TaskIDs)
	assert.Equal(t, []string{"child"}, app.Tasks["parent"].SubTaskIDs)
	assert.Equal(t, schema.StatusOpen, app.Tasks["child"].Status)
	assert.Empty(t, schema.Inspect(app))
}

func TestCreate_IsIdempotent(t *testing.T) {
	s := New()
	create := op("1", oplog.OpCreate, oplog.EntityTask, "t", `{"title":"T"}`)
	mustDispatch(t, s, create)
	first, err := s.GetAllDataSnapshot(context.Background())
	require.NoError(t, err)

	mustDispatch(t, s, create)
	second, err := s.GetAllDataSnapshot(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second))
}

func TestCreate_Deterministic(t *testing.T) {
	a, b := New(), New()
	create := op("1", oplog.OpCreate, oplog.EntityTag, "g", `{"title":"urgent"}`)
	mustDispatch(t, a, create)
	mustDispatch(t, b, create)

	sa, _ := a.GetAllDataSnapshot(context.Background())
	sb, _ := b.GetAllDataSnapshot(context.Background())
	assert.Equal(t, string(sa), string(sb))
}

func TestUpdate(t *testing.T) {
	s := New()
	mustDispatch(t, s, op("1", oplog.OpCreate, oplog.EntityTask, "t", `{"title":"T"}`))
	mustDispatch(t, s, op("2", oplog.OpUpdate, oplog.EntityTask, "t", `{"title":"Renamed","status":"done","id":"ignored"}`))

	task := s.State().Tasks["t"]
	assert.Equal(t, "t", task.ID)
	assert.Equal(t, "Renamed", task.Title)
	assert.Equal(t, schema.StatusDone, task.Status)
}

func TestUpdate_InvalidOperations(t *testing.T) {
	s := New()
	mustDispatch(t, s, op("1", oplog.OpCreate, oplog.EntityTask, "t", `{"title":"T"}`))

	tests := []struct {
		name string
		op   oplog.Operation
	}{
		{"missing entity", op("2", oplog.OpUpdate, oplog.EntityTask, "nope", `{"title":"x"}`)},
		{"malformed payload", op("3", oplog.OpUpdate, oplog.EntityTask, "t", `[1,2]`)},
		{"invalid result", op("4", oplog.OpUpdate, oplog.EntityTask, "t", `{"status":"weird"}`)},
		{"unknown op type", op("5", oplog.OpType("XYZ"), oplog.EntityTask, "t", `{}`)},
		{"create id mismatch", op("6", oplog.OpCreate, oplog.EntityTask, "a", `{"id":"b","title":"x"}`)},
		{"encrypted", func() oplog.Operation {
			o := op("7", oplog.OpUpdate, oplog.EntityTask, "t", `"c2VjcmV0"`)
			o.PayloadEncrypted = true
			return o
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Dispatch(context.Background(), tt.op)
			require.Error(t, err)
			assert.ErrorIs(t, err, oplog.ErrInvalidOperation)
		})
	}

	assert.Equal(t, "T", s.State().Tasks["t"].Title, "failed ops leave state untouched")
}

func TestDelete_CascadesAndCleansRefs(t *testing.T) {
	s := New()
	mustDispatch(t, s, op("1", oplog.OpCreate, oplog.EntityProject, "p", `{"title":"Inbox"}`))
	mustDispatch(t, s, op("2", oplog.OpCreate, oplog.EntityTag, "g", `{"title":"urgent"}`))
	mustDispatch(t, s, op("3", oplog.OpCreate, oplog.EntityTask, "parent", `{"title":"Parent","projectId":"p","tagIds":["g"]}`))
	mustDispatch(t, s, op("4", oplog.OpCreate, oplog.EntityTask, "child", `{"title":"Child","parentId":"parent"}`))
	mustDispatch(t, s, op("5", oplog.OpCreate, oplog.EntityTask, "other", `{"title":"Other","tagIds":["g"]}`))

	mustDispatch(t, s, op("6", oplog.OpDelete, oplog.EntityTag, "g", ""))
	assert.Empty(t, s.State().Tasks["other"].TagIDs)

	mustDispatch(t, s, op("7", oplog.OpDelete, oplog.EntityProject, "p", ""))
	app := s.State()
	assert.NotContains(t, app.Tasks, "parent")
	assert.NotContains(t, app.Tasks, "child")
	assert.Contains(t, app.Tasks, "other")
	assert.Empty(t, schema.Inspect(app))

	// Deleting again is a no-op.
	mustDispatch(t, s, op("8", oplog.OpDelete, oplog.EntityProject, "p", ""))
}

func TestMove(t *testing.T) {
	s := New()
	mustDispatch(t, s, op("1", oplog.OpCreate, oplog.EntityProject, "a", `{"title":"A"}`))
	mustDispatch(t, s, op("2", oplog.OpCreate, oplog.EntityProject, "b", `{"title":"B"}`))
	mustDispatch(t, s, op("3", oplog.OpCreate, oplog.EntityTask, "t", `{"title":"T","projectId":"a"}`))

	mustDispatch(t, s, op("4", oplog.OpMove, oplog.EntityTask, "t", `{"projectId":"b"}`))
	app := s.State()
	assert.Empty(t, app.Projects["a"].TaskIDs)
	assert.Equal(t, []string{"t"}, app.Projects["b"].TaskIDs)
}

func TestBatch_AllOrNothing(t *testing.T) {
	s := New()
	mustDispatch(t, s, op("1", oplog.OpCreate, oplog.EntityTask, "a", `{"title":"A"}`))
	mustDispatch(t, s, op("2", oplog.OpCreate, oplog.EntityTask, "b", `{"title":"B"}`))

	ok := op("3", oplog.OpBatch, oplog.EntityTask, "", `{"changes":{"a":{"priority":1},"b":{"priority":3}}}`)
	ok.EntityIDs = []string{"a", "b"}
	mustDispatch(t, s, ok)
	assert.Equal(t, 1, s.State().Tasks["a"].Priority)
	assert.Equal(t, 3, s.State().Tasks["b"].Priority)

	bad := op("4", oplog.OpBatch, oplog.EntityTask, "", `{"changes":{"a":{"priority":0},"b":{"priority":9}}}`)
	bad.EntityIDs = []string{"a", "b"}
	err := s.Dispatch(context.Background(), bad)
	require.ErrorIs(t, err, oplog.ErrInvalidOperation)
	assert.Equal(t, 1, s.State().Tasks["a"].Priority, "partial batch rolled back")
}

func TestFullStateOps(t *testing.T) {
	s := New()
	mustDispatch(t, s, op("1", oplog.OpCreate, oplog.EntityTask, "old", `{"title":"Old"}`))

	imp := op("2", oplog.OpSyncImport, oplog.EntityAll, "", `{"appState":{"task":{"new":{"id":"new","title":"New","status":"open"}}}}`)
	mustDispatch(t, s, imp)
	app := s.State()
	assert.NotContains(t, app.Tasks, "old")
	assert.Contains(t, app.Tasks, "new")

	repair := op("3", oplog.OpRepair, oplog.EntityAll, "", `{"appState":{},"repairSummary":{"x":1}}`)
	mustDispatch(t, s, repair)
	assert.Equal(t, 0, s.State().Len())

	err := s.Dispatch(context.Background(), op("4", oplog.OpBackupImport, oplog.EntityAll, "", `{}`))
	assert.ErrorIs(t, err, oplog.ErrInvalidOperation)
}

func TestExistsAndReplaceAll(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.ReplaceAll(ctx, json.RawMessage(`{"tag":{"g":{"id":"g","title":"x"}}}`)))
	ok, err := s.Exists(ctx, oplog.EntityTag, "g")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(ctx, oplog.EntityTask, "g")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Exists(ctx, oplog.EntityAll, "g")
	assert.Error(t, err)

	assert.Error(t, s.ReplaceAll(ctx, json.RawMessage(`{bad`)))
}

func TestOnChange(t *testing.T) {
	s := New()
	var seen []string
	s.OnChange(func(o oplog.Operation) { seen = append(seen, o.ID) })

	mustDispatch(t, s, op("1", oplog.OpCreate, oplog.EntityTag, "g", `{"title":"x"}`))
	_ = s.Dispatch(context.Background(), op("2", oplog.OpUpdate, oplog.EntityTag, "missing", `{}`))
	assert.Equal(t, []string{"1"}, seen)
}
