package deps

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/localfirst/opsync/internal/oplog"
)

type fakeChecker struct {
	existing map[string]bool
	err      error
}

func (f *fakeChecker) Exists(_ context.Context, typ oplog.EntityType, id string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.existing[oplog.EntityKey(typ, id)], nil
}

func TestExtractDependencies(t *testing.T) {
	tests := []struct {
		name string
		op   oplog.Operation
		want []string
		hard []bool
	}{
		{
			name: "task create with all refs",
			op: oplog.Operation{OpType: oplog.OpCreate, EntityType: oplog.EntityTask, EntityID: "t",
				Payload: json.RawMessage(`{"parentId":"p1","projectId":"pr","tagIds":["g1","g2"]}`)},
			want: []string{"TASK:p1", "PROJECT:pr", "TAG:g1", "TAG:g2"},
			hard: []bool{true, false, false, false},
		},
		{
			name: "update without refs",
			op:   oplog.Operation{OpType: oplog.OpUpdate, EntityType: oplog.EntityTask, EntityID: "t", Payload: json.RawMessage(`{"title":"x"}`)},
		},
		{
			name: "clearing a ref is not a dependency",
			op:   oplog.Operation{OpType: oplog.OpUpdate, EntityType: oplog.EntityTask, EntityID: "t", Payload: json.RawMessage(`{"projectId":""}`)},
		},
		{
			name: "delete has none",
			op:   oplog.Operation{OpType: oplog.OpDelete, EntityType: oplog.EntityTask, EntityID: "t", Payload: json.RawMessage(`{"parentId":"p"}`)},
		},
		{
			name: "full state has none",
			op:   oplog.Operation{OpType: oplog.OpRepair, EntityType: oplog.EntityTask, Payload: json.RawMessage(`{"parentId":"p"}`)},
		},
		{
			name: "project ops have none",
			op:   oplog.Operation{OpType: oplog.OpCreate, EntityType: oplog.EntityProject, EntityID: "p", Payload: json.RawMessage(`{"title":"x"}`)},
		},
		{
			name: "move",
			op:   oplog.Operation{OpType: oplog.OpMove, EntityType: oplog.EntityTask, EntityID: "t", Payload: json.RawMessage(`{"projectId":"pr"}`)},
			want: []string{"PROJECT:pr"},
			hard: []bool{false},
		},
		{
			name: "batch dedups",
			op: oplog.Operation{OpType: oplog.OpBatch, EntityType: oplog.EntityTask, EntityIDs: []string{"a", "b"},
				Payload: json.RawMessage(`{"changes":{"a":{"tagIds":["g"]},"b":{"tagIds":["g"]}}}`)},
			want: []string{"TAG:g"},
			hard: []bool{false},
		},
		{
			name: "malformed payload",
			op:   oplog.Operation{OpType: oplog.OpCreate, EntityType: oplog.EntityTask, EntityID: "t", Payload: json.RawMessage(`nope`)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractDependencies(&tt.op)
			if len(got) != len(tt.want) {
				t.Fatalf("ExtractDependencies() = %v, want keys %v", got, tt.want)
			}
			for i, d := range got {
				if d.Key() != tt.want[i] {
					t.Errorf("dep[%d] = %s, want %s", i, d.Key(), tt.want[i])
				}
				if d.MustExist != tt.hard[i] {
					t.Errorf("dep[%d].MustExist = %v, want %v", i, d.MustExist, tt.hard[i])
				}
			}
		})
	}
}

func TestCheckDependencies(t *testing.T) {
	checker := &fakeChecker{existing: map[string]bool{"TAG:g1": true}}
	r, err := New(checker)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	deps := []Dependency{
		{EntityType: oplog.EntityTask, EntityID: "parent", MustExist: true, Relation: RelationParent},
		{EntityType: oplog.EntityTag, EntityID: "g1", Relation: RelationReference},
		{EntityType: oplog.EntityProject, EntityID: "pr", Relation: RelationReference},
	}

	res, err := r.CheckDependencies(context.Background(), deps)
	if err != nil {
		t.Fatalf("CheckDependencies() failed: %v", err)
	}
	if len(res.Missing) != 2 {
		t.Errorf("Missing = %v, want 2 entries", res.Missing)
	}
	if len(res.MissingHard) != 1 || res.MissingHard[0].EntityID != "parent" {
		t.Errorf("MissingHard = %v", res.MissingHard)
	}
	if res.OK() {
		t.Error("OK() = true with a missing parent")
	}

	checker.existing["TASK:parent"] = true
	res, err = r.CheckDependencies(context.Background(), deps)
	if err != nil {
		t.Fatalf("CheckDependencies() failed: %v", err)
	}
	if !res.OK() {
		t.Errorf("OK() = false, MissingHard = %v", res.MissingHard)
	}
}

func TestCheckDependencies_Error(t *testing.T) {
	boom := errors.New("boom")
	r, _ := New(&fakeChecker{err: boom})

	_, err := r.CheckDependencies(context.Background(), []Dependency{{EntityType: oplog.EntityTask, EntityID: "x"}})
	if !errors.Is(err, boom) {
		t.Errorf("CheckDependencies() error = %v, want wrapping boom", err)
	}
}

func TestNew_NilState(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New(nil) should fail")
	}
}
