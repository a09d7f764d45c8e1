package oplog

import (
	"errors"
	"fmt"
	"testing"
)

func TestEntityKeys(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
		want []string
	}{
		{"single", Operation{EntityType: EntityTask, EntityID: "t1"}, []string{"TASK:t1"}},
		{"multi wins over single", Operation{EntityType: EntityTask, EntityID: "t1", EntityIDs: []string{"a", "b"}}, []string{"TASK:a", "TASK:b"}},
		{"none", Operation{EntityType: EntityAll}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.op.EntityKeys()
			if len(got) != len(tt.want) {
				t.Fatalf("EntityKeys() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("EntityKeys()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseEntityKey(t *testing.T) {
	typ, id, ok := ParseEntityKey("PROJECT:p-1")
	if !ok || typ != EntityProject || id != "p-1" {
		t.Errorf("ParseEntityKey() = %q, %q, %v", typ, id, ok)
	}

	for _, bad := range []string{"", "TASK", ":x", "TASK:"} {
		if _, _, ok := ParseEntityKey(bad); ok {
			t.Errorf("ParseEntityKey(%q) should fail", bad)
		}
	}
}

func TestInvalidOperationWrapsSentinel(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", Invalid("op-1", "unknown op type %q", "XYZ"))
	if !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("errors.Is(%v, ErrInvalidOperation) = false", err)
	}

	var target *InvalidOperationError
	if !errors.As(err, &target) || target.OpID != "op-1" {
		t.Errorf("errors.As() did not recover op id: %v", err)
	}
}

func TestFullStateOpTypes(t *testing.T) {
	for _, typ := range []OpType{OpSyncImport, OpBackupImport, OpRepair} {
		if !typ.IsFullState() {
			t.Errorf("%s.IsFullState() = false", typ)
		}
	}
	for _, typ := range []OpType{OpCreate, OpUpdate, OpDelete, OpMove, OpBatch} {
		if typ.IsFullState() {
			t.Errorf("%s.IsFullState() = true", typ)
		}
	}
}

func TestRepairSummaryTotal(t *testing.T) {
	s := RepairSummary{"a": 2, "b": 3}
	if s.Total() != 5 {
		t.Errorf("Total() = %d, want 5", s.Total())
	}
}
