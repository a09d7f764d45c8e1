package schema

import (
	"strings"
	"testing"
	"time"
)

func TestTask_Validate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		task    Task
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid task",
			task:    Task{ID: "t-1", Title: "Write docs", Status: StatusOpen, Priority: 1, CreatedAt: now},
			wantErr: false,
		},
		{
			name:    "missing id",
			task:    Task{Title: "Test", Status: StatusOpen},
			wantErr: true,
			errMsg:  "id is required",
		},
		{
			name:    "missing title",
			task:    Task{ID: "t-1", Status: StatusOpen},
			wantErr: true,
			errMsg:  "title is required",
		},
		{
			name:    "title too long",
			task:    Task{ID: "t-1", Title: strings.Repeat("x", 501), Status: StatusOpen},
			wantErr: true,
			errMsg:  "title must be 500 characters or less",
		},
		{
			name:    "priority out of range",
			task:    Task{ID: "t-1", Title: "Test", Status: StatusOpen, Priority: 5},
			wantErr: true,
			errMsg:  "priority must be between 0 and 4",
		},
		{
			name:    "unknown status",
			task:    Task{ID: "t-1", Title: "Test", Status: "blocked"},
			wantErr: true,
			errMsg:  "invalid status",
		},
		{
			name:    "own parent",
			task:    Task{ID: "t-1", Title: "Test", Status: StatusOpen, ParentID: "t-1"},
			wantErr: true,
			errMsg:  "own parent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want containing %q", err, tt.errMsg)
			}
		})
	}
}

func TestTask_SetDefaults(t *testing.T) {
	task := &Task{ID: "t-1", Title: "x"}
	task.SetDefaults()

	if task.Status != StatusOpen {
		t.Errorf("Status = %q, want open", task.Status)
	}
	if task.SubTaskIDs == nil || task.TagIDs == nil {
		t.Error("SetDefaults() should initialize id lists")
	}
	if task.CreatedAt.IsZero() || !task.UpdatedAt.Equal(task.CreatedAt) {
		t.Errorf("timestamps not defaulted: %v / %v", task.CreatedAt, task.UpdatedAt)
	}
}

func TestProjectAndTag_Validate(t *testing.T) {
	if err := (&Project{ID: "p-1"}).Validate(); err == nil {
		t.Error("project without title should fail")
	}
	if err := (&Project{ID: "p-1", Title: "Inbox"}).Validate(); err != nil {
		t.Errorf("valid project: %v", err)
	}
	if err := (&Tag{Title: "urgent"}).Validate(); err == nil {
		t.Error("tag without id should fail")
	}
}

func TestDecodeEncode(t *testing.T) {
	for _, in := range []string{"", "null", "{}", "  "} {
		s, err := Decode([]byte(in))
		if err != nil {
			t.Fatalf("Decode(%q) failed: %v", in, err)
		}
		if s.Len() != 0 || s.Tasks == nil || s.Projects == nil || s.Tags == nil {
			t.Errorf("Decode(%q) should yield an empty initialized state", in)
		}
	}

	if _, err := Decode([]byte("{not json")); err == nil {
		t.Error("Decode() should fail on malformed input")
	}

	s := NewAppState()
	s.Tasks["b"] = &Task{ID: "b", Title: "B", Status: StatusOpen}
	s.Tasks["a"] = &Task{ID: "a", Title: "A", Status: StatusOpen}
	first, err := s.Encode()
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	second, err := s.Clone().Encode()
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("Encode() is not deterministic:\n%s\n%s", first, second)
	}
}

func TestClone_IsDeep(t *testing.T) {
	s := NewAppState()
	s.Tasks["a"] = &Task{ID: "a", Title: "A", Status: StatusOpen, TagIDs: []string{"g"}}
	c := s.Clone()
	c.Tasks["a"].TagIDs[0] = "changed"
	c.Tasks["a"].Title = "changed"

	if s.Tasks["a"].TagIDs[0] != "g" || s.Tasks["a"].Title != "A" {
		t.Error("Clone() shares memory with the original")
	}
}

// validState builds a small consistent state.
func validState() *AppState {
	s := NewAppState()
	s.Projects["p"] = &Project{ID: "p", Title: "Inbox", TaskIDs: []string{"parent"}}
	s.Tags["g"] = &Tag{ID: "g", Title: "urgent"}
	s.Tasks["parent"] = &Task{ID: "parent", Title: "Parent", Status: StatusOpen, ProjectID: "p", SubTaskIDs: []string{"child"}, TagIDs: []string{"g"}}
	s.Tasks["child"] = &Task{ID: "child", Title: "Child", Status: StatusDone, ProjectID: "p", ParentID: "parent", SubTaskIDs: []string{}, TagIDs: []string{}}
	return s
}

func TestInspect_ValidState(t *testing.T) {
	if issues := Inspect(validState()); len(issues) != 0 {
		t.Errorf("Inspect() = %v, want none", issues)
	}
}

func TestInspect_DoesNotModify(t *testing.T) {
	s := validState()
	s.Tasks["parent"].TagIDs = []string{"missing"}

	if issues := Inspect(s); len(issues) == 0 {
		t.Fatal("Inspect() should report the dangling tag")
	}
	if s.Tasks["parent"].TagIDs[0] != "missing" {
		t.Error("Inspect() modified its input")
	}
}

func TestRepair(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(s *AppState)
		category string
		check    func(t *testing.T, s *AppState)
	}{
		{
			name:     "orphaned subtask",
			mutate:   func(s *AppState) { s.Tasks["child"].ParentID = "gone" },
			category: CategoryOrphanedSubtask,
			check: func(t *testing.T, s *AppState) {
				if s.Tasks["child"].ParentID != "" {
					t.Error("orphan still has a parent")
				}
				if len(s.Tasks["parent"].SubTaskIDs) != 0 {
					t.Errorf("parent still lists child: %v", s.Tasks["parent"].SubTaskIDs)
				}
			},
		},
		{
			name:     "dangling subtask ref",
			mutate:   func(s *AppState) { s.Tasks["parent"].SubTaskIDs = append(s.Tasks["parent"].SubTaskIDs, "ghost") },
			category: CategorySubtaskRef,
			check: func(t *testing.T, s *AppState) {
				if got := s.Tasks["parent"].SubTaskIDs; len(got) != 1 || got[0] != "child" {
					t.Errorf("SubTaskIDs = %v", got)
				}
			},
		},
		{
			name:     "missing subtask ref",
			mutate:   func(s *AppState) { s.Tasks["parent"].SubTaskIDs = nil },
			category: CategorySubtaskRef,
			check: func(t *testing.T, s *AppState) {
				if got := s.Tasks["parent"].SubTaskIDs; len(got) != 1 || got[0] != "child" {
					t.Errorf("SubTaskIDs = %v", got)
				}
			},
		},
		{
			name:     "dangling project",
			mutate:   func(s *AppState) { delete(s.Projects, "p") },
			category: CategoryDanglingProject,
			check: func(t *testing.T, s *AppState) {
				if s.Tasks["parent"].ProjectID != "" || s.Tasks["child"].ProjectID != "" {
					t.Error("project refs not cleared")
				}
			},
		},
		{
			name:     "dangling tag",
			mutate:   func(s *AppState) { delete(s.Tags, "g") },
			category: CategoryDanglingTag,
			check: func(t *testing.T, s *AppState) {
				if len(s.Tasks["parent"].TagIDs) != 0 {
					t.Errorf("TagIDs = %v", s.Tasks["parent"].TagIDs)
				}
			},
		},
		{
			name:     "project lists subtask",
			mutate:   func(s *AppState) { s.Projects["p"].TaskIDs = []string{"parent", "child"} },
			category: CategoryProjectTaskRef,
			check: func(t *testing.T, s *AppState) {
				if got := s.Projects["p"].TaskIDs; len(got) != 1 || got[0] != "parent" {
					t.Errorf("TaskIDs = %v", got)
				}
			},
		},
		{
			name:     "duplicate refs",
			mutate:   func(s *AppState) { s.Tasks["parent"].TagIDs = []string{"g", "g"} },
			category: CategoryDuplicateRef,
			check: func(t *testing.T, s *AppState) {
				if len(s.Tasks["parent"].TagIDs) != 1 {
					t.Errorf("TagIDs = %v", s.Tasks["parent"].TagIDs)
				}
			},
		},
		{
			name:     "invalid fields",
			mutate: func(s *AppState) {
				s.Tasks["child"].Status = "archived"
				s.Tasks["child"].Title = ""
			},
			category: CategoryInvalidField,
			check: func(t *testing.T, s *AppState) {
				if s.Tasks["child"].Status != StatusOpen || s.Tasks["child"].Title == "" {
					t.Errorf("child not fixed: %+v", s.Tasks["child"])
				}
			},
		},
		{
			name:     "null entity",
			mutate:   func(s *AppState) { s.Tags["nil"] = nil },
			category: CategoryNullEntity,
			check: func(t *testing.T, s *AppState) {
				if _, ok := s.Tags["nil"]; ok {
					t.Error("null tag not removed")
				}
			},
		},
		{
			name:     "id mismatch",
			mutate:   func(s *AppState) { s.Tags["g"].ID = "other" },
			category: CategoryIDMismatch,
			check: func(t *testing.T, s *AppState) {
				if s.Tags["g"].ID != "g" {
					t.Errorf("tag id = %q", s.Tags["g"].ID)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validState()
			tt.mutate(s)

			fixed, summary, err := Repair(s)
			if err != nil {
				t.Fatalf("Repair() failed: %v", err)
			}
			if summary[tt.category] == 0 {
				t.Errorf("summary = %v, want a %s fix", summary, tt.category)
			}
			if issues := Inspect(fixed); len(issues) != 0 {
				t.Errorf("repaired state still has issues: %v", issues)
			}
			tt.check(t, fixed)
		})
	}
}

func TestRepair_ValidStateUnchanged(t *testing.T) {
	s := validState()
	fixed, summary, err := Repair(s)
	if err != nil {
		t.Fatalf("Repair() failed: %v", err)
	}
	if len(summary) != 0 {
		t.Errorf("summary = %v, want empty", summary)
	}

	want, _ := s.Encode()
	got, _ := fixed.Encode()
	if string(want) != string(got) {
		t.Errorf("Repair() changed a valid state:\n%s\n%s", want, got)
	}
}
