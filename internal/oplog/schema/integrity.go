package schema

import (
	"fmt"
	"sort"
)

// Integrity categories, used as RepairSummary keys.
const (
	CategoryNullEntity      = "null_entity"
	CategoryIDMismatch      = "id_mismatch"
	CategoryInvalidField    = "invalid_field"
	CategoryOrphanedSubtask = "orphaned_subtask"
	CategorySubtaskRef      = "subtask_ref"
	CategoryDanglingProject = "dangling_project_ref"
	CategoryDanglingTag     = "dangling_tag_ref"
	CategoryProjectTaskRef  = "project_task_ref"
	CategoryDuplicateRef    = "duplicate_ref"
)

const (
	untitled        = "(untitled)"
	maxRepairPasses = 3
)

// Issue is one violated integrity rule.
type Issue struct {
	Category   string
	EntityType string
	EntityID   string
	Message    string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s: %s (%s)", i.EntityType, i.EntityID, i.Message, i.Category)
}

// Inspect returns every integrity issue in s without modifying it.
func Inspect(s *AppState) []Issue {
	return walk(s.Clone(), false)
}

// Repair fixes every integrity issue on a copy of s and returns the copy
// with a per-category count of fixes. It fails if the copy still has issues
// afterwards.
func Repair(s *AppState) (*AppState, map[string]int, error) {
	fixed := s.Clone()
	summary := make(map[string]int)

	for pass := 0; pass < maxRepairPasses; pass++ {
		issues := walk(fixed, true)
		if len(issues) == 0 {
			return fixed, summary, nil
		}
		for _, issue := range issues {
			summary[issue.Category]++
		}
	}

	if remaining := Inspect(fixed); len(remaining) > 0 {
		return nil, summary, fmt.Errorf("state still has %d integrity issues after repair (first: %s)", len(remaining), remaining[0])
	}
	return fixed, summary, nil
}

// walk checks every rule in a fixed order, fixing as it goes when fix is
// set. Later rules rely on earlier ones having run.
func walk(s *AppState, fix bool) []Issue {
	var issues []Issue
	report := func(category, entityType, id, format string, args ...interface{}) {
		issues = append(issues, Issue{
			Category:   category,
			EntityType: entityType,
			EntityID:   id,
			Message:    fmt.Sprintf(format, args...),
		})
	}

	// Null entities and key/id mismatches.
	for _, id := range sortedKeys(s.Tasks) {
		t := s.Tasks[id]
		if t == nil {
			report(CategoryNullEntity, "TASK", id, "entity is null")
			if fix {
				delete(s.Tasks, id)
			}
			continue
		}
		if t.ID != id {
			report(CategoryIDMismatch, "TASK", id, "id field is %q", t.ID)
			if fix {
				t.ID = id
			}
		}
	}
	for _, id := range sortedKeys(s.Projects) {
		p := s.Projects[id]
		if p == nil {
			report(CategoryNullEntity, "PROJECT", id, "entity is null")
			if fix {
				delete(s.Projects, id)
			}
			continue
		}
		if p.ID != id {
			report(CategoryIDMismatch, "PROJECT", id, "id field is %q", p.ID)
			if fix {
				p.ID = id
			}
		}
	}
	for _, id := range sortedKeys(s.Tags) {
		g := s.Tags[id]
		if g == nil {
			report(CategoryNullEntity, "TAG", id, "entity is null")
			if fix {
				delete(s.Tags, id)
			}
			continue
		}
		if g.ID != id {
			report(CategoryIDMismatch, "TAG", id, "id field is %q", g.ID)
			if fix {
				g.ID = id
			}
		}
	}

	// Field-level rules.
	for _, id := range sortedKeys(s.Tasks) {
		t := s.Tasks[id]
		if t == nil {
			continue
		}
		if t.Title == "" {
			report(CategoryInvalidField, "TASK", id, "title is empty")
			if fix {
				t.Title = untitled
			}
		}
		if !ValidStatus(t.Status) {
			report(CategoryInvalidField, "TASK", id, "invalid status %q", t.Status)
			if fix {
				t.Status = StatusOpen
			}
		}
		if t.Priority < 0 || t.Priority > 4 {
			report(CategoryInvalidField, "TASK", id, "priority %d out of range", t.Priority)
			if fix {
				t.Priority = clamp(t.Priority, 0, 4)
			}
		}
	}
	for _, id := range sortedKeys(s.Projects) {
		if p := s.Projects[id]; p != nil && p.Title == "" {
			report(CategoryInvalidField, "PROJECT", id, "title is empty")
			if fix {
				p.Title = untitled
			}
		}
	}
	for _, id := range sortedKeys(s.Tags) {
		if g := s.Tags[id]; g != nil && g.Title == "" {
			report(CategoryInvalidField, "TAG", id, "title is empty")
			if fix {
				g.Title = untitled
			}
		}
	}

	// Task references.
	for _, id := range sortedKeys(s.Tasks) {
		t := s.Tasks[id]
		if t == nil {
			continue
		}

		if t.ProjectID != "" && s.Projects[t.ProjectID] == nil {
			report(CategoryDanglingProject, "TASK", id, "project %s does not exist", t.ProjectID)
			if fix {
				t.ProjectID = ""
			}
		}

		tags := make([]string, 0, len(t.TagIDs))
		seen := make(map[string]bool, len(t.TagIDs))
		for _, tagID := range t.TagIDs {
			switch {
			case seen[tagID]:
				report(CategoryDuplicateRef, "TASK", id, "tag %s listed twice", tagID)
			case s.Tags[tagID] == nil:
				report(CategoryDanglingTag, "TASK", id, "tag %s does not exist", tagID)
			default:
				tags = append(tags, tagID)
			}
			seen[tagID] = true
		}
		if fix && (len(tags) != len(t.TagIDs) || t.TagIDs == nil) {
			t.TagIDs = tags
		}

		if t.ParentID != "" {
			parent := s.Tasks[t.ParentID]
			switch {
			case t.ParentID == id:
				report(CategoryOrphanedSubtask, "TASK", id, "task is its own parent")
				if fix {
					t.ParentID = ""
				}
			case parent == nil:
				report(CategoryOrphanedSubtask, "TASK", id, "parent %s does not exist", t.ParentID)
				if fix {
					t.ParentID = ""
				}
			case parent.ParentID != "":
				report(CategoryOrphanedSubtask, "TASK", id, "parent %s is itself a subtask", t.ParentID)
				if fix {
					t.ParentID = ""
				}
			}
		}
	}

	// subTaskIds mirror parentId.
	for _, id := range sortedKeys(s.Tasks) {
		t := s.Tasks[id]
		if t == nil {
			continue
		}
		want := make(map[string]bool)
		for childID, child := range s.Tasks {
			if child != nil && child.ParentID == id {
				want[childID] = true
			}
		}
		kept := reconcile(t.SubTaskIDs, want, func(ref, msg string) {
			category := CategorySubtaskRef
			if msg == "listed twice" {
				category = CategoryDuplicateRef
			}
			report(category, "TASK", id, "subtask %s %s", ref, msg)
		})
		if fix {
			t.SubTaskIDs = kept
		}
	}

	// project.taskIds mirrors the projectId of top-level tasks.
	for _, id := range sortedKeys(s.Projects) {
		p := s.Projects[id]
		if p == nil {
			continue
		}
		want := make(map[string]bool)
		for taskID, t := range s.Tasks {
			if t != nil && t.ProjectID == id && t.ParentID == "" {
				want[taskID] = true
			}
		}
		kept := reconcile(p.TaskIDs, want, func(ref, msg string) {
			category := CategoryProjectTaskRef
			if msg == "listed twice" {
				category = CategoryDuplicateRef
			}
			report(category, "PROJECT", id, "task %s %s", ref, msg)
		})
		if fix {
			p.TaskIDs = kept
		}
	}

	return issues
}

// reconcile returns list filtered to members of want, deduplicated, with
// missing members appended in sorted order. Every difference is reported.
func reconcile(list []string, want map[string]bool, report func(ref, msg string)) []string {
	kept := make([]string, 0, len(want))
	seen := make(map[string]bool, len(list))
	for _, ref := range list {
		switch {
		case seen[ref]:
			report(ref, "listed twice")
		case !want[ref]:
			report(ref, "should not be listed")
		default:
			kept = append(kept, ref)
		}
		seen[ref] = true
	}

	var missing []string
	for ref := range want {
		if !seen[ref] {
			missing = append(missing, ref)
		}
	}
	sort.Strings(missing)
	for _, ref := range missing {
		report(ref, "is missing")
		kept = append(kept, ref)
	}
	return kept
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
