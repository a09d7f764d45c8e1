// Package schema defines the entity model materialized from the operation
// log: tasks, projects and tags, plus the structural integrity rules that
// ValidateAndRepair enforces.
//
// # Overview
//
// AppState is the whole materialized state. It is serialized as the
// snapshot payload and carried inside SYNC_IMPORT, BACKUP_IMPORT and REPAIR
// operations:
//
//	{
//	  "task":    {"t-1": {"id": "t-1", "title": "Write docs", "status": "open", ...}},
//	  "project": {"p-1": {"id": "p-1", "title": "Inbox", "taskIds": ["t-1"]}},
//	  "tag":     {"g-1": {"id": "g-1", "title": "urgent"}}
//	}
//
// # Relationships
//
//   - task.parentId -> task (hard: a subtask cannot exist without its parent)
//   - task.projectId -> project (soft)
//   - task.tagIds -> tag (soft)
//   - task.subTaskIds mirrors the parentId of its children
//   - project.taskIds lists the top-level tasks with that projectId
//
// # Integrity
//
// Inspect reports every violated rule. Repair fixes them on a copy and
// returns a summary keyed by category:
//
//	fixed, summary, err := schema.Repair(state)
//	if err != nil {
//	    return err // rules still violated after repair
//	}
//	fmt.Printf("fixed %d issues\n", summary.Total())
package schema
