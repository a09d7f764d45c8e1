// Package state is the in-memory materialized state: a reducer that turns
// operations into a schema.AppState. It implements oplog.StateStore.
//
// Payload formats by op type:
//
//	CRT    full entity JSON
//	UPD    object of changed fields
//	DEL    none
//	MOV    {"projectId": "..."} (tasks only)
//	BATCH  {"changes": {"<id>": {<changed fields>}, ...}}
//	SYNC_IMPORT, BACKUP_IMPORT  {"appState": {...}}
//	REPAIR {"appState": {...}, "repairSummary": {...}}
//
// Malformed payloads and updates to missing entities are reported as
// oplog.ErrInvalidOperation so the applier can skip them.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/schema"
)

// Store holds the materialized state.
type Store struct {
	mu  sync.RWMutex
	app *schema.AppState

	// onChange is called after every successful mutation.
	onChange func(op oplog.Operation)
}

var _ oplog.StateStore = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{app: schema.NewAppState()}
}

// OnChange registers a callback run after each applied op.
func (s *Store) OnChange(fn func(op oplog.Operation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// State returns a deep copy of the current state.
func (s *Store) State() *schema.AppState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.app.Clone()
}

// GetAllDataSnapshot implements oplog.StateStore.
func (s *Store) GetAllDataSnapshot(ctx context.Context) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.app.Encode()
}

// Exists implements oplog.StateStore.
func (s *Store) Exists(ctx context.Context, entityType oplog.EntityType, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch entityType {
	case oplog.EntityTask:
		return s.app.Tasks[id] != nil, nil
	case oplog.EntityProject:
		return s.app.Projects[id] != nil, nil
	case oplog.EntityTag:
		return s.app.Tags[id] != nil, nil
	default:
		return false, fmt.Errorf("unknown entity type %q", entityType)
	}
}

// ReplaceAll implements oplog.StateStore.
func (s *Store) ReplaceAll(ctx context.Context, data json.RawMessage) error {
	app, err := schema.Decode(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.app = app
	s.mu.Unlock()
	return nil
}

// Dispatch implements oplog.StateStore.
func (s *Store) Dispatch(ctx context.Context, op oplog.Operation) error {
	if op.PayloadEncrypted {
		return oplog.Invalid(op.ID, "payload is still encrypted")
	}

	s.mu.Lock()
	var backup *schema.AppState
	if len(op.EntityIDList()) > 1 {
		// Multi-entity ops apply all or nothing.
		backup = s.app.Clone()
	}
	err := s.reduce(&op)
	if err != nil && backup != nil {
		s.app = backup
	}
	fn := s.onChange
	s.mu.Unlock()

	if err == nil && fn != nil {
		fn(op)
	}
	return err
}

// reduce applies op to s.app. Caller holds the lock.
func (s *Store) reduce(op *oplog.Operation) error {
	switch op.OpType {
	case oplog.OpCreate:
		return s.create(op)
	case oplog.OpUpdate:
		return s.update(op, op.EntityIDList(), op.Payload)
	case oplog.OpDelete:
		return s.remove(op)
	case oplog.OpMove:
		return s.move(op)
	case oplog.OpBatch:
		return s.batch(op)
	case oplog.OpSyncImport, oplog.OpBackupImport:
		var payload oplog.ImportPayload
		if err := json.Unmarshal(op.Payload, &payload); err != nil {
			return oplog.Invalid(op.ID, "malformed import payload: %v", err)
		}
		return s.replace(op, payload.AppState)
	case oplog.OpRepair:
		var payload oplog.RepairPayload
		if err := json.Unmarshal(op.Payload, &payload); err != nil {
			return oplog.Invalid(op.ID, "malformed repair payload: %v", err)
		}
		return s.replace(op, payload.AppState)
	default:
		return oplog.Invalid(op.ID, "unknown op type %q", op.OpType)
	}
}

func (s *Store) replace(op *oplog.Operation, data json.RawMessage) error {
	if len(data) == 0 {
		return oplog.Invalid(op.ID, "missing appState")
	}
	app, err := schema.Decode(data)
	if err != nil {
		return oplog.Invalid(op.ID, "%v", err)
	}
	s.app = app
	return nil
}

// create upserts the entity so replaying a create is harmless.
func (s *Store) create(op *oplog.Operation) error {
	if op.EntityID == "" {
		return oplog.Invalid(op.ID, "create requires an entity id")
	}

	switch op.EntityType {
	case oplog.EntityTask:
		var t schema.Task
		if err := decodeEntity(op, &t, &t.ID); err != nil {
			return err
		}
		stamp(op, &t.CreatedAt, &t.UpdatedAt)
		t.SetDefaults()
		if err := t.Validate(); err != nil {
			return oplog.Invalid(op.ID, "invalid task: %v", err)
		}
		if old := s.app.Tasks[t.ID]; old != nil {
			s.unlinkTask(old)
		}
		s.app.Tasks[t.ID] = &t
		s.linkTask(&t)
	case oplog.EntityProject:
		var p schema.Project
		if err := decodeEntity(op, &p, &p.ID); err != nil {
			return err
		}
		stamp(op, &p.CreatedAt, &p.UpdatedAt)
		p.SetDefaults()
		if err := p.Validate(); err != nil {
			return oplog.Invalid(op.ID, "invalid project: %v", err)
		}
		s.app.Projects[p.ID] = &p
	case oplog.EntityTag:
		var g schema.Tag
		if err := decodeEntity(op, &g, &g.ID); err != nil {
			return err
		}
		stamp(op, &g.CreatedAt, &g.UpdatedAt)
		g.SetDefaults()
		if err := g.Validate(); err != nil {
			return oplog.Invalid(op.ID, "invalid tag: %v", err)
		}
		s.app.Tags[g.ID] = &g
	default:
		return oplog.Invalid(op.ID, "cannot create entity type %q", op.EntityType)
	}
	return nil
}

// stamp fills missing timestamps from the op so every replica derives the
// same entity.
func stamp(op *oplog.Operation, created, updated *time.Time) {
	if created.IsZero() {
		*created = op.Time().UTC()
	}
	if updated.IsZero() {
		*updated = *created
	}
}

// decodeEntity unmarshals a create payload and pins the entity id.
func decodeEntity(op *oplog.Operation, v interface{}, id *string) error {
	if err := json.Unmarshal(op.Payload, v); err != nil {
		return oplog.Invalid(op.ID, "malformed entity payload: %v", err)
	}
	if *id != "" && *id != op.EntityID {
		return oplog.Invalid(op.ID, "payload id %q does not match entity id %q", *id, op.EntityID)
	}
	*id = op.EntityID
	return nil
}

// update overlays changed fields onto each entity.
func (s *Store) update(op *oplog.Operation, ids []string, changes json.RawMessage) error {
	if len(ids) == 0 {
		return oplog.Invalid(op.ID, "update requires an entity id")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(changes, &fields); err != nil {
		return oplog.Invalid(op.ID, "malformed changes: %v", err)
	}
	delete(fields, "id")
	fields["updatedAt"], _ = json.Marshal(op.Time().UTC())

	for _, id := range ids {
		switch op.EntityType {
		case oplog.EntityTask:
			cur := s.app.Tasks[id]
			if cur == nil {
				return oplog.Invalid(op.ID, "task %s does not exist", id)
			}
			next := cur.Clone()
			if err := overlay(next, fields); err != nil {
				return oplog.Invalid(op.ID, "%v", err)
			}
			if err := next.Validate(); err != nil {
				return oplog.Invalid(op.ID, "invalid task: %v", err)
			}
			s.unlinkTask(cur)
			s.app.Tasks[id] = next
			s.linkTask(next)
		case oplog.EntityProject:
			cur := s.app.Projects[id]
			if cur == nil {
				return oplog.Invalid(op.ID, "project %s does not exist", id)
			}
			next := cur.Clone()
			if err := overlay(next, fields); err != nil {
				return oplog.Invalid(op.ID, "%v", err)
			}
			if err := next.Validate(); err != nil {
				return oplog.Invalid(op.ID, "invalid project: %v", err)
			}
			s.app.Projects[id] = next
		case oplog.EntityTag:
			cur := s.app.Tags[id]
			if cur == nil {
				return oplog.Invalid(op.ID, "tag %s does not exist", id)
			}
			next := cur.Clone()
			if err := overlay(next, fields); err != nil {
				return oplog.Invalid(op.ID, "%v", err)
			}
			if err := next.Validate(); err != nil {
				return oplog.Invalid(op.ID, "invalid tag: %v", err)
			}
			s.app.Tags[id] = next
		default:
			return oplog.Invalid(op.ID, "cannot update entity type %q", op.EntityType)
		}
	}
	return nil
}

// overlay merges fields into the JSON form of v.
func overlay(v interface{}, fields map[string]json.RawMessage) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var current map[string]json.RawMessage
	if err := json.Unmarshal(data, &current); err != nil {
		return err
	}
	for k, val := range fields {
		current[k] = val
	}
	merged, err := json.Marshal(current)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(merged, v); err != nil {
		return fmt.Errorf("malformed field value: %w", err)
	}
	return nil
}

// remove deletes entities and the references pointing at them. Deleting a
// missing entity is a no-op.
func (s *Store) remove(op *oplog.Operation) error {
	ids := op.EntityIDList()
	if len(ids) == 0 {
		return oplog.Invalid(op.ID, "delete requires an entity id")
	}

	for _, id := range ids {
		switch op.EntityType {
		case oplog.EntityTask:
			s.removeTask(id)
		case oplog.EntityProject:
			if s.app.Projects[id] == nil {
				continue
			}
			for taskID, t := range s.app.Tasks {
				if t.ProjectID == id && t.ParentID == "" {
					s.removeTask(taskID)
				}
			}
			delete(s.app.Projects, id)
		case oplog.EntityTag:
			if s.app.Tags[id] == nil {
				continue
			}
			for _, t := range s.app.Tasks {
				t.TagIDs = slices.DeleteFunc(t.TagIDs, func(g string) bool { return g == id })
			}
			delete(s.app.Tags, id)
		default:
			return oplog.Invalid(op.ID, "cannot delete entity type %q", op.EntityType)
		}
	}
	return nil
}

// removeTask deletes a task with its subtasks.
func (s *Store) removeTask(id string) {
	t := s.app.Tasks[id]
	if t == nil {
		return
	}
	for _, childID := range t.SubTaskIDs {
		if child := s.app.Tasks[childID]; child != nil && child.ParentID == id {
			delete(s.app.Tasks, childID)
		}
	}
	s.unlinkTask(t)
	delete(s.app.Tasks, id)
}

type movePayload struct {
	ProjectID string `json:"projectId"`
}

func (s *Store) move(op *oplog.Operation) error {
	if op.EntityType != oplog.EntityTask {
		return oplog.Invalid(op.ID, "only tasks can be moved")
	}
	var payload movePayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return oplog.Invalid(op.ID, "malformed move payload: %v", err)
	}
	changes, _ := json.Marshal(map[string]string{"projectId": payload.ProjectID})
	return s.update(op, op.EntityIDList(), changes)
}

type batchPayload struct {
	Changes map[string]json.RawMessage `json:"changes"`
}

func (s *Store) batch(op *oplog.Operation) error {
	var payload batchPayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return oplog.Invalid(op.ID, "malformed batch payload: %v", err)
	}
	for _, id := range op.EntityIDList() {
		changes, ok := payload.Changes[id]
		if !ok {
			continue
		}
		if err := s.update(op, []string{id}, changes); err != nil {
			return err
		}
	}
	return nil
}

// linkTask adds t to its parent's subtask list or its project's task list.
func (s *Store) linkTask(t *schema.Task) {
	if t.ParentID != "" {
		if parent := s.app.Tasks[t.ParentID]; parent != nil && !slices.Contains(parent.SubTaskIDs, t.ID) {
			parent.SubTaskIDs = append(parent.SubTaskIDs, t.ID)
		}
		return
	}
	if t.ProjectID != "" {
		if p := s.app.Projects[t.ProjectID]; p != nil && !slices.Contains(p.TaskIDs, t.ID) {
			p.TaskIDs = append(p.TaskIDs, t.ID)
		}
	}
}

// unlinkTask removes t from the lists linkTask put it in.
func (s *Store) unlinkTask(t *schema.Task) {
	if parent := s.app.Tasks[t.ParentID]; parent != nil {
		parent.SubTaskIDs = slices.DeleteFunc(parent.SubTaskIDs, func(id string) bool { return id == t.ID })
	}
	if p := s.app.Projects[t.ProjectID]; p != nil {
		p.TaskIDs = slices.DeleteFunc(p.TaskIDs, func(id string) bool { return id == t.ID })
	}
}
