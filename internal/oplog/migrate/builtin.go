package migrate

import (
	"encoding/json"
	"fmt"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/schema"
)

// Builtin returns the registered migration chain.
func Builtin() []Migration {
	return []Migration{
		{
			FromVersion:                1,
			ToVersion:                  2,
			Description:                "task isDone becomes status",
			MigrateState:               migrateStateV1,
			RequiresOperationMigration: true,
			MigrateOperation:           migrateOpV1,
		},
	}
}

// isDoneToStatus rewrites one task object. Tasks that already carry a
// status keep it.
func isDoneToStatus(task map[string]json.RawMessage) {
	raw, ok := task["isDone"]
	if !ok {
		return
	}
	delete(task, "isDone")
	if _, has := task["status"]; has {
		return
	}

	var done bool
	_ = json.Unmarshal(raw, &done)
	status := schema.StatusOpen
	if done {
		status = schema.StatusDone
	}
	task["status"], _ = json.Marshal(status)
}

func migrateStateV1(state json.RawMessage) (json.RawMessage, error) {
	if len(state) == 0 || string(state) == "null" {
		return state, nil
	}

	var root map[string]json.RawMessage
	if err := json.Unmarshal(state, &root); err != nil {
		return nil, fmt.Errorf("invalid state: %w", err)
	}
	rawTasks, ok := root["task"]
	if !ok {
		return state, nil
	}

	var tasks map[string]map[string]json.RawMessage
	if err := json.Unmarshal(rawTasks, &tasks); err != nil {
		return nil, fmt.Errorf("invalid task map: %w", err)
	}
	for _, t := range tasks {
		if t != nil {
			isDoneToStatus(t)
		}
	}

	encoded, err := json.Marshal(tasks)
	if err != nil {
		return nil, err
	}
	root["task"] = encoded
	return json.Marshal(root)
}

func migrateOpV1(op oplog.Operation) (*oplog.Operation, error) {
	if op.PayloadEncrypted || len(op.Payload) == 0 {
		return &op, nil
	}

	switch {
	case op.OpType.IsFullState():
		var payload map[string]json.RawMessage
		if err := json.Unmarshal(op.Payload, &payload); err != nil {
			return nil, err
		}
		if app, ok := payload["appState"]; ok {
			migrated, err := migrateStateV1(app)
			if err != nil {
				return nil, err
			}
			payload["appState"] = migrated
		}
		return withPayload(op, payload)

	case op.EntityType != oplog.EntityTask:
		return &op, nil

	case op.OpType == oplog.OpBatch:
		var payload struct {
			Changes map[string]map[string]json.RawMessage `json:"changes"`
		}
		if err := json.Unmarshal(op.Payload, &payload); err != nil {
			return nil, err
		}
		for _, c := range payload.Changes {
			if c != nil {
				isDoneToStatus(c)
			}
		}
		return withPayload(op, payload)

	default:
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(op.Payload, &fields); err != nil {
			// Non-object payloads (e.g. delete markers) carry no task fields.
			return &op, nil
		}
		isDoneToStatus(fields)
		return withPayload(op, fields)
	}
}

func withPayload(op oplog.Operation, v interface{}) (*oplog.Operation, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	op.Payload = data
	return &op, nil
}
