package migrate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/schema"
)

// Record is one line of a JSONL export.
type Record struct {
	Type oplog.EntityType `json:"type"`
	Data json.RawMessage  `json:"data"`
}

// ImportResult contains statistics about a JSONL import.
type ImportResult struct {
	Tasks    int
	Projects int
	Tags     int
	Errors   []string
}

// FromJSONL reads an export, upgrading legacy task lines on the way. Lines
// that fail to parse or validate are reported in Errors and skipped.
func FromJSONL(r io.Reader) (*schema.AppState, *ImportResult, error) {
	state := schema.NewAppState()
	res := &ImportResult{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: invalid JSON: %v", lineNum, err))
			continue
		}
		if err := addRecord(state, rec, res); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return state, res, nil
}

func addRecord(state *schema.AppState, rec Record, res *ImportResult) error {
	switch rec.Type {
	case oplog.EntityTask:
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(rec.Data, &fields); err != nil {
			return err
		}
		isDoneToStatus(fields)
		data, _ := json.Marshal(fields)

		var t schema.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		t.SetDefaults()
		if err := t.Validate(); err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
		state.Tasks[t.ID] = &t
		res.Tasks++

	case oplog.EntityProject:
		var p schema.Project
		if err := json.Unmarshal(rec.Data, &p); err != nil {
			return err
		}
		p.SetDefaults()
		if err := p.Validate(); err != nil {
			return fmt.Errorf("project %s: %w", p.ID, err)
		}
		state.Projects[p.ID] = &p
		res.Projects++

	case oplog.EntityTag:
		var g schema.Tag
		if err := json.Unmarshal(rec.Data, &g); err != nil {
			return err
		}
		g.SetDefaults()
		if err := g.Validate(); err != nil {
			return fmt.Errorf("tag %s: %w", g.ID, err)
		}
		state.Tags[g.ID] = &g
		res.Tags++

	default:
		return fmt.Errorf("unknown record type %q", rec.Type)
	}
	return nil
}

// ToJSONL writes state as one record per line, ordered by type then id.
func ToJSONL(w io.Writer, state *schema.AppState) error {
	enc := json.NewEncoder(w)
	write := func(typ oplog.EntityType, id string, v interface{}) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s %s: %w", typ, id, err)
		}
		return enc.Encode(Record{Type: typ, Data: data})
	}

	for _, id := range sortedIDs(state.Projects) {
		if err := write(oplog.EntityProject, id, state.Projects[id]); err != nil {
			return err
		}
	}
	for _, id := range sortedIDs(state.Tags) {
		if err := write(oplog.EntityTag, id, state.Tags[id]); err != nil {
			return err
		}
	}
	for _, id := range sortedIDs(state.Tasks) {
		if err := write(oplog.EntityTask, id, state.Tasks[id]); err != nil {
			return err
		}
	}
	return nil
}

func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
