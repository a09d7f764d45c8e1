// Package deps derives the entities an operation needs to exist before it
// can be applied, and checks them against the materialized state.
package deps

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/localfirst/opsync/internal/oplog"
)

// Relation describes how an op refers to a dependency.
type Relation string

const (
	// RelationParent is a hard dependency: the op cannot apply without it.
	RelationParent Relation = "parent"
	// RelationReference is a soft dependency: a dangling reference is
	// tolerated and cleaned up by repair.
	RelationReference Relation = "reference"
)

// Dependency is one entity an op refers to. It is derived, never stored.
type Dependency struct {
	EntityType oplog.EntityType
	EntityID   string
	MustExist  bool
	Relation   Relation
}

// Key returns the "TYPE:id" key of the dependency.
func (d Dependency) Key() string {
	return oplog.EntityKey(d.EntityType, d.EntityID)
}

// Result is the outcome of CheckDependencies.
type Result struct {
	// Missing lists every dependency that does not exist.
	Missing []Dependency
	// MissingHard is the subset of Missing with MustExist set.
	MissingHard []Dependency
}

// OK reports whether every hard dependency is satisfied.
func (r *Result) OK() bool {
	return len(r.MissingHard) == 0
}

// Checker looks up entity existence. oplog.StateStore satisfies it.
type Checker interface {
	Exists(ctx context.Context, entityType oplog.EntityType, id string) (bool, error)
}

// Resolver extracts and checks dependencies.
type Resolver struct {
	state Checker
}

// New creates a Resolver over the state collaborator.
func New(state Checker) (*Resolver, error) {
	if state == nil {
		return nil, fmt.Errorf("state cannot be nil")
	}
	return &Resolver{state: state}, nil
}

// taskRefs are the reference fields a task payload may carry.
type taskRefs struct {
	ParentID  *string  `json:"parentId"`
	ProjectID *string  `json:"projectId"`
	TagIDs    []string `json:"tagIds"`
}

// ExtractDependencies returns the dependencies of op. Deletes and
// full-state ops have none; only task ops carry references.
func ExtractDependencies(op *oplog.Operation) []Dependency {
	if op.EntityType != oplog.EntityTask || op.OpType == oplog.OpDelete || op.OpType.IsFullState() {
		return nil
	}

	var payloads []json.RawMessage
	switch op.OpType {
	case oplog.OpBatch:
		var batch struct {
			Changes map[string]json.RawMessage `json:"changes"`
		}
		if err := json.Unmarshal(op.Payload, &batch); err != nil {
			return nil
		}
		for _, id := range op.EntityIDList() {
			if c, ok := batch.Changes[id]; ok {
				payloads = append(payloads, c)
			}
		}
	default:
		payloads = []json.RawMessage{op.Payload}
	}

	var deps []Dependency
	seen := make(map[string]bool)
	add := func(d Dependency) {
		if d.EntityID == "" || seen[d.Key()] {
			return
		}
		seen[d.Key()] = true
		deps = append(deps, d)
	}

	for _, p := range payloads {
		if len(p) == 0 {
			continue
		}
		var refs taskRefs
		if err := json.Unmarshal(p, &refs); err != nil {
			// Malformed payloads fail at dispatch, not here.
			continue
		}
		if refs.ParentID != nil {
			add(Dependency{EntityType: oplog.EntityTask, EntityID: *refs.ParentID, MustExist: true, Relation: RelationParent})
		}
		if refs.ProjectID != nil {
			add(Dependency{EntityType: oplog.EntityProject, EntityID: *refs.ProjectID, Relation: RelationReference})
		}
		for _, tagID := range refs.TagIDs {
			add(Dependency{EntityType: oplog.EntityTag, EntityID: tagID, Relation: RelationReference})
		}
	}
	return deps
}

// ExtractDependencies is the method form of the package function.
func (r *Resolver) ExtractDependencies(op *oplog.Operation) []Dependency {
	return ExtractDependencies(op)
}

// CheckDependencies looks up every dependency in the state.
func (r *Resolver) CheckDependencies(ctx context.Context, deps []Dependency) (*Result, error) {
	res := &Result{}
	for _, d := range deps {
		ok, err := r.state.Exists(ctx, d.EntityType, d.EntityID)
		if err != nil {
			return nil, fmt.Errorf("failed to check dependency %s: %w", d.Key(), err)
		}
		if ok {
			continue
		}
		res.Missing = append(res.Missing, d)
		if d.MustExist {
			res.MissingHard = append(res.MissingHard, d)
		}
	}
	return res, nil
}
