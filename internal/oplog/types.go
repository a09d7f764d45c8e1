// Package oplog defines the operation model shared by the synchronization
// core: operations, log entries, the state-cache snapshot and the
// collaborator interfaces (materialized state, notifications).
package oplog

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/localfirst/opsync/internal/oplog/vclock"
)

// CurrentSchemaVersion is the schema version written into new operations
// and snapshots.
const CurrentSchemaVersion = 2

// OpType classifies what an operation does to its entities.
type OpType string

const (
	OpCreate       OpType = "CRT"
	OpUpdate       OpType = "UPD"
	OpDelete       OpType = "DEL"
	OpMove         OpType = "MOV"
	OpBatch        OpType = "BATCH"
	OpSyncImport   OpType = "SYNC_IMPORT"
	OpBackupImport OpType = "BACKUP_IMPORT"
	OpRepair       OpType = "REPAIR"
)

// IsFullState reports whether the op replaces the whole materialized state
// instead of patching individual entities.
func (t OpType) IsFullState() bool {
	return t == OpSyncImport || t == OpBackupImport || t == OpRepair
}

// EntityType names a kind of domain entity.
type EntityType string

const (
	EntityTask    EntityType = "TASK"
	EntityProject EntityType = "PROJECT"
	EntityTag     EntityType = "TAG"
	// EntityAll is used by full-state operations.
	EntityAll EntityType = "ALL"
)

// Source tells where a log entry came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Operation is an immutable, uniquely identified state change.
//
// VectorClock is the clock of the producing client immediately after the
// op: its baseline merged with the producer's own increment.
type Operation struct {
	ID            string          `json:"id"`
	ClientID      string          `json:"clientId"`
	ActionType    string          `json:"actionType"`
	OpType        OpType          `json:"opType"`
	EntityType    EntityType      `json:"entityType"`
	EntityID      string          `json:"entityId,omitempty"`
	EntityIDs     []string        `json:"entityIds,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	VectorClock   vclock.Clock    `json:"vectorClock"`
	Timestamp     int64           `json:"timestamp"`
	SchemaVersion int             `json:"schemaVersion"`

	// PayloadEncrypted marks Payload as a base64 ciphertext string.
	PayloadEncrypted bool `json:"isPayloadEncrypted,omitempty"`
}

// EntityIDList returns every entity id the op touches.
func (op *Operation) EntityIDList() []string {
	if len(op.EntityIDs) > 0 {
		return op.EntityIDs
	}
	if op.EntityID != "" {
		return []string{op.EntityID}
	}
	return nil
}

// EntityKeys returns the "TYPE:id" keys of every entity the op touches.
func (op *Operation) EntityKeys() []string {
	ids := op.EntityIDList()
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, EntityKey(op.EntityType, id))
	}
	return keys
}

// Time returns the op timestamp as a time.Time.
func (op *Operation) Time() time.Time {
	return time.UnixMilli(op.Timestamp)
}

// EntityKey builds the canonical "TYPE:id" key.
func EntityKey(entityType EntityType, id string) string {
	return string(entityType) + ":" + id
}

// ParseEntityKey splits a key built by EntityKey.
func ParseEntityKey(key string) (EntityType, string, bool) {
	typ, id, ok := strings.Cut(key, ":")
	if !ok || typ == "" || id == "" {
		return "", "", false
	}
	return EntityType(typ), id, true
}

// Entry is one row of the operation log.
type Entry struct {
	Seq           int64
	Op            Operation
	AppliedAt     time.Time
	Source        Source
	SyncedAt      *time.Time
	RejectedAt    *time.Time
	PendingApply  bool
	ApplyAttempts int
}

// IsSynced reports whether the entry has been uploaded or came from remote.
func (e *Entry) IsSynced() bool {
	return e.SyncedAt != nil
}

// IsRejected reports whether conflict resolution discarded the entry.
func (e *Entry) IsRejected() bool {
	return e.RejectedAt != nil
}

// Snapshot is the single "current" state cache.
type Snapshot struct {
	State            json.RawMessage `json:"state"`
	LastAppliedOpSeq int64           `json:"lastAppliedOpSeq"`
	VectorClock      vclock.Clock    `json:"vectorClock"`
	CompactedAt      time.Time       `json:"compactedAt"`
	SchemaVersion    int             `json:"schemaVersion"`
}

// Resolution is the outcome chosen for one conflict.
type Resolution string

const (
	ResolveRemote Resolution = "remote"
	ResolveLocal  Resolution = "local"
	ResolveManual Resolution = "manual"
	// ResolveSkip leaves the conflict unresolved for this round.
	ResolveSkip Resolution = ""
)

// EntityConflict groups concurrent local and remote ops on one entity.
type EntityConflict struct {
	EntityType          EntityType  `json:"entityType"`
	EntityID            string      `json:"entityId"`
	LocalOps            []Operation `json:"localOps"`
	RemoteOps           []Operation `json:"remoteOps"`
	SuggestedResolution Resolution  `json:"suggestedResolution"`
}

// Key returns the entity key of the conflict.
func (c *EntityConflict) Key() string {
	return EntityKey(c.EntityType, c.EntityID)
}

// RepairSummary counts structural fixes by category.
type RepairSummary map[string]int

// Total returns the sum of all fix counts.
func (s RepairSummary) Total() int {
	n := 0
	for _, v := range s {
		n += v
	}
	return n
}

// RepairPayload is carried by REPAIR operations.
type RepairPayload struct {
	AppState      json.RawMessage `json:"appState"`
	RepairSummary RepairSummary   `json:"repairSummary"`
}

// ImportPayload is carried by SYNC_IMPORT and BACKUP_IMPORT operations.
type ImportPayload struct {
	AppState json.RawMessage `json:"appState"`
}
