package oplog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidOperation is the root of every error that means "this particular
// operation cannot be converted or applied". Such errors are tracked per op
// and do not abort a batch.
var ErrInvalidOperation = errors.New("invalid operation")

// InvalidOperationError wraps ErrInvalidOperation with the offending op id.
type InvalidOperationError struct {
	OpID   string
	Reason string
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("invalid operation %s: %s", e.OpID, e.Reason)
}

func (e *InvalidOperationError) Unwrap() error {
	return ErrInvalidOperation
}

// Invalid builds an InvalidOperationError.
func Invalid(opID, format string, args ...interface{}) error {
	return &InvalidOperationError{OpID: opID, Reason: fmt.Sprintf(format, args...)}
}

// StateStore is the materialized-state collaborator.
//
// Dispatch applies one operation. Errors wrapping ErrInvalidOperation are
// per-op failures; anything else is treated as an infrastructure failure.
type StateStore interface {
	// GetAllDataSnapshot returns the full materialized state as JSON.
	GetAllDataSnapshot(ctx context.Context) (json.RawMessage, error)

	// Dispatch applies op to the materialized state.
	Dispatch(ctx context.Context, op Operation) error

	// Exists reports whether an entity is present.
	Exists(ctx context.Context, entityType EntityType, id string) (bool, error)

	// ReplaceAll swaps the whole state atomically.
	ReplaceAll(ctx context.Context, state json.RawMessage) error
}

// EventKind classifies user-visible notifications.
type EventKind string

const (
	EventConflictsDetected  EventKind = "conflicts_detected"
	EventConflictsResolved  EventKind = "conflicts_resolved"
	EventResolutionFailed   EventKind = "resolution_failed"
	EventRepaired           EventKind = "state_repaired"
	EventRepairFailed       EventKind = "repair_failed"
	EventPartialDownload    EventKind = "partial_download"
	EventApplyFailed        EventKind = "apply_failed"
	EventSyncComplete       EventKind = "sync_complete"
	EventIncompatibleRemote EventKind = "incompatible_remote"
	EventCompacted          EventKind = "compacted"
)

// Affordance tells the UI what the user can do about an event.
type Affordance string

const (
	AffordanceNone   Affordance = ""
	AffordanceRetry  Affordance = "retry"
	AffordanceReload Affordance = "reload"
)

// Event is a notification for the UI collaborator.
type Event struct {
	Kind       EventKind        `json:"kind"`
	Message    string           `json:"message"`
	Affordance Affordance       `json:"affordance,omitempty"`
	Count      int              `json:"count,omitempty"`
	Conflicts  []EntityConflict `json:"conflicts,omitempty"`
	Summary    RepairSummary    `json:"summary,omitempty"`
	Time       time.Time        `json:"time"`
}

// Notifier receives user-visible events. Implementations must not block.
type Notifier interface {
	Notify(ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ev Event)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ev Event) { f(ev) }

// NopNotifier drops every event.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(Event) {}

// MultiNotifier fans events out to several notifiers.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(ev Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ev)
		}
	}
}
