// Package capture turns local user actions into operations: it stamps the
// next vector clock, applies the op to the materialized state and appends
// it to the log, all under the sp_op_log lock.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/lock"
	"github.com/localfirst/opsync/internal/oplog/store"
	"github.com/localfirst/opsync/internal/oplog/vclock"
)

// DefaultCompactionThreshold is the number of captured ops after which a
// compaction is triggered.
const DefaultCompactionThreshold = 500

const metaClientID = "client_id"

// Compactor runs a compaction. compact.Service satisfies it.
type Compactor interface {
	Compact(ctx context.Context) error
}

// Action describes one local change.
type Action struct {
	ActionType string
	OpType     oplog.OpType
	EntityType oplog.EntityType
	EntityID   string
	EntityIDs  []string

	// Payload is marshaled to JSON unless it already is json.RawMessage.
	Payload interface{}
}

// Config configures a Capturer.
type Config struct {
	ClientID string
	Store    *store.Store
	Locks    *lock.Service
	State    oplog.StateStore

	// Compactor is triggered every CompactionThreshold captures (optional)
	Compactor           Compactor
	CompactionThreshold int

	// Logger for capture activity (default: stderr logger)
	Logger *log.Logger

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// Capturer creates local operations.
type Capturer struct {
	config *Config
	logger *log.Logger
}

// New creates a Capturer.
func New(config *Config) (*Capturer, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config.Locks == nil {
		return nil, fmt.Errorf("lock service cannot be nil")
	}
	if config.State == nil {
		return nil, fmt.Errorf("state cannot be nil")
	}
	if config.CompactionThreshold <= 0 {
		config.CompactionThreshold = DefaultCompactionThreshold
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[capture] ", log.LstdFlags)
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Capturer{config: config, logger: config.Logger}, nil
}

// ClientID returns the id this capturer stamps on operations.
func (c *Capturer) ClientID() string {
	return c.config.ClientID
}

// Capture records one local action. The op is applied to the state before
// it is appended; an op the state rejects is not logged.
func (c *Capturer) Capture(ctx context.Context, action Action) (*oplog.Operation, error) {
	payload, err := encodePayload(action.Payload)
	if err != nil {
		return nil, err
	}

	var (
		op      oplog.Operation
		counter int
	)
	err = c.config.Locks.Request(ctx, lock.NameOpLog, func(ctx context.Context) error {
		current, err := c.config.Store.GetCurrentVectorClock(ctx)
		if err != nil {
			return err
		}

		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate operation id: %w", err)
		}

		op = oplog.Operation{
			ID:            id.String(),
			ClientID:      c.config.ClientID,
			ActionType:    action.ActionType,
			OpType:        action.OpType,
			EntityType:    action.EntityType,
			EntityID:      action.EntityID,
			EntityIDs:     action.EntityIDs,
			Payload:       payload,
			VectorClock:   vclock.Increment(current, c.config.ClientID),
			Timestamp:     c.config.Now().UnixMilli(),
			SchemaVersion: oplog.CurrentSchemaVersion,
		}

		if err := c.config.State.Dispatch(ctx, op); err != nil {
			return err
		}
		if _, err := c.config.Store.Append(ctx, op, oplog.SourceLocal); err != nil {
			return err
		}

		counter, err = c.config.Store.IncrementCompactionCounter(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to capture %s: %w", action.ActionType, err)
	}

	// Compaction takes sp_op_log itself, so it runs after the release.
	if c.config.Compactor != nil && counter >= c.config.CompactionThreshold {
		if err := c.config.Compactor.Compact(ctx); err != nil {
			c.logger.Printf("Warning: compaction after %d ops failed: %v", counter, err)
		}
	}

	return &op, nil
}

func encodePayload(p interface{}) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		return data, nil
	}
}

// LoadOrCreateClientID returns the persisted client id, creating one on
// first use.
func LoadOrCreateClientID(ctx context.Context, s *store.Store) (string, error) {
	id, ok, err := s.GetMeta(ctx, metaClientID)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}

	id = strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if err := s.SetMeta(ctx, metaClientID, id); err != nil {
		return "", fmt.Errorf("failed to persist client id: %w", err)
	}
	return id, nil
}
