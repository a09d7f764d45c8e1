package transport

import (
	"context"
	"fmt"

	"github.com/localfirst/opsync/internal/oplog"
)

// DefaultPiggybackLimit caps how many remote ops an upload response carries.
const DefaultPiggybackLimit = 500

// Server is the server side of the operation-sync protocol. The in-memory
// provider and the HTTP server both implement it; OpsAPI clients talk to it.
type Server interface {
	// Upload stores ops from clientID and assigns server seqs. An op id the
	// server already holds is accepted again with its original seq.
	Upload(ctx context.Context, ops []oplog.Operation, clientID string, lastKnownServerSeq int64) (*UploadResponse, error)

	// Download pages through ops with seq > sinceSeq not uploaded by
	// excludeClient.
	Download(ctx context.Context, sinceSeq int64, excludeClient string, limit int) (*DownloadResponse, error)

	// Acknowledge records the highest seq clientID has processed.
	Acknowledge(ctx context.Context, clientID string, seq int64) error
}

// ValidateOp checks the fields a server requires before it accepts an op.
func ValidateOp(op *oplog.Operation, clientID string) error {
	switch {
	case op.ID == "":
		return fmt.Errorf("missing op id")
	case op.ClientID == "":
		return fmt.Errorf("missing client id")
	case op.ClientID != clientID:
		return fmt.Errorf("op client %q does not match uploader %q", op.ClientID, clientID)
	case op.EntityType == "":
		return fmt.Errorf("missing entity type")
	case op.VectorClock.IsEmpty():
		return fmt.Errorf("missing vector clock")
	}

	switch op.OpType {
	case oplog.OpCreate, oplog.OpUpdate, oplog.OpDelete, oplog.OpMove, oplog.OpBatch,
		oplog.OpSyncImport, oplog.OpBackupImport, oplog.OpRepair:
	default:
		return fmt.Errorf("unknown op type %q", op.OpType)
	}

	if !op.OpType.IsFullState() && len(op.EntityIDList()) == 0 {
		return fmt.Errorf("missing entity id")
	}
	return nil
}
