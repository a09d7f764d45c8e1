// Package httpapi is the HTTP operation-sync provider: a server that
// assigns global sequence numbers to uploaded ops and stores them in
// SQLite, and the client that implements transport.OpsAPI against it.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/localfirst/opsync/internal/oplog"
	"github.com/localfirst/opsync/internal/oplog/db"
	"github.com/localfirst/opsync/internal/oplog/transport"
)

// ServerStore is a SQLite-backed transport.Server.
type ServerStore struct {
	conn      *sql.DB
	logger    *log.Logger
	piggyback int
	now       func() time.Time
}

// NewServerStore creates a ServerStore on an open database.
func NewServerStore(database *db.DB, logger *log.Logger) (*ServerStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	return &ServerStore{
		conn:      database.RawDB(),
		logger:    logger,
		piggyback: transport.DefaultPiggybackLimit,
		now:       time.Now,
	}, nil
}

// Upload implements transport.Server. Each accepted op is inserted in one
// transaction so seqs of a batch are contiguous.
func (s *ServerStore) Upload(ctx context.Context, ops []oplog.Operation, clientID string, lastKnownServerSeq int64) (*transport.UploadResponse, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	resp := &transport.UploadResponse{Results: make([]transport.UploadResult, 0, len(ops))}
	now := s.now().UnixMilli()

	for _, op := range ops {
		var existing int64
		err := tx.QueryRowContext(ctx, `SELECT server_seq FROM server_ops WHERE op_id = ?`, op.ID).Scan(&existing)
		if err == nil {
			resp.Results = append(resp.Results, transport.UploadResult{OpID: op.ID, Accepted: true, ServerSeq: existing})
			continue
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to check op %s: %w", op.ID, err)
		}

		if err := transport.ValidateOp(&op, clientID); err != nil {
			resp.Results = append(resp.Results, transport.UploadResult{OpID: op.ID, Error: err.Error()})
			continue
		}

		data, err := json.Marshal(op)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal op %s: %w", op.ID, err)
		}
		res, err := tx.ExecContext(ctx, `
		INSERT INTO server_ops (op_id, client_id, op, received_at)
		VALUES (?, ?, ?, ?)`, op.ID, clientID, string(data), now)
		if err != nil {
			return nil, fmt.Errorf("failed to store op %s: %w", op.ID, err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read server seq: %w", err)
		}
		resp.Results = append(resp.Results, transport.UploadResult{OpID: op.ID, Accepted: true, ServerSeq: seq})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit upload: %w", err)
	}

	down, err := s.Download(ctx, lastKnownServerSeq, clientID, s.piggyback)
	if err != nil {
		return nil, err
	}
	resp.NewOps = down.Ops
	resp.HasMore = down.HasMore
	resp.LatestSeq = down.LatestSeq
	return resp, nil
}

// Download implements transport.Server.
func (s *ServerStore) Download(ctx context.Context, sinceSeq int64, excludeClient string, limit int) (*transport.DownloadResponse, error) {
	if limit <= 0 {
		limit = transport.DefaultPiggybackLimit
	}

	latest, err := s.latestSeq(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx, `
	SELECT server_seq, op, received_at FROM server_ops
	WHERE server_seq > ? AND client_id != ?
	ORDER BY server_seq ASC
	LIMIT ?`, sinceSeq, excludeClient, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to query server ops: %w", err)
	}
	defer rows.Close()

	resp := &transport.DownloadResponse{LatestSeq: latest}
	for rows.Next() {
		var (
			so   transport.ServerOp
			data string
		)
		if err := rows.Scan(&so.ServerSeq, &data, &so.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan server op: %w", err)
		}
		if len(resp.Ops) == limit {
			resp.HasMore = true
			break
		}
		if err := json.Unmarshal([]byte(data), &so.Op); err != nil {
			s.logger.Printf("Warning: skipping corrupt server op %d: %v", so.ServerSeq, err)
			continue
		}
		resp.Ops = append(resp.Ops, so)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating server ops: %w", err)
	}
	return resp, nil
}

// Acknowledge implements transport.Server.
func (s *ServerStore) Acknowledge(ctx context.Context, clientID string, seq int64) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO server_acks (client_id, seq, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(client_id) DO UPDATE SET
		seq = MAX(seq, excluded.seq),
		updated_at = excluded.updated_at`, clientID, seq, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record ack for %s: %w", clientID, err)
	}
	return nil
}

// MinAcked returns the lowest acknowledged seq across clients, 0 if none.
// Ops at or below it have been seen by every known client.
func (s *ServerStore) MinAcked(ctx context.Context) (int64, error) {
	var lowest sql.NullInt64
	if err := s.conn.QueryRowContext(ctx, `SELECT MIN(seq) FROM server_acks`).Scan(&lowest); err != nil {
		return 0, fmt.Errorf("failed to query acks: %w", err)
	}
	return lowest.Int64, nil
}

func (s *ServerStore) latestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.conn.QueryRowContext(ctx, `SELECT MAX(server_seq) FROM server_ops`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to query latest seq: %w", err)
	}
	return seq.Int64, nil
}
