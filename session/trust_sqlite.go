// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/backchannel/lib/sqlitepool"
)

var _ TrustStore = (*SQLiteTrustStore)(nil)

const trustSchema = `
CREATE TABLE IF NOT EXISTS peer_trust (
	session_id         TEXT PRIMARY KEY,
	local_fingerprint  TEXT NOT NULL,
	remote_fingerprint TEXT NOT NULL,
	trusted            INTEGER NOT NULL,
	last_rotated_at    INTEGER NOT NULL
);`

// SQLiteTrustStore persists pins so a peer swap is detected even
// across restarts.
type SQLiteTrustStore struct {
	pool *sqlitepool.Pool
}

// OpenSQLiteTrustStore opens (creating if needed) the trust database
// at path. A nil logger disables logging.
func OpenSQLiteTrustStore(path string, logger *slog.Logger) (*SQLiteTrustStore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn, trustSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("session: opening trust database: %w", err)
	}
	return &SQLiteTrustStore{pool: pool}, nil
}

func (s *SQLiteTrustStore) Load(ctx context.Context, sessionID string) (*PeerTrustState, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var state *PeerTrustState
	err = sqlitex.Execute(conn,
		`SELECT local_fingerprint, remote_fingerprint, trusted, last_rotated_at
		 FROM peer_trust WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				state = &PeerTrustState{
					SessionID:         sessionID,
					LocalFingerprint:  stmt.ColumnText(0),
					RemoteFingerprint: stmt.ColumnText(1),
					Trusted:           stmt.ColumnInt64(2) != 0,
					LastRotatedAt:     time.UnixMilli(stmt.ColumnInt64(3)),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("session: loading pin for %s: %w", sessionID, err)
	}
	if state == nil {
		return nil, ErrNotPinned
	}
	return state, nil
}

func (s *SQLiteTrustStore) Pin(ctx context.Context, state PeerTrustState) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	trusted := 0
	if state.Trusted {
		trusted = 1
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO peer_trust (session_id, local_fingerprint, remote_fingerprint, trusted, last_rotated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   local_fingerprint = excluded.local_fingerprint,
		   remote_fingerprint = excluded.remote_fingerprint,
		   trusted = excluded.trusted,
		   last_rotated_at = excluded.last_rotated_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				state.SessionID,
				state.LocalFingerprint,
				state.RemoteFingerprint,
				trusted,
				state.LastRotatedAt.UnixMilli(),
			},
		})
	if err != nil {
		return fmt.Errorf("session: pinning fingerprint for %s: %w", state.SessionID, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *SQLiteTrustStore) Close() error {
	return s.pool.Close()
}
