// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/backchannel/lib/codec"
	"github.com/bureau-foundation/backchannel/lib/sqlitepool"
)

// Compile-time interface check.
var _ ConversationStorage = (*SQLiteStorage)(nil)

// snapshotSchema is the single-table layout. The body column holds the
// LZ4-compressed deterministic CBOR encoding of the snapshot;
// body_size is the uncompressed length (LZ4 block decompression needs
// it); checksum is BLAKE3 over the uncompressed CBOR, verified on
// every read to catch torn writes and bit rot.
const snapshotSchema = `
CREATE TABLE IF NOT EXISTS snapshot (
	conversation_id TEXT PRIMARY KEY,
	body            BLOB NOT NULL,
	body_size       INTEGER NOT NULL,
	checksum        BLOB NOT NULL,
	updated_at      INTEGER NOT NULL
);`

// SQLiteStorage is the durable snapshot store.
type SQLiteStorage struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the snapshot database at path.
// A nil logger disables logging.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStorage, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn, snapshotSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening snapshot database: %w", err)
	}
	return &SQLiteStorage{pool: pool, logger: logger}, nil
}

func (s *SQLiteStorage) Read(ctx context.Context, conversationID string) (*Snapshot, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var (
		body     []byte
		bodySize int64
		checksum []byte
		found    bool
	)
	err = sqlitex.Execute(conn,
		"SELECT body, body_size, checksum FROM snapshot WHERE conversation_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{conversationID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				body = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, body)
				bodySize = stmt.ColumnInt64(1)
				checksum = make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, checksum)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: reading snapshot %s: %w", conversationID, err)
	}
	if !found {
		return nil, ErrNotFound
	}

	// A body stored raw (incompressible) has length equal to
	// body_size; a compressed body is always strictly smaller.
	encoded := body
	if int64(len(body)) != bodySize {
		encoded = make([]byte, bodySize)
		n, err := lz4.UncompressBlock(body, encoded)
		if err != nil {
			return nil, fmt.Errorf("store: decompressing snapshot %s: %w", conversationID, err)
		}
		if int64(n) != bodySize {
			return nil, fmt.Errorf("store: snapshot %s: decompressed %d bytes, expected %d",
				conversationID, n, bodySize)
		}
	}

	sum := blake3.Sum256(encoded)
	if !bytes.Equal(sum[:], checksum) {
		return nil, fmt.Errorf("store: snapshot %s: checksum mismatch", conversationID)
	}

	var snapshot Snapshot
	if err := codec.Unmarshal(encoded, &snapshot); err != nil {
		return nil, fmt.Errorf("store: decoding snapshot %s: %w", conversationID, err)
	}
	return &snapshot, nil
}

func (s *SQLiteStorage) Write(ctx context.Context, conversationID string, snapshot *Snapshot) error {
	encoded, err := codec.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("store: encoding snapshot %s: %w", conversationID, err)
	}
	sum := blake3.Sum256(encoded)

	compressed := make([]byte, lz4.CompressBlockBound(len(encoded)))
	written, err := lz4.CompressBlock(encoded, compressed, nil)
	if err != nil {
		return fmt.Errorf("store: compressing snapshot %s: %w", conversationID, err)
	}
	if written == 0 || written >= len(encoded) {
		// Incompressible body (LZ4 block mode returns zero for these,
		// or a result no smaller than the input). Store it raw; Read
		// recognizes raw bodies by len(body) == body_size.
		compressed = encoded
	} else {
		compressed = compressed[:written]
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO snapshot (conversation_id, body, body_size, checksum, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET
		   body = excluded.body,
		   body_size = excluded.body_size,
		   checksum = excluded.checksum,
		   updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				conversationID,
				compressed,
				len(encoded),
				sum[:],
				snapshot.UpdatedAt.UnixMilli(),
			},
		})
	if err != nil {
		return fmt.Errorf("store: writing snapshot %s: %w", conversationID, err)
	}

	s.logger.Debug("snapshot written",
		"conversation", conversationID,
		"messages", len(snapshot.Messages),
		"bytes", len(compressed),
	)
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.pool.Close()
}
