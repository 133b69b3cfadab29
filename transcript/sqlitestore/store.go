// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitestore keeps transcripts in a local SQLite database.
//
// Events are CBOR-encoded (lib/codec) and, above a small size,
// zstd-compressed. Each session's events carry a per-session sequence
// number assigned inside the insert transaction, so fetch order is
// append order regardless of timestamps.
package sqlitestore

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/termrelay/lib/codec"
	"github.com/bureau-foundation/termrelay/lib/sqlitepool"
	"github.com/bureau-foundation/termrelay/transcript"
)

const schema = `
CREATE TABLE IF NOT EXISTS transcript_events (
	session_id  TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	event_type  TEXT    NOT NULL,
	created_at  INTEGER NOT NULL,
	compression INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	body        BLOB    NOT NULL,
	PRIMARY KEY (session_id, seq)
) WITHOUT ROWID;
`

// Config configures Open.
type Config struct {
	// Path is the database file; its directory must exist.
	Path     string
	PoolSize int
	Logger   *slog.Logger
}

// Store is a transcript.Store backed by SQLite.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

var (
	_ transcript.Store  = (*Store)(nil)
	_ transcript.Lister = (*Store)(nil)
)

// Open opens (creating if needed) the database at config.Path.
func Open(config Config) (*Store, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     config.Path,
		PoolSize: config.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Append stores event as the next entry of sessionID.
func (s *Store) Append(ctx context.Context, sessionID string, event transcript.Event) (err error) {
	defer func() {
		if err != nil {
			err = &transcript.StorageError{Op: "append", SessionID: sessionID, Err: err}
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := codec.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	stored, compression := compress(body)

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)

	return sqlitex.Execute(conn, `
		INSERT INTO transcript_events (session_id, seq, event_type, created_at, compression, size, body)
		SELECT ?1, COALESCE(MAX(seq), 0) + 1, ?2, ?3, ?4, ?5, ?6
		FROM transcript_events WHERE session_id = ?1`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID, string(event.Type), event.At.UnixNano(), compression, len(body), stored},
		})
}

// Transcript returns sessionID's events in append order.
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]transcript.Event, error) {
	fail := func(err error) error {
		return &transcript.StorageError{Op: "fetch", SessionID: sessionID, Err: err}
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fail(err)
	}
	defer s.pool.Put(conn)

	events := []transcript.Event{}
	err = sqlitex.Execute(conn,
		`SELECT seq, compression, size, body FROM transcript_events WHERE session_id = ? ORDER BY seq`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stored := make([]byte, stmt.ColumnLen(3))
				stmt.ColumnBytes(3, stored)
				body, err := decompress(stored, stmt.ColumnInt(1), stmt.ColumnInt(2))
				if err != nil {
					return fmt.Errorf("event %d: %w", stmt.ColumnInt64(0), err)
				}
				var event transcript.Event
				if err := codec.Unmarshal(body, &event); err != nil {
					return fmt.Errorf("event %d: decoding: %w", stmt.ColumnInt64(0), err)
				}
				events = append(events, event)
				return nil
			},
		})
	if err != nil {
		return nil, fail(err)
	}
	return events, nil
}

// SessionIDs returns every session with at least one stored event,
// most recently started first.
func (s *Store) SessionIDs(ctx context.Context) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("transcript store: %w", err)
	}
	defer s.pool.Put(conn)

	var ids []string
	err = sqlitex.Execute(conn,
		`SELECT session_id FROM transcript_events WHERE seq = 1 ORDER BY created_at DESC, session_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("transcript store: listing sessions: %w", err)
	}
	return ids, nil
}
