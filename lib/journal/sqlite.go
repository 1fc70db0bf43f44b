// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/conduit-foundation/conduit/lib/clock"
)

const schema = `
CREATE TABLE IF NOT EXISTS journal_entries (
	key        TEXT PRIMARY KEY,
	blob       BLOB NOT NULL,
	expire_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS journal_entries_expire_at ON journal_entries (expire_at);
`

// StoreConfig holds the parameters for opening a SQLite-backed
// journal.
type StoreConfig struct {
	// Path is the filesystem path to the database file. The parent
	// directory must exist. ":memory:" works for tests with PoolSize
	// 1 (each in-memory connection is independent).
	Path string

	// PoolSize is the number of pooled connections. Defaults to 4.
	PoolSize int

	// Clock provides the current time for expiry decisions. If nil,
	// defaults to the real clock.
	Clock clock.Clock

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Store is a SQLite-backed Journal. Entries are CBOR envelopes,
// zstd-compressed, in a single WAL-mode table. Expiry is enforced at
// read time (expired rows are never returned) and reclaimed by
// SweepExpired.
type Store struct {
	pool   *sqlitex.Pool
	clock  clock.Clock
	logger *slog.Logger
	path   string
}

// OpenStore opens (creating if needed) the journal database.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("journal: Path is required")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("journal: opening %s: %w", cfg.Path, err)
	}

	logger.Info("journal store opened", "path", cfg.Path, "pool_size", poolSize)
	return &Store{pool: pool, clock: clk, logger: logger, path: cfg.Path}, nil
}

// Get implements Journal. Rows whose expire_at has passed are treated
// as absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("journal: take connection: %w", err)
	}
	defer s.pool.Put(conn)

	var blob []byte
	err = sqlitex.Execute(conn,
		"SELECT blob FROM journal_entries WHERE key = ? AND expire_at > ?",
		&sqlitex.ExecOptions{
			Args: []any{key, s.clock.Now().UnixMilli()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)
				return nil
			},
		})
	if err != nil {
		return nil, false, fmt.Errorf("journal: get %s: %w", key, err)
	}
	if blob == nil {
		return nil, false, nil
	}

	body, err := decodeEntry(blob)
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}

// PutWithTTL implements Journal. An existing entry under the same key
// is replaced, refreshing its TTL.
func (s *Store) PutWithTTL(ctx context.Context, key string, body []byte, ttl time.Duration) error {
	now := s.clock.Now()
	blob, err := encodeEntry(body, now)
	if err != nil {
		return err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("journal: take connection: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO journal_entries (key, blob, expire_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET blob = excluded.blob, expire_at = excluded.expire_at",
		&sqlitex.ExecOptions{
			Args: []any{key, blob, now.Add(ttl).UnixMilli()},
		})
	if err != nil {
		return fmt.Errorf("journal: put %s: %w", key, err)
	}
	return nil
}

// SweepExpired deletes rows whose TTL has lapsed and returns how many
// were removed. Run it from a background ticker.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("journal: take connection: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM journal_entries WHERE expire_at <= ?",
		&sqlitex.ExecOptions{
			Args: []any{s.clock.Now().UnixMilli()},
		})
	if err != nil {
		return 0, fmt.Errorf("journal: sweep: %w", err)
	}

	removed := conn.Changes()
	if removed > 0 {
		s.logger.Info("journal sweep", "removed", removed)
	}
	return removed, nil
}

// Close releases the connection pool. Blocks until all borrowed
// connections are returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("journal: closing %s: %w", s.path, err)
	}
	return nil
}

// prepareConnection applies the standard pragmas and creates the
// schema. Runs once per pooled connection on first use.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("journal: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("journal: creating schema: %w", err)
	}
	return nil
}

var _ Journal = (*Store)(nil)
