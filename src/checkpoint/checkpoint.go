// Package checkpoint persists sync progress between process runs: the
// jetstream resume cursor and per-collection batch sync history. The store is
// embedded sqlite so the sync tool stays a single binary with a single state
// file. A missing checkpoint is never an error; it just means "start fresh".
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const schema = `
CREATE TABLE IF NOT EXISTS stream_cursor (
    consumer   TEXT PRIMARY KEY,
    time_us    INTEGER NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS collection_sync (
    did            TEXT NOT NULL,
    collection     TEXT NOT NULL,
    last_synced_at TEXT NOT NULL,
    records        INTEGER NOT NULL,
    failures       INTEGER NOT NULL,
    PRIMARY KEY (did, collection)
);
`

// Store is a sqlite-backed checkpoint file.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates (or opens) the checkpoint database at path, enabling WAL so a
// batch sync and a stream consumer can share the file.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping checkpoint db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return &Store{conn: conn, path: path}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// StreamCursor returns the saved resume position for a consumer. ok is false
// when the consumer has never checkpointed.
func (s *Store) StreamCursor(ctx context.Context, consumer string) (timeUS int64, ok bool, err error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT time_us FROM stream_cursor WHERE consumer = ?", consumer)
	switch err := row.Scan(&timeUS); {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("read stream cursor: %w", err)
	}
	return timeUS, true, nil
}

// SaveStreamCursor records the latest processed event time for a consumer.
func (s *Store) SaveStreamCursor(ctx context.Context, consumer string, timeUS int64) error {
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO stream_cursor (consumer, time_us, updated_at) VALUES (?, ?, ?)
ON CONFLICT (consumer) DO UPDATE SET time_us = excluded.time_us, updated_at = excluded.updated_at`,
		consumer, timeUS, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save stream cursor: %w", err)
	}
	return nil
}

// CollectionSync is the recorded outcome of the last batch sync of one
// collection.
type CollectionSync struct {
	DID          string
	Collection   string
	LastSyncedAt time.Time
	Records      int
	Failures     int
}

// RecordCollectionSync stores the outcome of a finished (possibly partial)
// collection sync.
func (s *Store) RecordCollectionSync(ctx context.Context, did, collection string, records, failures int) error {
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO collection_sync (did, collection, last_synced_at, records, failures) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (did, collection) DO UPDATE SET
    last_synced_at = excluded.last_synced_at,
    records = excluded.records,
    failures = excluded.failures`,
		did, collection, time.Now().UTC().Format(time.RFC3339), records, failures)
	if err != nil {
		return fmt.Errorf("record collection sync: %w", err)
	}
	return nil
}

// LastCollectionSync returns the most recent recorded sync of a collection.
func (s *Store) LastCollectionSync(ctx context.Context, did, collection string) (CollectionSync, bool, error) {
	row := s.conn.QueryRowContext(ctx, `
SELECT last_synced_at, records, failures FROM collection_sync WHERE did = ? AND collection = ?`,
		did, collection)
	var (
		out      = CollectionSync{DID: did, Collection: collection}
		syncedAt string
	)
	switch err := row.Scan(&syncedAt, &out.Records, &out.Failures); {
	case errors.Is(err, sql.ErrNoRows):
		return CollectionSync{}, false, nil
	case err != nil:
		return CollectionSync{}, false, fmt.Errorf("read collection sync: %w", err)
	}
	if ts, err := time.Parse(time.RFC3339, syncedAt); err == nil {
		out.LastSyncedAt = ts
	}
	return out, true, nil
}
