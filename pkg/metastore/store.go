// Package metastore is the embedded relational store backing collections,
// documents, chunks, conversations, settings and usage metrics. SQLite in
// WAL mode gives single-writer / multi-reader semantics; every repository
// acquires a connection per operation and keeps transactions short.
package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const schemaVersion = 2

// Store owns the database handle and the schema lifecycle.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates the database file (and parent directories) if needed,
// enables WAL and foreign keys, and returns a ready store. Idempotent.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", strings.ToLower(pragma), err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for repositories in this package and
// for read-only health probes.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// WithConnection runs fn with a dedicated connection, released on every
// exit path.
func (s *Store) WithConnection(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()
	return fn(conn)
}

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schemaDDL); err != nil {
		return err
	}
	return nil
}

// Migrate brings the schema to the current version, rebuilding legacy
// tables whose foreign-key constraints blocked cascading deletes, and
// seeds default settings. Migration failures are fatal to the caller.
func (s *Store) Migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		version = 0
	} else if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version < 2 {
		if err := s.rebuildLegacyChunkTable(); err != nil {
			return fmt.Errorf("rebuild legacy chunk table: %w", err)
		}
	}

	if _, err := s.db.Exec("DELETE FROM schema_version"); err != nil {
		return fmt.Errorf("clear schema version: %w", err)
	}
	if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}

	if err := s.seedSettings(); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	return nil
}

// rebuildLegacyChunkTable removes the FOREIGN KEY clause early schemas put
// on chunks.document_id. That constraint made the delete-then-reinsert
// re-ingest path fail under WAL; integrity is enforced by the ingestion
// pipeline instead.
func (s *Store) rebuildLegacyChunkTable() error {
	var createSQL sql.NullString
	err := s.db.QueryRow(
		"SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'chunks'",
	).Scan(&createSQL)
	if err == sql.ErrNoRows || !createSQL.Valid {
		return nil
	}
	if err != nil {
		return err
	}
	if !strings.Contains(strings.ToUpper(createSQL.String), "FOREIGN KEY") {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	steps := []string{
		`CREATE TABLE chunks_new (
			id TEXT PRIMARY KEY,
			collection_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			chunk_text TEXT NOT NULL,
			chunk_order INTEGER NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			character_count INTEGER NOT NULL DEFAULT 0,
			vector_stored INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT INTO chunks_new SELECT id, collection_id, document_id, chunk_text,
			chunk_order, token_count, character_count, vector_stored FROM chunks`,
		`DROP TABLE chunks`,
		`ALTER TABLE chunks_new RENAME TO chunks`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, chunk_order)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_collection ON chunks(collection_id)`,
	}
	for _, stmt := range steps {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}
