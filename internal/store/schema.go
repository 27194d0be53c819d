package store

import (
	"context"
	"database/sql"
)

// Files are keyed by workspace-relative path; chunks hang off them and go
// away with them. Embeddings are sqlite-vec float32 blobs so search can use
// vec_distance_cosine without a fixed-dimension virtual table.
const ddl = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS files (
    path       TEXT PRIMARY KEY,
    mtime_ns   INTEGER NOT NULL,
    checksum   TEXT NOT NULL,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    language   TEXT NOT NULL DEFAULT '',
    indexed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
    chunk_id      TEXT PRIMARY KEY,
    file_path     TEXT NOT NULL REFERENCES files(path) ON DELETE CASCADE,
    start_byte    INTEGER NOT NULL,
    end_byte      INTEGER NOT NULL,
    start_line    INTEGER NOT NULL,
    end_line      INTEGER NOT NULL,
    kind          TEXT NOT NULL,
    name          TEXT NOT NULL DEFAULT '',
    language      TEXT NOT NULL DEFAULT '',
    content       TEXT NOT NULL,
    summary       TEXT NOT NULL DEFAULT '',
    purpose       TEXT NOT NULL DEFAULT '',
    embedding     BLOB
);

CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_path, start_byte);

CREATE TABLE IF NOT EXISTS module_summaries (
    module_path       TEXT PRIMARY KEY,
    file_count        INTEGER NOT NULL,
    aggregate_summary TEXT NOT NULL DEFAULT '',
    updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Init creates the schema if it does not exist.
func Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, ddl)
	return err
}
