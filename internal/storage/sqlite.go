package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors returned by lookups and ownership checks.
var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist and seeds
// the public topic and interchange.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS topics (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS projects (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS topic_projects (
    topic_id INTEGER NOT NULL REFERENCES topics(id) ON DELETE CASCADE,
    project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    PRIMARY KEY (topic_id, project_id)
);

CREATE TABLE IF NOT EXISTS files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id INTEGER REFERENCES projects(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    hash TEXT NOT NULL DEFAULT '',
    file_type TEXT NOT NULL DEFAULT 'tsv',
    file_category TEXT NOT NULL DEFAULT '',
    path TEXT NOT NULL DEFAULT '[]',
    artifact_id TEXT NOT NULL DEFAULT '',
    size INTEGER NOT NULL DEFAULT 0,
    load_content INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS file_content USING fts5(
    data,
    file_id UNINDEXED
);

CREATE TABLE IF NOT EXISTS api_key_remotes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL DEFAULT '',
    token TEXT NOT NULL UNIQUE,
    hostname TEXT NOT NULL,
    protocol TEXT NOT NULL,
    port INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL DEFAULT '',
    key_hash TEXT NOT NULL UNIQUE,
    access_all INTEGER NOT NULL DEFAULT 0,
    remote_id INTEGER UNIQUE REFERENCES api_key_remotes(id) ON DELETE SET NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS api_key_topics (
    api_key_id INTEGER NOT NULL REFERENCES api_keys(id) ON DELETE CASCADE,
    topic_id INTEGER NOT NULL REFERENCES topics(id) ON DELETE CASCADE,
    PRIMARY KEY (api_key_id, topic_id)
);

CREATE TABLE IF NOT EXISTS api_key_projects (
    api_key_id INTEGER NOT NULL REFERENCES api_keys(id) ON DELETE CASCADE,
    project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    PRIMARY KEY (api_key_id, project_id)
);

CREATE TABLE IF NOT EXISTS pyres (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pyre_topics (
    pyre_id INTEGER NOT NULL REFERENCES pyres(id) ON DELETE CASCADE,
    topic_id INTEGER NOT NULL REFERENCES topics(id) ON DELETE CASCADE,
    PRIMARY KEY (pyre_id, topic_id)
);

CREATE TABLE IF NOT EXISTS api_key_pyres (
    api_key_id INTEGER NOT NULL REFERENCES api_keys(id) ON DELETE CASCADE,
    pyre_id INTEGER NOT NULL REFERENCES pyres(id) ON DELETE CASCADE,
    PRIMARY KEY (api_key_id, pyre_id)
);

CREATE TABLE IF NOT EXISTS nodes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    api_key_id INTEGER REFERENCES api_keys(id) ON DELETE CASCADE,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session_files (
    session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
    file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
    PRIMARY KEY (session_id, file_id)
);

CREATE TABLE IF NOT EXISTS session_deliveries (
    session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
    file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
    PRIMARY KEY (session_id, file_id)
);

CREATE TABLE IF NOT EXISTS chunked_uploads (
    upload_id TEXT PRIMARY KEY,
    filename TEXT NOT NULL,
    file_category TEXT NOT NULL DEFAULT '',
    total_size INTEGER NOT NULL,
    byte_offset INTEGER NOT NULL DEFAULT 0,
    hash TEXT NOT NULL,
    chunk_size INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS search_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pyre_id INTEGER NOT NULL REFERENCES pyres(id) ON DELETE CASCADE,
    node_id INTEGER REFERENCES nodes(id) ON DELETE SET NULL,
    session_id TEXT NOT NULL DEFAULT '',
    client_id TEXT NOT NULL DEFAULT '',
    search_query TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    artifact_id TEXT NOT NULL DEFAULT '',
    hash TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS analysis_groups (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL DEFAULT '',
    searched_file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
    differential_file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
    sample_annotation_file_id INTEGER REFERENCES files(id) ON DELETE SET NULL,
    comparison_matrix TEXT NOT NULL DEFAULT 'null'
);

CREATE INDEX IF NOT EXISTS idx_files_project ON files(project_id);
CREATE INDEX IF NOT EXISTS idx_topic_projects_project ON topic_projects(project_id);
CREATE INDEX IF NOT EXISTS idx_nodes_api_key ON nodes(api_key_id);
CREATE INDEX IF NOT EXISTS idx_search_results_session ON search_results(session_id);
CREATE INDEX IF NOT EXISTS idx_analysis_searched ON analysis_groups(searched_file_id);
CREATE INDEX IF NOT EXISTS idx_analysis_differential ON analysis_groups(differential_file_id);
CREATE INDEX IF NOT EXISTS idx_chunked_uploads_updated ON chunked_uploads(updated_at);`
	if _, err := d.db.Exec(schema); err != nil {
		return err
	}

	now := time.Now().Unix()
	if _, err := d.db.Exec(`INSERT OR IGNORE INTO topics (name, description) VALUES (?, 'visible to every credential')`, PublicName); err != nil {
		return fmt.Errorf("seed public topic: %w", err)
	}
	if _, err := d.db.Exec(`INSERT OR IGNORE INTO pyres (name, created_at) VALUES (?, ?)`, PublicName, now); err != nil {
		return fmt.Errorf("seed public pyre: %w", err)
	}
	_, err := d.db.Exec(
		`INSERT OR IGNORE INTO pyre_topics (pyre_id, topic_id)
		 SELECT p.id, t.id FROM pyres p, topics t WHERE p.name = ? AND t.name = ?`,
		PublicName, PublicName,
	)
	if err != nil {
		return fmt.Errorf("seed public pyre topic: %w", err)
	}
	return nil
}

func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// notFound converts sql.ErrNoRows into ErrNotFound, wrapping everything else.
func notFound(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
