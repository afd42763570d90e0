package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- Pyres ---

// EnsurePyre returns the interchange with the given name, creating it on
// first use.
func (d *DB) EnsurePyre(ctx context.Context, name string) (*Pyre, error) {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pyres (name, created_at) VALUES (?, ?)`, name, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("ensure pyre: %w", err)
	}
	return d.GetPyreByName(ctx, name)
}

// GetPyreByName retrieves an interchange by name.
func (d *DB) GetPyreByName(ctx context.Context, name string) (*Pyre, error) {
	p := &Pyre{}
	err := d.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM pyres WHERE name = ?`, name,
	).Scan(&p.ID, &p.Name, &p.CreatedAt)
	if err != nil {
		return nil, notFound("get pyre", err)
	}
	return p, nil
}

// ListPyreNames returns every interchange name.
func (d *DB) ListPyreNames(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT name FROM pyres ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list pyres: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan pyre: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// AddTopicToPyre makes a topic's projects visible through an interchange.
func (d *DB) AddTopicToPyre(ctx context.Context, pyreID, topicID int64) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pyre_topics (pyre_id, topic_id) VALUES (?, ?)`, pyreID, topicID)
	if err != nil {
		return fmt.Errorf("add topic to pyre: %w", err)
	}
	return nil
}

// --- Nodes ---

// RegisterNode creates a node owned by keyID, or returns the existing node
// if the key already owns that name. A name owned by another key yields
// ErrForbidden.
func (d *DB) RegisterNode(ctx context.Context, name string, keyID int64) (*Node, error) {
	existing, err := d.GetNodeByName(ctx, name)
	if err == nil {
		if existing.APIKeyID == nil || *existing.APIKeyID != keyID {
			return nil, fmt.Errorf("register node %q: %w", name, ErrForbidden)
		}
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	n := &Node{Name: name, APIKeyID: &keyID, CreatedAt: time.Now().Unix()}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO nodes (name, api_key_id, created_at) VALUES (?, ?, ?)`, n.Name, keyID, n.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("register node: %w", err)
	}
	n.ID, err = res.LastInsertId()
	return n, err
}

// GetNodeByName retrieves a node by its unique name.
func (d *DB) GetNodeByName(ctx context.Context, name string) (*Node, error) {
	n := &Node{}
	var keyID sql.NullInt64
	err := d.db.QueryRowContext(ctx,
		`SELECT id, name, api_key_id, created_at FROM nodes WHERE name = ?`, name,
	).Scan(&n.ID, &n.Name, &keyID, &n.CreatedAt)
	if err != nil {
		return nil, notFound("get node", err)
	}
	n.APIKeyID = int64Ptr(keyID)
	return n, nil
}

// --- Sessions ---

// CreateSession inserts a session if it does not exist yet.
func (d *DB) CreateSession(ctx context.Context, s *Session) error {
	if s.CreatedAt == 0 {
		s.CreatedAt = time.Now().Unix()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (session_id, user_id, created_at) VALUES (?, ?, ?)`,
		s.SessionID, s.UserID, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (d *DB) GetSession(ctx context.Context, id string) (*Session, error) {
	s := &Session{}
	err := d.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, created_at FROM sessions WHERE session_id = ?`, id,
	).Scan(&s.SessionID, &s.UserID, &s.CreatedAt)
	if err != nil {
		return nil, notFound("get session", err)
	}
	return s, nil
}

// DeleteSession removes a session and its file set.
func (d *DB) DeleteSession(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ReplaceSessionFiles swaps the session's file set for fileIDs.
func (d *DB) ReplaceSessionFiles(ctx context.Context, sessionID string, fileIDs []int64) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sessions WHERE session_id = ?`, sessionID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("replace session files: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("replace session files: %w", ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_files WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("clear session files: %w", err)
		}
		for _, id := range fileIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO session_files (session_id, file_id) VALUES (?, ?)`, sessionID, id); err != nil {
				return fmt.Errorf("insert session file: %w", err)
			}
		}
		return nil
	})
}

// SessionFileIDs lists the files currently bound to a session.
func (d *DB) SessionFileIDs(ctx context.Context, sessionID string) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT file_id FROM session_files WHERE session_id = ? ORDER BY file_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session files: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session file: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SessionHasFile reports whether a file is in the session's file set.
func (d *DB) SessionHasFile(ctx context.Context, sessionID string, fileID int64) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_files WHERE session_id = ? AND file_id = ?`, sessionID, fileID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check session file: %w", err)
	}
	return n > 0, nil
}

// AddSessionDelivery records a file a node delivered at the session's
// request. Deliveries do not change the session's file set.
func (d *DB) AddSessionDelivery(ctx context.Context, sessionID string, fileID int64) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO session_deliveries (session_id, file_id)
		 SELECT session_id, ? FROM sessions WHERE session_id = ?`, fileID, sessionID)
	if err != nil {
		return fmt.Errorf("add session delivery: %w", err)
	}
	return nil
}

// SessionMayDownload reports whether a session may fetch a file: it was
// surfaced by the session's search or delivered for it.
func (d *DB) SessionMayDownload(ctx context.Context, sessionID string, fileID int64) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM session_files WHERE session_id = ? AND file_id = ?)
		      + (SELECT COUNT(*) FROM session_deliveries WHERE session_id = ? AND file_id = ?)`,
		sessionID, fileID, sessionID, fileID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check session download: %w", err)
	}
	return n > 0, nil
}
