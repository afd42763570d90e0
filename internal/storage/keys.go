package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const apiKeyColumns = `id, name, key_hash, access_all, remote_id, created_at`

func scanAPIKey(s rowScanner) (*APIKey, error) {
	k := &APIKey{}
	var accessAll int
	var remoteID sql.NullInt64
	if err := s.Scan(&k.ID, &k.Name, &k.KeyHash, &accessAll, &remoteID, &k.CreatedAt); err != nil {
		return nil, err
	}
	k.AccessAll = accessAll == 1
	k.RemoteID = int64Ptr(remoteID)
	return k, nil
}

// CreateAPIKey inserts a key record and grants it the public topic in the
// same transaction, so every credential can see public projects from birth.
func (d *DB) CreateAPIKey(ctx context.Context, k *APIKey) error {
	if k.CreatedAt == 0 {
		k.CreatedAt = time.Now().Unix()
	}
	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO api_keys (name, key_hash, access_all, created_at) VALUES (?, ?, ?, ?)`,
			k.Name, k.KeyHash, boolToInt(k.AccessAll), k.CreatedAt)
		if err != nil {
			return fmt.Errorf("create api key: %w", err)
		}
		if k.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("create api key: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO api_key_topics (api_key_id, topic_id)
			 SELECT ?, id FROM topics WHERE name = ?`, k.ID, PublicName)
		if err != nil {
			return fmt.Errorf("grant public topic: %w", err)
		}
		return nil
	})
}

// GetAPIKey retrieves a key by ID.
func (d *DB) GetAPIKey(ctx context.Context, id int64) (*APIKey, error) {
	k, err := scanAPIKey(d.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id))
	if err != nil {
		return nil, notFound("get api key", err)
	}
	return k, nil
}

// GetAPIKeyByHash retrieves a key by its stored hash.
func (d *DB) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	k, err := scanAPIKey(d.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ?`, hash))
	if err != nil {
		return nil, notFound("get api key by hash", err)
	}
	return k, nil
}

// GrantTopic gives a key access to every project in a topic.
func (d *DB) GrantTopic(ctx context.Context, keyID, topicID int64) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO api_key_topics (api_key_id, topic_id) VALUES (?, ?)`, keyID, topicID)
	if err != nil {
		return fmt.Errorf("grant topic: %w", err)
	}
	return nil
}

// RevokeTopic removes a topic grant.
func (d *DB) RevokeTopic(ctx context.Context, keyID, topicID int64) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM api_key_topics WHERE api_key_id = ? AND topic_id = ?`, keyID, topicID)
	if err != nil {
		return fmt.Errorf("revoke topic: %w", err)
	}
	return nil
}

// GrantProject gives a key direct access to a project.
func (d *DB) GrantProject(ctx context.Context, keyID, projectID int64) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO api_key_projects (api_key_id, project_id) VALUES (?, ?)`, keyID, projectID)
	if err != nil {
		return fmt.Errorf("grant project: %w", err)
	}
	return nil
}

// RevokeProject removes a direct project grant. Access through a topic is
// unaffected.
func (d *DB) RevokeProject(ctx context.Context, keyID, projectID int64) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM api_key_projects WHERE api_key_id = ? AND project_id = ?`, keyID, projectID)
	if err != nil {
		return fmt.Errorf("revoke project: %w", err)
	}
	return nil
}

// GrantPyre lets a key act on an interchange.
func (d *DB) GrantPyre(ctx context.Context, keyID, pyreID int64) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO api_key_pyres (api_key_id, pyre_id) VALUES (?, ?)`, keyID, pyreID)
	if err != nil {
		return fmt.Errorf("grant pyre: %w", err)
	}
	return nil
}

// KeyHasPyre reports whether a key was granted an interchange. The public
// interchange is open to every key.
func (d *DB) KeyHasPyre(ctx context.Context, keyID int64, pyreName string) (bool, error) {
	if pyreName == PublicName {
		return true, nil
	}
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_key_pyres akp JOIN pyres p ON p.id = akp.pyre_id
		 WHERE akp.api_key_id = ? AND p.name = ?`, keyID, pyreName).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check pyre grant: %w", err)
	}
	return n > 0, nil
}

// --- Remote pairs ---

// SetRemote stores a remote pair and links it to the key, deleting whatever
// pair the key held before. A key has at most one remote.
func (d *DB) SetRemote(ctx context.Context, keyID int64, r *APIKeyRemote) error {
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().Unix()
	}
	return d.withTx(ctx, func(tx *sql.Tx) error {
		var old sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT remote_id FROM api_keys WHERE id = ?`, keyID).Scan(&old)
		if err != nil {
			return notFound("set remote", err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO api_key_remotes (name, token, hostname, protocol, port, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			r.Name, r.Token, r.Hostname, r.Protocol, r.Port, r.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert remote: %w", err)
		}
		if r.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("insert remote: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE api_keys SET remote_id = ? WHERE id = ?`, r.ID, keyID); err != nil {
			return fmt.Errorf("link remote: %w", err)
		}
		if old.Valid {
			if _, err := tx.ExecContext(ctx, `DELETE FROM api_key_remotes WHERE id = ?`, old.Int64); err != nil {
				return fmt.Errorf("delete previous remote: %w", err)
			}
		}
		return nil
	})
}

// GetRemoteForKey returns the remote pair linked to a key.
func (d *DB) GetRemoteForKey(ctx context.Context, keyID int64) (*APIKeyRemote, error) {
	r := &APIKeyRemote{}
	err := d.db.QueryRowContext(ctx,
		`SELECT r.id, r.name, r.token, r.hostname, r.protocol, r.port, r.created_at
		 FROM api_keys k JOIN api_key_remotes r ON r.id = k.remote_id
		 WHERE k.id = ?`, keyID,
	).Scan(&r.ID, &r.Name, &r.Token, &r.Hostname, &r.Protocol, &r.Port, &r.CreatedAt)
	if err != nil {
		return nil, notFound("get remote", err)
	}
	return r, nil
}
