package storage

import (
	"context"
	"fmt"
	"time"
)

const uploadColumns = `upload_id, filename, file_category, total_size, byte_offset, hash, chunk_size, status, created_at, updated_at`

func scanUpload(s rowScanner) (*ChunkedUpload, error) {
	u := &ChunkedUpload{}
	err := s.Scan(&u.UploadID, &u.Filename, &u.FileCategory, &u.TotalSize, &u.Offset,
		&u.Hash, &u.ChunkSize, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// CreateUpload inserts a new chunked upload record.
func (d *DB) CreateUpload(ctx context.Context, u *ChunkedUpload) error {
	now := time.Now().Unix()
	if u.CreatedAt == 0 {
		u.CreatedAt = now
	}
	u.UpdatedAt = u.CreatedAt
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO chunked_uploads (`+uploadColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.UploadID, u.Filename, u.FileCategory, u.TotalSize, u.Offset, u.Hash, u.ChunkSize,
		u.Status, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create upload: %w", err)
	}
	return nil
}

// GetUpload retrieves an upload by ID.
func (d *DB) GetUpload(ctx context.Context, id string) (*ChunkedUpload, error) {
	u, err := scanUpload(d.db.QueryRowContext(ctx,
		`SELECT `+uploadColumns+` FROM chunked_uploads WHERE upload_id = ?`, id))
	if err != nil {
		return nil, notFound("get upload", err)
	}
	return u, nil
}

// UpdateUploadProgress persists the offset and status of an upload.
func (d *DB) UpdateUploadProgress(ctx context.Context, id string, offset int64, status string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE chunked_uploads SET byte_offset = ?, status = ?, updated_at = ? WHERE upload_id = ?`,
		offset, status, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update upload: %w", err)
	}
	return expectOne(res, "update upload")
}

// DeleteUpload removes an upload record.
func (d *DB) DeleteUpload(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM chunked_uploads WHERE upload_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	return expectOne(res, "delete upload")
}

// StaleUploadIDs lists uploads that have not been touched since before.
func (d *DB) StaleUploadIDs(ctx context.Context, before int64) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT upload_id FROM chunked_uploads WHERE updated_at < ?`, before)
	if err != nil {
		return nil, fmt.Errorf("list stale uploads: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale upload: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
