package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const resultColumns = `r.id, r.pyre_id, p.name, r.node_id, COALESCE(n.name, ''), r.session_id, r.client_id,
	r.search_query, r.status, r.artifact_id, r.hash, r.created_at`

const resultFrom = ` FROM search_results r
	JOIN pyres p ON p.id = r.pyre_id
	LEFT JOIN nodes n ON n.id = r.node_id`

// CreateSearchResult inserts a search result. PyreID must be set; NodeID and
// SessionID are optional.
func (d *DB) CreateSearchResult(ctx context.Context, r *SearchResult) error {
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().Unix()
	}
	if r.Status == "" {
		r.Status = ResultPending
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO search_results (pyre_id, node_id, session_id, client_id, search_query, status,
		                             artifact_id, hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.PyreID, nullInt64(r.NodeID), r.SessionID, r.ClientID, r.SearchQuery, r.Status,
		r.ArtifactID, r.Hash, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create search result: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

// GetSearchResult retrieves a search result by ID.
func (d *DB) GetSearchResult(ctx context.Context, id int64) (*SearchResult, error) {
	r := &SearchResult{}
	var nodeID sql.NullInt64
	err := d.db.QueryRowContext(ctx, `SELECT `+resultColumns+resultFrom+` WHERE r.id = ?`, id).Scan(
		&r.ID, &r.PyreID, &r.PyreName, &nodeID, &r.NodeName, &r.SessionID, &r.ClientID,
		&r.SearchQuery, &r.Status, &r.ArtifactID, &r.Hash, &r.CreatedAt)
	if err != nil {
		return nil, notFound("get search result", err)
	}
	r.NodeID = int64Ptr(nodeID)
	return r, nil
}

// CompleteSearchResult attaches an artifact and marks the result complete.
func (d *DB) CompleteSearchResult(ctx context.Context, id int64, artifactID, hash string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE search_results SET artifact_id = ?, hash = ?, status = ? WHERE id = ?`,
		artifactID, hash, ResultComplete, id)
	if err != nil {
		return fmt.Errorf("complete search result: %w", err)
	}
	return expectOne(res, "complete search result")
}

// SetSearchResultStatus updates only the status.
func (d *DB) SetSearchResultStatus(ctx context.Context, id int64, status string) error {
	res, err := d.db.ExecContext(ctx, `UPDATE search_results SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set search result status: %w", err)
	}
	return expectOne(res, "set search result status")
}

// DeleteSearchResult removes a search result record.
func (d *DB) DeleteSearchResult(ctx context.Context, id int64) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM search_results WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete search result: %w", err)
	}
	return expectOne(res, "delete search result")
}
