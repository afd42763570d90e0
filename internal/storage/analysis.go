package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// CreateAnalysisGroup inserts an analysis group.
func (d *DB) CreateAnalysisGroup(ctx context.Context, g *AnalysisGroup) error {
	matrix := g.ComparisonMatrix
	if len(matrix) == 0 {
		matrix = json.RawMessage("null")
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO analysis_groups (name, searched_file_id, differential_file_id,
		                              sample_annotation_file_id, comparison_matrix)
		 VALUES (?, ?, ?, ?, ?)`,
		g.Name, g.SearchedFileID, g.DifferentialFileID, nullInt64(g.SampleAnnotationFileID), string(matrix))
	if err != nil {
		return fmt.Errorf("create analysis group: %w", err)
	}
	g.ID, err = res.LastInsertId()
	return err
}

// AnalysisGroupsForFiles returns every group referencing one of fileIDs in
// either the searched or the differential role, ordered by ID.
func (d *DB) AnalysisGroupsForFiles(ctx context.Context, fileIDs []int64) ([]AnalysisGroup, error) {
	if len(fileIDs) == 0 {
		return nil, nil
	}
	ids, err := json.Marshal(fileIDs)
	if err != nil {
		return nil, fmt.Errorf("encode file ids: %w", err)
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name, searched_file_id, differential_file_id, sample_annotation_file_id, comparison_matrix
		 FROM analysis_groups
		 WHERE searched_file_id IN (SELECT value FROM json_each(?))
		    OR differential_file_id IN (SELECT value FROM json_each(?))
		 ORDER BY id`, string(ids), string(ids))
	if err != nil {
		return nil, fmt.Errorf("list analysis groups: %w", err)
	}
	defer rows.Close()

	var groups []AnalysisGroup
	for rows.Next() {
		var g AnalysisGroup
		var annotation sql.NullInt64
		var matrix string
		if err := rows.Scan(&g.ID, &g.Name, &g.SearchedFileID, &g.DifferentialFileID, &annotation, &matrix); err != nil {
			return nil, fmt.Errorf("scan analysis group: %w", err)
		}
		g.SampleAnnotationFileID = int64Ptr(annotation)
		g.ComparisonMatrix = json.RawMessage(matrix)
		groups = append(groups, g)
	}
	return groups, rows.Err()
}
