package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// --- Topics and projects ---

// CreateTopic inserts a topic, returning the existing one if the name is taken.
func (d *DB) CreateTopic(ctx context.Context, name, description string) (*Topic, error) {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO topics (name, description) VALUES (?, ?)`, name, description)
	if err != nil {
		return nil, fmt.Errorf("create topic: %w", err)
	}
	return d.GetTopicByName(ctx, name)
}

// GetTopicByName retrieves a topic by its unique name.
func (d *DB) GetTopicByName(ctx context.Context, name string) (*Topic, error) {
	t := &Topic{}
	err := d.db.QueryRowContext(ctx,
		`SELECT id, name, description FROM topics WHERE name = ?`, name,
	).Scan(&t.ID, &t.Name, &t.Description)
	if err != nil {
		return nil, notFound("get topic", err)
	}
	return t, nil
}

// CreateProject inserts a new project.
func (d *DB) CreateProject(ctx context.Context, p *Project) error {
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().Unix()
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO projects (name, description, created_at) VALUES (?, ?, ?)`,
		p.Name, p.Description, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

// GetProject retrieves a project by ID.
func (d *DB) GetProject(ctx context.Context, id int64) (*Project, error) {
	p := &Project{}
	err := d.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt)
	if err != nil {
		return nil, notFound("get project", err)
	}
	return p, nil
}

// AddProjectToTopic links a project to a topic. Re-adding is a no-op.
func (d *DB) AddProjectToTopic(ctx context.Context, topicID, projectID int64) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO topic_projects (topic_id, project_id) VALUES (?, ?)`, topicID, projectID)
	if err != nil {
		return fmt.Errorf("add project to topic: %w", err)
	}
	return nil
}

// --- Files ---

const fileColumns = `f.id, f.project_id, f.name, f.description, f.hash, f.file_type, f.file_category,
	f.path, f.artifact_id, f.size, f.load_content, f.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(s rowScanner, extra ...any) (*File, error) {
	f := &File{}
	var projectID sql.NullInt64
	var path string
	var load int
	dest := []any{&f.ID, &projectID, &f.Name, &f.Description, &f.Hash, &f.FileType,
		&f.FileCategory, &path, &f.ArtifactID, &f.Size, &load, &f.CreatedAt}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	f.ProjectID = int64Ptr(projectID)
	f.LoadContent = load == 1
	if err := json.Unmarshal([]byte(path), &f.Path); err != nil {
		return nil, fmt.Errorf("decode file path: %w", err)
	}
	if f.Path == nil {
		f.Path = []string{}
	}
	return f, nil
}

// CreateFile inserts a new file record.
func (d *DB) CreateFile(ctx context.Context, f *File) error {
	if f.CreatedAt == 0 {
		f.CreatedAt = time.Now().Unix()
	}
	if f.FileType == "" {
		f.FileType = "tsv"
	}
	if f.Path == nil {
		f.Path = []string{}
	}
	path, err := json.Marshal(f.Path)
	if err != nil {
		return fmt.Errorf("encode file path: %w", err)
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO files (project_id, name, description, hash, file_type, file_category, path,
		                    artifact_id, size, load_content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullInt64(f.ProjectID), f.Name, f.Description, f.Hash, f.FileType, f.FileCategory,
		string(path), f.ArtifactID, f.Size, boolToInt(f.LoadContent), f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	f.ID, err = res.LastInsertId()
	return err
}

// GetFile retrieves a file by ID.
func (d *DB) GetFile(ctx context.Context, id int64) (*File, error) {
	f, err := scanFile(d.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files f WHERE f.id = ?`, id))
	if err != nil {
		return nil, notFound("get file", err)
	}
	return f, nil
}

// UpdateFileArtifact points a file at new content.
func (d *DB) UpdateFileArtifact(ctx context.Context, id int64, artifactID, hash string, size int64) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE files SET artifact_id = ?, hash = ?, size = ? WHERE id = ?`, artifactID, hash, size, id)
	if err != nil {
		return fmt.Errorf("update file artifact: %w", err)
	}
	return expectOne(res, "update file artifact")
}

// SetFileContent replaces the searchable text of a file and marks it as
// content-loaded.
func (d *DB) SetFileContent(ctx context.Context, fileID int64, text string) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM file_content WHERE file_id = ?`, fileID); err != nil {
			return fmt.Errorf("clear file content: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO file_content (data, file_id) VALUES (?, ?)`, text, fileID); err != nil {
			return fmt.Errorf("insert file content: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE files SET load_content = 1 WHERE id = ?`, fileID); err != nil {
			return fmt.Errorf("mark file content: %w", err)
		}
		return nil
	})
}

// FileText returns the indexed text of a file.
func (d *DB) FileText(ctx context.Context, fileID int64) (string, error) {
	var text string
	err := d.db.QueryRowContext(ctx,
		`SELECT data FROM file_content WHERE file_id = ? LIMIT 1`, fileID).Scan(&text)
	if err != nil {
		return "", notFound("get file text", err)
	}
	return text, nil
}

// DeleteFile removes a file and its indexed content.
func (d *DB) DeleteFile(ctx context.Context, id int64) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM file_content WHERE file_id = ?`, id); err != nil {
			return fmt.Errorf("delete file content: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete file: %w", err)
		}
		return expectOne(res, "delete file")
	})
}

// --- Visibility and full-text search ---

// Visibility restricts which files a query can see.
type Visibility struct {
	// APIKeyID limits results to the key's granted projects plus the projects
	// of its topics, unless the key has access_all.
	APIKeyID int64
	// Pyre limits results to projects linked to the interchange's topics.
	Pyre string
}

// visibleClause returns a WHERE fragment over alias f and its arguments.
func (d *DB) visibleClause(ctx context.Context, v Visibility) (string, []any, error) {
	switch {
	case v.APIKeyID != 0:
		key, err := d.GetAPIKey(ctx, v.APIKeyID)
		if err != nil {
			return "", nil, err
		}
		if key.AccessAll {
			return "1 = 1", nil, nil
		}
		return `f.project_id IN (
			SELECT project_id FROM api_key_projects WHERE api_key_id = ?
			UNION
			SELECT tp.project_id FROM api_key_topics akt
			JOIN topic_projects tp ON tp.topic_id = akt.topic_id
			WHERE akt.api_key_id = ?)`, []any{v.APIKeyID, v.APIKeyID}, nil
	case v.Pyre != "":
		return `f.project_id IN (
			SELECT tp.project_id FROM pyre_topics pt
			JOIN pyres p ON p.id = pt.pyre_id
			JOIN topic_projects tp ON tp.topic_id = pt.topic_id
			WHERE p.name = ?)`, []any{v.Pyre}, nil
	default:
		return "1 = 1", nil, nil
	}
}

// VisibleFiles lists every file the visibility scope can see.
func (d *DB) VisibleFiles(ctx context.Context, v Visibility) ([]File, error) {
	where, args, err := d.visibleClause(ctx, v)
	if err != nil {
		return nil, err
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files f WHERE `+where+` ORDER BY f.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list visible files: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// FileVisible reports whether the scope can see file id.
func (d *DB) FileVisible(ctx context.Context, v Visibility, id int64) (bool, error) {
	where, args, err := d.visibleClause(ctx, v)
	if err != nil {
		return false, err
	}
	var n int
	err = d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files f WHERE f.id = ? AND `+where, append([]any{id}, args...)...).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check file %d visibility: %w", id, err)
	}
	return n > 0, nil
}

// SearchFiles runs a phrase query over indexed file content within the
// visibility scope. A non-empty description keeps only files whose
// description contains it, case-insensitively. Each file appears once.
func (d *DB) SearchFiles(ctx context.Context, v Visibility, term, description string) ([]FileHit, error) {
	if strings.TrimSpace(term) == "" {
		return nil, nil
	}
	where, args, err := d.visibleClause(ctx, v)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + fileColumns + `, highlight(file_content, 0, '<b>', '</b>')
		FROM file_content
		JOIN files f ON f.id = file_content.file_id
		WHERE file_content MATCH ? AND ` + where
	queryArgs := append([]any{"data : " + phraseQuery(term)}, args...)
	if description != "" {
		query += ` AND instr(lower(f.description), lower(?)) > 0`
		queryArgs = append(queryArgs, description)
	}
	query += ` ORDER BY f.id`

	rows, err := d.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("search files: %w", err)
	}
	defer rows.Close()

	seen := make(map[int64]int)
	var hits []FileHit
	for rows.Next() {
		var headline string
		f, err := scanFile(rows, &headline)
		if err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		if i, ok := seen[f.ID]; ok {
			hits[i].Headline += "\n" + headline
			continue
		}
		seen[f.ID] = len(hits)
		hits = append(hits, FileHit{File: *f, Headline: headline})
	}
	return hits, rows.Err()
}

// phraseQuery quotes term as an FTS5 phrase.
func phraseQuery(term string) string {
	return `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
}

// ProjectsByIDs loads the given projects, skipping unknown IDs.
func (d *DB) ProjectsByIDs(ctx context.Context, ids []int64) ([]Project, error) {
	var projects []Project
	for _, id := range ids {
		p, err := d.GetProject(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, nil
}

func expectOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
