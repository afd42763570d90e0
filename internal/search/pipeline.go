// Package search runs full-text queries over the visible file set,
// correlates the hits line by line, joins analysis groups and hands the
// resulting document to a host or node coordinator.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ssd-technologies/corpusx/internal/artifact"
	"github.com/ssd-technologies/corpusx/internal/storage"
)

// Pipeline turns a Job into a Document.
type Pipeline struct {
	db        *storage.DB
	artifacts *artifact.Store
	logger    *zap.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(db *storage.DB, artifacts *artifact.Store, logger *zap.Logger) *Pipeline {
	return &Pipeline{db: db, artifacts: artifacts, logger: logger}
}

// Run executes the search. An empty term yields an empty document.
func (p *Pipeline) Run(ctx context.Context, job Job) (*Document, error) {
	doc := &Document{
		Term:        job.Term,
		Description: job.Description,
		Files:       []FileResult{},
		Projects:    []storage.Project{},
	}
	if strings.TrimSpace(job.Term) == "" {
		return doc, nil
	}

	scope := job.Scope.visibility(job)
	hits, err := p.db.SearchFiles(ctx, scope, job.Term, job.Description)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", job.Term, err)
	}
	if len(hits) == 0 {
		return doc, nil
	}

	content := newContentCache(p, scope)
	var projectIDs []int64
	seenProject := make(map[int64]bool)
	for _, hit := range hits {
		content.visible[hit.File.ID] = true
		terms := extractTerms(hit.Headline)
		text, err := content.text(ctx, hit.File.ID)
		if err != nil {
			return nil, err
		}
		c := correlateLines(text, terms)

		f := hit.File
		doc.Files = append(doc.Files, FileResult{
			ID:           f.ID,
			Name:         f.Name,
			Description:  f.Description,
			Hash:         f.Hash,
			FileType:     f.FileType,
			FileCategory: f.FileCategory,
			Path:         f.Path,
			ProjectID:    f.ProjectID,
			Terms:        nonNil(terms),
			Lines:        nonNilInts(c.lines),
			LineTerms:    c.lineTerms,
			TermLines:    c.termLines,
			Analysis:     []*Analysis{},
		})
		if f.ProjectID != nil && !seenProject[*f.ProjectID] {
			seenProject[*f.ProjectID] = true
			projectIDs = append(projectIDs, *f.ProjectID)
		}
	}

	if err := p.mergeAnalysis(ctx, doc.Files, content); err != nil {
		return nil, fmt.Errorf("merge analysis: %w", err)
	}

	projects, err := p.db.ProjectsByIDs(ctx, projectIDs)
	if err != nil {
		return nil, err
	}
	if projects != nil {
		doc.Projects = projects
	}

	p.logger.Debug("search complete",
		zap.String("term", job.Term),
		zap.String("pyre", job.Pyre),
		zap.Int("files", len(doc.Files)))
	return doc, nil
}

// contentCache loads file text once per run. Indexed text is preferred; files
// that were never indexed are read from their artifact.
type contentCache struct {
	p       *Pipeline
	scope   storage.Visibility
	texts   map[int64]string
	visible map[int64]bool
}

func newContentCache(p *Pipeline, scope storage.Visibility) *contentCache {
	return &contentCache{
		p:       p,
		scope:   scope,
		texts:   make(map[int64]string),
		visible: make(map[int64]bool),
	}
}

func (c *contentCache) text(ctx context.Context, fileID int64) (string, error) {
	if t, ok := c.texts[fileID]; ok {
		return t, nil
	}
	t, err := c.p.db.FileText(ctx, fileID)
	if errors.Is(err, storage.ErrNotFound) {
		t, err = c.fromArtifact(ctx, fileID)
	}
	if err != nil {
		return "", err
	}
	c.texts[fileID] = t
	return t, nil
}

func (c *contentCache) fromArtifact(ctx context.Context, fileID int64) (string, error) {
	f, err := c.p.db.GetFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	if f.ArtifactID == "" || c.p.artifacts == nil {
		return "", fmt.Errorf("file %d has no content: %w", fileID, storage.ErrNotFound)
	}
	data, err := c.p.artifacts.Get(ctx, f.ArtifactID)
	if err != nil {
		return "", fmt.Errorf("load file %d: %w", fileID, err)
	}
	return string(data), nil
}

func (c *contentCache) lines(ctx context.Context, fileID int64) ([]string, error) {
	t, err := c.text(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return splitLines(t), nil
}

// optionalLines returns nil for files that are missing or outside the scope.
func (c *contentCache) optionalLines(ctx context.Context, fileID int64) ([]string, error) {
	ok, seen := c.visible[fileID]
	if !seen {
		var err error
		if ok, err = c.p.db.FileVisible(ctx, c.scope, fileID); err != nil {
			return nil, err
		}
		c.visible[fileID] = ok
	}
	if !ok {
		return nil, nil
	}
	l, err := c.lines(ctx, fileID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return l, err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilInts(s []int) []int {
	if s == nil {
		return []int{}
	}
	return s
}
