package search

import (
	"encoding/json"

	"github.com/ssd-technologies/corpusx/internal/storage"
)

// ScopeKind selects how the visible file set is resolved.
type ScopeKind int

const (
	// ScopeAll sees every file. Used for local and admin searches.
	ScopeAll ScopeKind = iota
	// ScopeAPIKey sees the key's granted projects and its topics' projects.
	ScopeAPIKey
	// ScopePyre sees the projects linked to the interchange's topics.
	ScopePyre
)

// Scope is the authentication scope of a search.
type Scope struct {
	Kind     ScopeKind `json:"kind"`
	APIKeyID int64     `json:"api_key_id,omitempty"`
	Pyre     string    `json:"pyre,omitempty"`
}

func (s Scope) visibility(job Job) storage.Visibility {
	switch s.Kind {
	case ScopeAPIKey:
		return storage.Visibility{APIKeyID: s.APIKeyID}
	case ScopePyre:
		pyre := s.Pyre
		if pyre == "" {
			pyre = job.Pyre
		}
		return storage.Visibility{Pyre: pyre}
	default:
		return storage.Visibility{}
	}
}

// Job is one search request.
type Job struct {
	Term        string `json:"term"`
	Description string `json:"description"`
	Pyre        string `json:"pyre"`
	SessionID   string `json:"session_id"`
	NodeID      string `json:"node_id"`
	ClientID    string `json:"client_id"`
	Scope       Scope  `json:"scope"`
}

// Document is the correlated result of a search.
type Document struct {
	Term        string            `json:"term"`
	Description string            `json:"description"`
	Files       []FileResult      `json:"files"`
	Projects    []storage.Project `json:"projects"`
}

// Empty reports whether no file matched.
func (d *Document) Empty() bool { return len(d.Files) == 0 }

// FileIDs returns the IDs of the matched files in document order.
func (d *Document) FileIDs() []int64 {
	ids := make([]int64, len(d.Files))
	for i, f := range d.Files {
		ids[i] = f.ID
	}
	return ids
}

// Marshal encodes the document as stored in search-result artifacts.
func (d *Document) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// FileResult is one matched file with its correlated lines.
type FileResult struct {
	ID           int64            `json:"id"`
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	Hash         string           `json:"hash"`
	FileType     string           `json:"file_type"`
	FileCategory string           `json:"file_category"`
	Path         []string         `json:"path"`
	ProjectID    *int64           `json:"project_id"`
	Terms        []string         `json:"terms"`
	Lines        []int            `json:"lines"`
	LineTerms    map[int][]string `json:"line_terms"`
	TermLines    map[string][]int `json:"term_lines"`
	Analysis     []*Analysis      `json:"analysis"`
}

// AnalysisRow is one row-aligned line of an analysis group.
type AnalysisRow struct {
	Line         int    `json:"line"`
	Searched     string `json:"searched"`
	Differential string `json:"differential"`
}

// Analysis is the slice of an AnalysisGroup selected by matched lines. Both
// files of the group share one Analysis when both appear in a result.
type Analysis struct {
	GroupID            int64           `json:"group_id"`
	Name               string          `json:"name"`
	SearchedFileID     int64           `json:"searched_file_id"`
	DifferentialFileID int64           `json:"differential_file_id"`
	SearchedHeader     string          `json:"searched_header"`
	DifferentialHeader string          `json:"differential_header"`
	Rows               []AnalysisRow   `json:"rows"`
	ComparisonMatrix   json.RawMessage `json:"comparison_matrix,omitempty"`
	SampleAnnotation   []string        `json:"sample_annotation,omitempty"`
}
