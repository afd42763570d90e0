// internal/storage/models.go
package storage

import "encoding/json"

// Upload statuses.
const (
	UploadPending    = "pending"
	UploadInProgress = "in_progress"
	UploadComplete   = "complete"
)

// Search result statuses.
const (
	ResultPending    = "pending"
	ResultInProgress = "in_progress"
	ResultComplete   = "complete"
	ResultFailed     = "failed"
)

// PublicName names the interchange and topic that always exist.
const PublicName = "public"

type Topic struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Project struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"created_at"`
}

type File struct {
	ID           int64    `json:"id"`
	ProjectID    *int64   `json:"project_id,omitempty"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Hash         string   `json:"hash"`
	FileType     string   `json:"file_type"`
	FileCategory string   `json:"file_category"`
	Path         []string `json:"path"`
	ArtifactID   string   `json:"-"`
	Size         int64    `json:"size"`
	LoadContent  bool     `json:"load_content"`
	CreatedAt    int64    `json:"created_at"`
}

// FileHit is one full-text match: the file and the engine's headline with
// every matched token wrapped in <b></b>.
type FileHit struct {
	File     File
	Headline string
}

type APIKey struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	KeyHash   string `json:"-"`
	AccessAll bool   `json:"access_all"`
	RemoteID  *int64 `json:"remote_id,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// APIKeyRemote is the outbound half of a pairing: where the peer lives and
// the sealed copy of the key it issued to us.
type APIKeyRemote struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Token     string `json:"-"`
	Hostname  string `json:"hostname"`
	Protocol  string `json:"protocol"`
	Port      int    `json:"port"`
	CreatedAt int64  `json:"created_at"`
}

type Pyre struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
}

type Node struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	APIKeyID  *int64 `json:"api_key_id,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

type Session struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

type ChunkedUpload struct {
	UploadID     string `json:"upload_id"`
	Filename     string `json:"filename"`
	FileCategory string `json:"file_category"`
	TotalSize    int64  `json:"total_size"`
	Offset       int64  `json:"offset"`
	Hash         string `json:"hash"`
	ChunkSize    int64  `json:"chunk_size"`
	Status       string `json:"status"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

type SearchResult struct {
	ID          int64  `json:"id"`
	PyreID      int64  `json:"pyre_id"`
	PyreName    string `json:"pyre_name"`
	NodeID      *int64 `json:"node_id,omitempty"`
	NodeName    string `json:"node_name,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	SearchQuery string `json:"search_query"`
	Status      string `json:"status"`
	ArtifactID  string `json:"-"`
	Hash        string `json:"hash,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// AnalysisGroup ties a searched file to its differential analysis, an
// optional sample annotation file and a comparison matrix. The searched and
// differential files are row-aligned.
type AnalysisGroup struct {
	ID                     int64           `json:"id"`
	Name                   string          `json:"name"`
	SearchedFileID         int64           `json:"searched_file_id"`
	DifferentialFileID     int64           `json:"differential_file_id"`
	SampleAnnotationFileID *int64          `json:"sample_annotation_file_id,omitempty"`
	ComparisonMatrix       json.RawMessage `json:"comparison_matrix,omitempty"`
}
