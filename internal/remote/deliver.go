package remote

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/ssd-technologies/corpusx/internal/integrity"
	"github.com/ssd-technologies/corpusx/internal/storage"
	"github.com/ssd-technologies/corpusx/internal/upload"
)

// Artifact is a payload to push to the peer.
type Artifact struct {
	Name     string
	Category string
	Data     []byte
}

// Target says what the peer should do with a finished upload.
type Target struct {
	SearchResultID int64
	FileID         int64
	CreateFile     bool
	ProjectID      *int64
	LoadContent    bool
	Path           []string
	Description    string
}

// Delivered is the peer's answer to a finalized upload.
type Delivered struct {
	UploadID     string                `json:"upload_id"`
	Hash         string                `json:"hash"`
	File         *storage.File         `json:"file,omitempty"`
	SearchResult *storage.SearchResult `json:"search_result,omitempty"`
}

type initiateRequest struct {
	Filename     string `json:"filename"`
	Size         int64  `json:"size"`
	Hash         string `json:"hash"`
	FileCategory string `json:"file_category"`
}

type completeRequest struct {
	FileID      int64    `json:"file_id,omitempty"`
	CreateFile  bool     `json:"create_file,omitempty"`
	ProjectID   *int64   `json:"project_id,omitempty"`
	LoadContent bool     `json:"load_content,omitempty"`
	Path        []string `json:"path,omitempty"`
	Description string   `json:"description,omitempty"`
	Delete      bool     `json:"delete"`
}

// Deliver uploads a in chunks and finalizes it on the peer. A failed chunk
// is retried from the offset the peer reports, at most maxRetries times.
func (c *Client) Deliver(ctx context.Context, a Artifact, t Target) (*Delivered, error) {
	size := int64(len(a.Data))
	var up upload.Upload
	err := c.postJSON(ctx, "/api/files/chunked", initiateRequest{
		Filename:     a.Name,
		Size:         size,
		Hash:         integrity.HashBytes(a.Data),
		FileCategory: a.Category,
	}, &up)
	if err != nil {
		return nil, fmt.Errorf("deliver %s: initiate: %w", a.Name, err)
	}

	chunkSize := up.ChunkSize
	if chunkSize <= 0 {
		chunkSize = upload.DefaultChunkSize
	}

	failures := 0
	for up.Status != storage.UploadComplete {
		offset := up.Offset
		end := min(offset+chunkSize, size)
		next, err := c.appendChunk(ctx, up.UploadID, offset, a.Data[offset:end])
		if err == nil {
			up = *next
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		failures++
		if failures > c.maxRetries {
			return nil, fmt.Errorf("deliver %s: chunk at %d: %w", a.Name, offset, err)
		}
		c.logger.Warn("chunk failed, resuming",
			zap.String("upload", up.UploadID),
			zap.Int64("offset", offset),
			zap.Int("attempt", failures),
			zap.Error(err),
		)
		state, gerr := c.GetUpload(ctx, up.UploadID)
		if gerr != nil {
			return nil, fmt.Errorf("deliver %s: resume: %w", a.Name, gerr)
		}
		if state.Offset > offset {
			failures = 0
		}
		up = *state
	}

	path := "/api/files/chunked/" + url.PathEscape(up.UploadID) + "/complete"
	if t.SearchResultID != 0 {
		path += "/search_result/" + itoa(t.SearchResultID)
	}
	var out Delivered
	err = c.postJSON(ctx, path, completeRequest{
		FileID:      t.FileID,
		CreateFile:  t.CreateFile,
		ProjectID:   t.ProjectID,
		LoadContent: t.LoadContent,
		Path:        t.Path,
		Description: t.Description,
		Delete:      true,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("deliver %s: finalize: %w", a.Name, err)
	}
	return &out, nil
}

func (c *Client) appendChunk(ctx context.Context, id string, offset int64, chunk []byte) (*upload.Upload, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("offset", itoa(offset)); err != nil {
		return nil, err
	}
	part, err := mw.CreateFormFile("chunk", "chunk")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(chunk); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var out upload.Upload
	err = c.do(ctx, http.MethodPost, "/api/files/chunked/"+url.PathEscape(id), &body, mw.FormDataContentType(), &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
