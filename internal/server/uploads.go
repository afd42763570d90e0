package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ssd-technologies/corpusx/internal/relay"
	"github.com/ssd-technologies/corpusx/internal/storage"
	"github.com/ssd-technologies/corpusx/internal/upload"
)

// Multipart overhead allowed on top of one chunk.
const multipartSlack = 64 << 10

type initiateRequest struct {
	Filename     string `json:"filename"`
	Size         int64  `json:"size"`
	Hash         string `json:"hash"`
	FileCategory string `json:"file_category"`
}

type completeRequest struct {
	FileID      int64    `json:"file_id"`
	CreateFile  bool     `json:"create_file"`
	ProjectID   *int64   `json:"project_id"`
	LoadContent bool     `json:"load_content"`
	Path        []string `json:"path"`
	Description string   `json:"description"`
	Delete      bool     `json:"delete"`
}

type completeResponse struct {
	UploadID     string                `json:"upload_id"`
	Hash         string                `json:"hash"`
	File         *storage.File         `json:"file,omitempty"`
	SearchResult *storage.SearchResult `json:"search_result,omitempty"`
}

// handleInitiateUpload handles POST /api/files/chunked.
func (s *Server) handleInitiateUpload(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Filename == "" || req.Size < 0 {
		writeError(w, http.StatusBadRequest, "filename and a non-negative size are required")
		return
	}
	u, err := s.uploads.Initiate(r.Context(), req.Filename, req.Size, req.Hash, req.FileCategory)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	u, err := s.uploads.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// handleAppendChunk handles POST /api/files/chunked/{id} with multipart
// fields offset and chunk.
func (s *Server) handleAppendChunk(w http.ResponseWriter, r *http.Request) {
	limit := s.uploads.ChunkSize() + multipartSlack
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}
	offset, err := strconv.ParseInt(r.FormValue("offset"), 10, 64)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset is required")
		return
	}
	file, _, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, http.StatusBadRequest, "chunk is required")
		return
	}
	defer file.Close()
	chunk, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read chunk")
		return
	}

	u, err := s.uploads.Append(r.Context(), chi.URLParam(r, "id"), offset, chunk)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// handleCompleteUpload handles POST /api/files/chunked/{id}/complete.
func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FileID == 0 && !req.CreateFile {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	id := chi.URLParam(r, "id")
	p, err := s.uploads.Finalize(r.Context(), id, upload.Options{
		FileID:      req.FileID,
		CreateFile:  req.CreateFile,
		ProjectID:   req.ProjectID,
		Description: req.Description,
		LoadContent: req.LoadContent,
		Path:        req.Path,
		Delete:      req.Delete,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, completeResponse{UploadID: id, Hash: p.Artifact.Hash, File: p.File})
}

// handleCompleteSearchResult handles
// POST /api/files/chunked/{id}/complete/search_result/{resultId}. The result
// becomes downloadable and its session is told.
func (s *Server) handleCompleteSearchResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resultID, err := strconv.ParseInt(chi.URLParam(r, "resultId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid search result id")
		return
	}
	sr, err := s.db.GetSearchResult(ctx, resultID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	ok, err := s.db.KeyHasPyre(ctx, callerKey(r).ID, sr.PyreName)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	id := chi.URLParam(r, "id")
	p, err := s.uploads.Finalize(ctx, id, upload.Options{SearchResultID: resultID, Delete: true})
	if err != nil {
		s.writeErr(w, err)
		return
	}

	if sr := p.SearchResult; sr.SessionID != "" {
		env, err := relay.Envelope{
			Message:     "Results found",
			RequestType: relay.RequestSearch,
			SenderID:    sr.NodeName,
			TargetID:    sr.ClientID,
			ChannelType: relay.RequestSearchResult,
			SessionID:   sr.SessionID,
			ClientID:    sr.ClientID,
			PyreName:    sr.PyreName,
		}.WithData(sr)
		if err == nil {
			n := s.publish(ctx, relay.ResultGroup(sr.SessionID), env)
			s.logger.Info("search result delivered",
				zap.Int64("search_result_id", sr.ID),
				zap.String("node", sr.NodeName),
				zap.Int("subscribers", n))
		}
	}
	writeJSON(w, http.StatusOK, completeResponse{UploadID: id, Hash: p.Artifact.Hash, SearchResult: p.SearchResult})
}
