package server

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ssd-technologies/corpusx/internal/integrity"
	"github.com/ssd-technologies/corpusx/internal/pairing"
	"github.com/ssd-technologies/corpusx/internal/relay"
	"github.com/ssd-technologies/corpusx/internal/search"
	"github.com/ssd-technologies/corpusx/internal/storage"
)

// publishTimeout bounds how long one publish waits on slow subscribers.
const publishTimeout = 5 * time.Second

func (s *Server) publish(ctx context.Context, group string, env relay.Envelope) int {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	return s.router.Publish(ctx, group, env)
}

// handleRegisterNode handles POST /api/register_node. A name is owned by the
// first key that registers it.
func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeName string `json:"node_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeName == "" {
		writeError(w, http.StatusBadRequest, "node_name is required")
		return
	}
	n, err := s.db.RegisterNode(r.Context(), req.NodeName, callerKey(r).ID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": n.ID, "name": n.Name})
}

// handleReceiveKey handles POST /api/receive_key: the caller hands over the
// key this server should present when calling it back.
func (s *Server) handleReceiveKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
		pairing.Address
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Key == "" || req.Host == "" {
		writeError(w, http.StatusBadRequest, "key and hostname are required")
		return
	}
	remote, err := s.pairing.Pair(r.Context(), callerKey(r).ID, req.Key, req.Address)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.logger.Info("remote paired",
		zap.Int64("api_key_id", callerKey(r).ID),
		zap.String("remote", remote.Hostname))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListPyres(w http.ResponseWriter, r *http.Request) {
	names, err := s.db.ListPyreNames(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

// handleGetPyre handles GET /api/pyres/{pyre}: 200 when the caller may use
// the interchange, 403 when not.
func (s *Server) handleGetPyre(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "pyre")
	p, err := s.db.GetPyreByName(r.Context(), name)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	ok, err := s.db.KeyHasPyre(r.Context(), callerKey(r).ID, name)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleCreateSearchResult handles POST /api/search_result. Nodes register a
// result here before uploading its document.
func (s *Server) handleCreateSearchResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Pyre        string `json:"pyre_name"`
		Node        string `json:"node_id"`
		SessionID   string `json:"session_id"`
		ClientID    string `json:"client_id"`
		SearchQuery string `json:"search_query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Pyre == "" || req.Node == "" {
		writeError(w, http.StatusBadRequest, "pyre_name and node_id are required")
		return
	}
	key := callerKey(r)
	ok, err := s.db.KeyHasPyre(ctx, key.ID, req.Pyre)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	pyre, perr := s.db.GetPyreByName(ctx, req.Pyre)
	node, nerr := s.db.GetNodeByName(ctx, req.Node)
	if !ok || perr != nil || nerr != nil || node.APIKeyID == nil || *node.APIKeyID != key.ID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	sr := &storage.SearchResult{
		PyreID:      pyre.ID,
		NodeID:      &node.ID,
		SessionID:   req.SessionID,
		ClientID:    req.ClientID,
		SearchQuery: req.SearchQuery,
		Status:      storage.ResultPending,
	}
	if err := s.db.CreateSearchResult(ctx, sr); err != nil {
		s.writeErr(w, err)
		return
	}
	created, err := s.db.GetSearchResult(ctx, sr.ID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleSearch handles POST /api/search. The host searches the files the
// caller's key was granted and answers on the session's result channel.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Term        string `json:"term"`
		Description string `json:"description"`
		SessionID   string `json:"session_id"`
		ClientID    string `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Term == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "term and session_id are required")
		return
	}
	if _, err := s.db.GetSession(ctx, req.SessionID); err != nil {
		s.writeErr(w, err)
		return
	}

	job := search.Job{
		Term:        req.Term,
		Description: req.Description,
		Pyre:        storage.PublicName,
		SessionID:   req.SessionID,
		ClientID:    req.ClientID,
		Scope:       search.Scope{Kind: search.ScopeAPIKey, APIKeyID: callerKey(r).ID},
	}
	if err := s.searches.Enqueue(job); err != nil {
		s.logger.Warn("search not queued", zap.String("session_id", req.SessionID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "search queue full")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// handleNotifyFileUpload handles
// POST /api/notify/file_upload_completed/{session}/{client}. The delivered
// file becomes downloadable by the session, which is sent the old and new
// file records.
func (s *Server) handleNotifyFileUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, client := chi.URLParam(r, "session"), chi.URLParam(r, "client")
	var req struct {
		FileID   int64           `json:"file_id"`
		OldFile  json.RawMessage `json:"old_file"`
		ServerID string          `json:"server_id"`
		PyreName string          `json:"pyre_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileID == 0 {
		writeError(w, http.StatusBadRequest, "file_id is required")
		return
	}
	f, err := s.db.GetFile(ctx, req.FileID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.directory.RecordDelivery(ctx, session, f.ID); err != nil {
		s.writeErr(w, err)
		return
	}

	old := req.OldFile
	if len(old) == 0 {
		old = json.RawMessage("null")
	}
	env, err := relay.Envelope{
		Message:     "File uploaded",
		RequestType: relay.RequestFileUpload,
		SenderID:    req.ServerID,
		TargetID:    client,
		ChannelType: "file",
		SessionID:   session,
		ClientID:    client,
		PyreName:    req.PyreName,
	}.WithData([]any{old, f})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	n := s.publish(ctx, relay.ResultGroup(session), env)
	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

// handleNotifyMessage handles POST /api/notify/message/{session}/{client}.
func (s *Server) handleNotifyMessage(w http.ResponseWriter, r *http.Request) {
	session, client := chi.URLParam(r, "session"), chi.URLParam(r, "client")
	var env relay.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	env.TargetID = client
	env.SessionID = session
	env.ClientID = client
	n := s.publish(r.Context(), relay.ResultGroup(session), env)
	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

func (s *Server) handleSessionID(w http.ResponseWriter, r *http.Request) {
	id := uuid.New().String()
	if err := s.directory.OpenSession(r.Context(), id, ""); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

// handleSessionFileDownload handles
// GET /api/files/{id}/session/{session}/download.
func (s *Server) handleSessionFileDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}
	ok, err := s.directory.MayDownload(ctx, chi.URLParam(r, "session"), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	f, err := s.db.GetFile(ctx, id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if f.ArtifactID == "" {
		writeError(w, http.StatusNotFound, "file has no content")
		return
	}
	data, err := s.artifacts.Get(ctx, f.ArtifactID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeAttachment(w, f.Name, data)
}

// handleSearchResultDownload handles
// GET /api/search_result/{id}/{session}/download. The artifact is checked
// against the recorded hash before it is served.
func (s *Server) handleSearchResultDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid search result id")
		return
	}
	sr, err := s.db.GetSearchResult(ctx, id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if sr.SessionID != chi.URLParam(r, "session") || sr.ArtifactID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	data, err := s.artifacts.Get(ctx, sr.ArtifactID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !integrity.Equal(integrity.HashBytes(data), sr.Hash) {
		s.logger.Error("search result failed integrity check", zap.Int64("search_result_id", sr.ID))
		s.writeErr(w, errors.New("integrity check failed"))
		return
	}
	writeAttachment(w, "search_result_"+strconv.FormatInt(sr.ID, 10)+".json", data)
}

func writeAttachment(w http.ResponseWriter, name string, data []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
