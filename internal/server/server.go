// Package server exposes the corpusx HTTP API and WebSocket channels.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ssd-technologies/corpusx/internal/artifact"
	"github.com/ssd-technologies/corpusx/internal/crypto"
	"github.com/ssd-technologies/corpusx/internal/pairing"
	"github.com/ssd-technologies/corpusx/internal/ratelimit"
	"github.com/ssd-technologies/corpusx/internal/relay"
	"github.com/ssd-technologies/corpusx/internal/search"
	"github.com/ssd-technologies/corpusx/internal/storage"
	"github.com/ssd-technologies/corpusx/internal/upload"
)

// Searcher accepts search jobs for background execution.
type Searcher interface {
	Enqueue(job search.Job) error
}

// Deps are the components a Server routes requests to.
type Deps struct {
	DB        *storage.DB
	Artifacts *artifact.Store
	Uploads   *upload.Store
	Pairing   *pairing.Service
	Directory *relay.Directory
	Router    *relay.Router
	Searches  Searcher
	Logger    *zap.Logger
}

// Options tune request limits and background work.
type Options struct {
	// RequestsPerMinute caps API requests per client IP. Zero disables it.
	RequestsPerMinute int
	// MessagesPerSecond caps inbound frames per WebSocket connection.
	MessagesPerSecond int
	// SweepAfter is the idle time after which a chunked upload is dropped.
	SweepAfter time.Duration
	// SweepInterval is how often abandoned uploads are looked for.
	SweepInterval time.Duration
}

// DefaultOptions returns the limits used by the serve command.
func DefaultOptions() Options {
	return Options{
		RequestsPerMinute: 600,
		MessagesPerSecond: 20,
		SweepAfter:        24 * time.Hour,
		SweepInterval:     10 * time.Minute,
	}
}

// Server is the main HTTP server for the corpusx API.
type Server struct {
	db        *storage.DB
	artifacts *artifact.Store
	uploads   *upload.Store
	pairing   *pairing.Service
	auth      *pairing.Authenticator
	directory *relay.Directory
	router    *relay.Router
	searches  Searcher
	opts      Options
	limiter   *ratelimit.Keyed
	upgrader  websocket.Upgrader
	logger    *zap.Logger
	mux       chi.Router
}

// New creates a new Server with all routes registered.
func New(d Deps, opts Options) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		db:        d.DB,
		artifacts: d.Artifacts,
		uploads:   d.Uploads,
		pairing:   d.Pairing,
		auth:      pairing.NewAuthenticator(d.DB),
		directory: d.Directory,
		router:    d.Router,
		searches:  d.Searches,
		opts:      opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
		mux:    chi.NewRouter(),
	}
	if opts.RequestsPerMinute > 0 {
		s.limiter = ratelimit.NewKeyed(opts.RequestsPerMinute, time.Minute)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/websockets/session_id", s.handleSessionID)

	// Session downloads are authorized by the session, not a key.
	r.Get("/api/files/{id}/session/{session}/download", s.handleSessionFileDownload)
	r.Get("/api/search_result/{id}/{session}/download", s.handleSearchResultDownload)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Use(s.auth.Middleware)

		// Chunked uploads
		r.Post("/api/files/chunked", s.handleInitiateUpload)
		r.Get("/api/files/chunked/{id}", s.handleGetUpload)
		r.Post("/api/files/chunked/{id}", s.handleAppendChunk)
		r.Post("/api/files/chunked/{id}/complete", s.handleCompleteUpload)
		r.Post("/api/files/chunked/{id}/complete/search_result/{resultId}", s.handleCompleteSearchResult)

		// Nodes and pairing
		r.Post("/api/register_node", s.handleRegisterNode)
		r.Post("/api/receive_key", s.handleReceiveKey)
		r.Get("/api/pyres", s.handleListPyres)
		r.Get("/api/pyres/{pyre}", s.handleGetPyre)

		// Search results and notifications
		r.Post("/api/search", s.handleSearch)
		r.Post("/api/search_result", s.handleCreateSearchResult)
		r.Post("/api/notify/file_upload_completed/{session}/{client}", s.handleNotifyFileUpload)
		r.Post("/api/notify/message/{session}/{client}", s.handleNotifyMessage)

		// Node channels
		r.Get("/ws/{kind}/{pyre}/{node}/", s.handleNodeChannel)
	})

	// Session channels
	r.Get("/ws/session/{session}/{client}/send/", s.handleSessionSend)
	r.Get("/ws/session/{session}/{client}/result/", s.handleSessionResult)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.router.Stats()
	body := map[string]any{
		"status":    "ok",
		"service":   "corpusx",
		"groups":    stats.Groups,
		"published": stats.Published,
		"delivered": stats.Delivered,
		"dropped":   stats.Dropped,
	}
	if s.limiter != nil {
		body["rate_limited"] = s.limiter.Rejected()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps a domain error to its HTTP status.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, upload.ErrHashMismatch):
		writeError(w, http.StatusBadRequest, "hash mismatch")
	case errors.Is(err, upload.ErrNotComplete):
		writeError(w, http.StatusBadRequest, "upload not complete")
	case errors.Is(err, upload.ErrOutOfOrder):
		writeError(w, http.StatusConflict, "offset ahead of upload")
	case errors.Is(err, upload.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "chunk exceeds declared size")
	case errors.Is(err, upload.ErrComplete):
		writeError(w, http.StatusConflict, "upload already complete")
	case errors.Is(err, upload.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crypto.ErrInvalidSignature), errors.Is(err, pairing.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, storage.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func callerKey(r *http.Request) *storage.APIKey {
	key, _ := pairing.KeyFrom(r.Context())
	return key
}
