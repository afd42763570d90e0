package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/corpusx/internal/artifact"
	"github.com/ssd-technologies/corpusx/internal/relay"
	"github.com/ssd-technologies/corpusx/internal/storage"
)

// Session-facing messages.
const (
	MessageNoResults    = "No results found"
	MessageSearchFailed = "Search failed"
)

// ResultsFound is the message announcing a non-empty result.
func ResultsFound(n int) string {
	return fmt.Sprintf("Results found %d", n)
}

// failureTimeout bounds a failure report sent after the job's own context
// may already be done.
const failureTimeout = 10 * time.Second

// Coordinator runs a job and delivers its outcome. Failures are reported to
// the originating session by the coordinator itself; the returned error is
// only for logging.
type Coordinator interface {
	Execute(ctx context.Context, job Job) error
}

// Failer is implemented by coordinators that can report a job that died
// before Execute returned.
type Failer interface {
	Fail(ctx context.Context, job Job, cause error)
}

func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), failureTimeout)
}

// ResultPayload is the data of a search envelope sent to a session.
type ResultPayload struct {
	SearchResult *storage.SearchResult `json:"search_result,omitempty"`
	Document     *Document             `json:"document,omitempty"`
	Error        string                `json:"error,omitempty"`
}

func persistResult(ctx context.Context, db *storage.DB, artifacts *artifact.Store, job Job, doc *Document, status string) (*storage.SearchResult, error) {
	data, err := doc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	pyreName := job.Pyre
	if pyreName == "" {
		pyreName = storage.PublicName
	}
	pyre, err := db.EnsurePyre(ctx, pyreName)
	if err != nil {
		return nil, err
	}
	ref, err := artifacts.Put(ctx, data)
	if err != nil {
		return nil, err
	}
	r := &storage.SearchResult{
		PyreID:      pyre.ID,
		SessionID:   job.SessionID,
		ClientID:    job.ClientID,
		SearchQuery: job.Term,
		Status:      status,
		ArtifactID:  ref.ID,
		Hash:        ref.Hash,
	}
	if err := db.CreateSearchResult(ctx, r); err != nil {
		artifacts.Delete(ref.ID)
		return nil, err
	}
	r.PyreName = pyre.Name
	return r, nil
}

// HostSearchCoordinator runs searches on the host and answers the session
// through the router.
type HostSearchCoordinator struct {
	pipeline  *Pipeline
	db        *storage.DB
	artifacts *artifact.Store
	directory *relay.Directory
	router    *relay.Router
	logger    *zap.Logger
}

// NewHostSearchCoordinator creates a host coordinator.
func NewHostSearchCoordinator(p *Pipeline, db *storage.DB, artifacts *artifact.Store,
	directory *relay.Directory, router *relay.Router, logger *zap.Logger) *HostSearchCoordinator {
	return &HostSearchCoordinator{
		pipeline:  p,
		db:        db,
		artifacts: artifacts,
		directory: directory,
		router:    router,
		logger:    logger,
	}
}

// Execute runs the job, binds the session file set when a session is given,
// persists the result and publishes it on the session's result channel.
func (h *HostSearchCoordinator) Execute(ctx context.Context, job Job) error {
	doc, err := h.pipeline.Run(ctx, job)
	if err != nil {
		h.Fail(ctx, job, err)
		return err
	}
	if doc.Empty() {
		h.publish(ctx, job, MessageNoResults, ResultPayload{Document: doc})
		return nil
	}

	if job.SessionID != "" {
		err := h.directory.SetSessionFiles(ctx, job.SessionID, doc.FileIDs())
		if errors.Is(err, storage.ErrNotFound) {
			// Closed while the job ran; nobody is left to read the result.
			h.logger.Debug("session gone, result dropped", zap.String("session_id", job.SessionID))
			return nil
		}
		if err != nil {
			h.Fail(ctx, job, err)
			return err
		}
	}

	result, err := persistResult(ctx, h.db, h.artifacts, job, doc, storage.ResultComplete)
	if err != nil {
		h.Fail(ctx, job, err)
		return err
	}
	h.publish(ctx, job, ResultsFound(len(doc.Files)), ResultPayload{SearchResult: result, Document: doc})
	return nil
}

// Fail tells the job's session that its search failed.
func (h *HostSearchCoordinator) Fail(ctx context.Context, job Job, cause error) {
	ctx, cancel := detach(ctx)
	defer cancel()
	h.publish(ctx, job, MessageSearchFailed, ResultPayload{Error: cause.Error()})
}

func (h *HostSearchCoordinator) publish(ctx context.Context, job Job, message string, payload ResultPayload) {
	if job.SessionID == "" {
		return
	}
	sender := job.NodeID
	if sender == "" {
		sender = "host"
	}
	env := relay.Envelope{
		Message:     message,
		RequestType: relay.RequestSearch,
		SenderID:    sender,
		TargetID:    job.ClientID,
		SessionID:   job.SessionID,
		ClientID:    job.ClientID,
		PyreName:    job.Pyre,
	}
	env, err := env.WithData(payload)
	if err != nil {
		h.logger.Error("encode search payload", zap.Error(err))
		return
	}
	n := h.router.Publish(ctx, relay.ResultGroup(job.SessionID), env)
	h.logger.Debug("search published",
		zap.String("session_id", job.SessionID),
		zap.String("message", message),
		zap.Int("subscribers", n))
}

// Uplink is a node's path back to its host.
type Uplink interface {
	// DeliverResult uploads a result document and returns the host's search
	// result ID.
	DeliverResult(ctx context.Context, job Job, document []byte) (int64, error)
	// Notify sends a plain message to the job's session.
	Notify(ctx context.Context, job Job, message string) error
}

// NodeSearchCoordinator runs searches on a node and ships the outcome to the
// host.
type NodeSearchCoordinator struct {
	pipeline  *Pipeline
	db        *storage.DB
	artifacts *artifact.Store
	uplink    Uplink
	logger    *zap.Logger
}

// NewNodeSearchCoordinator creates a node coordinator.
func NewNodeSearchCoordinator(p *Pipeline, db *storage.DB, artifacts *artifact.Store, uplink Uplink, logger *zap.Logger) *NodeSearchCoordinator {
	return &NodeSearchCoordinator{
		pipeline:  p,
		db:        db,
		artifacts: artifacts,
		uplink:    uplink,
		logger:    logger,
	}
}

// Execute runs the job. Matches are persisted locally, delivered to the host
// and the local copy discarded. No match sends a notification instead.
func (n *NodeSearchCoordinator) Execute(ctx context.Context, job Job) error {
	doc, err := n.pipeline.Run(ctx, job)
	if err != nil {
		n.Fail(ctx, job, err)
		return err
	}
	if doc.Empty() {
		n.notify(ctx, job, MessageNoResults)
		return nil
	}

	local, err := persistResult(ctx, n.db, n.artifacts, job, doc, storage.ResultInProgress)
	if err != nil {
		n.Fail(ctx, job, err)
		return err
	}
	data, err := n.artifacts.Get(ctx, local.ArtifactID)
	if err != nil {
		n.markFailed(ctx, local.ID)
		n.Fail(ctx, job, err)
		return fmt.Errorf("read result %d: %w", local.ID, err)
	}

	remoteID, err := n.uplink.DeliverResult(ctx, job, data)
	if err != nil {
		n.markFailed(ctx, local.ID)
		n.Fail(ctx, job, err)
		return fmt.Errorf("deliver result %d: %w", local.ID, err)
	}

	if err := n.db.DeleteSearchResult(ctx, local.ID); err != nil {
		n.logger.Warn("discard local result", zap.Int64("result_id", local.ID), zap.Error(err))
	}
	if err := n.artifacts.Delete(local.ArtifactID); err != nil {
		n.logger.Warn("discard local artifact", zap.String("artifact_id", local.ArtifactID), zap.Error(err))
	}
	n.logger.Info("search result delivered",
		zap.String("term", job.Term),
		zap.Int64("remote_result_id", remoteID),
		zap.Int("files", len(doc.Files)))
	return nil
}

// Fail tells the job's session, through the host, that its search failed.
func (n *NodeSearchCoordinator) Fail(ctx context.Context, job Job, cause error) {
	ctx, cancel := detach(ctx)
	defer cancel()
	n.logger.Debug("search failed", zap.String("term", job.Term), zap.Error(cause))
	n.notify(ctx, job, MessageSearchFailed)
}

func (n *NodeSearchCoordinator) markFailed(ctx context.Context, id int64) {
	ctx, cancel := detach(ctx)
	defer cancel()
	if err := n.db.SetSearchResultStatus(ctx, id, storage.ResultFailed); err != nil {
		n.logger.Warn("mark result failed", zap.Int64("result_id", id), zap.Error(err))
	}
}

func (n *NodeSearchCoordinator) notify(ctx context.Context, job Job, message string) {
	if err := n.uplink.Notify(ctx, job, message); err != nil {
		n.logger.Warn("notify host", zap.String("message", message), zap.Error(err))
	}
}
