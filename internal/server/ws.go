package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ssd-technologies/corpusx/internal/ratelimit"
	"github.com/ssd-technologies/corpusx/internal/relay"
	"github.com/ssd-technologies/corpusx/internal/search"
	"github.com/ssd-technologies/corpusx/internal/storage"
)

const maxFrameSize = 1 << 20

// Channel labels written into channelType on delivery.
const (
	labelHandshake   = "initial"
	labelSearch      = "search"
	labelFileRequest = "file"
	labelResult      = "result"
	labelUserSend    = "user-send"
	labelUserResult  = "user-result"
	hostSender       = "host"
)

func nodeLabel(kind relay.Kind) string {
	switch kind {
	case relay.KindHandshake:
		return labelHandshake
	case relay.KindSearch:
		return labelSearch
	case relay.KindFileRequest:
		return labelFileRequest
	default:
		return labelResult
	}
}

// serveConn runs the read loop of an upgraded connection. handle is called
// for every well-formed envelope within the connection's message budget.
func (s *Server) serveConn(ctx context.Context, conn *relay.Conn, handle func(context.Context, relay.Envelope)) {
	go conn.WritePump()
	conn.PrepareRead(maxFrameSize)

	var limiter *ratelimit.Limiter
	if s.opts.MessagesPerSecond > 0 {
		limiter = ratelimit.New(s.opts.MessagesPerSecond, time.Second)
	}
	for {
		env, err := conn.ReadEnvelope()
		if errors.Is(err, relay.ErrMalformed) {
			s.logger.Warn("dropping malformed envelope", zap.Error(err))
			continue
		}
		if err != nil {
			return
		}
		if limiter != nil && !limiter.Allow() {
			s.logger.Warn("dropping envelope over rate limit", zap.String("request_type", env.RequestType))
			continue
		}
		handle(ctx, env)
	}
}

// handleNodeChannel serves /ws/{kind}/{pyre}/{node}/. The node must belong
// to the caller's key and the key must be allowed on the interchange.
func (s *Server) handleNodeChannel(w http.ResponseWriter, r *http.Request) {
	kind, err := relay.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	ctx := r.Context()
	pyre, node := chi.URLParam(r, "pyre"), chi.URLParam(r, "node")
	key := callerKey(r)

	n, err := s.db.GetNodeByName(ctx, node)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if n.APIKeyID == nil || *n.APIKeyID != key.ID {
		writeError(w, http.StatusForbidden, "node belongs to another key")
		return
	}
	if _, err := s.db.GetPyreByName(ctx, pyre); err != nil {
		s.writeErr(w, err)
		return
	}
	ok, err := s.db.KeyHasPyre(ctx, key.ID, pyre)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	logger := s.logger.With(zap.String("pyre", pyre), zap.String("node", node), zap.String("kind", string(kind)))
	conn := relay.NewConn(ws, nodeLabel(kind), relay.DefaultQueueSize, logger)
	group := relay.NodeGroup(pyre, node, kind)

	lease := s.directory.Subscribe(pyre, node, kind)
	s.router.Subscribe(group, conn)
	logger.Info("node attached")
	defer func() {
		s.router.Unsubscribe(group, conn)
		if s.directory.Disconnect(pyre, node, kind, lease) {
			// Evicted sockets would stay open but unroutable.
			for _, k := range relay.Kinds {
				if k != kind {
					s.router.Evict(relay.NodeGroup(pyre, node, k))
				}
			}
		}
		conn.Close()
		logger.Info("node detached")
	}()

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	s.serveConn(ctx, conn, func(ctx context.Context, env relay.Envelope) {
		s.handleNodeEnvelope(ctx, pyre, node, kind, env)
	})
}

func (s *Server) handleNodeEnvelope(ctx context.Context, pyre, node string, kind relay.Kind, env relay.Envelope) {
	env.PyreName = pyre
	switch kind {
	case relay.KindHandshake:
		s.publish(ctx, relay.NodeGroup(pyre, node, kind), relay.Envelope{
			Message:     env.Message,
			RequestType: env.RequestType,
			SenderID:    node,
			TargetID:    env.SenderID,
			Data:        json.RawMessage("{}"),
		})

	case relay.KindSearch:
		switch env.RequestType {
		case relay.RequestSearch:
			env.SenderID = hostSender
			for _, n := range s.directory.Nodes(pyre, relay.KindSearch) {
				env.TargetID = n
				s.publish(ctx, relay.NodeGroup(pyre, n, relay.KindSearch), env)
			}
		case relay.RequestSearchResult:
			s.toSession(ctx, env)
		default:
			s.logger.Debug("unhandled search envelope", zap.String("request_type", env.RequestType))
		}

	case relay.KindFileRequest:
		switch env.RequestType {
		case relay.RequestUserFileRequest:
			s.forwardFileRequest(ctx, pyre, env)
		case relay.RequestFileUpload:
			if err := s.relayFileUpload(ctx, env); err != nil {
				s.logger.Warn("file-upload not relayed", zap.String("node", node), zap.Error(err))
			}
		default:
			s.logger.Debug("unhandled file_request envelope", zap.String("request_type", env.RequestType))
		}

	case relay.KindResult:
		s.toSession(ctx, env)
	}
}

func (s *Server) toSession(ctx context.Context, env relay.Envelope) {
	if env.SessionID == "" {
		s.logger.Debug("envelope without session dropped", zap.String("request_type", env.RequestType))
		return
	}
	env.TargetID = env.ClientID
	s.publish(ctx, relay.ResultGroup(env.SessionID), env)
}

// relayFileUpload handles a file-upload sent over the socket instead of the
// notify endpoint. Data is [old file, new file].
func (s *Server) relayFileUpload(ctx context.Context, env relay.Envelope) error {
	var pair []json.RawMessage
	if err := env.DecodeData(&pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return relay.ErrMalformed
	}
	var ref struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(pair[1], &ref); err != nil {
		return relay.ErrMalformed
	}
	f, err := s.db.GetFile(ctx, ref.ID)
	if err != nil {
		return err
	}
	if err := s.directory.RecordDelivery(ctx, env.SessionID, f.ID); err != nil {
		return err
	}
	env, err = env.WithData([]any{pair[0], f})
	if err != nil {
		return err
	}
	s.toSession(ctx, env)
	return nil
}

// forwardFileRequest sends a user-file-request to the target node, or to
// every node on the interchange's file_request channel when no member is
// targeted.
func (s *Server) forwardFileRequest(ctx context.Context, pyre string, env relay.Envelope) {
	nodes := s.directory.Nodes(pyre, relay.KindFileRequest)
	if env.TargetID != "" && s.directory.IsMember(pyre, env.TargetID) {
		nodes = []string{env.TargetID}
	}
	env.SenderID = hostSender
	env.PyreName = pyre
	for _, n := range nodes {
		env.TargetID = n
		s.publish(ctx, relay.NodeGroup(pyre, n, relay.KindFileRequest), env)
	}
}

// handleSessionSend serves /ws/session/{session}/{client}/send/, where a user
// submits searches and file requests.
func (s *Server) handleSessionSend(w http.ResponseWriter, r *http.Request) {
	session, client := chi.URLParam(r, "session"), chi.URLParam(r, "client")
	if err := s.directory.OpenSession(r.Context(), session, ""); err != nil {
		s.writeErr(w, err)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	logger := s.logger.With(zap.String("session_id", session), zap.String("client_id", client))
	conn := relay.NewConn(ws, labelUserSend, relay.DefaultQueueSize, logger)
	group := relay.SendGroup(session)
	s.router.Subscribe(group, conn)
	defer func() {
		s.router.Unsubscribe(group, conn)
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	s.serveConn(ctx, conn, func(ctx context.Context, env relay.Envelope) {
		s.handleUserEnvelope(ctx, session, client, env)
	})
}

func (s *Server) handleUserEnvelope(ctx context.Context, session, client string, env relay.Envelope) {
	pyre := env.PyreName
	if pyre == "" {
		pyre = storage.PublicName
	}
	env.SessionID = session
	env.ClientID = client
	env.PyreName = pyre

	switch env.RequestType {
	case relay.RequestUserSearchQuery:
		var q relay.SearchQuery
		if err := env.DecodeData(&q); err != nil {
			s.logger.Warn("bad search query", zap.String("session_id", session), zap.Error(err))
			return
		}
		s.startSearch(ctx, pyre, session, client, q, env)

	case relay.RequestUserFileRequest:
		s.forwardFileRequest(ctx, pyre, env)

	default:
		env.SenderID = client
		env.Data = nil
		s.publish(ctx, relay.SendGroup(session), env)
	}
}

// startSearch acknowledges a query, queues the host search and fans the
// query out to every node on the interchange's search channel.
func (s *Server) startSearch(ctx context.Context, pyre, session, client string, q relay.SearchQuery, env relay.Envelope) {
	started, _ := relay.Envelope{
		Message:     "Search started",
		RequestType: relay.RequestSearchStarted,
		SenderID:    hostSender,
		TargetID:    client,
		SessionID:   session,
		ClientID:    client,
		PyreName:    pyre,
	}.WithData(q)
	s.publish(ctx, relay.ResultGroup(session), started)

	job := search.Job{
		Term:        q.Term,
		Description: q.Description,
		Pyre:        pyre,
		SessionID:   session,
		ClientID:    client,
		Scope:       search.Scope{Kind: search.ScopePyre, Pyre: pyre},
	}
	if err := s.searches.Enqueue(job); err != nil {
		s.logger.Warn("search not queued", zap.String("session_id", session), zap.Error(err))
		s.publish(ctx, relay.ResultGroup(session), relay.Envelope{
			Message:     search.MessageSearchFailed,
			RequestType: relay.RequestSearch,
			SenderID:    hostSender,
			TargetID:    client,
			SessionID:   session,
			ClientID:    client,
			PyreName:    pyre,
		})
	}

	env.SenderID = hostSender
	for _, n := range s.directory.Nodes(pyre, relay.KindSearch) {
		env.TargetID = n
		s.publish(ctx, relay.NodeGroup(pyre, n, relay.KindSearch), env)
	}
}

// handleSessionResult serves /ws/session/{session}/{client}/result/, where
// a user receives everything addressed to the session. Closing it ends the
// session.
func (s *Server) handleSessionResult(w http.ResponseWriter, r *http.Request) {
	session, client := chi.URLParam(r, "session"), chi.URLParam(r, "client")
	if err := s.directory.OpenSession(r.Context(), session, ""); err != nil {
		s.writeErr(w, err)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	logger := s.logger.With(zap.String("session_id", session), zap.String("client_id", client))
	conn := relay.NewConn(ws, labelUserResult, relay.DefaultQueueSize, logger)
	group := relay.ResultGroup(session)
	s.router.Subscribe(group, conn)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	defer func() {
		s.router.Unsubscribe(group, conn)
		conn.Close()
		if err := s.directory.CloseSession(ctx, session); err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Warn("close session", zap.Error(err))
		}
	}()

	s.publish(ctx, group, relay.Envelope{
		Message:     "welcome " + client,
		RequestType: relay.RequestWelcome,
		SenderID:    hostSender,
		TargetID:    client,
		Data:        json.RawMessage("{}"),
		SessionID:   session,
		ClientID:    client,
		PyreName:    storage.PublicName,
	})

	s.serveConn(ctx, conn, func(ctx context.Context, env relay.Envelope) {
		env.SenderID = client
		env.SessionID = session
		env.ClientID = client
		env.Data = nil
		s.publish(ctx, group, env)
	})
}
