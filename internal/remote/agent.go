package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ssd-technologies/corpusx/internal/artifact"
	"github.com/ssd-technologies/corpusx/internal/pairing"
	"github.com/ssd-technologies/corpusx/internal/relay"
	"github.com/ssd-technologies/corpusx/internal/search"
	"github.com/ssd-technologies/corpusx/internal/storage"
)

const maxFrameSize = 1 << 20

// Enqueuer accepts search jobs for background execution.
type Enqueuer interface {
	Enqueue(job search.Job) error
}

// AgentConfig configures a node agent.
type AgentConfig struct {
	Node       string
	Pyres      []string
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Agent keeps a node attached to its host: one WebSocket per channel kind
// and interchange, redialed with backoff when it drops.
type Agent struct {
	client    *Client
	cfg       AgentConfig
	jobs      Enqueuer
	db        *storage.DB
	artifacts *artifact.Store
	dialer    *websocket.Dialer
	logger    *zap.Logger

	wg sync.WaitGroup
}

// NewAgent creates an agent. Search requests go to jobs; file requests are
// served from db and artifacts.
func NewAgent(client *Client, cfg AgentConfig, jobs Enqueuer, db *storage.DB, artifacts *artifact.Store, logger *zap.Logger) *Agent {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * cfg.MinBackoff
	}
	if len(cfg.Pyres) == 0 {
		cfg.Pyres = []string{storage.PublicName}
	}
	return &Agent{
		client:    client,
		cfg:       cfg,
		jobs:      jobs,
		db:        db,
		artifacts: artifacts,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:    logger,
	}
}

// Run registers the node and holds its channels open until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	node, err := a.client.RegisterNode(ctx, a.cfg.Node)
	if err != nil {
		return fmt.Errorf("register node %s: %w", a.cfg.Node, err)
	}
	a.logger.Info("node registered", zap.String("node", node.Name), zap.Int64("id", node.ID))

	pyres, err := a.knownPyres(ctx)
	if err != nil {
		return err
	}
	for _, pyre := range pyres {
		for _, kind := range relay.Kinds {
			pyre, kind := pyre, kind
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.maintain(ctx, pyre, kind)
			}()
		}
	}
	a.wg.Wait()
	return ctx.Err()
}

// knownPyres filters the configured interchanges down to those the host
// has. Channels on a missing interchange would be refused on every dial.
func (a *Agent) knownPyres(ctx context.Context) ([]string, error) {
	known, err := a.client.Pyres(ctx)
	if err != nil {
		return nil, fmt.Errorf("list interchanges: %w", err)
	}
	pyres := make([]string, 0, len(a.cfg.Pyres))
	for _, p := range a.cfg.Pyres {
		if !slices.Contains(known, p) {
			a.logger.Warn("host has no such interchange", zap.String("pyre", p))
			continue
		}
		pyres = append(pyres, p)
	}
	if len(pyres) == 0 {
		return nil, fmt.Errorf("none of %v exist on %s: %w", a.cfg.Pyres, a.client.BaseURL(), storage.ErrNotFound)
	}
	return pyres, nil
}

// ChannelURL is the host WebSocket address of one node channel.
func ChannelURL(baseURL, pyre, node string, kind relay.Kind) string {
	u := baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws/" + kind.Segment() + "/" + url.PathEscape(pyre) + "/" + url.PathEscape(node) + "/"
}

func (a *Agent) maintain(ctx context.Context, pyre string, kind relay.Kind) {
	backoff := a.cfg.MinBackoff
	for {
		connected, err := a.attach(ctx, pyre, kind)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = a.cfg.MinBackoff
		}
		if IsStatus(err, http.StatusForbidden) || IsStatus(err, http.StatusNotFound) {
			// Refused until the host changes its grants.
			backoff = a.cfg.MaxBackoff
		}
		a.logger.Warn("channel dropped",
			zap.String("pyre", pyre),
			zap.String("kind", string(kind)),
			zap.Duration("retry_in", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, a.cfg.MaxBackoff)
	}
}

// attach dials one channel and reads it until it fails. connected reports
// whether the dial succeeded.
func (a *Agent) attach(ctx context.Context, pyre string, kind relay.Kind) (connected bool, err error) {
	header := http.Header{}
	header.Set(pairing.HeaderAPIKey, a.client.key)
	target := ChannelURL(a.client.baseURL, pyre, a.cfg.Node, kind)
	ws, resp, err := a.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return false, &StatusError{Method: http.MethodGet, Path: target, Code: resp.StatusCode}
		}
		return false, err
	}

	conn := relay.NewConn(ws, "", relay.DefaultQueueSize, a.logger)
	go conn.WritePump()
	stop := context.AfterFunc(ctx, conn.Close)
	defer stop()
	defer conn.Close()
	conn.PrepareRead(maxFrameSize)

	a.logger.Debug("channel attached", zap.String("pyre", pyre), zap.String("kind", string(kind)))

	if kind == relay.KindHandshake {
		hello := relay.Envelope{
			Message:     "hello from " + a.cfg.Node,
			RequestType: relay.RequestWelcome,
			SenderID:    a.cfg.Node,
			PyreName:    pyre,
		}
		if err := conn.Deliver(ctx, hello); err != nil {
			return true, err
		}
	}

	for {
		env, err := conn.ReadEnvelope()
		if errors.Is(err, relay.ErrMalformed) {
			a.logger.Warn("dropping malformed envelope", zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		if err != nil {
			return true, err
		}
		a.handle(ctx, pyre, kind, env)
	}
}

func (a *Agent) handle(ctx context.Context, pyre string, kind relay.Kind, env relay.Envelope) {
	if env.PyreName == "" {
		env.PyreName = pyre
	}
	switch {
	case kind == relay.KindSearch && (env.RequestType == relay.RequestUserSearchQuery || env.RequestType == relay.RequestSearch):
		var q relay.SearchQuery
		if err := env.DecodeData(&q); err != nil {
			a.logger.Warn("bad search request", zap.Error(err))
			return
		}
		job := search.Job{
			Term:        q.Term,
			Description: q.Description,
			Pyre:        env.PyreName,
			SessionID:   env.SessionID,
			NodeID:      a.cfg.Node,
			ClientID:    env.ClientID,
			Scope:       search.Scope{Kind: search.ScopePyre, Pyre: env.PyreName},
		}
		if err := a.jobs.Enqueue(job); err != nil {
			a.logger.Warn("search not queued", zap.String("term", q.Term), zap.Error(err))
		}

	case kind == relay.KindFileRequest && env.RequestType == relay.RequestUserFileRequest:
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.ServeFile(ctx, env); err != nil {
				a.logger.Warn("file request failed",
					zap.String("session_id", env.SessionID),
					zap.Error(err))
			}
		}()

	default:
		a.logger.Debug("envelope ignored",
			zap.String("kind", string(kind)),
			zap.String("request_type", env.RequestType),
			zap.String("message", env.Message))
	}
}

// ServeFile answers a user-file-request: the file must be visible through
// the request's interchange. It is delivered to the host as a new file and
// the host is told which session asked for it.
func (a *Agent) ServeFile(ctx context.Context, env relay.Envelope) error {
	var req relay.FileRequest
	if err := env.DecodeData(&req); err != nil {
		return err
	}
	ok, err := a.db.FileVisible(ctx, storage.Visibility{Pyre: env.PyreName}, req.FileID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("file %d via %s: %w", req.FileID, env.PyreName, storage.ErrForbidden)
	}
	f, err := a.db.GetFile(ctx, req.FileID)
	if err != nil {
		return err
	}
	if f.ArtifactID == "" {
		return fmt.Errorf("file %d has no content: %w", f.ID, storage.ErrNotFound)
	}
	data, err := a.artifacts.Get(ctx, f.ArtifactID)
	if err != nil {
		return fmt.Errorf("read file %d: %w", f.ID, err)
	}

	d, err := a.client.Deliver(ctx, Artifact{
		Name:     f.Name,
		Category: f.FileCategory,
		Data:     data,
	}, Target{
		CreateFile:  true,
		LoadContent: f.LoadContent,
		Path:        f.Path,
		Description: f.Description,
	})
	if err != nil {
		return err
	}
	if d.File == nil {
		return fmt.Errorf("deliver file %d: host returned no file", f.ID)
	}

	old, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if env.SessionID == "" {
		return nil
	}
	return a.client.NotifyFileUploaded(ctx, env.SessionID, env.ClientID, FileNotification{
		FileID:   d.File.ID,
		OldFile:  old,
		ServerID: a.cfg.Node,
		PyreName: env.PyreName,
	})
}
