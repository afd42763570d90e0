package remote

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ssd-technologies/corpusx/internal/relay"
	"github.com/ssd-technologies/corpusx/internal/search"
	"github.com/ssd-technologies/corpusx/internal/storage"
)

type jobSink struct {
	jobs chan search.Job
}

func (s *jobSink) Enqueue(job search.Job) error {
	select {
	case s.jobs <- job:
		return nil
	default:
		return search.ErrQueueFull
	}
}

func fileRequest(t *testing.T, session, client string, fileID int64) relay.Envelope {
	t.Helper()
	env, err := relay.Envelope{
		Message:     "please send",
		RequestType: relay.RequestUserFileRequest,
		SessionID:   session,
		ClientID:    client,
		PyreName:    storage.PublicName,
	}.WithData(relay.FileRequest{FileID: fileID})
	require.NoError(t, err)
	return env
}

func TestChannelURL(t *testing.T) {
	assert.Equal(t, "ws://h:8000/ws/interchange/public/lab-1/", ChannelURL("http://h:8000", "public", "lab-1", relay.KindHandshake))
	assert.Equal(t, "wss://h/ws/search/public/lab-1/", ChannelURL("https://h", "public", "lab-1", relay.KindSearch))
	assert.Equal(t, "ws://h/ws/file_request/lab%20a/n/", ChannelURL("http://h", "lab a", "n", relay.KindFileRequest))
}

func TestServeFile_DeliversToSession(t *testing.T) {
	h := setupTestHost(t, 8, nil)
	node := setupNodeStore(t)
	f := node.file(t, "notes.txt", "LRRK2 kinase activity observed", false)
	ws := h.watchSession(t, "s1", "c1")

	agent := NewAgent(h.client(), AgentConfig{Node: "lab-1"}, &jobSink{jobs: make(chan search.Job, 1)}, node.db, node.artifacts, zap.NewNop())
	require.NoError(t, agent.ServeFile(context.Background(), fileRequest(t, "s1", "c1", f.ID)))

	got := readUntil(t, ws, relay.RequestFileUpload)
	assert.Equal(t, "lab-1", got.SenderID)
	var pair []json.RawMessage
	require.NoError(t, json.Unmarshal(got.Data, &pair))
	require.Len(t, pair, 2)
	var old, fresh storage.File
	require.NoError(t, json.Unmarshal(pair[0], &old))
	require.NoError(t, json.Unmarshal(pair[1], &fresh))
	assert.Equal(t, f.ID, old.ID)
	assert.Equal(t, "notes.txt", fresh.Name)
	assert.Equal(t, f.Hash, fresh.Hash)

	ok, err := h.directory.MayDownload(context.Background(), "s1", fresh.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	text, err := h.db.FileText(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, "LRRK2 kinase activity observed", text)
}

func TestServeFile_PrivateFileRefused(t *testing.T) {
	h := setupTestHost(t, 8, nil)
	node := setupNodeStore(t)
	f := node.file(t, "secret.txt", "not for the interchange", true)

	agent := NewAgent(h.client(), AgentConfig{Node: "lab-1"}, &jobSink{jobs: make(chan search.Job, 1)}, node.db, node.artifacts, zap.NewNop())
	err := agent.ServeFile(context.Background(), fileRequest(t, "s1", "c1", f.ID))
	assert.True(t, errors.Is(err, storage.ErrForbidden))
}

func TestServeFile_MalformedRequest(t *testing.T) {
	h := setupTestHost(t, 8, nil)
	node := setupNodeStore(t)
	agent := NewAgent(h.client(), AgentConfig{Node: "lab-1"}, &jobSink{jobs: make(chan search.Job, 1)}, node.db, node.artifacts, zap.NewNop())

	err := agent.ServeFile(context.Background(), relay.Envelope{RequestType: relay.RequestUserFileRequest, PyreName: storage.PublicName})
	assert.True(t, errors.Is(err, relay.ErrMalformed))
}

func TestAgent_Run(t *testing.T) {
	h := setupTestHost(t, 64, nil)
	node := setupNodeStore(t)
	f := node.file(t, "notes.txt", "alpha beta", false)
	sink := &jobSink{jobs: make(chan search.Job, 4)}
	agent := NewAgent(h.client(), AgentConfig{Node: "lab-1", MinBackoff: 20 * time.Millisecond}, sink, node.db, node.artifacts, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, kind := range relay.Kinds {
			if len(h.directory.Nodes(storage.PublicName, kind)) != 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "node never attached every channel")

	results := h.watchSession(t, "s1", "c1")
	sendURL := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws/session/s1/c1/send/"
	send, _, err := websocket.DefaultDialer.Dial(sendURL, nil)
	require.NoError(t, err)
	defer send.Close()

	query, err := relay.Envelope{Message: "search", RequestType: relay.RequestUserSearchQuery}.
		WithData(relay.SearchQuery{Term: "alpha"})
	require.NoError(t, err)
	require.NoError(t, send.WriteJSON(query))

	select {
	case job := <-sink.jobs:
		assert.Equal(t, "alpha", job.Term)
		assert.Equal(t, "s1", job.SessionID)
		assert.Equal(t, "c1", job.ClientID)
		assert.Equal(t, "lab-1", job.NodeID)
		assert.Equal(t, search.ScopePyre, job.Scope.Kind)
		assert.Equal(t, storage.PublicName, job.Pyre)
	case <-time.After(5 * time.Second):
		t.Fatal("search never reached the node")
	}

	req, err := relay.Envelope{Message: "file", RequestType: relay.RequestUserFileRequest, TargetID: "lab-1"}.
		WithData(relay.FileRequest{FileID: f.ID})
	require.NoError(t, err)
	require.NoError(t, send.WriteJSON(req))
	got := readUntil(t, results, relay.RequestFileUpload)
	assert.Equal(t, "lab-1", got.SenderID)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
	require.Eventually(t, func() bool {
		return len(h.directory.Nodes(storage.PublicName, relay.KindSearch)) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAgent_RunFailsForForeignNode(t *testing.T) {
	h := setupTestHost(t, 64, nil)
	_, err := h.client().RegisterNode(context.Background(), "lab-1")
	require.NoError(t, err)

	other := h.otherKey(t)
	agent := NewAgent(NewClient(h.http.URL, other), AgentConfig{Node: "lab-1"}, &jobSink{jobs: make(chan search.Job, 1)}, nil, nil, zap.NewNop())
	err = agent.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsStatus(err, 403))
}

func TestAgent_RunSkipsUnknownPyres(t *testing.T) {
	h := setupTestHost(t, 64, nil)
	sink := &jobSink{jobs: make(chan search.Job, 1)}
	agent := NewAgent(h.client(), AgentConfig{Node: "lab-1", Pyres: []string{"nowhere"}}, sink, nil, nil, zap.NewNop())
	err := agent.Run(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	agent = NewAgent(h.client(), AgentConfig{Node: "lab-1", Pyres: []string{"nowhere", storage.PublicName}}, sink, nil, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agent.Run(ctx)
	require.Eventually(t, func() bool {
		return len(h.directory.Nodes(storage.PublicName, relay.KindSearch)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.directory.Nodes("nowhere", relay.KindSearch))
}

func TestAgent_AttachRefusedReportsStatus(t *testing.T) {
	h := setupTestHost(t, 64, nil)
	ctx := context.Background()
	_, err := h.client().RegisterNode(ctx, "lab-1")
	require.NoError(t, err)
	_, err = h.db.EnsurePyre(ctx, "lab")
	require.NoError(t, err)

	agent := NewAgent(h.client(), AgentConfig{Node: "lab-1"}, &jobSink{jobs: make(chan search.Job, 1)}, nil, nil, zap.NewNop())
	connected, err := agent.attach(ctx, "lab", relay.KindSearch)
	assert.False(t, connected)
	assert.True(t, IsStatus(err, 403), "got %v", err)
}
