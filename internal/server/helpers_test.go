package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ssd-technologies/corpusx/internal/artifact"
	"github.com/ssd-technologies/corpusx/internal/crypto"
	"github.com/ssd-technologies/corpusx/internal/integrity"
	"github.com/ssd-technologies/corpusx/internal/pairing"
	"github.com/ssd-technologies/corpusx/internal/relay"
	"github.com/ssd-technologies/corpusx/internal/search"
	"github.com/ssd-technologies/corpusx/internal/storage"
	"github.com/ssd-technologies/corpusx/internal/upload"
)

type testEnv struct {
	db        *storage.DB
	artifacts *artifact.Store
	uploads   *upload.Store
	pairing   *pairing.Service
	directory *relay.Directory
	router    *relay.Router
	srv       *Server
	http      *httptest.Server
	key       string
	keyID     int64
}

// setupTestDB creates a temporary SQLite database for testing.
func setupTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// setupTestServer wires a complete host with a running search queue and
// one API key, served over httptest.
func setupTestServer(t *testing.T, chunkSize int64) *testEnv {
	t.Helper()
	dir := t.TempDir()
	db := setupTestDB(t)
	logger := zap.NewNop()

	arts, err := artifact.NewStore(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	uploads, err := upload.NewStore(db, arts, filepath.Join(dir, "uploads"), chunkSize, logger)
	require.NoError(t, err)
	sealer, err := crypto.NewSealer("test-secret")
	require.NoError(t, err)

	directory := relay.NewDirectory(db)
	router := relay.NewRouter(logger)
	pipeline := search.NewPipeline(db, arts, logger)
	coord := search.NewHostSearchCoordinator(pipeline, db, arts, directory, router, logger)
	queue := search.NewQueue(coord, 2, 16, 10*time.Second, logger)
	ctx, cancel := context.WithCancel(context.Background())
	queue.Start(ctx)
	t.Cleanup(func() {
		cancel()
		queue.Wait()
	})

	env := &testEnv{
		db:        db,
		artifacts: arts,
		uploads:   uploads,
		pairing:   pairing.NewService(db, sealer),
		directory: directory,
		router:    router,
	}
	env.srv = New(Deps{
		DB:        db,
		Artifacts: arts,
		Uploads:   uploads,
		Pairing:   env.pairing,
		Directory: directory,
		Router:    router,
		Searches:  queue,
		Logger:    logger,
	}, Options{MessagesPerSecond: 100})
	env.http = httptest.NewServer(env.srv)
	t.Cleanup(env.http.Close)

	env.key, env.keyID = env.newKey(t, "test")
	return env
}

func (e *testEnv) newKey(t *testing.T, name string) (string, int64) {
	t.Helper()
	raw, err := crypto.GenerateAPIKey()
	require.NoError(t, err)
	k := &storage.APIKey{Name: name, KeyHash: integrity.HashAPIKey(raw)}
	require.NoError(t, e.db.CreateAPIKey(context.Background(), k))
	return raw, k.ID
}

// publicFile creates a project visible through the public interchange and a
// file in it with indexed content.
func (e *testEnv) publicFile(t *testing.T, name, content string) *storage.File {
	t.Helper()
	ctx := context.Background()
	p := &storage.Project{Name: "proj-" + name}
	require.NoError(t, e.db.CreateProject(ctx, p))
	topic, err := e.db.GetTopicByName(ctx, storage.PublicName)
	require.NoError(t, err)
	require.NoError(t, e.db.AddProjectToTopic(ctx, topic.ID, p.ID))

	ref, err := e.artifacts.Put(ctx, []byte(content))
	require.NoError(t, err)
	f := &storage.File{
		ProjectID:  &p.ID,
		Name:       name,
		Hash:       ref.Hash,
		ArtifactID: ref.ID,
		Size:       ref.Size,
	}
	require.NoError(t, e.db.CreateFile(ctx, f))
	require.NoError(t, e.db.SetFileContent(ctx, f.ID, content))
	return f
}

// do sends a request with the env key and returns the recorded response.
func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	pairing.SetKey(req, e.key)
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) appendChunk(t *testing.T, id string, offset int64, chunk []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("offset", strconv.FormatInt(offset, 10)))
	part, err := mw.CreateFormFile("chunk", "chunk")
	require.NoError(t, err)
	_, err = part.Write(chunk)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/files/chunked/"+id, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	pairing.SetKey(req, e.key)
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

// uploadAll initiates an upload of content and sends it in chunkSize pieces.
func (e *testEnv) uploadAll(t *testing.T, name string, content []byte) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/files/chunked", map[string]any{
		"filename":      name,
		"size":          len(content),
		"hash":          integrity.HashBytes(content),
		"file_category": "text",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var u upload.Upload
	decode(t, rec, &u)

	for off := int64(0); ; {
		end := min(off+u.ChunkSize, int64(len(content)))
		rec := e.appendChunk(t, u.UploadID, off, content[off:end])
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		decode(t, rec, &u)
		if u.Status == storage.UploadComplete {
			return u.UploadID
		}
		off = u.Offset
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + path
}

// dial opens a WebSocket, presenting key when it is non-empty.
func (e *testEnv) dial(t *testing.T, path, key string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if key != "" {
		header.Set(pairing.HeaderAPIKey, key)
	}
	ws, resp, err := websocket.DefaultDialer.Dial(e.wsURL(path), header)
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("dial %s: status %d", path, resp.StatusCode)
	}
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readUntil reads envelopes until one with the given request type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, requestType string) relay.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var env relay.Envelope
		require.NoError(t, ws.ReadJSON(&env), "waiting for %s", requestType)
		if env.RequestType == requestType {
			return env
		}
	}
}

// registerNode claims a node name for the env key.
func (e *testEnv) registerNode(t *testing.T, name string) {
	t.Helper()
	_, err := e.db.RegisterNode(context.Background(), name, e.keyID)
	require.NoError(t, err)
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 10*time.Millisecond)
}
