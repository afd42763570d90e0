package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
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
	"github.com/ssd-technologies/corpusx/internal/server"
	"github.com/ssd-technologies/corpusx/internal/storage"
	"github.com/ssd-technologies/corpusx/internal/upload"
)

// testHost is a complete corpusx host served over httptest.
type testHost struct {
	db        *storage.DB
	artifacts *artifact.Store
	directory *relay.Directory
	pairing   *pairing.Service
	http      *httptest.Server
	key       string
	keyID     int64
}

// setupTestHost starts a host. wrap, when non-nil, sits in front of the
// server handler.
func setupTestHost(t *testing.T, chunkSize int64, wrap func(http.Handler) http.Handler) *testHost {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()
	db, err := storage.NewDB(filepath.Join(dir, "host.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	arts, err := artifact.NewStore(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	uploads, err := upload.NewStore(db, arts, filepath.Join(dir, "uploads"), chunkSize, logger)
	require.NoError(t, err)
	sealer, err := crypto.NewSealer("host-secret")
	require.NoError(t, err)

	directory := relay.NewDirectory(db)
	router := relay.NewRouter(logger)
	coord := search.NewHostSearchCoordinator(search.NewPipeline(db, arts, logger), db, arts, directory, router, logger)
	queue := search.NewQueue(coord, 1, 8, 10*time.Second, logger)
	ctx, cancel := context.WithCancel(context.Background())
	queue.Start(ctx)
	t.Cleanup(func() {
		cancel()
		queue.Wait()
	})

	h := &testHost{db: db, artifacts: arts, directory: directory, pairing: pairing.NewService(db, sealer)}
	var handler http.Handler = server.New(server.Deps{
		DB:        db,
		Artifacts: arts,
		Uploads:   uploads,
		Pairing:   h.pairing,
		Directory: directory,
		Router:    router,
		Searches:  queue,
		Logger:    logger,
	}, server.Options{})
	if wrap != nil {
		handler = wrap(handler)
	}
	h.http = httptest.NewServer(handler)
	t.Cleanup(h.http.Close)

	raw, err := crypto.GenerateAPIKey()
	require.NoError(t, err)
	k := &storage.APIKey{Name: "node", KeyHash: integrity.HashAPIKey(raw)}
	require.NoError(t, db.CreateAPIKey(context.Background(), k))
	h.key, h.keyID = raw, k.ID
	return h
}

func (h *testHost) client(opts ...Option) *Client {
	return NewClient(h.http.URL, h.key, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
}

// watchSession opens the session's result channel and consumes the welcome.
func (h *testHost) watchSession(t *testing.T, session, client string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws/session/" + session + "/" + client + "/result/"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	readUntil(t, ws, relay.RequestWelcome)
	return ws
}

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

// nodeStore is the local catalog of a node.
type nodeStore struct {
	db        *storage.DB
	artifacts *artifact.Store
}

func setupNodeStore(t *testing.T) *nodeStore {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.NewDB(filepath.Join(dir, "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	arts, err := artifact.NewStore(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	return &nodeStore{db: db, artifacts: arts}
}

// file stores content in a project of the public topic unless private is
// set, in which case the project belongs to no topic.
func (n *nodeStore) file(t *testing.T, name, content string, private bool) *storage.File {
	t.Helper()
	ctx := context.Background()
	p := &storage.Project{Name: "proj-" + name}
	require.NoError(t, n.db.CreateProject(ctx, p))
	if !private {
		topic, err := n.db.GetTopicByName(ctx, storage.PublicName)
		require.NoError(t, err)
		require.NoError(t, n.db.AddProjectToTopic(ctx, topic.ID, p.ID))
	}
	ref, err := n.artifacts.Put(ctx, []byte(content))
	require.NoError(t, err)
	f := &storage.File{
		ProjectID:    &p.ID,
		Name:         name,
		Description:  "from the node",
		Hash:         ref.Hash,
		FileCategory: "text",
		Path:         []string{"lab"},
		ArtifactID:   ref.ID,
		Size:         ref.Size,
		LoadContent:  true,
	}
	require.NoError(t, n.db.CreateFile(ctx, f))
	require.NoError(t, n.db.SetFileContent(ctx, f.ID, content))
	return f
}

// address is where the host listens, as a pairing records it.
func (h *testHost) address(t *testing.T) pairing.Address {
	t.Helper()
	u, err := url.Parse(h.http.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return pairing.Address{Protocol: u.Scheme, Host: u.Hostname(), Port: port}
}

// pairWithHost stores the host key under a fresh local key of the node.
func (n *nodeStore) pairWithHost(t *testing.T, h *testHost) (*pairing.Service, int64) {
	t.Helper()
	ctx := context.Background()
	sealer, err := crypto.NewSealer("node-secret")
	require.NoError(t, err)
	pairs := pairing.NewService(n.db, sealer)
	local := &storage.APIKey{Name: "host", KeyHash: integrity.HashAPIKey("unused")}
	require.NoError(t, n.db.CreateAPIKey(ctx, local))
	_, err = pairs.Pair(ctx, local.ID, h.key, h.address(t))
	require.NoError(t, err)
	return pairs, local.ID
}

// otherKey creates a second credential on the host.
func (h *testHost) otherKey(t *testing.T) string {
	t.Helper()
	raw, err := crypto.GenerateAPIKey()
	require.NoError(t, err)
	require.NoError(t, h.db.CreateAPIKey(context.Background(), &storage.APIKey{Name: "other", KeyHash: integrity.HashAPIKey(raw)}))
	return raw
}
