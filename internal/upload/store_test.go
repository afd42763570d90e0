package upload

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ssd-technologies/corpusx/internal/artifact"
	"github.com/ssd-technologies/corpusx/internal/integrity"
	"github.com/ssd-technologies/corpusx/internal/storage"
)

type testEnv struct {
	db        *storage.DB
	artifacts *artifact.Store
	store     *Store
	dir       string
}

func setupTestStore(t *testing.T, chunkSize int64) *testEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.NewDB(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	arts, err := artifact.NewStore(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)

	uploads := filepath.Join(dir, "uploads")
	s, err := NewStore(db, arts, uploads, chunkSize, zap.NewNop())
	require.NoError(t, err)
	return &testEnv{db: db, artifacts: arts, store: s, dir: uploads}
}

func TestAppend_TenByteScenario(t *testing.T) {
	env := setupTestStore(t, 4)
	ctx := context.Background()
	content := []byte("0123456789")

	u, err := env.store.Initiate(ctx, "ten.txt", 10, integrity.HashBytes(content), "text")
	require.NoError(t, err)
	assert.Equal(t, storage.UploadPending, u.Status)
	assert.Equal(t, int64(4), u.ChunkSize)

	u, err = env.store.Append(ctx, u.UploadID, 0, content[0:4])
	require.NoError(t, err)
	assert.Equal(t, int64(4), u.Offset)
	assert.Equal(t, storage.UploadInProgress, u.Status)

	// Resending an acknowledged chunk changes nothing.
	u, err = env.store.Append(ctx, u.UploadID, 0, content[0:4])
	require.NoError(t, err)
	assert.Equal(t, int64(4), u.Offset)

	_, err = env.store.Append(ctx, u.UploadID, 8, content[8:])
	assert.True(t, errors.Is(err, ErrOutOfOrder))

	u, err = env.store.Append(ctx, u.UploadID, 4, content[4:8])
	require.NoError(t, err)
	u, err = env.store.Append(ctx, u.UploadID, 8, content[8:])
	require.NoError(t, err)
	assert.Equal(t, int64(10), u.Offset)
	assert.Equal(t, storage.UploadComplete, u.Status)

	_, err = env.store.Append(ctx, u.UploadID, 10, []byte("x"))
	assert.True(t, errors.Is(err, ErrComplete))

	got, err := env.store.Get(ctx, u.UploadID)
	require.NoError(t, err)
	assert.Equal(t, storage.UploadComplete, got.Status)
}

func TestAppend_OverlappingChunk(t *testing.T) {
	env := setupTestStore(t, 4)
	ctx := context.Background()
	content := []byte("abcdefghij")

	u, err := env.store.Initiate(ctx, "o.txt", 10, integrity.HashBytes(content), "")
	require.NoError(t, err)
	_, err = env.store.Append(ctx, u.UploadID, 0, content[:6])
	require.NoError(t, err)
	// Starts before the server offset; only bytes 6.. are new.
	u, err = env.store.Append(ctx, u.UploadID, 3, content[3:])
	require.NoError(t, err)
	assert.Equal(t, storage.UploadComplete, u.Status)

	data, err := os.ReadFile(filepath.Join(env.dir, u.UploadID+".part"))
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestAppend_TooLarge(t *testing.T) {
	env := setupTestStore(t, 4)
	ctx := context.Background()
	u, err := env.store.Initiate(ctx, "t.txt", 3, integrity.HashBytes([]byte("abc")), "")
	require.NoError(t, err)
	_, err = env.store.Append(ctx, u.UploadID, 0, []byte("abcd"))
	assert.True(t, errors.Is(err, ErrTooLarge))

	got, err := env.store.Get(ctx, u.UploadID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Offset)
}

func TestAppend_HashMismatchRollsBack(t *testing.T) {
	env := setupTestStore(t, 4)
	ctx := context.Background()
	content := []byte("0123456789")

	u, err := env.store.Initiate(ctx, "ten.txt", 10, integrity.HashBytes(content), "")
	require.NoError(t, err)
	_, err = env.store.Append(ctx, u.UploadID, 0, content[:8])
	require.NoError(t, err)

	flipped := append([]byte(nil), content[8:]...)
	flipped[1] ^= 0x01
	u, err = env.store.Append(ctx, u.UploadID, 8, flipped)
	require.True(t, errors.Is(err, ErrHashMismatch))
	assert.Equal(t, int64(8), u.Offset)
	assert.Equal(t, storage.UploadInProgress, u.Status)

	got, err := env.store.Get(ctx, u.UploadID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), got.Offset)
	assert.Equal(t, storage.UploadInProgress, got.Status)

	// The correct tail completes the upload.
	u, err = env.store.Append(ctx, u.UploadID, 8, content[8:])
	require.NoError(t, err)
	assert.Equal(t, storage.UploadComplete, u.Status)
}

func TestAppend_ArbitrarySplits(t *testing.T) {
	env := setupTestStore(t, 1024)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 20; trial++ {
		content := make([]byte, 1+rng.Intn(4096))
		rng.Read(content)
		u, err := env.store.Initiate(ctx, "r.bin", int64(len(content)), integrity.HashBytes(content), "")
		require.NoError(t, err)

		off := 0
		for off < len(content) {
			n := 1 + rng.Intn(700)
			if off+n > len(content) {
				n = len(content) - off
			}
			u, err = env.store.Append(ctx, u.UploadID, int64(off), content[off:off+n])
			require.NoError(t, err)
			off += n
		}
		assert.Equal(t, storage.UploadComplete, u.Status, "trial %d", trial)
	}
}

func TestAppend_EmptyFile(t *testing.T) {
	env := setupTestStore(t, 4)
	ctx := context.Background()
	u, err := env.store.Initiate(ctx, "empty.txt", 0, integrity.HashBytes(nil), "")
	require.NoError(t, err)
	u, err = env.store.Append(ctx, u.UploadID, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, storage.UploadComplete, u.Status)
}

func TestInitiate_RejectsBadHash(t *testing.T) {
	env := setupTestStore(t, 4)
	_, err := env.store.Initiate(context.Background(), "x", 3, "not-hex", "")
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestAppend_UnknownUpload(t *testing.T) {
	env := setupTestStore(t, 4)
	_, err := env.store.Append(context.Background(), "missing", 0, []byte("a"))
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func completeUpload(t *testing.T, env *testEnv, name string, content []byte) *Upload {
	t.Helper()
	ctx := context.Background()
	u, err := env.store.Initiate(ctx, name, int64(len(content)), integrity.HashBytes(content), "analysis")
	require.NoError(t, err)
	u, err = env.store.Append(ctx, u.UploadID, 0, content)
	require.NoError(t, err)
	require.Equal(t, storage.UploadComplete, u.Status)
	return u
}

func TestFinalize_NotComplete(t *testing.T) {
	env := setupTestStore(t, 4)
	ctx := context.Background()
	u, err := env.store.Initiate(ctx, "n.txt", 5, integrity.HashBytes([]byte("hello")), "")
	require.NoError(t, err)
	_, err = env.store.Finalize(ctx, u.UploadID, Options{CreateFile: true})
	assert.True(t, errors.Is(err, ErrNotComplete))
}

func TestFinalize_CreateFileIndexesContent(t *testing.T) {
	env := setupTestStore(t, 1024)
	ctx := context.Background()
	content := []byte("gene\tvalue\nlrrk2\t0.5\n")
	u := completeUpload(t, env, "genes.tsv", content)

	p, err := env.store.Finalize(ctx, u.UploadID, Options{
		CreateFile:  true,
		LoadContent: true,
		Path:        []string{"study", "genes"},
		Delete:      true,
	})
	require.NoError(t, err)
	require.NotNil(t, p.File)
	assert.Equal(t, "genes.tsv", p.File.Name)
	assert.Equal(t, "tsv", p.File.FileType)
	assert.Equal(t, u.Hash, p.File.Hash)
	assert.Equal(t, []string{"study", "genes"}, p.File.Path)

	data, err := env.artifacts.Get(ctx, p.Artifact.ID)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, data))

	hits, err := env.db.SearchFiles(ctx, storage.Visibility{}, "lrrk2", "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, p.File.ID, hits[0].File.ID)

	// Delete removed the temporary state.
	_, err = env.store.Get(ctx, u.UploadID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	_, err = os.Stat(filepath.Join(env.dir, u.UploadID+".part"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFinalize_SearchResult(t *testing.T) {
	env := setupTestStore(t, 1024)
	ctx := context.Background()
	pyre, err := env.db.GetPyreByName(ctx, storage.PublicName)
	require.NoError(t, err)
	r := &storage.SearchResult{PyreID: pyre.ID, SearchQuery: "lrrk2"}
	require.NoError(t, env.db.CreateSearchResult(ctx, r))

	content := []byte(`{"term":"lrrk2","files":[]}`)
	u := completeUpload(t, env, "result.json", content)
	p, err := env.store.Finalize(ctx, u.UploadID, Options{SearchResultID: r.ID})
	require.NoError(t, err)
	require.NotNil(t, p.SearchResult)
	assert.Equal(t, storage.ResultComplete, p.SearchResult.Status)
	assert.Equal(t, integrity.HashBytes(content), p.SearchResult.Hash)
	require.NoError(t, env.artifacts.Verify(ctx, p.SearchResult.ArtifactID, p.SearchResult.Hash))

	// Without Delete the upload can still be inspected.
	got, err := env.store.Get(ctx, u.UploadID)
	require.NoError(t, err)
	assert.Equal(t, storage.UploadComplete, got.Status)
}

func TestFinalize_UnknownSearchResultLeavesNoArtifact(t *testing.T) {
	env := setupTestStore(t, 1024)
	ctx := context.Background()
	u := completeUpload(t, env, "r.json", []byte("{}"))
	_, err := env.store.Finalize(ctx, u.UploadID, Options{SearchResultID: 999})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestDiscardAndSweep(t *testing.T) {
	env := setupTestStore(t, 4)
	ctx := context.Background()
	a := completeUpload(t, env, "a.txt", []byte("aaaa"))
	b := completeUpload(t, env, "b.txt", []byte("bbbb"))

	require.NoError(t, env.store.Discard(ctx, a.UploadID))
	_, err := env.store.Get(ctx, a.UploadID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	n, err := env.store.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = env.store.Sweep(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = env.store.Get(ctx, b.UploadID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
