package relay

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/corpusx/internal/storage"
)

func setupTestDirectory(t *testing.T) (*Directory, *storage.DB) {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewDirectory(db), db
}

func TestDirectory_SubscribeIdempotent(t *testing.T) {
	d, _ := setupTestDirectory(t)
	l1 := d.Subscribe("public", "n1", KindSearch)
	l2 := d.Subscribe("public", "n1", KindSearch)
	assert.Equal(t, l1, l2)
	assert.Equal(t, []string{"n1"}, d.Nodes("public", KindSearch))

	assert.False(t, d.Disconnect("public", "n2", KindSearch, l1))
	assert.Equal(t, []string{"n1"}, d.Nodes("public", KindSearch))

	assert.True(t, d.Disconnect("public", "n1", KindSearch, l1))
	assert.False(t, d.Disconnect("public", "n1", KindSearch, l1))
	assert.Empty(t, d.Nodes("public", KindSearch))
}

func TestDirectory_DisconnectCleansEveryKind(t *testing.T) {
	d, _ := setupTestDirectory(t)
	lease := d.Subscribe("public", "n1", KindSearch)
	d.Subscribe("public", "n1", KindFileRequest)
	d.Subscribe("public", "n2", KindSearch)
	require.True(t, d.IsMember("public", "n1"))

	assert.True(t, d.Disconnect("public", "n1", KindSearch, lease))

	assert.Equal(t, []string{"n2"}, d.Nodes("public", KindSearch))
	assert.Empty(t, d.Nodes("public", KindFileRequest))
	assert.False(t, d.IsMember("public", "n1"))
}

func TestDirectory_StaleLeaseKeepsRejoinedNode(t *testing.T) {
	d, _ := setupTestDirectory(t)
	old := d.Subscribe("public", "n1", KindSearch)
	d.Subscribe("public", "n1", KindFileRequest)
	require.True(t, d.Disconnect("public", "n1", KindSearch, old))

	fresh := d.Subscribe("public", "n1", KindSearch)
	d.Subscribe("public", "n1", KindFileRequest)
	assert.NotEqual(t, old, fresh)

	// The evicted file_request socket closes after the node rejoined.
	assert.False(t, d.Disconnect("public", "n1", KindFileRequest, old))
	assert.Equal(t, []string{"n1"}, d.Nodes("public", KindSearch))
	assert.Equal(t, []string{"n1"}, d.Nodes("public", KindFileRequest))
}

func TestDirectory_HandshakeDisconnectLeavesOtherKinds(t *testing.T) {
	d, _ := setupTestDirectory(t)
	lease := d.Subscribe("lab", "n1", KindHandshake)
	d.Subscribe("lab", "n1", KindSearch)

	assert.False(t, d.Disconnect("lab", "n1", KindHandshake, lease))
	assert.Empty(t, d.Nodes("lab", KindHandshake))
	assert.Equal(t, []string{"n1"}, d.Nodes("lab", KindSearch))
}

func TestDirectory_InterchangesAreIndependent(t *testing.T) {
	d, _ := setupTestDirectory(t)
	d.Subscribe("a", "n1", KindSearch)
	assert.Empty(t, d.Nodes("b", KindSearch))
	assert.False(t, d.IsMember("b", "n1"))
}

func TestDirectory_ReadsDoNotCreateInterchanges(t *testing.T) {
	d, _ := setupTestDirectory(t)
	for i := 0; i < 100; i++ {
		pyre := fmt.Sprintf("typo-%d", i)
		assert.Empty(t, d.Nodes(pyre, KindSearch))
		assert.False(t, d.IsMember(pyre, "n1"))
		assert.False(t, d.Disconnect(pyre, "n1", KindSearch, 1))
	}
	assert.Empty(t, d.pyres)
}

func TestDirectory_ConcurrentSubscribe(t *testing.T) {
	d, _ := setupTestDirectory(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Subscribe("public", "n1", KindResult)
			d.Subscribe("public", "n2", KindResult)
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"n1", "n2"}, d.Nodes("public", KindResult))
}

func TestDirectory_Sessions(t *testing.T) {
	d, db := setupTestDirectory(t)
	ctx := context.Background()

	f1 := &storage.File{Name: "a.tsv"}
	f2 := &storage.File{Name: "b.tsv"}
	require.NoError(t, db.CreateFile(ctx, f1))
	require.NoError(t, db.CreateFile(ctx, f2))

	require.NoError(t, d.OpenSession(ctx, "s1", ""))
	require.NoError(t, d.OpenSession(ctx, "s1", ""))
	require.NoError(t, d.SetSessionFiles(ctx, "s1", []int64{f1.ID}))
	require.NoError(t, d.SetSessionFiles(ctx, "s1", []int64{f2.ID}))

	ids, err := d.SessionFiles(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []int64{f2.ID}, ids)

	ok, err := d.SessionHasFile(ctx, "s1", f1.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.CloseSession(ctx, "s1"))
	ids, err = d.SessionFiles(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
