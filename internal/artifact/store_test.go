package artifact

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ssd-technologies/corpusx/internal/integrity"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestStore_PutGetRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	random := make([]byte, 70_000)
	rand.Read(random)
	inputs := [][]byte{
		{},
		[]byte("x"),
		[]byte(`{"files":[{"id":1,"terms":["lrrk2"]}]}`),
		random,
	}
	for _, data := range inputs {
		ref, err := s.Put(ctx, data)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if ref.Hash != integrity.HashBytes(data) || ref.Size != int64(len(data)) {
			t.Fatalf("unexpected ref %+v", ref)
		}
		got, err := s.Get(ctx, ref.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("roundtrip mismatch for %d bytes", len(data))
		}
		if err := s.Verify(ctx, ref.ID, ref.Hash); err != nil {
			t.Fatalf("Verify: %v", err)
		}
	}
}

func TestStore_SurvivesShardLoss(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte("lrrk2 mutation found\n"), 500)
	ref, err := s.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Lose one data shard and corrupt one parity shard.
	dir := s.path(ref.ID)
	if err := os.Remove(filepath.Join(dir, shardName(0))); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, shardName(5)), []byte("garbage"), 0o640); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, ref.ID)
	if err != nil {
		t.Fatalf("Get after loss: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("reconstructed artifact differs")
	}
}

func TestStore_TooManyLostShards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref, err := s.Put(ctx, bytes.Repeat([]byte("abc"), 1000))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	for i := 0; i < 3; i++ {
		os.Remove(filepath.Join(s.path(ref.ID), shardName(i)))
	}
	if _, err := s.Get(ctx, ref.ID); err == nil {
		t.Fatal("expected error with three of six shards lost")
	}
}

func TestStore_VerifyWrongHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref, err := s.Put(ctx, []byte("payload"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	err = s.Verify(ctx, ref.ID, integrity.HashBytes([]byte("other")))
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestStore_DeleteNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref, err := s.Put(ctx, []byte("payload"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ref.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, ref.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ref.ID); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := s.Get(ctx, "../etc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for invalid id, got %v", err)
	}
}
