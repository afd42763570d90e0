// Package artifact stores permanent, hash-verified blobs: promoted uploads
// and search-result documents. Each artifact is zstd-compressed, split into
// Reed-Solomon data and parity shards with per-shard BLAKE3 checksums, and
// described by a CBOR manifest. Reads rebuild around missing or corrupt
// shards and re-verify the SHA-256 content hash before returning.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/ssd-technologies/corpusx/internal/integrity"
)

// Sentinel errors.
var (
	ErrNotFound = errors.New("artifact not found")
	ErrCorrupt  = errors.New("artifact content hash mismatch")
)

const (
	defaultDataShards   = 4
	defaultParityShards = 2
	manifestName        = "manifest.cbor"
)

// Ref identifies a stored artifact.
type Ref struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Store is a directory of artifacts.
type Store struct {
	dir          string
	dataShards   int
	parityShards int
	encoder      *zstd.Encoder
	decoder      *zstd.Decoder
}

// NewStore opens (or creates) an artifact store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Store{
		dir:          dir,
		dataShards:   defaultDataShards,
		parityShards: defaultParityShards,
		encoder:      enc,
		decoder:      dec,
	}, nil
}

// Put stores data as a new artifact.
func (s *Store) Put(ctx context.Context, data []byte) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	id := uuid.New().String()
	compressed := s.encoder.EncodeAll(data, nil)

	shards, err := shardData(compressed, s.dataShards, s.parityShards)
	if err != nil {
		return Ref{}, err
	}

	m := &manifest{
		ID:             id,
		Hash:           integrity.HashBytes(data),
		Size:           int64(len(data)),
		CompressedSize: len(compressed),
		DataShards:     s.dataShards,
		ParityShards:   s.parityShards,
		Checksums:      make([]string, len(shards)),
		CreatedAt:      time.Now().Unix(),
	}

	tmp := filepath.Join(s.dir, "."+id+".tmp")
	if err := os.MkdirAll(tmp, 0o750); err != nil {
		return Ref{}, fmt.Errorf("create artifact %s: %w", id, err)
	}
	for i, shard := range shards {
		m.Checksums[i] = shardChecksum(shard)
		if err := os.WriteFile(filepath.Join(tmp, shardName(i)), shard, 0o640); err != nil {
			os.RemoveAll(tmp)
			return Ref{}, fmt.Errorf("write shard %d: %w", i, err)
		}
	}
	encoded, err := m.marshal()
	if err != nil {
		os.RemoveAll(tmp)
		return Ref{}, err
	}
	if err := os.WriteFile(filepath.Join(tmp, manifestName), encoded, 0o640); err != nil {
		os.RemoveAll(tmp)
		return Ref{}, fmt.Errorf("write manifest: %w", err)
	}
	// The rename publishes the artifact atomically.
	if err := os.Rename(tmp, s.path(id)); err != nil {
		os.RemoveAll(tmp)
		return Ref{}, fmt.Errorf("publish artifact %s: %w", id, err)
	}

	return Ref{ID: id, Hash: m.Hash, Size: m.Size}, nil
}

// Get returns the artifact bytes after rebuilding any damaged shards and
// verifying the content hash.
func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := s.readManifest(id)
	if err != nil {
		return nil, err
	}

	shards := make([][]byte, len(m.Checksums))
	for i := range shards {
		shard, err := os.ReadFile(filepath.Join(s.path(id), shardName(i)))
		if err != nil || shardChecksum(shard) != m.Checksums[i] {
			continue
		}
		shards[i] = shard
	}

	compressed, err := reconstructData(shards, m.DataShards, m.ParityShards, m.CompressedSize)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", id, err)
	}
	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress artifact %s: %w", id, err)
	}
	if !integrity.Equal(integrity.HashBytes(data), m.Hash) {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrCorrupt)
	}
	return data, nil
}

// Verify reads the artifact and checks it against want, the hash recorded by
// the caller.
func (s *Store) Verify(ctx context.Context, id, want string) error {
	data, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !integrity.Equal(integrity.HashBytes(data), want) {
		return fmt.Errorf("artifact %s: %w", id, ErrCorrupt)
	}
	return nil
}

// Delete removes an artifact. Deleting a missing artifact is not an error.
func (s *Store) Delete(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("delete artifact: invalid id %q", id)
	}
	if err := os.RemoveAll(s.path(id)); err != nil {
		return fmt.Errorf("delete artifact %s: %w", id, err)
	}
	return nil
}

func (s *Store) readManifest(id string) (*manifest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("artifact %q: %w", id, ErrNotFound)
	}
	data, err := os.ReadFile(filepath.Join(s.path(id), manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", id, err)
	}
	return unmarshalManifest(data)
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id)
}

func shardName(i int) string {
	return "shard-" + strconv.Itoa(i)
}
