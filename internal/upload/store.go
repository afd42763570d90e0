// Package upload implements resumable chunked uploads. Bytes accumulate in a
// per-upload temporary file and only become visible once Finalize promotes
// them into the artifact store.
package upload

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ssd-technologies/corpusx/internal/artifact"
	"github.com/ssd-technologies/corpusx/internal/integrity"
	"github.com/ssd-technologies/corpusx/internal/storage"
)

// Sentinel errors.
var (
	ErrHashMismatch = errors.New("hash mismatch")
	ErrNotComplete  = errors.New("upload not complete")
	ErrOutOfOrder   = errors.New("chunk offset ahead of upload offset")
	ErrTooLarge     = errors.New("chunk exceeds declared size")
	ErrComplete     = errors.New("upload already complete")
	ErrInvalid      = errors.New("invalid upload request")
)

// DefaultChunkSize is the chunk size advertised to clients.
const DefaultChunkSize int64 = 1 << 20

// Upload is the persisted state of a chunked upload.
type Upload = storage.ChunkedUpload

// Options control what Finalize attaches the promoted artifact to. At most
// one of SearchResultID, FileID and CreateFile is honored, in that order.
type Options struct {
	FileID         int64
	CreateFile     bool
	SearchResultID int64
	ProjectID      *int64
	Description    string
	LoadContent    bool
	Path           []string
	Delete         bool
}

// Promotion is the outcome of Finalize.
type Promotion struct {
	Artifact     artifact.Ref          `json:"artifact"`
	File         *storage.File         `json:"file,omitempty"`
	SearchResult *storage.SearchResult `json:"search_result,omitempty"`
}

// Store manages chunked uploads.
type Store struct {
	db        *storage.DB
	artifacts *artifact.Store
	dir       string
	chunkSize int64
	logger    *zap.Logger

	mu    sync.Mutex
	locks map[string]*uploadLock
}

type uploadLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore creates an upload store keeping partial bytes under dir.
func NewStore(db *storage.DB, artifacts *artifact.Store, dir string, chunkSize int64, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Store{
		db:        db,
		artifacts: artifacts,
		dir:       dir,
		chunkSize: chunkSize,
		logger:    logger,
		locks:     make(map[string]*uploadLock),
	}, nil
}

// ChunkSize returns the configured chunk size.
func (s *Store) ChunkSize() int64 { return s.chunkSize }

func (s *Store) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &uploadLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

func (s *Store) partPath(id string) string {
	return filepath.Join(s.dir, id+".part")
}

// Initiate creates a pending upload for totalSize bytes whose SHA-256 must
// equal declaredHash.
func (s *Store) Initiate(ctx context.Context, filename string, totalSize int64, declaredHash, category string) (*Upload, error) {
	if filename == "" || totalSize < 0 {
		return nil, fmt.Errorf("initiate upload: %w", ErrInvalid)
	}
	if b, err := hex.DecodeString(declaredHash); err != nil || len(b) != 32 {
		return nil, fmt.Errorf("initiate upload: hash must be sha256 hex: %w", ErrInvalid)
	}

	u := &Upload{
		UploadID:     uuid.New().String(),
		Filename:     filepath.Base(filename),
		FileCategory: category,
		TotalSize:    totalSize,
		Hash:         declaredHash,
		ChunkSize:    s.chunkSize,
		Status:       storage.UploadPending,
	}
	f, err := os.OpenFile(s.partPath(u.UploadID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}
	f.Close()

	if err := s.db.CreateUpload(ctx, u); err != nil {
		os.Remove(s.partPath(u.UploadID))
		return nil, err
	}
	s.logger.Debug("upload initiated",
		zap.String("upload_id", u.UploadID),
		zap.String("filename", u.Filename),
		zap.Int64("total_size", totalSize))
	return u, nil
}

// Get returns the current state of an upload.
func (s *Store) Get(ctx context.Context, id string) (*Upload, error) {
	return s.db.GetUpload(ctx, id)
}

// Append writes chunk, which the caller believes starts at offset. Bytes the
// server already holds are dropped, so resending an acknowledged chunk is
// harmless. When the upload reaches its declared size the content is
// re-hashed: on mismatch the offset rolls back to where it stood before this
// chunk and ErrHashMismatch is returned together with the rolled back state.
func (s *Store) Append(ctx context.Context, id string, offset int64, chunk []byte) (*Upload, error) {
	unlock := s.lock(id)
	defer unlock()

	u, err := s.db.GetUpload(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Status == storage.UploadComplete {
		return u, fmt.Errorf("append to %s: %w", id, ErrComplete)
	}
	if offset < 0 || offset > u.Offset {
		return u, fmt.Errorf("append to %s at %d, expected %d: %w", id, offset, u.Offset, ErrOutOfOrder)
	}

	skip := u.Offset - offset
	if skip >= int64(len(chunk)) && !(u.Offset == u.TotalSize && len(chunk) == 0) {
		return u, nil
	}
	chunk = chunk[skip:]
	if u.Offset+int64(len(chunk)) > u.TotalSize {
		return u, fmt.Errorf("append to %s: %d bytes past %d: %w",
			id, u.Offset+int64(len(chunk))-u.TotalSize, u.TotalSize, ErrTooLarge)
	}

	prev := u.Offset
	next := prev + int64(len(chunk))
	if err := s.writeAt(id, prev, chunk); err != nil {
		return u, err
	}

	status := storage.UploadInProgress
	if next == u.TotalSize {
		got, err := integrity.HashFile(s.partPath(id))
		if err != nil {
			return u, fmt.Errorf("hash upload %s: %w", id, err)
		}
		if !integrity.Equal(got, u.Hash) {
			if err := os.Truncate(s.partPath(id), prev); err != nil {
				return u, fmt.Errorf("roll back upload %s: %w", id, err)
			}
			if err := s.db.UpdateUploadProgress(ctx, id, prev, storage.UploadInProgress); err != nil {
				return u, err
			}
			u.Offset = prev
			u.Status = storage.UploadInProgress
			s.logger.Warn("upload hash mismatch",
				zap.String("upload_id", id),
				zap.String("expected", u.Hash),
				zap.String("actual", got))
			return u, fmt.Errorf("upload %s: %w", id, ErrHashMismatch)
		}
		status = storage.UploadComplete
	}

	if err := s.db.UpdateUploadProgress(ctx, id, next, status); err != nil {
		return u, err
	}
	u.Offset = next
	u.Status = status
	u.UpdatedAt = time.Now().Unix()
	return u, nil
}

// writeAt writes chunk at off and truncates anything left past it by an
// earlier rolled back attempt.
func (s *Store) writeAt(id string, off int64, chunk []byte) error {
	f, err := os.OpenFile(s.partPath(id), os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open upload %s: %w", id, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(chunk, off); err != nil {
		return fmt.Errorf("write upload %s: %w", id, err)
	}
	if err := f.Truncate(off + int64(len(chunk))); err != nil {
		return fmt.Errorf("truncate upload %s: %w", id, err)
	}
	return f.Sync()
}

// Finalize promotes a complete upload into the artifact store and attaches
// it according to opts.
func (s *Store) Finalize(ctx context.Context, id string, opts Options) (*Promotion, error) {
	unlock := s.lock(id)
	defer unlock()

	u, err := s.db.GetUpload(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Status != storage.UploadComplete {
		return nil, fmt.Errorf("finalize %s: %w", id, ErrNotComplete)
	}

	data, err := s.readPart(id, u.TotalSize)
	if err != nil {
		return nil, err
	}
	ref, err := s.artifacts.Put(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("promote upload %s: %w", id, err)
	}
	if !integrity.Equal(ref.Hash, u.Hash) {
		s.artifacts.Delete(ref.ID)
		return nil, fmt.Errorf("promote upload %s: %w", id, ErrHashMismatch)
	}

	p := &Promotion{Artifact: ref}
	if err := s.attach(ctx, u, data, ref, opts, p); err != nil {
		s.artifacts.Delete(ref.ID)
		return nil, err
	}

	if opts.Delete {
		if err := s.discard(ctx, id); err != nil {
			s.logger.Warn("discard finalized upload", zap.String("upload_id", id), zap.Error(err))
		}
	}
	s.logger.Info("upload promoted",
		zap.String("upload_id", id),
		zap.String("artifact_id", ref.ID),
		zap.Int64("size", ref.Size))
	return p, nil
}

func (s *Store) attach(ctx context.Context, u *Upload, data []byte, ref artifact.Ref, opts Options, p *Promotion) error {
	switch {
	case opts.SearchResultID != 0:
		if err := s.db.CompleteSearchResult(ctx, opts.SearchResultID, ref.ID, ref.Hash); err != nil {
			return err
		}
		r, err := s.db.GetSearchResult(ctx, opts.SearchResultID)
		if err != nil {
			return err
		}
		p.SearchResult = r

	case opts.FileID != 0:
		if err := s.db.UpdateFileArtifact(ctx, opts.FileID, ref.ID, ref.Hash, ref.Size); err != nil {
			return err
		}
		if opts.LoadContent {
			if err := s.db.SetFileContent(ctx, opts.FileID, string(data)); err != nil {
				return err
			}
		}
		f, err := s.db.GetFile(ctx, opts.FileID)
		if err != nil {
			return err
		}
		p.File = f

	case opts.CreateFile:
		f := &storage.File{
			ProjectID:    opts.ProjectID,
			Name:         u.Filename,
			Description:  opts.Description,
			Hash:         ref.Hash,
			FileType:     fileType(u.Filename),
			FileCategory: u.FileCategory,
			Path:         opts.Path,
			ArtifactID:   ref.ID,
			Size:         ref.Size,
		}
		if err := s.db.CreateFile(ctx, f); err != nil {
			return err
		}
		if opts.LoadContent {
			if err := s.db.SetFileContent(ctx, f.ID, string(data)); err != nil {
				return err
			}
			f.LoadContent = true
		}
		p.File = f
	}
	return nil
}

func (s *Store) readPart(id string, size int64) ([]byte, error) {
	f, err := os.Open(s.partPath(id))
	if err != nil {
		return nil, fmt.Errorf("open upload %s: %w", id, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, size))
	if err != nil {
		return nil, fmt.Errorf("read upload %s: %w", id, err)
	}
	return data, nil
}

// Discard deletes the upload record and its temporary bytes.
func (s *Store) Discard(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()
	return s.discard(ctx, id)
}

func (s *Store) discard(ctx context.Context, id string) error {
	if err := os.Remove(s.partPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove upload %s: %w", id, err)
	}
	return s.db.DeleteUpload(ctx, id)
}

// Sweep discards uploads untouched for longer than olderThan and returns how
// many were removed.
func (s *Store) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := s.db.StaleUploadIDs(ctx, time.Now().Add(-olderThan).Unix())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := s.Discard(ctx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func fileType(name string) string {
	ext := filepath.Ext(name)
	if len(ext) > 1 {
		return ext[1:]
	}
	return ""
}
