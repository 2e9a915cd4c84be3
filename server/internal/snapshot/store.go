package snapshot

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/zeebo/blake3"
)

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = errors.New("snapshot blob not found")

// StoragePath is the blob key for a snapshot archive.
func StoragePath(tenantID, sessionID, snapshotID string) string {
	return path.Join("sandbox-snapshots", tenantID, sessionID, snapshotID+Extension)
}

// Blob describes a stored object.
type Blob struct {
	Path   string
	Size   int64
	Digest string // hex BLAKE3 of the stored bytes
}

// BlobStore is durable storage for snapshot archives, addressed by
// slash-separated keys.
type BlobStore interface {
	// Put stores everything read from r under key.
	Put(ctx context.Context, key string, r io.Reader) (*Blob, error)
	// Open returns the object stored under key, or ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}

// FileStore is a BlobStore on the local filesystem.
type FileStore struct {
	Root string
}

// NewFileStore returns a FileStore rooted at root, creating it if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FileStore{Root: root}, nil
}

func (s *FileStore) path(key string) (string, error) {
	return securejoin.SecureJoin(s.Root, filepath.FromSlash(key))
}

// Put writes to a temporary file beside the target and renames it into
// place once the copy succeeded.
func (s *FileStore) Put(ctx context.Context, key string, r io.Reader) (*Blob, error) {
	dst, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := blake3.New()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), &ctxReader{ctx: ctx, r: r})
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write blob %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to write blob %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return nil, fmt.Errorf("failed to finalize blob %s: %w", key, err)
	}

	return &Blob{Path: key, Size: n, Digest: hex.EncodeToString(hasher.Sum(nil))}, nil
}

func (s *FileStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return f, err
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	return nil
}

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Save compresses a tar stream and stores it under key.
func Save(ctx context.Context, store BlobStore, key string, tarStream io.Reader) (*Blob, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(Compress(pw, tarStream))
	}()
	blob, err := store.Put(ctx, key, pr)
	pr.CloseWithError(err)
	return blob, err
}

// Load opens the archive stored under key and returns its tar stream.
func Load(ctx context.Context, store BlobStore, key string) (io.ReadCloser, error) {
	rc, err := store.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	tr, err := Decompress(rc)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return &stackedCloser{ReadCloser: tr, under: rc}, nil
}

type stackedCloser struct {
	io.ReadCloser
	under io.Closer
}

func (s *stackedCloser) Close() error {
	err := s.ReadCloser.Close()
	if uerr := s.under.Close(); err == nil {
		err = uerr
	}
	return err
}
