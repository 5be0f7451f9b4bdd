// Package objectstore provides content-addressed blob storage for task
// artifacts.
//
// Blobs are addressed by the SHA-256 of their bytes and quoted in artifact
// descriptors as cas://<sha256> URIs. Identical bytes always map to the
// same address, so puts are idempotent and retried steps never duplicate
// media files.
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/showrun/showrun"
)

// Scheme prefixes every object URI issued by this package.
const Scheme = "cas://"

// FS stores blobs on the local filesystem, sharded two levels deep by hash
// prefix (ab/cd/abcd...). Writes go through a temp file and a rename, so a
// blob path either holds complete content or nothing.
type FS struct {
	root   string
	logger *slog.Logger
}

// FSOption configures an FS store.
type FSOption func(*FS)

// WithLogger sets the logger used for non-fatal housekeeping failures.
func WithLogger(l *slog.Logger) FSOption {
	return func(s *FS) { s.logger = l }
}

// New creates a filesystem store rooted at dir. The directory is created
// lazily on first Put.
func New(dir string, opts ...FSOption) *FS {
	s := &FS{root: dir, logger: slog.New(discardHandler{})}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores data and returns its descriptor. Re-putting identical bytes is
// a cheap no-op returning the same descriptor.
func (s *FS) Put(ctx context.Context, data []byte, mime string) (showrun.BlobRef, error) {
	sum := sha256.Sum256(data)
	addr := hex.EncodeToString(sum[:])
	ref := showrun.BlobRef{
		URI:    Scheme + addr,
		Mime:   mime,
		Bytes:  int64(len(data)),
		SHA256: addr,
	}

	path := s.path(addr)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return showrun.BlobRef{}, fmt.Errorf("objectstore: shard dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return showrun.BlobRef{}, fmt.Errorf("objectstore: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return showrun.BlobRef{}, fmt.Errorf("objectstore: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return showrun.BlobRef{}, fmt.Errorf("objectstore: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return showrun.BlobRef{}, fmt.Errorf("objectstore: commit: %w", err)
	}
	return ref, nil
}

// Get reads a blob back by descriptor and verifies its content hash.
func (s *FS) Get(ctx context.Context, ref showrun.BlobRef) ([]byte, error) {
	addr, err := Address(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(addr))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("objectstore: %s: %w", addr, showrun.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("objectstore: read: %w", err)
	}
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != addr {
		return nil, fmt.Errorf("objectstore: blob %s is corrupt (content hash %s)", addr, got)
	}
	return data, nil
}

// Open returns a reader over a blob for callers streaming large media files.
// The content hash is not verified on this path.
func (s *FS) Open(ctx context.Context, ref showrun.BlobRef) (io.ReadCloser, error) {
	addr, err := Address(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(addr))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("objectstore: %s: %w", addr, showrun.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("objectstore: open: %w", err)
	}
	return f, nil
}

func (s *FS) path(addr string) string {
	return filepath.Join(s.root, addr[:2], addr[2:4], addr)
}

// Address extracts the content address from a descriptor, accepting either
// the cas:// URI or a bare SHA256 field.
func Address(ref showrun.BlobRef) (string, error) {
	addr := ref.SHA256
	if strings.HasPrefix(ref.URI, Scheme) {
		addr = strings.TrimPrefix(ref.URI, Scheme)
	}
	if len(addr) != sha256.Size*2 {
		return "", fmt.Errorf("objectstore: malformed descriptor %q", ref.URI)
	}
	if _, err := hex.DecodeString(addr); err != nil {
		return "", fmt.Errorf("objectstore: malformed descriptor %q", ref.URI)
	}
	return addr, nil
}

// discardHandler is a slog.Handler that drops everything.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

var _ showrun.ObjectStore = (*FS)(nil)
