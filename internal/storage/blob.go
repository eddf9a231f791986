package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BlobStore keeps uploaded originals, treated CSVs and export packages.
type BlobStore interface {
	// Put stores data under a fresh key "prefix/YYYY/MM/<uuid>_<name>".
	Put(ctx context.Context, prefix, name string, data []byte) (string, error)
	// Get returns the bytes stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
}

// LocalBlobStore is a BlobStore on the local filesystem rooted at Dir.
type LocalBlobStore struct {
	Dir string
	now func() time.Time
}

// NewLocalBlobStore returns a store rooted at dir. The directory is created
// lazily on the first Put.
func NewLocalBlobStore(dir string) *LocalBlobStore {
	return &LocalBlobStore{Dir: dir, now: time.Now}
}

func (s *LocalBlobStore) Put(ctx context.Context, prefix, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := s.now().UTC()
	key := path.Join(
		strings.Trim(prefix, "/"),
		now.Format("2006"),
		now.Format("01"),
		uuid.NewString()+"_"+safeName(name),
	)

	full, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("blob dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob %s: %w", key, err)
	}
	return key, nil
}

func (s *LocalBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return b, nil
}

// resolve maps a key to a path under Dir, refusing keys that escape it.
func (s *LocalBlobStore) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || clean != "/"+strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.Dir, filepath.FromSlash(clean[1:])), nil
}

// safeName keeps the base name of an uploaded file and replaces anything
// outside [A-Za-z0-9._-] with '_'.
func safeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "arquivo"
	}
	b := []byte(name)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
		default:
			b[i] = '_'
		}
	}
	return string(b)
}
