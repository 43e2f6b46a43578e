// Package artifacts is a content-addressed blob store for export bundles.
// Every blob is keyed by "sha256:<hex>" of its bytes.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const hashPrefix = "sha256:"

var (
	ErrNotFound    = errors.New("artifact not found")
	ErrInvalidHash = errors.New("invalid hash format")
)

// Store defines the contract for content-addressed storage.
type Store interface {
	// Store persists data and returns its content hash. Storing the same
	// bytes twice returns the same hash and writes nothing new.
	Store(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
	Delete(ctx context.Context, hash string) error
}

// ContentHash returns the prefixed hash and its bare hex form.
func ContentHash(data []byte) (prefixed, hexDigest string) {
	sum := sha256.Sum256(data)
	hexDigest = hex.EncodeToString(sum[:])
	return hashPrefix + hexDigest, hexDigest
}

// parseHash validates a prefixed hash and returns the hex digest.
func parseHash(hash string) (string, error) {
	if len(hash) != len(hashPrefix)+64 || hash[:len(hashPrefix)] != hashPrefix {
		return "", fmt.Errorf("%w: %s", ErrInvalidHash, hash)
	}
	raw := hash[len(hashPrefix):]
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidHash, hash)
	}
	return raw, nil
}

func objectKey(prefix, digest string) string {
	return prefix + digest + ".blob"
}

// FileStore keeps blobs under baseDir.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: shared artifact directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(digest string) string {
	return filepath.Join(s.baseDir, objectKey("", digest))
}

func (s *FileStore) Store(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prefixed, digest := ContentHash(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(digest)
	if _, err := os.Stat(path); err == nil {
		return prefixed, nil
	}

	tmp, err := os.CreateTemp(s.baseDir, digest+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return prefixed, nil
}

func (s *FileStore) Get(ctx context.Context, hash string) ([]byte, error) {
	digest, err := parseHash(hash)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.path(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

func (s *FileStore) Exists(ctx context.Context, hash string) (bool, error) {
	digest, err := parseHash(hash)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(s.path(digest))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

func (s *FileStore) Delete(ctx context.Context, hash string) error {
	digest, err := parseHash(hash)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(digest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// MemoryStore is an in-process Store for lite mode and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Store(_ context.Context, data []byte) (string, error) {
	prefixed, digest := ContentHash(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[digest]; !ok {
		m.blobs[digest] = append([]byte(nil), data...)
	}
	return prefixed, nil
}

func (m *MemoryStore) Get(_ context.Context, hash string) ([]byte, error) {
	digest, err := parseHash(hash)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[digest]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return append([]byte(nil), b...), nil
}

func (m *MemoryStore) Exists(_ context.Context, hash string) (bool, error) {
	digest, err := parseHash(hash)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[digest]
	return ok, nil
}

func (m *MemoryStore) Delete(_ context.Context, hash string) error {
	digest, err := parseHash(hash)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, digest)
	return nil
}
