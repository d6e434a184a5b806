package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kellnr/kellnr/kellnrerr"
)

// FsStore is a filesystem-backed Store: the default for single-node
// deployments and for tests, one file per (name, version) under a root
// directory.
type FsStore struct {
	root string
}

// NewFsStore returns a Store rooted at dir, creating it if needed.
func NewFsStore(dir string) (*FsStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob store root %s: %w", dir, err)
	}
	return &FsStore{root: dir}, nil
}

func (s *FsStore) path(originalName, version string) string {
	return filepath.Join(s.root, originalName, version+".crate")
}

func (s *FsStore) Put(ctx context.Context, originalName, version string, data []byte) (string, error) {
	p := s.path(originalName, version)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir for %s %s: %w", originalName, version, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob %s %s: %w", originalName, version, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (s *FsStore) Get(ctx context.Context, originalName, version string) ([]byte, error) {
	data, err := os.ReadFile(s.path(originalName, version))
	if errors.Is(err, os.ErrNotExist) {
		return nil, kellnrerr.NotFound("blob not found", err)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s %s: %w", originalName, version, err)
	}
	return data, nil
}

func (s *FsStore) Delete(ctx context.Context, originalName, version string) error {
	err := os.Remove(s.path(originalName, version))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob %s %s: %w", originalName, version, err)
	}
	return nil
}
