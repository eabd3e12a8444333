// Package file provides a file-tree-backed record store. Each record is one
// file under <path>/<namespace>/, with "/" in keys mapped to directories.
package file

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/helium-bots/helium/internal/statestore"
	"github.com/helium-bots/helium/internal/statestore/physical"
)

const (
	KeyPath      = "path"
	KeyNamespace = "namespace"
)

func init() {
	physical.Register("file", NewFactory, Defaults)
}

// Defaults returns the default configuration for the file backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath: "~/.helium/state",
	}
}

// NewFactory creates a file backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	path := statestore.GetString(config, KeyPath, "")
	if path == "" {
		return nil, statestore.NewConfigError("file", KeyPath, "cannot be empty")
	}
	root := statestore.ExpandPath(path)

	if ns := statestore.GetString(config, KeyNamespace, ""); ns != "" {
		root = filepath.Join(root, ns)
	}

	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, statestore.NewConfigErrorWithCause("file", KeyPath, "failed to create directory", err)
	}

	return &Backend{root: root}, nil
}

// Backend is a file-tree implementation of physical.Backend.
type Backend struct {
	root   string
	closed atomic.Bool
}

func (b *Backend) recordPath(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key)+".rec")
}

// Put writes the record, creating parent directories as needed.
func (b *Backend) Put(_ context.Context, key string, value []byte) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	path := b.recordPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	// Write-then-rename keeps readers from observing a half-written record.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Get reads the record.
func (b *Backend) Get(_ context.Context, key string) ([]byte, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	data, err := os.ReadFile(b.recordPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, physical.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Delete removes the record.
func (b *Backend) Delete(_ context.Context, key string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	if err := os.Remove(b.recordPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return physical.ErrNotFound
		}
		return err
	}
	return nil
}

// List returns the keys under the given prefix.
func (b *Backend) List(_ context.Context, prefix string) ([]string, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	var keys []string
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".rec") {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), ".rec")
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Close marks the backend closed. The file tree stays on disk.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}
