// Package badger provides an embedded Badger-backed record store.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/helium-bots/helium/internal/statestore"
	"github.com/helium-bots/helium/internal/statestore/physical"
)

const (
	KeyPath      = "path"
	KeyNamespace = "namespace"
	KeyInMemory  = "in_memory"
)

func init() {
	physical.Register("badger", NewFactory, Defaults)
}

// Defaults returns the default configuration for the Badger backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:     "~/.helium/badger",
		KeyInMemory: "false",
	}
}

// NewFactory creates a Badger backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	inMemory := statestore.GetString(config, KeyInMemory, "false") == "true"

	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		path := statestore.GetString(config, KeyPath, "")
		if path == "" {
			return nil, statestore.NewConfigError("badger", KeyPath, "cannot be empty")
		}
		path = statestore.ExpandPath(path)
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, statestore.NewConfigErrorWithCause("badger", KeyPath, "failed to create directory", err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, statestore.NewConfigErrorWithCause("badger", KeyPath, "failed to open database", err)
	}

	prefix := ""
	if ns := statestore.GetString(config, KeyNamespace, ""); ns != "" {
		prefix = ns + "/"
	}
	return &Backend{db: db, prefix: prefix}, nil
}

// Backend is a Badger implementation of physical.Backend.
type Backend struct {
	db     *badger.DB
	prefix string
	closed atomic.Bool
}

// Put stores a record.
func (b *Backend) Put(_ context.Context, key string, value []byte) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(b.prefix+key), value)
	})
	if err != nil {
		return fmt.Errorf("badger put: %w", err)
	}
	return nil
}

// Get reads a record.
func (b *Backend) Get(_ context.Context, key string) ([]byte, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(b.prefix + key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return value, nil
}

// Delete removes a record.
func (b *Backend) Delete(_ context.Context, key string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		k := []byte(b.prefix + key)
		if _, err := txn.Get(k); err != nil {
			return err
		}
		return txn.Delete(k)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return physical.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

// List returns the keys under the given prefix.
func (b *Backend) List(_ context.Context, prefix string) ([]string, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		full := []byte(b.prefix + prefix)
		for it.Seek(full); it.ValidForPrefix(full); it.Next() {
			keys = append(keys, string(it.Item().Key())[len(b.prefix):])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger list: %w", err)
	}
	return keys, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
