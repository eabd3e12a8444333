// Package physical provides the physical record-store interface behind the
// per-bot session and identity stores.
package physical

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the requested record was not found.
	ErrNotFound = errors.New("record not found")

	// ErrClosed indicates the backend has been closed.
	ErrClosed = errors.New("backend closed")
)

// Backend is a flat key/value record store scoped to a single namespace
// (one bot instance). Keys use "/" separators to group related records,
// e.g. "session/<userId>/<clientId>" or "prekey/42".
//
// Implementations are owned exclusively by one registry entry; they must
// tolerate sequential use by a single owner but need not support
// concurrent mutation.
type Backend interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
