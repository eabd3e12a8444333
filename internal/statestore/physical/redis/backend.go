// Package redis provides a Redis-backed record store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/helium-bots/helium/internal/statestore"
	"github.com/helium-bots/helium/internal/statestore/physical"
)

const (
	KeyAddr         = "addr"
	KeyPassword     = "password"
	KeyDB           = "db"
	KeyNamespace    = "namespace"
	KeyKeyPrefix    = "key_prefix"
	KeyDialTimeout  = "dial_timeout"
	KeyReadTimeout  = "read_timeout"
	KeyWriteTimeout = "write_timeout"
)

func init() {
	physical.Register("redis", NewFactory, Defaults)
}

// Defaults returns the default configuration for the Redis backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyAddr:         "localhost:6379",
		KeyPassword:     "",
		KeyDB:           "0",
		KeyKeyPrefix:    "helium:",
		KeyDialTimeout:  "5s",
		KeyReadTimeout:  "3s",
		KeyWriteTimeout: "3s",
	}
}

// NewFactory creates a Redis backend from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (physical.Backend, error) {
	addr := statestore.GetString(config, KeyAddr, "")
	if addr == "" {
		return nil, statestore.NewConfigError("redis", KeyAddr, "cannot be empty")
	}

	db, err := statestore.GetInt(config, KeyDB, 0)
	if err != nil {
		return nil, statestore.NewConfigErrorWithCause("redis", KeyDB, "invalid db", err)
	}

	dialTimeout, err := statestore.GetDuration(config, KeyDialTimeout, 5*time.Second)
	if err != nil {
		return nil, statestore.NewConfigErrorWithCause("redis", KeyDialTimeout, "invalid timeout", err)
	}
	readTimeout, err := statestore.GetDuration(config, KeyReadTimeout, 3*time.Second)
	if err != nil {
		return nil, statestore.NewConfigErrorWithCause("redis", KeyReadTimeout, "invalid timeout", err)
	}
	writeTimeout, err := statestore.GetDuration(config, KeyWriteTimeout, 3*time.Second)
	if err != nil {
		return nil, statestore.NewConfigErrorWithCause("redis", KeyWriteTimeout, "invalid timeout", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     statestore.GetString(config, KeyPassword, ""),
		DB:           db,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, statestore.NewConfigErrorWithCause("redis", KeyAddr, "failed to connect", err)
	}

	prefix := statestore.GetString(config, KeyKeyPrefix, "helium:")
	if ns := statestore.GetString(config, KeyNamespace, ""); ns != "" {
		prefix += ns + ":"
	}

	return &Backend{client: client, prefix: prefix}, nil
}

// Backend is a Redis implementation of physical.Backend.
type Backend struct {
	client *redis.Client
	prefix string
	closed atomic.Bool
}

// Put stores a record.
func (b *Backend) Put(ctx context.Context, key string, value []byte) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	if err := b.client.Set(ctx, b.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

// Get reads a record.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	value, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

// Delete removes a record.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	n, err := b.client.Del(ctx, b.prefix+key).Result()
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	if n == 0 {
		return physical.ErrNotFound
	}
	return nil
}

// List returns the keys under the given prefix.
func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	var keys []string
	iter := b.client.Scan(ctx, 0, b.prefix+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(b.prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	return keys, nil
}

// Close closes the connection. Records stay in Redis.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.client.Close()
}
