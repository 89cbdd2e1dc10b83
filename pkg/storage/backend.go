// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/credissuer/pkg/config"
)

// Backend creates tables on one storage backend and owns their resources.
type Backend struct {
	client          redis.UniversalClient
	keyPrefix       string
	cleanupInterval time.Duration

	mu      sync.Mutex
	closers []io.Closer
}

// NewBackend builds the backend selected by cfg.
func NewBackend(ctx context.Context, cfg config.StorageConfig) (*Backend, error) {
	switch cfg.Backend {
	case config.StorageMemory:
		return NewMemoryBackend(cfg.CleanupInterval), nil
	case config.StorageRedis:
		client, err := NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewRedisBackend(client, cfg.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// NewMemoryBackend returns an in-memory backend. A non-positive interval uses
// DefaultCleanupInterval.
func NewMemoryBackend(cleanupInterval time.Duration) *Backend {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	return &Backend{cleanupInterval: cleanupInterval}
}

// NewRedisBackend returns a backend over a pre-configured client, which the
// backend closes on Close.
func NewRedisBackend(client redis.UniversalClient, keyPrefix string) *Backend {
	return &Backend{client: client, keyPrefix: keyPrefix}
}

// NewTable creates a table for schema on b.
func NewTable[T any](b *Backend, schema Schema[T]) (Table[T], error) {
	if b.client != nil {
		return NewRedisTable(b.client, b.keyPrefix, schema)
	}
	t, err := NewMemoryTable(schema, WithCleanupInterval(b.cleanupInterval))
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.closers = append(b.closers, t)
	b.mu.Unlock()
	return t, nil
}

// Ping checks backend connectivity.
func (b *Backend) Ping(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	return b.client.Ping(ctx).Err()
}

// Close releases every table and the Redis client.
func (b *Backend) Close() error {
	b.mu.Lock()
	closers := b.closers
	b.closers = nil
	b.mu.Unlock()

	var errs []error
	for _, c := range closers {
		errs = append(errs, c.Close())
	}
	if b.client != nil {
		errs = append(errs, b.client.Close())
	}
	return errors.Join(errs...)
}
