// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often the in-memory backend drops purgeable records.
const DefaultCleanupInterval = 5 * time.Minute

// memoryEntry is one stored record. Records are kept JSON-encoded so that
// callers never share memory with the store.
type memoryEntry struct {
	data    []byte
	indexes map[string]string
	purgeAt time.Time
}

func (e *memoryEntry) purgeable(now time.Time) bool {
	return !e.purgeAt.IsZero() && now.After(e.purgeAt)
}

// MemoryTable is a thread-safe in-memory Table.
type MemoryTable[T any] struct {
	schema Schema[T]

	mu      sync.RWMutex
	entries map[string]*memoryEntry
	// index name -> index value -> primary keys
	index map[string]map[string]map[string]struct{}

	now             func() time.Time
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// MemoryOption configures a MemoryTable.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	cleanupInterval time.Duration
	now             func() time.Time
}

// WithCleanupInterval sets how often purgeable records are dropped.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(o *memoryOptions) {
		if d > 0 {
			o.cleanupInterval = d
		}
	}
}

// WithClock overrides the clock used to decide purgeability.
func WithClock(now func() time.Time) MemoryOption {
	return func(o *memoryOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// NewMemoryTable creates a MemoryTable and starts its cleanup goroutine.
// Call Close to stop it.
func NewMemoryTable[T any](schema Schema[T], opts ...MemoryOption) (*MemoryTable[T], error) {
	if err := schema.validate(); err != nil {
		return nil, err
	}
	o := &memoryOptions{cleanupInterval: DefaultCleanupInterval, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	t := &MemoryTable[T]{
		schema:          schema,
		entries:         make(map[string]*memoryEntry),
		index:           make(map[string]map[string]map[string]struct{}),
		now:             o.now,
		cleanupInterval: o.cleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	go t.cleanupLoop()
	return t, nil
}

// Close stops the cleanup goroutine.
func (t *MemoryTable[T]) Close() error {
	t.closeOnce.Do(func() {
		close(t.stopCleanup)
		<-t.cleanupDone
	})
	return nil
}

func (t *MemoryTable[T]) cleanupLoop() {
	defer close(t.cleanupDone)

	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCleanup:
			return
		case <-ticker.C:
			t.cleanupExpired()
		}
	}
}

// cleanupExpired collects purgeable keys under the read lock, then deletes
// them under the write lock, rechecking each one.
func (t *MemoryTable[T]) cleanupExpired() {
	now := t.now()

	t.mu.RLock()
	var expired []string
	for key, e := range t.entries {
		if e.purgeable(now) {
			expired = append(expired, key)
		}
	}
	t.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range expired {
		if e, ok := t.entries[key]; ok && e.purgeable(now) {
			t.removeLocked(key, e)
		}
	}
}

func (t *MemoryTable[T]) encode(item T) (string, *memoryEntry, error) {
	key := t.schema.Key(item)
	if key == "" {
		return "", nil, fmt.Errorf("%s: empty primary key", t.schema.Name)
	}
	data, err := json.Marshal(item)
	if err != nil {
		return "", nil, fmt.Errorf("%s: failed to encode record: %w", t.schema.Name, err)
	}
	return key, &memoryEntry{
		data:    data,
		indexes: t.schema.indexValues(item),
		purgeAt: t.schema.purgeAt(item),
	}, nil
}

func (t *MemoryTable[T]) decode(e *memoryEntry) (T, error) {
	var item T
	if err := json.Unmarshal(e.data, &item); err != nil {
		return item, fmt.Errorf("%s: failed to decode record: %w", t.schema.Name, err)
	}
	return item, nil
}

// liveLocked returns the entry for key unless it is missing or purgeable.
func (t *MemoryTable[T]) liveLocked(key string) (*memoryEntry, bool) {
	e, ok := t.entries[key]
	if !ok || e.purgeable(t.now()) {
		return nil, false
	}
	return e, true
}

func (t *MemoryTable[T]) storeLocked(key string, e *memoryEntry) {
	if old, ok := t.entries[key]; ok {
		t.unindexLocked(key, old)
	}
	t.entries[key] = e
	for name, value := range e.indexes {
		values, ok := t.index[name]
		if !ok {
			values = make(map[string]map[string]struct{})
			t.index[name] = values
		}
		keys, ok := values[value]
		if !ok {
			keys = make(map[string]struct{})
			values[value] = keys
		}
		keys[key] = struct{}{}
	}
}

func (t *MemoryTable[T]) removeLocked(key string, e *memoryEntry) {
	t.unindexLocked(key, e)
	delete(t.entries, key)
}

func (t *MemoryTable[T]) unindexLocked(key string, e *memoryEntry) {
	for name, value := range e.indexes {
		keys := t.index[name][value]
		delete(keys, key)
		if len(keys) == 0 {
			delete(t.index[name], value)
		}
	}
}

// Put creates or replaces a record.
func (t *MemoryTable[T]) Put(_ context.Context, item T) error {
	key, e, err := t.encode(item)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.storeLocked(key, e)
	return nil
}

// Create stores a record only if its key is unused.
func (t *MemoryTable[T]) Create(_ context.Context, item T) error {
	key, e, err := t.encode(item)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.liveLocked(key); ok {
		return ErrAlreadyExists
	}
	t.storeLocked(key, e)
	return nil
}

// Get returns the record stored under key.
func (t *MemoryTable[T]) Get(_ context.Context, key string) (T, error) {
	t.mu.RLock()
	e, ok := t.liveLocked(key)
	t.mu.RUnlock()
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return t.decode(e)
}

// Query returns every record whose index value equals value.
func (t *MemoryTable[T]) Query(_ context.Context, index, value string) ([]T, error) {
	if !t.schema.hasIndex(index) {
		return nil, fmt.Errorf("%s: unknown index %q", t.schema.Name, index)
	}

	t.mu.RLock()
	var matched []*memoryEntry
	for key := range t.index[index][value] {
		if e, ok := t.liveLocked(key); ok {
			matched = append(matched, e)
		}
	}
	t.mu.RUnlock()

	items := make([]T, 0, len(matched))
	for _, e := range matched {
		item, err := t.decode(e)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Update replaces an existing record.
func (t *MemoryTable[T]) Update(ctx context.Context, item T) error {
	return t.UpdateIf(ctx, item, nil)
}

// UpdateIf replaces an existing record if cond holds for the stored version.
// A nil cond always holds.
func (t *MemoryTable[T]) UpdateIf(_ context.Context, item T, cond func(current T) bool) error {
	key, e, err := t.encode(item)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.liveLocked(key)
	if !ok {
		return ErrNotFound
	}
	if cond != nil {
		stored, err := t.decode(current)
		if err != nil {
			return err
		}
		if !cond(stored) {
			return ErrConditionFailed
		}
	}
	t.storeLocked(key, e)
	return nil
}

// Delete removes a record.
func (t *MemoryTable[T]) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		t.removeLocked(key, e)
	}
	return nil
}

// Len returns the number of stored records, including purgeable ones not yet
// collected.
func (t *MemoryTable[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

var _ Table[struct{}] = (*MemoryTable[struct{}])(nil)
