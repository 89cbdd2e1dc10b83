// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryTable_PurgedRecordsAreInvisible(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	table, err := NewMemoryTable(recordSchema(), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = table.Close() })

	ctx := context.Background()
	require.NoError(t, table.Put(ctx, record{ID: "a", Owner: "alice", PurgeAt: clock.Now().Add(time.Hour)}))

	_, err = table.Get(ctx, "a")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	_, err = table.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	items, err := table.Query(ctx, "owner", "alice")
	require.NoError(t, err)
	assert.Empty(t, items)

	// a purgeable key can be reused
	assert.NoError(t, table.Create(ctx, record{ID: "a"}))
}

func TestMemoryTable_CleanupExpired(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	table, err := NewMemoryTable(recordSchema(), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = table.Close() })

	ctx := context.Background()
	require.NoError(t, table.Put(ctx, record{ID: "short", Code: "x", PurgeAt: clock.Now().Add(time.Minute)}))
	require.NoError(t, table.Put(ctx, record{ID: "long", PurgeAt: clock.Now().Add(time.Hour)}))
	require.NoError(t, table.Put(ctx, record{ID: "forever"}))

	clock.Advance(10 * time.Minute)
	table.cleanupExpired()

	assert.Equal(t, 2, table.Len())
	table.mu.RLock()
	_, indexed := table.index["code"]["x"]
	table.mu.RUnlock()
	assert.False(t, indexed)
}

func TestMemoryTable_CleanupLoopRuns(t *testing.T) {
	t.Parallel()

	table, err := NewMemoryTable(recordSchema(), WithCleanupInterval(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = table.Close() })

	require.NoError(t, table.Put(context.Background(),
		record{ID: "a", PurgeAt: time.Now().Add(-time.Second)}))

	assert.Eventually(t, func() bool { return table.Len() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestMemoryTable_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	table, err := NewMemoryTable(recordSchema())
	require.NoError(t, err)
	assert.NoError(t, table.Close())
	assert.NoError(t, table.Close())
}
