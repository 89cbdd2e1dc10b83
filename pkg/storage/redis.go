// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/credissuer/pkg/config"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// maxTxAttempts bounds optimistic transaction retries when a watched key
// changes underneath a write.
const maxTxAttempts = 5

// NewRedisClient connects to a Sentinel-managed Redis deployment and checks
// connectivity.
func NewRedisClient(ctx context.Context, cfg config.StorageConfig) (redis.UniversalClient, error) {
	if err := validateRedisConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	client := redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:    cfg.Redis.MasterName,
		SentinelAddrs: cfg.Redis.SentinelAddrs,
		DB:            cfg.Redis.DB,
		Username:      cfg.Redis.Username,
		Password:      cfg.Redis.Password,
		DialTimeout:   DefaultDialTimeout,
		ReadTimeout:   DefaultReadTimeout,
		WriteTimeout:  DefaultWriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func validateRedisConfig(cfg config.StorageConfig) error {
	if cfg.Redis.MasterName == "" {
		return errors.New("sentinel master name is required")
	}
	if len(cfg.Redis.SentinelAddrs) == 0 {
		return errors.New("at least one sentinel address is required")
	}
	if cfg.KeyPrefix == "" {
		return errors.New("key prefix is required")
	}
	return nil
}

// RedisTable is a Table stored in Redis.
//
// Each record is a JSON string at <prefix><table>:<key>. Each index value is a
// set of primary keys at <prefix><table>:idx:<index>:<value>. Writes run in a
// WATCH/MULTI transaction on the record key.
type RedisTable[T any] struct {
	schema    Schema[T]
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisTable returns a RedisTable over client. The client is not owned by
// the table.
func NewRedisTable[T any](client redis.UniversalClient, keyPrefix string, schema Schema[T]) (*RedisTable[T], error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if err := schema.validate(); err != nil {
		return nil, err
	}
	return &RedisTable[T]{schema: schema, client: client, keyPrefix: keyPrefix}, nil
}

func (t *RedisTable[T]) recordKey(key string) string {
	return t.keyPrefix + t.schema.Name + ":" + key
}

func (t *RedisTable[T]) indexKey(index, value string) string {
	return t.keyPrefix + t.schema.Name + ":idx:" + index + ":" + value
}

// ttl converts a purge time to a Redis expiry. Zero means no expiry.
func ttl(purgeAt time.Time) time.Duration {
	if purgeAt.IsZero() {
		return 0
	}
	d := time.Until(purgeAt)
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}

// load reads and decodes the record at key inside a transaction.
func (t *RedisTable[T]) load(ctx context.Context, cmd redis.Cmdable, key string) (T, bool, error) {
	var item T
	data, err := cmd.Get(ctx, t.recordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return item, false, nil
	}
	if err != nil {
		return item, false, fmt.Errorf("%s: failed to read record: %w", t.schema.Name, err)
	}
	if err := json.Unmarshal(data, &item); err != nil {
		return item, false, fmt.Errorf("%s: failed to decode record: %w", t.schema.Name, err)
	}
	return item, true, nil
}

// write runs fn in a transaction watching the record key, retrying when the
// key changes concurrently.
func (t *RedisTable[T]) write(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	watched := t.recordKey(key)
	for range maxTxAttempts {
		err := t.client.Watch(ctx, fn, watched)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConditionFailed
}

// store queues the record and its index entries, dropping index entries of
// the previous version.
func (t *RedisTable[T]) store(ctx context.Context, tx *redis.Tx, key string, item T, previous *T) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("%s: failed to encode record: %w", t.schema.Name, err)
	}
	expiry := ttl(t.schema.purgeAt(item))
	indexes := t.schema.indexValues(item)

	// Extend index set lifetimes, never shorten them: a set may hold keys of
	// records that outlive this one.
	extend := make(map[string]bool, len(indexes))
	if expiry > 0 {
		for name, value := range indexes {
			current, err := tx.PTTL(ctx, t.indexKey(name, value)).Result()
			if err != nil {
				return fmt.Errorf("%s: failed to read index ttl: %w", t.schema.Name, err)
			}
			// -2 missing, -1 persistent
			extend[name] = current != -1 && current < expiry
		}
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, t.recordKey(key), data, expiry)
		if previous != nil {
			for name, value := range t.schema.indexValues(*previous) {
				if indexes[name] != value {
					pipe.SRem(ctx, t.indexKey(name, value), key)
				}
			}
		}
		for name, value := range indexes {
			idx := t.indexKey(name, value)
			pipe.SAdd(ctx, idx, key)
			switch {
			case expiry == 0:
				pipe.Persist(ctx, idx)
			case extend[name]:
				pipe.PExpire(ctx, idx, expiry)
			}
		}
		return nil
	})
	return err
}

// Put creates or replaces a record.
func (t *RedisTable[T]) Put(ctx context.Context, item T) error {
	key := t.schema.Key(item)
	if key == "" {
		return fmt.Errorf("%s: empty primary key", t.schema.Name)
	}
	return t.write(ctx, key, func(tx *redis.Tx) error {
		previous, found, err := t.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if !found {
			return t.store(ctx, tx, key, item, nil)
		}
		return t.store(ctx, tx, key, item, &previous)
	})
}

// Create stores a record only if its key is unused.
func (t *RedisTable[T]) Create(ctx context.Context, item T) error {
	key := t.schema.Key(item)
	if key == "" {
		return fmt.Errorf("%s: empty primary key", t.schema.Name)
	}
	return t.write(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, t.recordKey(key)).Result()
		if err != nil {
			return fmt.Errorf("%s: failed to check record: %w", t.schema.Name, err)
		}
		if n > 0 {
			return ErrAlreadyExists
		}
		return t.store(ctx, tx, key, item, nil)
	})
}

// Get returns the record stored under key.
func (t *RedisTable[T]) Get(ctx context.Context, key string) (T, error) {
	item, found, err := t.load(ctx, t.client, key)
	if err != nil {
		return item, err
	}
	if !found {
		return item, ErrNotFound
	}
	return item, nil
}

// Query returns every record whose index value equals value. Index members
// whose record is gone or no longer matches are removed.
func (t *RedisTable[T]) Query(ctx context.Context, index, value string) ([]T, error) {
	fn, ok := t.schema.Indexes[index]
	if !ok {
		return nil, fmt.Errorf("%s: unknown index %q", t.schema.Name, index)
	}

	idx := t.indexKey(index, value)
	keys, err := t.client.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read index: %w", t.schema.Name, err)
	}
	if len(keys) == 0 {
		return []T{}, nil
	}

	recordKeys := make([]string, len(keys))
	for i, k := range keys {
		recordKeys[i] = t.recordKey(k)
	}
	values, err := t.client.MGet(ctx, recordKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read records: %w", t.schema.Name, err)
	}

	items := make([]T, 0, len(values))
	var stale []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, keys[i])
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			return nil, fmt.Errorf("%s: failed to decode record: %w", t.schema.Name, err)
		}
		if fn(item) != value {
			stale = append(stale, keys[i])
			continue
		}
		items = append(items, item)
	}

	if len(stale) > 0 {
		// best effort, the next query retries
		_ = t.client.SRem(ctx, idx, stale...).Err()
	}
	return items, nil
}

// Update replaces an existing record.
func (t *RedisTable[T]) Update(ctx context.Context, item T) error {
	return t.UpdateIf(ctx, item, nil)
}

// UpdateIf replaces an existing record if cond holds for the stored version.
// A nil cond always holds.
func (t *RedisTable[T]) UpdateIf(ctx context.Context, item T, cond func(current T) bool) error {
	key := t.schema.Key(item)
	if key == "" {
		return fmt.Errorf("%s: empty primary key", t.schema.Name)
	}
	return t.write(ctx, key, func(tx *redis.Tx) error {
		current, found, err := t.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if cond != nil && !cond(current) {
			return ErrConditionFailed
		}
		return t.store(ctx, tx, key, item, &current)
	})
}

// Delete removes a record and its index entries.
func (t *RedisTable[T]) Delete(ctx context.Context, key string) error {
	return t.write(ctx, key, func(tx *redis.Tx) error {
		current, found, err := t.load(ctx, tx, key)
		if err != nil || !found {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, t.recordKey(key))
			for name, value := range t.schema.indexValues(current) {
				pipe.SRem(ctx, t.indexKey(name, value), key)
			}
			return nil
		})
		return err
	})
}

var _ Table[struct{}] = (*RedisTable[struct{}])(nil)
