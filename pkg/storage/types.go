// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the durable keyed record store used for sessions,
// authorization codes and access tokens.
//
// Records are JSON documents addressed by a primary key and, optionally, by
// named secondary indexes. Two backends implement [Table]: an in-memory one
// for development and tests, and a Redis one for deployments with more than
// one replica.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by every backend.
var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned by Create when the key is taken.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrConditionFailed is returned when a conditional write lost: the
	// condition did not hold or the record changed concurrently.
	ErrConditionFailed = errors.New("conditional write failed")
)

// Schema describes how records of type T are keyed and indexed.
type Schema[T any] struct {
	// Name namespaces the table's keys.
	Name string

	// Key returns the primary key of a record.
	Key func(T) string

	// Indexes maps an index name to the function extracting the indexed
	// value. An empty value leaves the record out of that index.
	Indexes map[string]func(T) string

	// PurgeAt returns when the backend may physically drop the record.
	// Zero means never. Logical expiry is the caller's concern and should
	// come earlier so that expired records remain readable.
	PurgeAt func(T) time.Time
}

// Table is the record store contract.
type Table[T any] interface {
	// Put creates or replaces a record.
	Put(ctx context.Context, item T) error

	// Create stores a record only if its key is unused.
	Create(ctx context.Context, item T) error

	// Get returns the record stored under key.
	Get(ctx context.Context, key string) (T, error)

	// Query returns every record whose index value equals value.
	Query(ctx context.Context, index, value string) ([]T, error)

	// Update replaces an existing record.
	Update(ctx context.Context, item T) error

	// UpdateIf replaces an existing record only if cond holds for the
	// currently stored version, atomically with respect to other writers.
	UpdateIf(ctx context.Context, item T, cond func(current T) bool) error

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, key string) error
}

func (s Schema[T]) validate() error {
	if s.Name == "" {
		return errors.New("schema name is required")
	}
	if s.Key == nil {
		return errors.New("schema key function is required")
	}
	return nil
}

func (s Schema[T]) purgeAt(item T) time.Time {
	if s.PurgeAt == nil {
		return time.Time{}
	}
	return s.PurgeAt(item)
}

// indexValues returns the non-empty index values of item.
func (s Schema[T]) indexValues(item T) map[string]string {
	values := make(map[string]string, len(s.Indexes))
	for name, fn := range s.Indexes {
		if v := fn(item); v != "" {
			values[name] = v
		}
	}
	return values
}

func (s Schema[T]) hasIndex(name string) bool {
	_, ok := s.Indexes[name]
	return ok
}
