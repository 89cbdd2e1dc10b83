// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"

	"github.com/stacklok/credissuer/pkg/retry"
)

// IsPermanent reports whether err is a definitive store answer rather than a
// transient failure.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrConditionFailed)
}

// retryingTable retries transient failures of the wrapped table.
type retryingTable[T any] struct {
	next   Table[T]
	policy *retry.Policy
}

// WithRetry wraps table so that every call runs under policy. Definitive
// answers such as ErrNotFound are returned without retrying.
func WithRetry[T any](table Table[T], policy *retry.Policy) Table[T] {
	if policy == nil {
		return table
	}
	return &retryingTable[T]{next: table, policy: policy.AbortingOn(IsPermanent)}
}

func (r *retryingTable[T]) Put(ctx context.Context, item T) error {
	return r.policy.Run(ctx, func(ctx context.Context) error { return r.next.Put(ctx, item) })
}

func (r *retryingTable[T]) Create(ctx context.Context, item T) error {
	return r.policy.Run(ctx, func(ctx context.Context) error { return r.next.Create(ctx, item) })
}

func (r *retryingTable[T]) Get(ctx context.Context, key string) (T, error) {
	return retry.Do(ctx, r.policy, func(ctx context.Context) (T, error) { return r.next.Get(ctx, key) })
}

func (r *retryingTable[T]) Query(ctx context.Context, index, value string) ([]T, error) {
	return retry.Do(ctx, r.policy, func(ctx context.Context) ([]T, error) {
		return r.next.Query(ctx, index, value)
	})
}

func (r *retryingTable[T]) Update(ctx context.Context, item T) error {
	return r.policy.Run(ctx, func(ctx context.Context) error { return r.next.Update(ctx, item) })
}

func (r *retryingTable[T]) UpdateIf(ctx context.Context, item T, cond func(current T) bool) error {
	return r.policy.Run(ctx, func(ctx context.Context) error { return r.next.UpdateIf(ctx, item, cond) })
}

func (r *retryingTable[T]) Delete(ctx context.Context, key string) error {
	return r.policy.Run(ctx, func(ctx context.Context) error { return r.next.Delete(ctx, key) })
}
