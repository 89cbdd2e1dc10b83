// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keyservice

import "errors"

// Sentinel errors for key service operations.
var (
	// ErrMissingRegion is returned when the AWS backend has no region.
	ErrMissingRegion = errors.New("AWS region is required")

	// ErrKeyNotFound is returned when the oracle has no key with the requested id.
	ErrKeyNotFound = errors.New("key not found")

	// ErrUnsupportedAlgorithm is returned when a key cannot be used with the requested algorithm.
	ErrUnsupportedAlgorithm = errors.New("unsupported key algorithm")

	// ErrEmptyResponse is returned when the oracle answers without a payload.
	ErrEmptyResponse = errors.New("key service returned an empty response")
)
