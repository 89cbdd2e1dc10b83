// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keyservice

import (
	"crypto/rsa"
	"errors"
	"slices"

	"github.com/aws/smithy-go"
)

// permanentKMSCodes are KMS error codes that mean the key cannot decrypt or
// sign this input. Retrying them cannot succeed.
var permanentKMSCodes = []string{
	"IncorrectKeyException",
	"InvalidCiphertextException",
	"InvalidKeyUsageException",
	"KMSInvalidStateException",
	"DisabledException",
	"NotFoundException",
	"AccessDeniedException",
}

// IsPermanent reports whether err from a Client call is a key or input
// mismatch rather than a transient failure.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKeyNotFound) ||
		errors.Is(err, ErrUnsupportedAlgorithm) ||
		errors.Is(err, rsa.ErrDecryption) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return slices.Contains(permanentKMSCodes, apiErr.ErrorCode())
	}
	return false
}
