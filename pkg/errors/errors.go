// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the typed errors raised by the credential issuer core.
// Each error carries a Type so that callers (most notably the HTTP layer) can
// map failures onto status codes without string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types
const (
	// ErrValidation is returned when a request is malformed or a claim check fails
	ErrValidation = "validation"

	// ErrSessionNotFound is returned when no session exists for an identifier
	ErrSessionNotFound = "session_not_found"

	// ErrSessionExpired is returned when a session exists but its expiry has passed
	ErrSessionExpired = "session_expired"

	// ErrAuthorizationCodeExpired is returned when an authorization code is past its TTL
	ErrAuthorizationCodeExpired = "authorization_code_expired"

	// ErrAccessTokenExpired is returned when an access token is past its expiry
	ErrAccessTokenExpired = "access_token_expired"

	// ErrNotFound is returned when a record other than a session cannot be found
	ErrNotFound = "not_found"

	// ErrIntegrity is returned when a secondary index resolves to more than one record
	ErrIntegrity = "integrity"

	// ErrCrypto is returned for unsupported algorithms and exhausted decryption keys
	ErrCrypto = "crypto"

	// ErrInvalidArgument is returned when an invalid argument is provided
	ErrInvalidArgument = "invalid_argument"

	// ErrRetryExhausted is returned when a retry policy ran out of attempts
	ErrRetryExhausted = "retry_exhausted"

	// ErrInterrupted is returned when a retry wait was cancelled
	ErrInterrupted = "interrupted"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *Error {
	return NewError(ErrValidation, message, cause)
}

// NewSessionNotFoundError creates a new session not found error
func NewSessionNotFoundError(message string, cause error) *Error {
	return NewError(ErrSessionNotFound, message, cause)
}

// NewSessionExpiredError creates a new session expired error
func NewSessionExpiredError(message string, cause error) *Error {
	return NewError(ErrSessionExpired, message, cause)
}

// NewAuthorizationCodeExpiredError creates a new authorization code expired error
func NewAuthorizationCodeExpiredError(message string, cause error) *Error {
	return NewError(ErrAuthorizationCodeExpired, message, cause)
}

// NewAccessTokenExpiredError creates a new access token expired error
func NewAccessTokenExpiredError(message string, cause error) *Error {
	return NewError(ErrAccessTokenExpired, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewIntegrityError creates a new data integrity error
func NewIntegrityError(message string, cause error) *Error {
	return NewError(ErrIntegrity, message, cause)
}

// NewCryptoError creates a new cryptographic error
func NewCryptoError(message string, cause error) *Error {
	return NewError(ErrCrypto, message, cause)
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string, cause error) *Error {
	return NewError(ErrInvalidArgument, message, cause)
}

// NewRetryExhaustedError creates a new retry exhausted error
func NewRetryExhaustedError(message string, cause error) *Error {
	return NewError(ErrRetryExhausted, message, cause)
}

// NewInterruptedError creates a new interrupted error
func NewInterruptedError(message string, cause error) *Error {
	return NewError(ErrInterrupted, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// TypeOf returns the type of the first *Error in err's chain, or an empty
// string when err carries no typed error.
func TypeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

func isType(err error, errorType string) bool {
	return err != nil && TypeOf(err) == errorType
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	return isType(err, ErrValidation)
}

// IsSessionNotFound checks if the error is a session not found error
func IsSessionNotFound(err error) bool {
	return isType(err, ErrSessionNotFound)
}

// IsSessionExpired checks if the error is a session expired error
func IsSessionExpired(err error) bool {
	return isType(err, ErrSessionExpired)
}

// IsAuthorizationCodeExpired checks if the error is an authorization code expired error
func IsAuthorizationCodeExpired(err error) bool {
	return isType(err, ErrAuthorizationCodeExpired)
}

// IsAccessTokenExpired checks if the error is an access token expired error
func IsAccessTokenExpired(err error) bool {
	return isType(err, ErrAccessTokenExpired)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return isType(err, ErrNotFound)
}

// IsIntegrity checks if the error is a data integrity error
func IsIntegrity(err error) bool {
	return isType(err, ErrIntegrity)
}

// IsCrypto checks if the error is a cryptographic error
func IsCrypto(err error) bool {
	return isType(err, ErrCrypto)
}

// IsInvalidArgument checks if the error is an invalid argument error
func IsInvalidArgument(err error) bool {
	return isType(err, ErrInvalidArgument)
}

// IsRetryExhausted checks if the error is a retry exhausted error
func IsRetryExhausted(err error) bool {
	return isType(err, ErrRetryExhausted)
}

// IsInterrupted checks if the error is an interrupted error
func IsInterrupted(err error) bool {
	return isType(err, ErrInterrupted)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return isType(err, ErrInternal)
}

// Code returns the HTTP status code that best describes err.
// Errors without a type map to 500.
func Code(err error) int {
	switch TypeOf(err) {
	case ErrValidation, ErrInvalidArgument:
		return http.StatusBadRequest
	case ErrSessionNotFound, ErrNotFound:
		return http.StatusNotFound
	case ErrSessionExpired, ErrAuthorizationCodeExpired, ErrAccessTokenExpired:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
