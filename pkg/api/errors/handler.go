// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors provides HTTP error handling utilities for the API.
package errors

import (
	"errors"
	"net/http"

	crierrors "github.com/stacklok/credissuer/pkg/errors"
	"github.com/stacklok/credissuer/pkg/logger"
)

// HandlerWithError is an HTTP handler that can return an error.
// This signature allows handlers to return errors instead of manually
// writing error responses, enabling centralized error handling.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// ErrorHandler wraps a HandlerWithError and converts returned errors
// into appropriate HTTP responses.
//
// The decorator:
//   - Returns early if no error is returned (handler already wrote response)
//   - Extracts HTTP status code from the error using errors.Code()
//   - For 5xx errors: logs full error details, returns generic message to client
//   - For 4xx errors: returns the error message (without its cause) to client
//
// Usage:
//
//	r.Post("/", apierrors.ErrorHandler(routes.createSession))
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		code := crierrors.Code(err)

		if code >= http.StatusInternalServerError {
			logger.Errorw("internal server error",
				"method", r.Method,
				"path", r.URL.Path,
				"error", err)
			http.Error(w, http.StatusText(code), code)
			return
		}

		logger.Debugw("request rejected",
			"method", r.Method,
			"path", r.URL.Path,
			"status", code,
			"error", err)
		http.Error(w, Message(err), code)
	}
}

// Message returns the client-facing message of err: the message of the
// outermost typed error, or the full error text for untyped errors.
func Message(err error) string {
	var typed *crierrors.Error
	if errors.As(err, &typed) {
		return typed.Message
	}
	return err.Error()
}
