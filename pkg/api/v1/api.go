// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package v1 contains the HTTP routes of the credential issuer.
package v1

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/stacklok/credissuer/pkg/logger"
	"github.com/stacklok/credissuer/pkg/oauth"
	"github.com/stacklok/credissuer/pkg/session"
)

// SessionRequestParser turns a session request body into session attributes.
type SessionRequestParser interface {
	Parse(ctx context.Context, body []byte, clientIP string) (session.Request, error)
}

// SessionStore is the subset of the session manager used by the routes.
type SessionStore interface {
	CreateSession(ctx context.Context, req session.Request) (string, error)
	ValidateSessionID(ctx context.Context, id string) (*session.Session, error)
	CreateAuthorizationCode(ctx context.Context, s *session.Session) (string, error)
}

// TokenExchanger redeems authorization codes and authenticates bearer tokens.
type TokenExchanger interface {
	Exchange(ctx context.Context, rawBody string) (*oauth.TokenResponse, error)
	Authenticate(ctx context.Context, token string) (*session.Session, error)
}

// TokenRevoker revokes access tokens.
type TokenRevoker interface {
	RevokeAccessToken(ctx context.Context, token string) error
}

// CredentialIssuer signs credentials for authenticated sessions.
type CredentialIssuer interface {
	Issue(ctx context.Context, s *session.Session) (string, error)
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// writeJSON writes v with status. Encoding failures are logged because the
// status line has already been sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("failed to encode response", "error", err)
	}
}

// writeOAuthError writes an OAuth2 JSON error body.
func writeOAuthError(w http.ResponseWriter, status int, resp oauth.ErrorResponse) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, resp)
}

// clientIP returns the host part of the request's remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
