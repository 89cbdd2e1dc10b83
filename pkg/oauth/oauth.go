// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauth holds the OAuth2 wire types and opaque credential helpers
// shared by the session, authorization code and access token services.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Grant and token type identifiers.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"

	// ClientAssertionTypeJWTBearer is the only accepted client_assertion_type.
	ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	TokenTypeBearer  = "Bearer"
	ResponseTypeCode = "code"
)

// OAuth2 error codes (RFC 6749 section 5.2).
const (
	ErrorInvalidRequest       = "invalid_request"
	ErrorInvalidClient        = "invalid_client"
	ErrorInvalidGrant         = "invalid_grant"
	ErrorUnsupportedGrantType = "unsupported_grant_type"
	ErrorAccessDenied         = "access_denied"
	ErrorInvalidToken         = "invalid_token"
	ErrorServerError          = "server_error"
)

// Token request form fields.
const (
	ParamCode                = "code"
	ParamClientAssertion     = "client_assertion"
	ParamClientAssertionType = "client_assertion_type"
	ParamClientID            = "client_id"
	ParamRedirectURI         = "redirect_uri"
	ParamGrantType           = "grant_type"
	ParamResponseType        = "response_type"
	ParamState               = "state"
	ParamToken               = "token"
)

// TokenResponse is the bearer token response.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// ErrorResponse is an OAuth2 error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// DefaultTokenBytes is the entropy of generated codes and tokens.
const DefaultTokenBytes = 32

// GenerateToken returns a random URL-safe opaque value of n bytes of entropy.
func GenerateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken returns the hex SHA-256 of value. Codes and tokens are only ever
// stored in this form.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
