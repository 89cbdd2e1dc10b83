// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package accesstoken

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/stacklok/credissuer/pkg/config"
)

// DefaultLeeway is the clock skew tolerated on exp, nbf and iat.
const DefaultLeeway = 30 * time.Second

// Verifier checks the signature and time claims of a client assertion.
type Verifier interface {
	Verify(ctx context.Context, assertion string, client config.ClientConfig) (*jwt.Claims, error)
}

// JOSEVerifier verifies client assertions with the client's configured
// public key and signing algorithm.
type JOSEVerifier struct {
	// audience is expected in aud unless the client overrides it
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// NewJOSEVerifier returns a verifier expecting audience in every assertion.
func NewJOSEVerifier(audience string) *JOSEVerifier {
	return &JOSEVerifier{audience: audience, leeway: DefaultLeeway, now: time.Now}
}

// Verify implements Verifier.
func (v *JOSEVerifier) Verify(_ context.Context, assertion string, client config.ClientConfig) (*jwt.Claims, error) {
	key, err := client.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to load public key for client %s: %w", client.ClientID, err)
	}

	tok, err := jwt.ParseSigned(assertion, []jose.SignatureAlgorithm{client.Algorithm()})
	if err != nil {
		return nil, fmt.Errorf("failed to parse client assertion: %w", err)
	}

	var claims jwt.Claims
	if err := tok.Claims(key, &claims); err != nil {
		return nil, fmt.Errorf("invalid client assertion signature: %w", err)
	}
	if claims.Expiry == nil {
		return nil, errors.New("client assertion exp is missing")
	}

	audience := client.Audience
	if audience == "" {
		audience = v.audience
	}
	expected := jwt.Expected{
		Issuer:      client.ClientID,
		AnyAudience: jwt.Audience{audience},
		Time:        v.now(),
	}
	if err := claims.ValidateWithLeeway(expected, v.leeway); err != nil {
		return nil, fmt.Errorf("invalid client assertion claims: %w", err)
	}
	return &claims, nil
}

var _ Verifier = (*JOSEVerifier)(nil)
