// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package credential issues signed credentials for authenticated sessions.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	crierrors "github.com/stacklok/credissuer/pkg/errors"
	"github.com/stacklok/credissuer/pkg/keyservice"
	"github.com/stacklok/credissuer/pkg/logger"
	"github.com/stacklok/credissuer/pkg/retry"
	"github.com/stacklok/credissuer/pkg/session"
)

// DefaultTTL is the lifetime of an issued credential.
const DefaultTTL = 10 * time.Minute

// Claims are the claims of an issued credential.
type Claims struct {
	jwt.Claims
	ClientID string `json:"client_id,omitempty"`
	Context  string `json:"context,omitempty"`
}

// Issuer signs credentials with a key held by the key service.
type Issuer struct {
	client keyservice.Client
	keyID  string
	issuer string
	ttl    time.Duration
	retry  *retry.Policy
	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) { i.ttl = ttl }
}

// WithRetryPolicy retries signing on transient key service failures.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(i *Issuer) { i.retry = p }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Issuer) { i.logger = l }
}

// NewIssuer returns an Issuer signing with keyID.
func NewIssuer(client keyservice.Client, keyID, issuer string, opts ...Option) (*Issuer, error) {
	if client == nil {
		return nil, errors.New("key service client is required")
	}
	if keyID == "" {
		return nil, errors.New("signing key id is required")
	}
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	i := &Issuer{
		client: client,
		keyID:  keyID,
		issuer: issuer,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	if i.ttl <= 0 {
		return nil, errors.New("credential ttl must be positive")
	}
	if i.retry == nil {
		i.retry = retry.New(retry.WithMaxAttempts(1))
	}
	i.retry = i.retry.AbortingOn(keyservice.IsPermanent)
	i.logger = logger.OrDefault(i.logger).With("component", "credential")
	return i, nil
}

// Issue returns a compact JWS credential for the subject of s.
func (i *Issuer) Issue(ctx context.Context, s *session.Session) (string, error) {
	if s == nil || s.Subject == "" {
		return "", crierrors.NewInvalidArgumentError("session has no subject", nil)
	}

	now := i.now()
	claims := Claims{
		Claims: jwt.Claims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			Subject:   s.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(i.ttl)),
		},
		ClientID: s.ClientID,
	}
	if s.Context != session.ContextUnknown {
		claims.Context = s.Context.String()
	}

	signed, err := retry.Do(ctx, i.retry, func(ctx context.Context) (string, error) {
		return i.sign(ctx, claims)
	})
	if err != nil {
		i.logger.Error("failed to sign credential", "session_id", s.SessionID, "error", err)
		if crierrors.TypeOf(err) != "" {
			return "", err
		}
		return "", crierrors.NewCryptoError("failed to sign credential", err)
	}

	i.logger.Debug("issued credential", "session_id", s.SessionID, "jti", claims.ID)
	return signed, nil
}

func (i *Issuer) sign(ctx context.Context, claims Claims) (string, error) {
	opaque, err := keyservice.NewSigner(ctx, i.client, i.keyID)
	if err != nil {
		return "", err
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: opaque},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	return jwt.Signed(signer).Claims(claims).Serialize()
}
