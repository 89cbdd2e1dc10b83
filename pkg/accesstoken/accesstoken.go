// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package accesstoken validates authorization_code token requests
// authenticated by private key JWT client assertions, and issues, stores and
// revokes opaque bearer tokens. Tokens are stored only as SHA-256 hashes.
package accesstoken

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/stacklok/credissuer/pkg/config"
	crierrors "github.com/stacklok/credissuer/pkg/errors"
	"github.com/stacklok/credissuer/pkg/logger"
	"github.com/stacklok/credissuer/pkg/oauth"
	"github.com/stacklok/credissuer/pkg/session"
	"github.com/stacklok/credissuer/pkg/storage"
)

// Table names.
const (
	TableName    = "access-tokens"
	JTITableName = "client-assertion-jtis"
)

// DefaultRetention keeps expired and revoked tokens readable for a day.
const DefaultRetention = 24 * time.Hour

// Validation messages. They are part of the error contract.
const (
	msgCodeMismatch         = "authorization code does not match authorization code for session"
	msgNoClientConfig       = "no client authentication configuration found for client id: %s"
	msgRedirectMismatch     = "redirect uri %s does not match configuration uri %s"
	msgAudienceEmpty        = "client assertion audience is empty"
	msgJTIMissing           = "client assertion jti is missing"
	msgIssuerSubject        = "client assertion issuer and subject do not match"
	msgIssuerRequestClient  = "client assertion issuer does not match token request client id"
	msgIssuerSessionClient  = "client assertion issuer does not match session client id"
	msgJTIReplayed          = "client assertion jti has already been used"
	msgAssertionUnparseable = "client assertion is not a valid JWT"
	msgVerificationFailed   = "client assertion verification failed"
)

// Item is the stored access token record.
type Item struct {
	// AccessTokenHash is the hex SHA-256 of the bearer token and the primary key.
	AccessTokenHash string     `json:"accessToken"`
	ResourceID      string     `json:"resourceId"`
	SessionID       string     `json:"sessionId"`
	CreatedAt       time.Time  `json:"creationDateTime"`
	ExpiryDate      time.Time  `json:"accessTokenExpiryDate"`
	RevokedAt       *time.Time `json:"revokedDateTime,omitempty"`
}

// Revoked reports whether the token has been revoked.
func (i *Item) Revoked() bool {
	return i.RevokedAt != nil
}

// Schema returns the storage schema for access token records.
func Schema(retention time.Duration) storage.Schema[Item] {
	return storage.Schema[Item]{
		Name: TableName,
		Key:  func(i Item) string { return i.AccessTokenHash },
		Indexes: map[string]func(Item) string{
			"session-index": func(i Item) string { return i.SessionID },
		},
		PurgeAt: func(i Item) time.Time { return i.ExpiryDate.Add(retention) },
	}
}

// JTI records a used client assertion id until the assertion expires.
type JTI struct {
	ID        string    `json:"jti"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// JTISchema returns the storage schema for used assertion ids.
func JTISchema() storage.Schema[JTI] {
	return storage.Schema[JTI]{
		Name:    JTITableName,
		Key:     func(j JTI) string { return j.ID },
		PurgeAt: func(j JTI) time.Time { return j.ExpiresAt },
	}
}

// Service is the access token service.
type Service struct {
	tokens   storage.Table[Item]
	jtis     storage.Table[JTI]
	clients  config.Clients
	verifier Verifier
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService returns a Service issuing tokens that live for ttl.
func NewService(
	tokens storage.Table[Item],
	jtis storage.Table[JTI],
	clients config.Clients,
	verifier Verifier,
	ttl time.Duration,
	opts ...Option,
) (*Service, error) {
	switch {
	case tokens == nil:
		return nil, errors.New("access token table is required")
	case jtis == nil:
		return nil, errors.New("jti table is required")
	case verifier == nil:
		return nil, errors.New("client assertion verifier is required")
	case ttl <= 0:
		return nil, errors.New("access token ttl must be positive")
	}
	s := &Service{
		tokens:   tokens,
		jtis:     jtis,
		clients:  clients,
		verifier: verifier,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = logger.OrDefault(s.logger).With("component", "accesstoken")
	return s, nil
}

// ValidateTokenRequest checks req against the session it claims. The checks
// run in a fixed order and the first failure is returned as a validation
// error. The signature is verified only after every claim check passed.
//
// client_id is optional in the form; without it the client is identified
// by the assertion subject.
func (s *Service) ValidateTokenRequest(ctx context.Context, req *TokenRequest, sess *session.Session) error {
	tok, err := jwt.ParseSigned(req.ClientAssertion, config.SupportedSigningAlgorithms)
	if err != nil {
		return crierrors.NewValidationError(msgAssertionUnparseable, err)
	}
	var claims jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return crierrors.NewValidationError(msgAssertionUnparseable, err)
	}

	if sess.AuthorizationCode == "" || oauth.HashToken(req.Code) != sess.AuthorizationCode {
		return crierrors.NewValidationError(msgCodeMismatch, nil)
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = claims.Subject
	}
	client, ok := s.clients.Get(clientID)
	if !ok {
		return crierrors.NewValidationError(fmt.Sprintf(msgNoClientConfig, clientID), nil)
	}

	if req.RedirectURI != client.RedirectURI {
		return crierrors.NewValidationError(fmt.Sprintf(msgRedirectMismatch, req.RedirectURI, client.RedirectURI), nil)
	}

	if err := checkAssertionClaims(&claims, req, sess); err != nil {
		return err
	}

	verified, err := s.verifier.Verify(ctx, req.ClientAssertion, client)
	if err != nil {
		s.logger.Warn("client assertion verification failed", "client_id", clientID, "error", err)
		return crierrors.NewValidationError(msgVerificationFailed, err)
	}

	return s.recordJTI(ctx, verified)
}

// checkAssertionClaims runs the independent claim checks in order.
func checkAssertionClaims(claims *jwt.Claims, req *TokenRequest, sess *session.Session) error {
	switch {
	case len(claims.Audience) == 0:
		return crierrors.NewValidationError(msgAudienceEmpty, nil)
	case claims.ID == "":
		return crierrors.NewValidationError(msgJTIMissing, nil)
	case claims.Issuer != claims.Subject:
		return crierrors.NewValidationError(msgIssuerSubject, nil)
	case req.ClientID != "" && claims.Issuer != req.ClientID:
		return crierrors.NewValidationError(msgIssuerRequestClient, nil)
	case claims.Issuer != sess.ClientID:
		return crierrors.NewValidationError(msgIssuerSessionClient, nil)
	}
	return nil
}

// recordJTI stores the assertion id until the assertion expires, rejecting
// ids seen before.
func (s *Service) recordJTI(ctx context.Context, claims *jwt.Claims) error {
	expiresAt := s.now().Add(s.ttl)
	if claims.Expiry != nil {
		expiresAt = claims.Expiry.Time().Add(DefaultLeeway)
	}
	err := s.jtis.Create(ctx, JTI{ID: claims.ID, ExpiresAt: expiresAt})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrAlreadyExists):
		s.logger.Warn("client assertion replayed", "issuer", claims.Issuer)
		return crierrors.NewValidationError(msgJTIReplayed, nil)
	default:
		return fmt.Errorf("failed to record client assertion jti: %w", err)
	}
}

// CreateToken mints a bearer token.
func (s *Service) CreateToken() (oauth.TokenResponse, error) {
	token, err := oauth.GenerateToken(oauth.DefaultTokenBytes)
	if err != nil {
		return oauth.TokenResponse{}, err
	}
	return oauth.TokenResponse{
		AccessToken: token,
		TokenType:   oauth.TokenTypeBearer,
		ExpiresIn:   int64(s.ttl / time.Second),
	}, nil
}

// PersistAccessToken stores the hash of the token with its expiry and owners.
func (s *Service) PersistAccessToken(ctx context.Context, resp oauth.TokenResponse, resourceID, sessionID string) error {
	if resp.AccessToken == "" {
		return crierrors.NewInvalidArgumentError("access token is empty", nil)
	}
	now := s.now().UTC()
	item := Item{
		AccessTokenHash: oauth.HashToken(resp.AccessToken),
		ResourceID:      resourceID,
		SessionID:       sessionID,
		CreatedAt:       now,
		ExpiryDate:      now.Add(time.Duration(resp.ExpiresIn) * time.Second),
	}
	if err := s.tokens.Create(ctx, item); err != nil {
		return fmt.Errorf("failed to persist access token: %w", err)
	}
	return nil
}

// GetAccessTokenItem returns the record for token, or nil when there is none.
func (s *Service) GetAccessTokenItem(ctx context.Context, token string) (*Item, error) {
	item, err := s.tokens.Get(ctx, oauth.HashToken(token))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read access token: %w", err)
	}
	return &item, nil
}

// IsExpired reports whether now is past the token expiry.
func (s *Service) IsExpired(item *Item) bool {
	return s.now().After(item.ExpiryDate)
}

// RevokeAccessToken sets the revocation time of token once. Revoking an
// already revoked token is a no-op without a store write.
func (s *Service) RevokeAccessToken(ctx context.Context, token string) error {
	item, err := s.GetAccessTokenItem(ctx, token)
	if err != nil {
		return err
	}
	if item == nil {
		return crierrors.NewInvalidArgumentError("failed to revoke access token: access token not found", nil)
	}
	if item.Revoked() {
		s.logger.Debug("access token already revoked", "session_id", item.SessionID)
		return nil
	}

	revokedAt := s.now().UTC()
	item.RevokedAt = &revokedAt
	err = s.tokens.UpdateIf(ctx, *item, func(current Item) bool { return !current.Revoked() })
	if err != nil && !errors.Is(err, storage.ErrConditionFailed) {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	s.logger.Info("revoked access token", "session_id", item.SessionID)
	return nil
}
