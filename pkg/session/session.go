// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session owns the session record and its lifecycle: creation,
// expiry-checked lookup, and linking of authorization codes and access tokens.
//
// A session holds at most one live authorization code and one live access
// token. Issuing an access token clears the authorization code. Expiry is
// logical and enforced at read time; sessions are never deleted here.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/credissuer/pkg/authcode"
	crierrors "github.com/stacklok/credissuer/pkg/errors"
	"github.com/stacklok/credissuer/pkg/logger"
	"github.com/stacklok/credissuer/pkg/oauth"
	"github.com/stacklok/credissuer/pkg/storage"
)

// Table and index names.
const (
	TableName              = "sessions"
	IndexAuthorizationCode = "authorizationCode-index"
	IndexAccessToken       = "access-token-index"
)

// DefaultRetention is how long an expired session is kept before purging.
const DefaultRetention = 24 * time.Hour

// Session is the stored session record. AuthorizationCode and AccessToken
// hold hashes, never plaintext.
type Session struct {
	SessionID   string    `json:"sessionId"`
	CreatedDate time.Time `json:"createdDate"`
	ExpiryDate  time.Time `json:"expiryDate"`

	ClientID            string  `json:"clientId"`
	State               string  `json:"state"`
	RedirectURI         string  `json:"redirectUri"`
	Subject             string  `json:"subject"`
	PersistentSessionID string  `json:"persistentSessionId,omitempty"`
	ClientSessionID     string  `json:"clientSessionId,omitempty"`
	ClientIPAddress     string  `json:"clientIpAddress,omitempty"`
	Context             Context `json:"context"`

	AuthorizationCode           string    `json:"authorizationCode,omitempty"`
	AuthorizationCodeExpiryDate time.Time `json:"authorizationCodeExpiryDate,omitzero"`
	AccessToken                 string    `json:"accessToken,omitempty"`
	AccessTokenExpiryDate       time.Time `json:"accessTokenExpiryDate,omitzero"`
}

// Expired reports whether now is past the session expiry.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiryDate)
}

// Request carries the verified attributes a session is created from.
type Request struct {
	ClientID            string
	State               string
	RedirectURI         string
	Subject             string
	PersistentSessionID string
	ClientSessionID     string
	ClientIPAddress     string
	Context             Context
}

// Schema returns the storage schema for sessions. A positive retention lets
// the store purge a session that long after it expired; zero keeps sessions
// forever.
func Schema(retention time.Duration) storage.Schema[Session] {
	schema := storage.Schema[Session]{
		Name: TableName,
		Key:  func(s Session) string { return s.SessionID },
		Indexes: map[string]func(Session) string{
			IndexAuthorizationCode: func(s Session) string { return s.AuthorizationCode },
			IndexAccessToken:       func(s Session) string { return s.AccessToken },
		},
	}
	if retention > 0 {
		schema.PurgeAt = func(s Session) time.Time { return s.ExpiryDate.Add(retention) }
	}
	return schema
}

// Manager is the session lifecycle manager.
type Manager struct {
	table  storage.Table[Session]
	codes  *authcode.Service
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager returns a Manager creating sessions that live for ttl.
func NewManager(table storage.Table[Session], codes *authcode.Service, ttl time.Duration, opts ...Option) (*Manager, error) {
	if table == nil {
		return nil, errors.New("session table is required")
	}
	if codes == nil {
		return nil, errors.New("authorization code service is required")
	}
	if ttl <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	m := &Manager{table: table, codes: codes, ttl: ttl, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	m.logger = logger.OrDefault(m.logger).With("component", "session")
	return m, nil
}

// CreateSession stores a new session for req and returns its id.
func (m *Manager) CreateSession(ctx context.Context, req Request) (string, error) {
	now := m.now().UTC()
	s := Session{
		SessionID:           uuid.NewString(),
		CreatedDate:         now,
		ExpiryDate:          now.Add(m.ttl),
		ClientID:            req.ClientID,
		State:               req.State,
		RedirectURI:         req.RedirectURI,
		Subject:             req.Subject,
		PersistentSessionID: req.PersistentSessionID,
		ClientSessionID:     req.ClientSessionID,
		ClientIPAddress:     req.ClientIPAddress,
		Context:             req.Context,
	}
	if err := m.table.Create(ctx, s); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	m.logger.Info("created session", "session_id", s.SessionID, "client_id", s.ClientID, "context", s.Context)
	return s.SessionID, nil
}

// GetSession returns the session with id without checking expiry.
func (m *Manager) GetSession(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, crierrors.NewSessionNotFoundError("session id is empty", nil)
	}
	s, err := m.table.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, crierrors.NewSessionNotFoundError(fmt.Sprintf("session %s not found", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return &s, nil
}

// ValidateSessionID returns the session with id, failing with
// session_not_found when absent and session_expired when past its expiry.
// The check is a read-time gate; no lock is held afterwards.
func (m *Manager) ValidateSessionID(ctx context.Context, id string) (*Session, error) {
	s, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Expired(m.now()) {
		return nil, crierrors.NewSessionExpiredError(fmt.Sprintf("session %s expired at %s", id, s.ExpiryDate.Format(time.RFC3339)), nil)
	}
	return s, nil
}

// GetSessionByAuthorizationCode resolves the session currently holding code.
func (m *Manager) GetSessionByAuthorizationCode(ctx context.Context, code string) (*Session, error) {
	return m.getByIndex(ctx, IndexAuthorizationCode, code, "authorization code")
}

// GetSessionByAccessToken resolves the session currently holding token.
func (m *Manager) GetSessionByAccessToken(ctx context.Context, token string) (*Session, error) {
	return m.getByIndex(ctx, IndexAccessToken, token, "access token")
}

// getByIndex looks up the hashed value and then reads the full session by id.
// Exactly one match is required.
func (m *Manager) getByIndex(ctx context.Context, index, value, what string) (*Session, error) {
	if value == "" {
		return nil, crierrors.NewSessionNotFoundError(what+" is empty", nil)
	}
	matches, err := m.table.Query(ctx, index, oauth.HashToken(value))
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions by %s: %w", what, err)
	}
	switch len(matches) {
	case 0:
		return nil, crierrors.NewSessionNotFoundError("no session found for "+what, nil)
	case 1:
		return m.GetSession(ctx, matches[0].SessionID)
	default:
		m.logger.Error("multiple sessions share an index value", "index", index, "count", len(matches))
		return nil, crierrors.NewIntegrityError(fmt.Sprintf("%d sessions found for %s", len(matches), what), nil)
	}
}

// CreateAuthorizationCode issues a code for s, records its hash and expiry
// on the session, and returns the plaintext code.
func (m *Manager) CreateAuthorizationCode(ctx context.Context, s *Session) (string, error) {
	code, err := m.codes.Generate()
	if err != nil {
		return "", err
	}
	item, err := m.codes.Persist(ctx, code, s.SessionID, s.RedirectURI, s.SessionID)
	if err != nil {
		return "", err
	}

	s.AuthorizationCode = item.CodeHash
	s.AuthorizationCodeExpiryDate = item.CreatedAt.Add(m.codes.TTL())
	if err := m.UpdateSession(ctx, s); err != nil {
		return "", err
	}
	m.logger.Debug("issued authorization code", "session_id", s.SessionID)
	return code, nil
}

// UpdateSessionAccessToken links the issued token to s and clears the
// authorization code so it cannot be used again.
func (m *Manager) UpdateSessionAccessToken(ctx context.Context, s *Session, token oauth.TokenResponse) error {
	if token.AccessToken == "" {
		return crierrors.NewInvalidArgumentError("access token is empty", nil)
	}
	s.AccessToken = oauth.HashToken(token.AccessToken)
	s.AccessTokenExpiryDate = m.now().UTC().Add(time.Duration(token.ExpiresIn) * time.Second)
	s.AuthorizationCode = ""
	s.AuthorizationCodeExpiryDate = time.Time{}
	return m.UpdateSession(ctx, s)
}

// UpdateSession writes s back to the store.
func (m *Manager) UpdateSession(ctx context.Context, s *Session) error {
	err := m.table.Update(ctx, *s)
	if errors.Is(err, storage.ErrNotFound) {
		return crierrors.NewSessionNotFoundError(fmt.Sprintf("session %s not found", s.SessionID), nil)
	}
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}
