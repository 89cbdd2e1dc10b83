// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authcode issues single-use authorization codes. Only the SHA-256
// hash of a code is stored; the plaintext is returned to the caller once.
package authcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	crierrors "github.com/stacklok/credissuer/pkg/errors"
	"github.com/stacklok/credissuer/pkg/logger"
	"github.com/stacklok/credissuer/pkg/oauth"
	"github.com/stacklok/credissuer/pkg/storage"
)

// TableName is the storage namespace of authorization code records.
const TableName = "auth-codes"

// DefaultRetention keeps expired records readable for a day before the store
// may purge them, so late exchanges report expiry rather than not-found.
const DefaultRetention = 24 * time.Hour

// ErrAlreadyExchanged is returned when a code is exchanged a second time.
var ErrAlreadyExchanged = crierrors.NewValidationError("authorization code has already been exchanged", nil)

// Item is the stored authorization code record.
type Item struct {
	// CodeHash is the hex SHA-256 of the plaintext code and the primary key.
	CodeHash    string    `json:"authCode"`
	ResourceID  string    `json:"resourceId"`
	RedirectURL string    `json:"redirectUrl"`
	SessionID   string    `json:"sessionId"`
	CreatedAt   time.Time `json:"creationDateTime"`

	ExchangedAt           *time.Time `json:"exchangeDateTime,omitempty"`
	IssuedAccessTokenHash string     `json:"issuedAccessToken,omitempty"`
}

// Exchanged reports whether the code has been exchanged for a token.
func (i *Item) Exchanged() bool {
	return i.ExchangedAt != nil
}

// Schema returns the storage schema for authorization code records. Records
// become purgeable retention after their expiry.
func Schema(ttl, retention time.Duration) storage.Schema[Item] {
	return storage.Schema[Item]{
		Name: TableName,
		Key:  func(i Item) string { return i.CodeHash },
		Indexes: map[string]func(Item) string{
			"session-index": func(i Item) string { return i.SessionID },
		},
		PurgeAt: func(i Item) time.Time { return i.CreatedAt.Add(ttl + retention) },
	}
}

// Service issues and tracks authorization codes.
type Service struct {
	table  storage.Table[Item]
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
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

// NewService returns a Service whose codes expire ttl after creation.
func NewService(table storage.Table[Item], ttl time.Duration, opts ...Option) (*Service, error) {
	if table == nil {
		return nil, errors.New("authorization code table is required")
	}
	if ttl <= 0 {
		return nil, errors.New("authorization code ttl must be positive")
	}
	s := &Service{table: table, ttl: ttl, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.logger = logger.OrDefault(s.logger).With("component", "authcode")
	return s, nil
}

// TTL returns the code lifetime.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Generate returns a new random code.
func (*Service) Generate() (string, error) {
	return oauth.GenerateToken(oauth.DefaultTokenBytes)
}

// Persist stores the hash of code with its owning resource and session.
func (s *Service) Persist(ctx context.Context, code, resourceID, redirectURL, sessionID string) (*Item, error) {
	if code == "" {
		return nil, crierrors.NewInvalidArgumentError("authorization code is required", nil)
	}
	item := Item{
		CodeHash:    oauth.HashToken(code),
		ResourceID:  resourceID,
		RedirectURL: redirectURL,
		SessionID:   sessionID,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.table.Create(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to persist authorization code: %w", err)
	}
	s.logger.Debug("persisted authorization code", "session_id", sessionID)
	return &item, nil
}

// Get returns the record for the plaintext code.
func (s *Service) Get(ctx context.Context, code string) (*Item, error) {
	item, err := s.table.Get(ctx, oauth.HashToken(code))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, crierrors.NewNotFoundError("authorization code not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read authorization code: %w", err)
	}
	return &item, nil
}

// IsExpired reports whether creation time plus ttl is before now.
func (s *Service) IsExpired(item *Item) bool {
	return item.CreatedAt.Add(s.ttl).Before(s.now())
}

// MarkExchanged records that code was exchanged for the token with hash
// issuedTokenHash. The write only succeeds if the code was not exchanged
// before; otherwise ErrAlreadyExchanged is returned.
func (s *Service) MarkExchanged(ctx context.Context, code, issuedTokenHash string) error {
	item, err := s.Get(ctx, code)
	if err != nil {
		return err
	}
	if item.Exchanged() {
		return ErrAlreadyExchanged
	}

	exchangedAt := s.now().UTC()
	item.ExchangedAt = &exchangedAt
	item.IssuedAccessTokenHash = issuedTokenHash

	err = s.table.UpdateIf(ctx, *item, func(current Item) bool { return !current.Exchanged() })
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrConditionFailed):
		s.logger.Warn("authorization code exchanged concurrently", "session_id", item.SessionID)
		return ErrAlreadyExchanged
	case errors.Is(err, storage.ErrNotFound):
		return crierrors.NewNotFoundError("authorization code not found", nil)
	default:
		return fmt.Errorf("failed to mark authorization code exchanged: %w", err)
	}
}
