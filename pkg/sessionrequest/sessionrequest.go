// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sessionrequest turns an inbound session bootstrap request into a
// verified session.Request.
//
// The request carries a compact JWE whose plaintext is a JWT signed by the
// relying party. The JWE is decrypted through the key service and the JWT is
// verified against the client's registered public key.
package sessionrequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/stacklok/credissuer/pkg/config"
	crierrors "github.com/stacklok/credissuer/pkg/errors"
	"github.com/stacklok/credissuer/pkg/logger"
	"github.com/stacklok/credissuer/pkg/session"
)

// DefaultLeeway is the clock skew tolerated on exp and nbf.
const DefaultLeeway = 30 * time.Second

// Body is the JSON body of a session request.
type Body struct {
	ClientID string `json:"client_id"`
	Request  string `json:"request"`
}

// Claims are the claims of the signed request JWT.
type Claims struct {
	jwt.Claims
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	ResponseType        string `json:"response_type,omitempty"`
	State               string `json:"state"`
	PersistentSessionID string `json:"persistent_session_id,omitempty"`
	ClientSessionID     string `json:"govuk_signin_journey_id,omitempty"`
	Context             string `json:"context,omitempty"`
}

// Decrypter recovers the plaintext of a compact JWE.
type Decrypter interface {
	Decrypt(ctx context.Context, compact string) ([]byte, error)
}

// Parser decrypts and verifies session requests.
type Parser struct {
	decrypter Decrypter
	clients   config.Clients
	issuer    string
	leeway    time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Parser.
type Option func(*Parser)

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Parser) { p.logger = l }
}

// NewParser returns a Parser that expects issuer in the aud claim.
func NewParser(decrypter Decrypter, clients config.Clients, issuer string, opts ...Option) (*Parser, error) {
	if decrypter == nil {
		return nil, errors.New("decrypter is required")
	}
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	p := &Parser{
		decrypter: decrypter,
		clients:   clients,
		issuer:    issuer,
		leeway:    DefaultLeeway,
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = logger.OrDefault(p.logger).With("component", "sessionrequest")
	return p, nil
}

// Parse verifies the encrypted request object in body and returns the
// attributes of the session to create. Crypto failures are returned as
// crypto errors, everything else as validation errors.
func (p *Parser) Parse(ctx context.Context, body []byte, clientIP string) (session.Request, error) {
	var in Body
	if err := json.Unmarshal(body, &in); err != nil {
		return session.Request{}, crierrors.NewValidationError("session request body is not valid JSON", err)
	}
	if in.ClientID == "" {
		return session.Request{}, crierrors.NewValidationError("client_id is required", nil)
	}
	if in.Request == "" {
		return session.Request{}, crierrors.NewValidationError("request is required", nil)
	}

	client, ok := p.clients.Get(in.ClientID)
	if !ok {
		return session.Request{}, crierrors.NewValidationError(
			fmt.Sprintf("no client configuration found for client id: %s", in.ClientID), nil)
	}

	plaintext, err := p.decrypter.Decrypt(ctx, in.Request)
	if err != nil {
		p.logger.Warn("failed to decrypt session request", "client_id", in.ClientID, "error", err)
		return session.Request{}, err
	}

	claims, err := p.verify(string(plaintext), client)
	if err != nil {
		p.logger.Warn("session request rejected", "client_id", in.ClientID, "error", err)
		return session.Request{}, err
	}

	if claims.ClientID != in.ClientID {
		return session.Request{}, crierrors.NewValidationError("client_id claim does not match request client id", nil)
	}
	if claims.RedirectURI != client.RedirectURI {
		return session.Request{}, crierrors.NewValidationError(
			fmt.Sprintf("redirect_uri claim %s does not match configuration uri %s", claims.RedirectURI, client.RedirectURI), nil)
	}
	if claims.State == "" {
		return session.Request{}, crierrors.NewValidationError("state claim is missing", nil)
	}
	if claims.Subject == "" {
		return session.Request{}, crierrors.NewValidationError("sub claim is missing", nil)
	}

	return session.Request{
		ClientID:            in.ClientID,
		State:               claims.State,
		RedirectURI:         claims.RedirectURI,
		Subject:             claims.Subject,
		PersistentSessionID: claims.PersistentSessionID,
		ClientSessionID:     claims.ClientSessionID,
		ClientIPAddress:     clientIP,
		Context:             session.ParseContext(claims.Context),
	}, nil
}

// verify checks the signature and registered claims of the request JWT.
func (p *Parser) verify(raw string, client config.ClientConfig) (*Claims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{client.Algorithm()})
	if err != nil {
		return nil, crierrors.NewValidationError("session request is not a signed JWT", err)
	}
	key, err := client.PublicKey()
	if err != nil {
		return nil, crierrors.NewInternalError(fmt.Sprintf("no usable public key for client %s", client.ClientID), err)
	}

	var claims Claims
	if err := tok.Claims(key, &claims); err != nil {
		return nil, crierrors.NewValidationError("invalid session request signature", err)
	}
	if claims.Expiry == nil {
		return nil, crierrors.NewValidationError("exp claim is missing", nil)
	}
	expected := jwt.Expected{
		Issuer:      client.ExpectedIssuer(),
		AnyAudience: jwt.Audience{p.issuer},
		Time:        p.now(),
	}
	if err := claims.ValidateWithLeeway(expected, p.leeway); err != nil {
		return nil, crierrors.NewValidationError("invalid session request claims", err)
	}
	return &claims, nil
}
