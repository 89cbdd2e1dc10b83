// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package accesstoken

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	crierrors "github.com/stacklok/credissuer/pkg/errors"
	"github.com/stacklok/credissuer/pkg/oauth"
	"github.com/stacklok/credissuer/pkg/session"
)

type serviceEnv struct {
	service  *Service
	verifier *countingVerifier
	tokens   *countingTable[Item]
	key      clientKey
	now      *time.Time
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	now := testNow
	clock := func() time.Time { return now }
	key := newClientKey(t)
	verifier := &countingVerifier{}
	tokens := &countingTable[Item]{Table: newMemoryTable(t, Schema(DefaultRetention), clock)}
	jtis := newMemoryTable(t, JTISchema(), clock)

	svc, err := NewService(tokens, jtis, testClients(key), verifier, time.Hour, WithClock(clock))
	require.NoError(t, err)
	return &serviceEnv{service: svc, verifier: verifier, tokens: tokens, key: key, now: &now}
}

func sessionFor(code string) *session.Session {
	return &session.Session{
		SessionID:         "session-1",
		ClientID:          testClientID,
		RedirectURI:       testRedirectURI,
		AuthorizationCode: oauth.HashToken(code),
		ExpiryDate:        testNow.Add(time.Hour),
	}
}

func TestNewService_Validation(t *testing.T) {
	t.Parallel()
	env := newServiceEnv(t)
	jtis := newMemoryTable(t, JTISchema(), time.Now)

	_, err := NewService(nil, jtis, nil, env.verifier, time.Hour)
	assert.Error(t, err)
	_, err = NewService(env.tokens, nil, nil, env.verifier, time.Hour)
	assert.Error(t, err)
	_, err = NewService(env.tokens, jtis, nil, nil, time.Hour)
	assert.Error(t, err)
	_, err = NewService(env.tokens, jtis, nil, env.verifier, 0)
	assert.Error(t, err)
}

func TestValidateTokenRequest_CheckOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		code        string
		clientID    string
		redirectURI string
		claims      func(c *jwt.Claims)
		session     func(s *session.Session)
		wantMsg     string
	}{
		{
			name:    "code mismatch",
			code:    "other-code",
			wantMsg: "authorization code does not match authorization code for session",
		},
		{
			name:    "session without code",
			session: func(s *session.Session) { s.AuthorizationCode = "" },
			wantMsg: "authorization code does not match authorization code for session",
		},
		{
			name:     "unknown client",
			clientID: "unknown-client",
			wantMsg:  "no client authentication configuration found for client id: unknown-client",
		},
		{
			name:        "redirect uri mismatch names both uris",
			redirectURI: "https://b.example/callback",
			wantMsg:     "redirect uri https://b.example/callback does not match configuration uri https://a.example/callback",
		},
		{
			name:    "empty audience",
			claims:  func(c *jwt.Claims) { c.Audience = nil },
			wantMsg: "client assertion audience is empty",
		},
		{
			name:    "missing jti",
			claims:  func(c *jwt.Claims) { c.ID = "" },
			wantMsg: "client assertion jti is missing",
		},
		{
			name:    "issuer differs from subject",
			claims:  func(c *jwt.Claims) { c.Subject = "someone-else" },
			wantMsg: "client assertion issuer and subject do not match",
		},
		{
			name:    "issuer differs from request client id",
			claims:  func(c *jwt.Claims) { c.Issuer = "other"; c.Subject = "other" },
			wantMsg: "client assertion issuer does not match token request client id",
		},
		{
			name:    "issuer differs from session client id",
			session: func(s *session.Session) { s.ClientID = "another-client" },
			wantMsg: "client assertion issuer does not match session client id",
		},
		{
			name: "empty audience reported before missing jti",
			claims: func(c *jwt.Claims) {
				c.Audience = nil
				c.ID = ""
			},
			wantMsg: "client assertion audience is empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newServiceEnv(t)

			claims := validClaims()
			if tt.claims != nil {
				tt.claims(&claims)
			}
			sess := sessionFor("code-1")
			if tt.session != nil {
				tt.session(sess)
			}
			req := &TokenRequest{
				Code:            "code-1",
				ClientAssertion: signAssertion(t, env.key.private, claims),
				ClientID:        testClientID,
				RedirectURI:     testRedirectURI,
			}
			if tt.code != "" {
				req.Code = tt.code
			}
			if tt.clientID != "" {
				req.ClientID = tt.clientID
			}
			if tt.redirectURI != "" {
				req.RedirectURI = tt.redirectURI
			}

			err := env.service.ValidateTokenRequest(context.Background(), req, sess)
			require.Error(t, err)
			assert.True(t, crierrors.IsValidation(err))
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.Zero(t, env.verifier.Calls(), "verifier must not run when a claim check fails")
		})
	}
}

func TestValidateTokenRequest_Success(t *testing.T) {
	t.Parallel()
	env := newServiceEnv(t)

	req := &TokenRequest{
		Code:            "code-1",
		ClientAssertion: signAssertion(t, env.key.private, validClaims()),
		ClientID:        testClientID,
		RedirectURI:     testRedirectURI,
	}
	require.NoError(t, env.service.ValidateTokenRequest(context.Background(), req, sessionFor("code-1")))
	assert.Equal(t, 1, env.verifier.Calls())
}

func TestValidateTokenRequest_ClientIDOptional(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		claims    func(c *jwt.Claims)
		wantMsg   string
		wantCalls int
	}{
		{name: "client taken from assertion subject", wantCalls: 1},
		{
			name:    "unregistered subject",
			claims:  func(c *jwt.Claims) { c.Issuer, c.Subject = "other-client", "other-client" },
			wantMsg: "no client authentication configuration found for client id: other-client",
		},
		{
			name:    "issuer still compared with subject",
			claims:  func(c *jwt.Claims) { c.Issuer = "other-client" },
			wantMsg: "client assertion issuer and subject do not match",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newServiceEnv(t)

			claims := validClaims()
			if tt.claims != nil {
				tt.claims(&claims)
			}
			req := &TokenRequest{
				Code:            "code-1",
				ClientAssertion: signAssertion(t, env.key.private, claims),
				RedirectURI:     testRedirectURI,
			}

			err := env.service.ValidateTokenRequest(context.Background(), req, sessionFor("code-1"))
			if tt.wantMsg == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, crierrors.IsValidation(err))
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
			assert.Equal(t, tt.wantCalls, env.verifier.Calls())
		})
	}
}

func TestValidateTokenRequest_JTIReplay(t *testing.T) {
	t.Parallel()
	env := newServiceEnv(t)
	ctx := context.Background()

	req := &TokenRequest{
		Code:            "code-1",
		ClientAssertion: signAssertion(t, env.key.private, validClaims()),
		ClientID:        testClientID,
		RedirectURI:     testRedirectURI,
	}
	require.NoError(t, env.service.ValidateTokenRequest(ctx, req, sessionFor("code-1")))

	err := env.service.ValidateTokenRequest(ctx, req, sessionFor("code-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client assertion jti has already been used")
}

func TestValidateTokenRequest_VerifierFailure(t *testing.T) {
	t.Parallel()
	env := newServiceEnv(t)
	env.verifier.err = errors.New("bad signature")

	req := &TokenRequest{
		Code:            "code-1",
		ClientAssertion: signAssertion(t, env.key.private, validClaims()),
		ClientID:        testClientID,
		RedirectURI:     testRedirectURI,
	}
	err := env.service.ValidateTokenRequest(context.Background(), req, sessionFor("code-1"))
	require.Error(t, err)
	assert.True(t, crierrors.IsValidation(err))
	assert.Contains(t, err.Error(), "bad signature")
	assert.Equal(t, 1, env.verifier.Calls())
}

func TestValidateTokenRequest_UnparseableAssertion(t *testing.T) {
	t.Parallel()
	env := newServiceEnv(t)

	req := &TokenRequest{Code: "code-1", ClientAssertion: "not-a-jwt", ClientID: testClientID, RedirectURI: testRedirectURI}
	err := env.service.ValidateTokenRequest(context.Background(), req, sessionFor("code-1"))
	assert.True(t, crierrors.IsValidation(err))
	assert.Zero(t, env.verifier.Calls())
}

func TestCreateAndPersistToken(t *testing.T) {
	t.Parallel()
	env := newServiceEnv(t)
	ctx := context.Background()

	resp, err := env.service.CreateToken()
	require.NoError(t, err)
	assert.Equal(t, oauth.TokenTypeBearer, resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.NotEmpty(t, resp.AccessToken)

	require.NoError(t, env.service.PersistAccessToken(ctx, resp, "resource-1", "session-1"))

	item, err := env.service.GetAccessTokenItem(ctx, resp.AccessToken)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, oauth.HashToken(resp.AccessToken), item.AccessTokenHash)
	assert.Equal(t, "resource-1", item.ResourceID)
	assert.Equal(t, "session-1", item.SessionID)
	assert.Equal(t, testNow.Add(time.Hour), item.ExpiryDate)
	assert.False(t, item.Revoked())
	assert.False(t, env.service.IsExpired(item))

	*env.now = testNow.Add(2 * time.Hour)
	assert.True(t, env.service.IsExpired(item))

	err = env.service.PersistAccessToken(ctx, oauth.TokenResponse{}, "r", "s")
	assert.True(t, crierrors.IsInvalidArgument(err))
}

func TestGetAccessTokenItem_AbsentIsNil(t *testing.T) {
	t.Parallel()
	env := newServiceEnv(t)

	item, err := env.service.GetAccessTokenItem(context.Background(), "unknown")
	assert.NoError(t, err)
	assert.Nil(t, item)
}

func TestRevokeAccessToken_Idempotent(t *testing.T) {
	t.Parallel()
	env := newServiceEnv(t)
	ctx := context.Background()

	resp, err := env.service.CreateToken()
	require.NoError(t, err)
	require.NoError(t, env.service.PersistAccessToken(ctx, resp, "r", "s"))

	*env.now = testNow.Add(time.Minute)
	require.NoError(t, env.service.RevokeAccessToken(ctx, resp.AccessToken))
	assert.Equal(t, 1, env.tokens.Updates())

	item, err := env.service.GetAccessTokenItem(ctx, resp.AccessToken)
	require.NoError(t, err)
	require.True(t, item.Revoked())
	assert.Equal(t, testNow.Add(time.Minute), *item.RevokedAt)

	*env.now = testNow.Add(time.Hour)
	require.NoError(t, env.service.RevokeAccessToken(ctx, resp.AccessToken))
	assert.Equal(t, 1, env.tokens.Updates(), "second revocation must not write")

	item, err = env.service.GetAccessTokenItem(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(time.Minute), *item.RevokedAt)
}

func TestRevokeAccessToken_Unknown(t *testing.T) {
	t.Parallel()
	env := newServiceEnv(t)

	err := env.service.RevokeAccessToken(context.Background(), "unknown")
	require.Error(t, err)
	assert.True(t, crierrors.IsInvalidArgument(err))
	assert.Zero(t, env.tokens.Updates())
}
