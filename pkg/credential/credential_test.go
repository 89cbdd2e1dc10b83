// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	crierrors "github.com/stacklok/credissuer/pkg/errors"
	"github.com/stacklok/credissuer/pkg/keyservice"
	"github.com/stacklok/credissuer/pkg/keyservice/mocks"
	"github.com/stacklok/credissuer/pkg/retry"
	"github.com/stacklok/credissuer/pkg/session"
)

const (
	testKeyID  = "credential-signing-key"
	testIssuer = "https://issuer.example"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testSession() *session.Session {
	return &session.Session{
		SessionID: "session-1",
		ClientID:  "ipv-core",
		Subject:   "urn:fdc:subject:1",
		Context:   session.ContextBankAccount,
	}
}

func TestIssue(t *testing.T) {
	t.Parallel()

	local := keyservice.NewLocalClient()
	key, err := local.GenerateECKey(testKeyID)
	require.NoError(t, err)

	issuer, err := NewIssuer(local, testKeyID, testIssuer,
		WithTTL(5*time.Minute),
		WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	raw, err := issuer.Issue(context.Background(), testSession())
	require.NoError(t, err)

	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.ES256})
	require.NoError(t, err)
	require.Len(t, tok.Headers, 1)
	assert.Equal(t, testKeyID, tok.Headers[0].KeyID)

	var claims Claims
	require.NoError(t, tok.Claims(&key.PublicKey, &claims))
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, "urn:fdc:subject:1", claims.Subject)
	assert.Equal(t, "ipv-core", claims.ClientID)
	assert.Equal(t, "bank_account", claims.Context)
	assert.NotEmpty(t, claims.ID)
	assert.Equal(t, testNow.Unix(), claims.NotBefore.Time().Unix())
	assert.Equal(t, testNow.Add(5*time.Minute).Unix(), claims.Expiry.Time().Unix())

	again, err := issuer.Issue(context.Background(), testSession())
	require.NoError(t, err)
	assert.NotEqual(t, raw, again, "every credential carries a fresh jti")
}

func TestIssue_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(t *testing.T) keyservice.Client
		session *session.Session
		check   func(t *testing.T, err error)
	}{
		{
			name:    "session without subject",
			setup:   func(*testing.T) keyservice.Client { return keyservice.NewLocalClient() },
			session: &session.Session{SessionID: "s"},
			check: func(t *testing.T, err error) {
				t.Helper()
				assert.True(t, crierrors.IsInvalidArgument(err))
			},
		},
		{
			name:    "unknown signing key",
			setup:   func(*testing.T) keyservice.Client { return keyservice.NewLocalClient() },
			session: testSession(),
			check: func(t *testing.T, err error) {
				t.Helper()
				assert.True(t, crierrors.IsCrypto(err))
				assert.ErrorIs(t, err, keyservice.ErrKeyNotFound)
			},
		},
		{
			name: "signing key is RSA",
			setup: func(t *testing.T) keyservice.Client {
				t.Helper()
				local := keyservice.NewLocalClient()
				_, err := local.GenerateRSAKey(testKeyID)
				require.NoError(t, err)
				return local
			},
			session: testSession(),
			check: func(t *testing.T, err error) {
				t.Helper()
				assert.ErrorIs(t, err, keyservice.ErrUnsupportedAlgorithm)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			issuer, err := NewIssuer(tt.setup(t), testKeyID, testIssuer)
			require.NoError(t, err)

			_, err = issuer.Issue(context.Background(), tt.session)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestIssue_RetriesTransientSignFailures(t *testing.T) {
	t.Parallel()

	local := keyservice.NewLocalClient()
	_, err := local.GenerateECKey(testKeyID)
	require.NoError(t, err)
	pub, err := local.PublicKey(context.Background(), testKeyID)
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	client.EXPECT().PublicKey(gomock.Any(), testKeyID).Return(pub, nil).Times(2)
	gomock.InOrder(
		client.EXPECT().Sign(gomock.Any(), testKeyID, gomock.Any(), keyservice.ECDSASHA256).
			Return(nil, errors.New("throttled")),
		client.EXPECT().Sign(gomock.Any(), testKeyID, gomock.Any(), keyservice.ECDSASHA256).
			DoAndReturn(local.Sign),
	)

	issuer, err := NewIssuer(client, testKeyID, testIssuer,
		WithRetryPolicy(retry.New(retry.WithMaxAttempts(3), retry.WithDelay(time.Millisecond))))
	require.NoError(t, err)

	_, err = issuer.Issue(context.Background(), testSession())
	require.NoError(t, err)
}

func TestNewIssuer_Validation(t *testing.T) {
	t.Parallel()
	local := keyservice.NewLocalClient()

	_, err := NewIssuer(nil, testKeyID, testIssuer)
	assert.Error(t, err)
	_, err = NewIssuer(local, "", testIssuer)
	assert.Error(t, err)
	_, err = NewIssuer(local, testKeyID, "")
	assert.Error(t, err)
	_, err = NewIssuer(local, testKeyID, testIssuer, WithTTL(0))
	assert.Error(t, err)
}
