// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/credissuer/pkg/authcode"
	crierrors "github.com/stacklok/credissuer/pkg/errors"
	"github.com/stacklok/credissuer/pkg/oauth"
	"github.com/stacklok/credissuer/pkg/storage"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	manager *Manager
	table   storage.Table[Session]
	codes   *authcode.Service
	now     *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	now := testNow
	clock := func() time.Time { return now }

	sessions, err := storage.NewMemoryTable(Schema(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close() })
	codesTable, err := storage.NewMemoryTable(authcode.Schema(10*time.Minute, 0), storage.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = codesTable.Close() })

	codes, err := authcode.NewService(codesTable, 10*time.Minute, authcode.WithClock(clock))
	require.NoError(t, err)
	manager, err := NewManager(sessions, codes, time.Hour, WithClock(clock))
	require.NoError(t, err)

	return &testEnv{manager: manager, table: sessions, codes: codes, now: &now}
}

func testRequest() Request {
	return Request{
		ClientID:    "ipv-core",
		State:       "state-123",
		RedirectURI: "https://rp.example/callback",
		Subject:     "urn:fdc:subject:1",
		Context:     ContextCheckDetails,
	}
}

func TestNewManager_Validation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := NewManager(nil, env.codes, time.Hour)
	assert.Error(t, err)
	_, err = NewManager(env.table, nil, time.Hour)
	assert.Error(t, err)
	_, err = NewManager(env.table, env.codes, 0)
	assert.Error(t, err)
}

func TestCreateSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.manager.CreateSession(ctx, testRequest())
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	s, err := env.manager.GetSession(ctx, id)
	require.NoError(t, err)
	want := &Session{
		SessionID:   id,
		CreatedDate: testNow,
		ExpiryDate:  testNow.Add(time.Hour),
		ClientID:    "ipv-core",
		State:       "state-123",
		RedirectURI: "https://rp.example/callback",
		Subject:     "urn:fdc:subject:1",
		Context:     ContextCheckDetails,
	}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("stored session mismatch (-want +got):\n%s", diff)
	}

	other, err := env.manager.CreateSession(ctx, testRequest())
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestValidateSessionID(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.table.Put(ctx, Session{
		SessionID:  "live",
		ExpiryDate: testNow.Add(time.Hour),
	}))
	require.NoError(t, env.table.Put(ctx, Session{
		SessionID:  "expired",
		ExpiryDate: testNow.Add(-time.Hour),
	}))

	tests := []struct {
		name    string
		id      string
		wantErr func(error) bool
	}{
		{name: "live", id: "live"},
		{name: "expired", id: "expired", wantErr: crierrors.IsSessionExpired},
		{name: "missing", id: "missing", wantErr: crierrors.IsSessionNotFound},
		{name: "empty", id: "", wantErr: crierrors.IsSessionNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, err := env.manager.ValidateSessionID(ctx, tt.id)
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, tt.id, s.SessionID)
				return
			}
			require.Error(t, err)
			assert.True(t, tt.wantErr(err), "unexpected error type: %v", err)
		})
	}
}

func TestValidateSessionID_ExpiredIsNotNotFound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.manager.CreateSession(ctx, testRequest())
	require.NoError(t, err)

	*env.now = testNow.Add(2 * time.Hour)

	_, err = env.manager.ValidateSessionID(ctx, id)
	assert.True(t, crierrors.IsSessionExpired(err))
	assert.False(t, crierrors.IsSessionNotFound(err))
	assert.Equal(t, 403, crierrors.Code(err))
}

func TestCreateAuthorizationCode(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.manager.CreateSession(ctx, testRequest())
	require.NoError(t, err)
	s, err := env.manager.GetSession(ctx, id)
	require.NoError(t, err)

	code, err := env.manager.CreateAuthorizationCode(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, oauth.HashToken(code), s.AuthorizationCode)
	assert.Equal(t, testNow.Add(10*time.Minute), s.AuthorizationCodeExpiryDate)

	stored, err := env.manager.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, s.AuthorizationCode, stored.AuthorizationCode)
	assert.NotEqual(t, code, stored.AuthorizationCode)

	item, err := env.codes.Get(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, id, item.SessionID)
	assert.Equal(t, "https://rp.example/callback", item.RedirectURL)

	found, err := env.manager.GetSessionByAuthorizationCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, id, found.SessionID)
}

func TestUpdateSessionAccessToken_ClearsCode(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.manager.CreateSession(ctx, testRequest())
	require.NoError(t, err)
	s, err := env.manager.GetSession(ctx, id)
	require.NoError(t, err)
	code, err := env.manager.CreateAuthorizationCode(ctx, s)
	require.NoError(t, err)

	token := oauth.TokenResponse{AccessToken: "token-abc", TokenType: oauth.TokenTypeBearer, ExpiresIn: 3600}
	require.NoError(t, env.manager.UpdateSessionAccessToken(ctx, s, token))

	stored, err := env.manager.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, stored.AuthorizationCode)
	assert.True(t, stored.AuthorizationCodeExpiryDate.IsZero())
	assert.Equal(t, oauth.HashToken("token-abc"), stored.AccessToken)
	assert.Equal(t, testNow.Add(time.Hour), stored.AccessTokenExpiryDate)

	_, err = env.manager.GetSessionByAuthorizationCode(ctx, code)
	assert.True(t, crierrors.IsSessionNotFound(err))

	found, err := env.manager.GetSessionByAccessToken(ctx, "token-abc")
	require.NoError(t, err)
	assert.Equal(t, id, found.SessionID)

	err = env.manager.UpdateSessionAccessToken(ctx, s, oauth.TokenResponse{})
	assert.True(t, crierrors.IsInvalidArgument(err))
}

func TestGetSessionByIndex_Errors(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	hash := oauth.HashToken("shared-token")
	require.NoError(t, env.table.Put(ctx, Session{SessionID: "a", AccessToken: hash}))
	require.NoError(t, env.table.Put(ctx, Session{SessionID: "b", AccessToken: hash}))

	_, err := env.manager.GetSessionByAccessToken(ctx, "shared-token")
	assert.True(t, crierrors.IsIntegrity(err))

	_, err = env.manager.GetSessionByAccessToken(ctx, "unknown")
	assert.True(t, crierrors.IsSessionNotFound(err))

	_, err = env.manager.GetSessionByAuthorizationCode(ctx, "")
	assert.True(t, crierrors.IsSessionNotFound(err))
}

func TestUpdateSession_Missing(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	err := env.manager.UpdateSession(context.Background(), &Session{SessionID: "missing"})
	assert.True(t, crierrors.IsSessionNotFound(err))
}

func TestSession_JSONNullsClearedFields(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Session{SessionID: "a", Context: ContextBankAccount})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.NotContains(t, fields, "authorizationCode")
	assert.NotContains(t, fields, "accessTokenExpiryDate")
	assert.Equal(t, "bank_account", fields["context"])
}
