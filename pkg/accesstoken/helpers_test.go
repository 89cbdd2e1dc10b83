// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package accesstoken

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/credissuer/pkg/config"
	"github.com/stacklok/credissuer/pkg/oauth"
	"github.com/stacklok/credissuer/pkg/storage"
)

const (
	testClientID    = "ipv-core"
	testRedirectURI = "https://a.example/callback"
	testAudience    = "https://issuer.example"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type clientKey struct {
	private *ecdsa.PrivateKey
	pem     string
}

func newClientKey(t *testing.T) clientKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return clientKey{
		private: key,
		pem:     string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
	}
}

func testClients(key clientKey) config.Clients {
	return config.Clients{{
		ClientID:         testClientID,
		RedirectURI:      testRedirectURI,
		SigningAlgorithm: string(jose.ES256),
		PublicKeyPEM:     key.pem,
	}}
}

// validClaims returns assertion claims that pass every check.
func validClaims() jwt.Claims {
	return jwt.Claims{
		Issuer:   testClientID,
		Subject:  testClientID,
		Audience: jwt.Audience{testAudience},
		ID:       "jti-1",
		IssuedAt: jwt.NewNumericDate(testNow),
		Expiry:   jwt.NewNumericDate(testNow.Add(5 * time.Minute)),
	}
}

func signAssertion(t *testing.T, key *ecdsa.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err)
	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(t, err)
	return raw
}

func tokenRequestBody(code, assertion, clientID, redirectURI string) string {
	form := url.Values{}
	form.Set(oauth.ParamCode, code)
	form.Set(oauth.ParamClientAssertion, assertion)
	form.Set(oauth.ParamClientAssertionType, oauth.ClientAssertionTypeJWTBearer)
	form.Set(oauth.ParamClientID, clientID)
	form.Set(oauth.ParamRedirectURI, redirectURI)
	form.Set(oauth.ParamGrantType, oauth.GrantTypeAuthorizationCode)
	return form.Encode()
}

// countingVerifier records calls and returns err.
type countingVerifier struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (v *countingVerifier) Verify(_ context.Context, assertion string, _ config.ClientConfig) (*jwt.Claims, error) {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	if v.err != nil {
		return nil, v.err
	}
	tok, err := jwt.ParseSigned(assertion, config.SupportedSigningAlgorithms)
	if err != nil {
		return nil, err
	}
	var claims jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil, err
	}
	return &claims, nil
}

func (v *countingVerifier) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// countingTable counts conditional and unconditional updates.
type countingTable[T any] struct {
	storage.Table[T]
	mu      sync.Mutex
	updates int
}

func (c *countingTable[T]) Update(ctx context.Context, item T) error {
	c.mu.Lock()
	c.updates++
	c.mu.Unlock()
	return c.Table.Update(ctx, item)
}

func (c *countingTable[T]) UpdateIf(ctx context.Context, item T, cond func(T) bool) error {
	c.mu.Lock()
	c.updates++
	c.mu.Unlock()
	return c.Table.UpdateIf(ctx, item, cond)
}

func (c *countingTable[T]) Updates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates
}

// failingCreateTable fails every Create with err.
type failingCreateTable[T any] struct {
	storage.Table[T]
	err error
}

func (f *failingCreateTable[T]) Create(context.Context, T) error {
	return f.err
}

func newMemoryTable[T any](t *testing.T, schema storage.Schema[T], now func() time.Time) *storage.MemoryTable[T] {
	t.Helper()
	table, err := storage.NewMemoryTable(schema, storage.WithClock(now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = table.Close() })
	return table
}
