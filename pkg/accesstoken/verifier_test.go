// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package accesstoken

import (
	"context"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/credissuer/pkg/config"
)

func TestJOSEVerifier(t *testing.T) {
	t.Parallel()

	key := newClientKey(t)
	otherKey := newClientKey(t)
	client := testClients(key)[0]

	tests := []struct {
		name    string
		signer  clientKey
		claims  func(c *jwt.Claims)
		client  func(c *config.ClientConfig)
		now     time.Time
		wantErr string
	}{
		{name: "valid", signer: key},
		{
			name:   "expired within leeway",
			signer: key,
			now:    testNow.Add(5*time.Minute + 20*time.Second),
		},
		{
			name:    "expired beyond leeway",
			signer:  key,
			now:     testNow.Add(10 * time.Minute),
			wantErr: "invalid client assertion claims",
		},
		{
			name:    "wrong key",
			signer:  otherKey,
			wantErr: "invalid client assertion signature",
		},
		{
			name:    "wrong audience",
			signer:  key,
			claims:  func(c *jwt.Claims) { c.Audience = jwt.Audience{"https://elsewhere.example"} },
			wantErr: "invalid client assertion claims",
		},
		{
			name:   "client audience override",
			signer: key,
			claims: func(c *jwt.Claims) { c.Audience = jwt.Audience{"https://token.example"} },
			client: func(c *config.ClientConfig) { c.Audience = "https://token.example" },
		},
		{
			name:    "issuer is not the client",
			signer:  key,
			claims:  func(c *jwt.Claims) { c.Issuer = "someone" },
			wantErr: "invalid client assertion claims",
		},
		{
			name:    "missing exp",
			signer:  key,
			claims:  func(c *jwt.Claims) { c.Expiry = nil },
			wantErr: "client assertion exp is missing",
		},
		{
			name:    "algorithm not configured for client",
			signer:  key,
			client:  func(c *config.ClientConfig) { c.SigningAlgorithm = string(jose.RS256) },
			wantErr: "failed to parse client assertion",
		},
		{
			name:    "no public key",
			signer:  key,
			client:  func(c *config.ClientConfig) { c.PublicKeyPEM = "" },
			wantErr: "failed to load public key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			claims := validClaims()
			if tt.claims != nil {
				tt.claims(&claims)
			}
			cfg := client
			if tt.client != nil {
				tt.client(&cfg)
			}
			now := testNow
			if !tt.now.IsZero() {
				now = tt.now
			}

			v := NewJOSEVerifier(testAudience)
			v.now = func() time.Time { return now }

			got, err := v.Verify(context.Background(), signAssertion(t, tt.signer.private, claims), cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "jti-1", got.ID)
		})
	}
}
