// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"crypto"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/go-jose/go-jose/v4"
)

// SupportedSigningAlgorithms lists the JWS algorithms accepted for client
// assertions and signed session requests.
var SupportedSigningAlgorithms = []jose.SignatureAlgorithm{
	jose.ES256,
	jose.RS256,
	jose.PS256,
}

// ClientConfig is the per-client JWT authentication configuration.
type ClientConfig struct {
	ClientID string `mapstructure:"client_id"`

	// RedirectURI must match the token request's redirect_uri exactly.
	RedirectURI string `mapstructure:"redirect_uri"`

	// SigningAlgorithm is the JWS algorithm the client signs with.
	SigningAlgorithm string `mapstructure:"signing_algorithm"`

	// Issuer is the iss claim expected on signed session requests.
	// Defaults to the client id when empty.
	Issuer string `mapstructure:"issuer"`

	// Audience overrides the expected aud of client assertions.
	// Defaults to the service issuer when empty.
	Audience string `mapstructure:"audience"`

	// PublicKeyPEM, PublicKeyFile or JWKS holds the client's verification key.
	PublicKeyPEM  string `mapstructure:"public_key_pem"`
	PublicKeyFile string `mapstructure:"public_key_file"`

	// JWKS is an inline JSON Web Key Set. KeyID selects a key from it and
	// may be omitted when the set holds a single key.
	JWKS  string `mapstructure:"jwks"`
	KeyID string `mapstructure:"key_id"`
}

// Clients is the list of registered clients. It is a list rather than a map
// because viper lowercases map keys and client ids are case sensitive.
type Clients []ClientConfig

// Get returns the configuration for clientID.
func (c Clients) Get(clientID string) (ClientConfig, bool) {
	for _, cfg := range c {
		if cfg.ClientID == clientID {
			return cfg, true
		}
	}
	return ClientConfig{}, false
}

// Algorithm returns the configured signing algorithm.
func (c ClientConfig) Algorithm() jose.SignatureAlgorithm {
	return jose.SignatureAlgorithm(c.SigningAlgorithm)
}

// ExpectedIssuer returns the iss claim expected from this client.
func (c ClientConfig) ExpectedIssuer() string {
	if c.Issuer != "" {
		return c.Issuer
	}
	return c.ClientID
}

// PublicKey parses the client's verification key.
func (c ClientConfig) PublicKey() (crypto.PublicKey, error) {
	if c.JWKS != "" {
		return ParsePublicJWKS([]byte(c.JWKS), c.KeyID)
	}
	data := []byte(c.PublicKeyPEM)
	if len(data) == 0 {
		if c.PublicKeyFile == "" {
			return nil, errors.New("no public key configured")
		}
		var err error
		// #nosec G304 -- path comes from operator configuration
		data, err = os.ReadFile(c.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key file: %w", err)
		}
	}
	return ParsePublicKeyPEM(data)
}

// ParsePublicKeyPEM parses a PKIX "PUBLIC KEY" PEM block.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	if block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("unsupported PEM block type: %s", block.Type)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// ParsePublicJWKS returns the public key identified by keyID from a JSON Web
// Key Set. An empty keyID selects the only key of a single-key set.
func ParsePublicJWKS(data []byte, keyID string) (crypto.PublicKey, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}

	var key jose.JSONWebKey
	switch {
	case keyID != "":
		keys := set.Key(keyID)
		if len(keys) == 0 {
			return nil, fmt.Errorf("key %q not found in JWKS", keyID)
		}
		key = keys[0]
	case len(set.Keys) == 1:
		key = set.Keys[0]
	default:
		return nil, fmt.Errorf("JWKS holds %d keys, key_id is required", len(set.Keys))
	}

	if !key.IsPublic() {
		return nil, errors.New("JWKS key is not a public key")
	}
	return key.Key, nil
}

func (c ClientConfig) validate() error {
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	if c.RedirectURI == "" {
		return errors.New("redirect_uri is required")
	}
	if !slices.Contains(SupportedSigningAlgorithms, c.Algorithm()) {
		return fmt.Errorf("unsupported signing algorithm %q", c.SigningAlgorithm)
	}
	if c.PublicKeyPEM == "" && c.PublicKeyFile == "" && c.JWKS == "" {
		return errors.New("public_key_pem, public_key_file or jwks is required")
	}
	return nil
}
