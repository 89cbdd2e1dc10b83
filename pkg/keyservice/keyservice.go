// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keyservice is the client side of the remote key oracle that holds
// the issuer's private keys. Keys never leave the oracle: callers hand it
// ciphertext to unwrap or digests to sign.
package keyservice

import (
	"context"
	"crypto"
	"fmt"
	"log/slog"

	"github.com/stacklok/credissuer/pkg/config"
)

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks -source=keyservice.go Client

// EncryptionAlgorithm names an asymmetric decryption algorithm understood by the oracle.
type EncryptionAlgorithm string

// SigningAlgorithm names a signing algorithm understood by the oracle.
type SigningAlgorithm string

const (
	// RSAESOAEPSHA256 is RSA-OAEP with SHA-256, used to unwrap JWE content keys.
	RSAESOAEPSHA256 EncryptionAlgorithm = "RSAES_OAEP_SHA_256"

	// ECDSASHA256 is ECDSA over P-256 with a SHA-256 digest.
	ECDSASHA256 SigningAlgorithm = "ECDSA_SHA_256"
)

// Client is the contract consumed from the key oracle.
type Client interface {
	// Decrypt unwraps ciphertext with the key named by keyID, which may be a
	// key id or an alias.
	Decrypt(ctx context.Context, keyID string, ciphertext []byte, alg EncryptionAlgorithm) ([]byte, error)

	// Sign signs a precomputed digest. ECDSA signatures are ASN.1 DER encoded.
	Sign(ctx context.Context, keyID string, digest []byte, alg SigningAlgorithm) ([]byte, error)

	// PublicKey returns the public half of keyID.
	PublicKey(ctx context.Context, keyID string) (crypto.PublicKey, error)
}

// New builds the client selected by cfg.Backend.
func New(ctx context.Context, cfg config.KeyServiceConfig, logger *slog.Logger) (Client, error) {
	switch cfg.Backend {
	case config.KeyServiceAWS:
		return NewAWSClient(ctx, cfg.Region)
	case config.KeyServiceLocal:
		return NewLocalClientFromConfig(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown key service backend: %s", cfg.Backend)
	}
}
