// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keyservice

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/stacklok/credissuer/pkg/config"
	"github.com/stacklok/credissuer/pkg/logger"
)

// localRSABits is the modulus size of generated decryption keys.
const localRSABits = 2048

// LocalClient holds private keys in process memory. It serves development
// setups and tests; production deployments use AWSClient.
type LocalClient struct {
	mu   sync.RWMutex
	keys map[string]crypto.Signer
}

// NewLocalClient returns an empty LocalClient.
func NewLocalClient() *LocalClient {
	return &LocalClient{keys: make(map[string]crypto.Signer)}
}

// NewLocalClientFromConfig loads KeyFiles from KeyDir. With no KeyDir it
// generates ephemeral keys: RSA for the legacy key id and every alias, and
// ECDSA P-256 for the signing key id.
func NewLocalClientFromConfig(cfg config.KeyServiceConfig, l *slog.Logger) (*LocalClient, error) {
	l = logger.OrDefault(l)
	c := NewLocalClient()

	if cfg.KeyDir != "" {
		if len(cfg.KeyFiles) == 0 {
			return nil, fmt.Errorf("key_files is required when key_dir is set")
		}
		for id, file := range cfg.KeyFiles {
			key, err := LoadPrivateKey(filepath.Join(cfg.KeyDir, file))
			if err != nil {
				return nil, fmt.Errorf("failed to load key %s: %w", id, err)
			}
			c.AddKey(id, key)
		}
		return c, nil
	}

	decryptionIDs := append([]string{cfg.KeyID}, cfg.Aliases...)
	for _, id := range decryptionIDs {
		if id == "" {
			continue
		}
		if _, err := c.GenerateRSAKey(id); err != nil {
			return nil, err
		}
	}
	if cfg.SigningKeyID != "" {
		if _, err := c.GenerateECKey(cfg.SigningKeyID); err != nil {
			return nil, err
		}
	}

	l.Warn("generated ephemeral key service keys - encrypted requests and issued credentials will not survive a restart",
		"decryption_keys", len(decryptionIDs),
		"signing_key_id", cfg.SigningKeyID,
	)
	return c, nil
}

// AddKey registers key under id, replacing any existing key.
func (c *LocalClient) AddKey(id string, key crypto.Signer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[id] = key
}

// GenerateRSAKey creates and registers an RSA decryption key.
func (c *LocalClient) GenerateRSAKey(id string) (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, localRSABits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key %s: %w", id, err)
	}
	c.AddKey(id, key)
	return key, nil
}

// GenerateECKey creates and registers an ECDSA P-256 signing key.
func (c *LocalClient) GenerateECKey(id string) (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate EC key %s: %w", id, err)
	}
	c.AddKey(id, key)
	return key, nil
}

func (c *LocalClient) key(id string) (crypto.Signer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	return key, nil
}

// Decrypt implements Client.
func (c *LocalClient) Decrypt(_ context.Context, keyID string, ciphertext []byte, alg EncryptionAlgorithm) ([]byte, error) {
	if alg != RSAESOAEPSHA256 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
	key, err := c.key(keyID)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: key %s is not an RSA key", ErrUnsupportedAlgorithm, keyID)
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, rsaKey, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt with %s: %w", keyID, err)
	}
	return plaintext, nil
}

// Sign implements Client.
func (c *LocalClient) Sign(_ context.Context, keyID string, digest []byte, alg SigningAlgorithm) ([]byte, error) {
	if alg != ECDSASHA256 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
	key, err := c.key(keyID)
	if err != nil {
		return nil, err
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok || ecKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: key %s is not a P-256 key", ErrUnsupportedAlgorithm, keyID)
	}
	return ecdsa.SignASN1(rand.Reader, ecKey, digest)
}

// PublicKey implements Client.
func (c *LocalClient) PublicKey(_ context.Context, keyID string) (crypto.PublicKey, error) {
	key, err := c.key(keyID)
	if err != nil {
		return nil, err
	}
	return key.Public(), nil
}

// LoadPrivateKey reads an RSA or ECDSA private key from a PEM file.
// PKCS1, SEC 1 and PKCS8 encodings are accepted.
func LoadPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from key file")
	}

	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return rsaKey, nil
	}
	if ecKey, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return ecKey, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key does not implement crypto.Signer")
	}
	return signer, nil
}

var _ Client = (*LocalClient)(nil)
