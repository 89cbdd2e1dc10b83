// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package jwe decrypts compact JWE objects whose content encryption key is
// wrapped by a key held in the remote key service.
//
// During key rotation the wrapping key may be any of several generations, so
// the content key is unwrapped by trying an ordered list of key aliases and,
// optionally, the legacy key id as a last resort.
package jwe

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	crierrors "github.com/stacklok/credissuer/pkg/errors"
	"github.com/stacklok/credissuer/pkg/keyservice"
	"github.com/stacklok/credissuer/pkg/logger"
	"github.com/stacklok/credissuer/pkg/retry"
	"github.com/stacklok/credissuer/pkg/telemetry"
)

// Supported algorithms.
const (
	KeyAlgorithm      = jose.RSA_OAEP_256
	ContentEncryption = jose.A256GCM
)

// Legacy fallback outcomes recorded on cri_key_rotation_legacy_fallback_total.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Options selects the keys used to unwrap content encryption keys.
type Options struct {
	// KeyID is the single legacy key.
	KeyID string

	// Aliases are tried in order when RotationEnabled: primary, secondary, previous.
	Aliases []string

	RotationEnabled       bool
	LegacyFallbackEnabled bool
}

// Validate checks that the options name at least one usable key.
func (o Options) Validate() error {
	if o.RotationEnabled {
		if len(o.Aliases) == 0 {
			return errors.New("key rotation requires at least one alias")
		}
		if o.LegacyFallbackEnabled && o.KeyID == "" {
			return errors.New("legacy fallback requires a key id")
		}
		return nil
	}
	if o.KeyID == "" {
		return errors.New("key id is required when key rotation is disabled")
	}
	return nil
}

// Decrypter decrypts compact JWEs through the key service.
type Decrypter struct {
	client keyservice.Client
	opts   Options
	retry  *retry.Policy
	logger *slog.Logger

	aliasFailures     metric.Int64Counter
	fallbackExhausted metric.Int64Counter
	legacyFallback    metric.Int64Counter
}

// Option configures a Decrypter.
type Option func(*decrypterConfig)

type decrypterConfig struct {
	logger        *slog.Logger
	meterProvider metric.MeterProvider
	retry         *retry.Policy
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *decrypterConfig) { c.logger = l }
}

// WithMeterProvider sets the meter provider for rotation metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *decrypterConfig) { c.meterProvider = mp }
}

// WithRetryPolicy retries each key service call on transient failures.
// Key mismatches are never retried.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(c *decrypterConfig) { c.retry = p }
}

// NewDecrypter returns a Decrypter for opts.
func NewDecrypter(client keyservice.Client, opts Options, options ...Option) (*Decrypter, error) {
	if client == nil {
		return nil, errors.New("key service client is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	cfg := &decrypterConfig{}
	for _, o := range options {
		o(cfg)
	}
	if cfg.retry == nil {
		cfg.retry = retry.New(retry.WithMaxAttempts(1))
	}

	meter := telemetry.Meter(cfg.meterProvider)
	aliasFailures, err := meter.Int64Counter(telemetry.MetricAliasFailures,
		metric.WithDescription("Key rotation aliases that failed to unwrap a content encryption key"))
	if err != nil {
		return nil, fmt.Errorf("failed to create alias failure counter: %w", err)
	}
	exhausted, err := meter.Int64Counter(telemetry.MetricFallbackExhausted,
		metric.WithDescription("Decryptions where every key alias and the legacy key failed"))
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback exhausted counter: %w", err)
	}
	legacy, err := meter.Int64Counter(telemetry.MetricLegacyFallback,
		metric.WithDescription("Legacy key fallback attempts by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create legacy fallback counter: %w", err)
	}

	return &Decrypter{
		client:            client,
		opts:              opts,
		retry:             cfg.retry.AbortingOn(keyservice.IsPermanent),
		logger:            logger.OrDefault(cfg.logger).With("component", "jwe"),
		aliasFailures:     aliasFailures,
		fallbackExhausted: exhausted,
		legacyFallback:    legacy,
	}, nil
}

// protectedHeader holds the fields checked before handing the JWE to go-jose.
type protectedHeader struct {
	Algorithm  string `json:"alg"`
	Encryption string `json:"enc"`
}

// Decrypt returns the plaintext of a compact-serialized JWE.
// Every failure is a crypto error.
func (d *Decrypter) Decrypt(ctx context.Context, compact string) ([]byte, error) {
	if err := validateCompact(compact); err != nil {
		return nil, err
	}

	object, err := jose.ParseEncryptedCompact(compact,
		[]jose.KeyAlgorithm{KeyAlgorithm},
		[]jose.ContentEncryption{ContentEncryption})
	if err != nil {
		return nil, crierrors.NewCryptoError("failed to parse JWE", err)
	}

	unwrapper := &keyUnwrapper{ctx: ctx, decrypter: d}
	plaintext, err := object.Decrypt(unwrapper)
	if err != nil {
		if unwrapper.err != nil {
			return nil, unwrapper.err
		}
		return nil, crierrors.NewCryptoError("failed to decrypt JWE content", err)
	}
	return plaintext, nil
}

// validateCompact checks the five compact segments and the declared algorithms.
func validateCompact(compact string) error {
	parts := strings.Split(compact, ".")
	if len(parts) != 5 {
		return crierrors.NewCryptoError(fmt.Sprintf("JWE must have 5 segments, got %d", len(parts)), nil)
	}
	switch {
	case parts[1] == "":
		return crierrors.NewCryptoError("JWE is missing the encrypted key", nil)
	case parts[2] == "":
		return crierrors.NewCryptoError("JWE is missing the initialization vector", nil)
	case parts[4] == "":
		return crierrors.NewCryptoError("JWE is missing the authentication tag", nil)
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return crierrors.NewCryptoError("JWE header is not base64url encoded", err)
	}
	var header protectedHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return crierrors.NewCryptoError("JWE header is not valid JSON", err)
	}
	if header.Algorithm != string(KeyAlgorithm) {
		return crierrors.NewCryptoError(fmt.Sprintf("unsupported JWE algorithm: %q", header.Algorithm), nil)
	}
	if header.Encryption != string(ContentEncryption) {
		return crierrors.NewCryptoError(fmt.Sprintf("unsupported JWE content encryption: %q", header.Encryption), nil)
	}
	return nil
}

// unwrap recovers the content encryption key.
func (d *Decrypter) unwrap(ctx context.Context, encryptedKey []byte) ([]byte, error) {
	if !d.opts.RotationEnabled {
		cek, err := d.decryptWith(ctx, d.opts.KeyID, encryptedKey)
		switch {
		case err == nil:
			return cek, nil
		case crierrors.IsInterrupted(err):
			return nil, err
		default:
			return nil, crierrors.NewCryptoError("failed to decrypt content encryption key", err)
		}
	}

	for _, alias := range d.opts.Aliases {
		cek, err := d.decryptWith(ctx, alias, encryptedKey)
		if err == nil {
			d.logger.Debug("decrypted content encryption key", "key_alias", alias)
			return cek, nil
		}
		if crierrors.IsInterrupted(err) {
			return nil, err
		}
		d.logger.Warn("key rotation alias failed to decrypt content encryption key",
			"key_alias", alias, "error", err)
		d.aliasFailures.Add(ctx, 1, metric.WithAttributes(attribute.String(telemetry.AttrKeyAlias, alias)))
	}

	if d.opts.LegacyFallbackEnabled {
		cek, err := d.decryptWith(ctx, d.opts.KeyID, encryptedKey)
		if err == nil {
			d.logger.Info("decrypted content encryption key with legacy key after all aliases failed")
			d.legacyFallback.Add(ctx, 1, metric.WithAttributes(attribute.String(telemetry.AttrOutcome, outcomeSuccess)))
			return cek, nil
		}
		// suppressed: exhaustion below is the reported failure
		d.logger.Debug("legacy key fallback failed", "error", err)
		d.legacyFallback.Add(ctx, 1, metric.WithAttributes(attribute.String(telemetry.AttrOutcome, outcomeFailure)))
	}

	d.fallbackExhausted.Add(ctx, 1)
	d.logger.Error("no key could decrypt the content encryption key",
		"aliases", len(d.opts.Aliases), "legacy_fallback", d.opts.LegacyFallbackEnabled)
	return nil, crierrors.NewCryptoError("key rotation fallback exhausted: no key could decrypt the request", nil)
}

func (d *Decrypter) decryptWith(ctx context.Context, keyID string, encryptedKey []byte) ([]byte, error) {
	return retry.Do(ctx, d.retry, func(ctx context.Context) ([]byte, error) {
		return d.client.Decrypt(ctx, keyID, encryptedKey, keyservice.RSAESOAEPSHA256)
	})
}

// keyUnwrapper adapts Decrypter to go-jose's OpaqueKeyDecrypter for one call.
// go-jose replaces unwrap errors with a generic failure, so the real error is
// kept on the struct.
type keyUnwrapper struct {
	ctx       context.Context
	decrypter *Decrypter
	err       error
}

// DecryptKey implements jose.OpaqueKeyDecrypter.
func (u *keyUnwrapper) DecryptKey(encryptedKey []byte, _ jose.Header) ([]byte, error) {
	cek, err := u.decrypter.unwrap(u.ctx, encryptedKey)
	if err != nil {
		u.err = err
		return nil, err
	}
	return cek, nil
}

var _ jose.OpaqueKeyDecrypter = (*keyUnwrapper)(nil)
