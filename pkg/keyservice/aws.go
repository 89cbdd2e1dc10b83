// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keyservice

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// KMSAPI defines the KMS operations used by AWSClient, enabling mock injection for testing.
type KMSAPI interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	GetPublicKey(
		ctx context.Context,
		params *kms.GetPublicKeyInput,
		optFns ...func(*kms.Options),
	) (*kms.GetPublicKeyOutput, error)
}

// AWSClient talks to AWS KMS.
type AWSClient struct {
	api KMSAPI
}

// NewAWSClient creates a KMS client for region using the default credential chain.
func NewAWSClient(ctx context.Context, region string) (*AWSClient, error) {
	if region == "" {
		return nil, ErrMissingRegion
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSClient{api: kms.NewFromConfig(cfg)}, nil
}

// NewAWSClientWithAPI wraps an existing KMS API implementation.
func NewAWSClientWithAPI(api KMSAPI) *AWSClient {
	return &AWSClient{api: api}
}

// Decrypt implements Client.
func (c *AWSClient) Decrypt(
	ctx context.Context,
	keyID string,
	ciphertext []byte,
	alg EncryptionAlgorithm,
) ([]byte, error) {
	spec, err := kmsEncryptionAlgorithm(alg)
	if err != nil {
		return nil, err
	}

	out, err := c.api.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:      ciphertext,
		KeyId:               aws.String(keyID),
		EncryptionAlgorithm: spec,
	})
	if err != nil {
		return nil, fmt.Errorf("kms decrypt with %s: %w", keyID, err)
	}
	if out == nil || len(out.Plaintext) == 0 {
		return nil, ErrEmptyResponse
	}
	return out.Plaintext, nil
}

// Sign implements Client.
func (c *AWSClient) Sign(ctx context.Context, keyID string, digest []byte, alg SigningAlgorithm) ([]byte, error) {
	spec, err := kmsSigningAlgorithm(alg)
	if err != nil {
		return nil, err
	}

	out, err := c.api.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(keyID),
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: spec,
	})
	if err != nil {
		return nil, fmt.Errorf("kms sign with %s: %w", keyID, err)
	}
	if out == nil || len(out.Signature) == 0 {
		return nil, ErrEmptyResponse
	}
	return out.Signature, nil
}

// PublicKey implements Client.
func (c *AWSClient) PublicKey(ctx context.Context, keyID string) (crypto.PublicKey, error) {
	out, err := c.api.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, fmt.Errorf("kms get public key %s: %w", keyID, err)
	}
	if out == nil || len(out.PublicKey) == 0 {
		return nil, ErrEmptyResponse
	}
	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key %s: %w", keyID, err)
	}
	return pub, nil
}

func kmsEncryptionAlgorithm(alg EncryptionAlgorithm) (types.EncryptionAlgorithmSpec, error) {
	switch alg {
	case RSAESOAEPSHA256:
		return types.EncryptionAlgorithmSpecRsaesOaepSha256, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
}

func kmsSigningAlgorithm(alg SigningAlgorithm) (types.SigningAlgorithmSpec, error) {
	switch alg {
	case ECDSASHA256:
		return types.SigningAlgorithmSpecEcdsaSha256, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
}

var _ Client = (*AWSClient)(nil)
