// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keyservice

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/go-jose/go-jose/v4"
)

// es256CoordinateSize is the byte length of R and S in a raw ES256 signature.
const es256CoordinateSize = 32

// Signer is a go-jose OpaqueSigner that delegates ES256 signing to the key
// oracle. It is bound to the context it was created with, so create one per
// request.
type Signer struct {
	ctx    context.Context
	client Client
	jwk    *jose.JSONWebKey
}

// NewSigner fetches the public key of keyID and returns a signer for it.
func NewSigner(ctx context.Context, client Client, keyID string) (*Signer, error) {
	pub, err := client.PublicKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signing public key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: signing key %s is %T, want ECDSA", ErrUnsupportedAlgorithm, keyID, pub)
	}

	return &Signer{
		ctx:    ctx,
		client: client,
		jwk: &jose.JSONWebKey{
			Key:       ecPub,
			KeyID:     keyID,
			Algorithm: string(jose.ES256),
			Use:       "sig",
		},
	}, nil
}

// Public implements jose.OpaqueSigner.
func (s *Signer) Public() *jose.JSONWebKey {
	return s.jwk
}

// Algs implements jose.OpaqueSigner.
func (*Signer) Algs() []jose.SignatureAlgorithm {
	return []jose.SignatureAlgorithm{jose.ES256}
}

// SignPayload implements jose.OpaqueSigner. The oracle returns DER; JWS
// wants the fixed-width R||S form.
func (s *Signer) SignPayload(payload []byte, alg jose.SignatureAlgorithm) ([]byte, error) {
	if alg != jose.ES256 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}

	digest := sha256.Sum256(payload)
	der, err := s.client.Sign(s.ctx, s.jwk.KeyID, digest[:], ECDSASHA256)
	if err != nil {
		return nil, err
	}
	return derToRaw(der, es256CoordinateSize)
}

type ecdsaSignature struct {
	R, S *big.Int
}

func derToRaw(der []byte, size int) ([]byte, error) {
	var sig ecdsaSignature
	rest, err := asn1.Unmarshal(der, &sig)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DER signature: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("trailing data after DER signature")
	}
	if sig.R.Sign() <= 0 || sig.S.Sign() <= 0 || sig.R.BitLen() > size*8 || sig.S.BitLen() > size*8 {
		return nil, fmt.Errorf("invalid ECDSA signature values")
	}

	raw := make([]byte, 2*size)
	sig.R.FillBytes(raw[:size])
	sig.S.FillBytes(raw[size:])
	return raw, nil
}

var _ jose.OpaqueSigner = (*Signer)(nil)
