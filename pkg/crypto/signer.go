// Copyright 2024 The Monad Game Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package crypto provides the pluggable signing interface used to
// attest broadcast state updates. The engine treats signatures as
// opaque; any scheme satisfying Signer/Recoverer can be plugged in.
package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec"
)

type Signer interface {
	// Sign signs the whole message; implementations hash it themselves.
	Sign(data []byte) ([]byte, error)
	PublicKey() (*ecdsa.PublicKey, error)
}

type Recoverer interface {
	Recover(signature, data []byte) (*ecdsa.PublicKey, error)
}

type SignRecoverer interface {
	Signer
	Recoverer
}

type defaultRecoverer struct{}

// NewDefaultRecoverer returns the recoverer matching NewDefaultSigner.
func NewDefaultRecoverer() Recoverer {
	return defaultRecoverer{}
}

func (d defaultRecoverer) Recover(signature, data []byte) (*ecdsa.PublicKey, error) {
	digest := sha256.Sum256(data)
	p, _, err := btcec.RecoverCompact(btcec.S256(), signature, digest[:])
	return (*ecdsa.PublicKey)(p), err
}

type defaultSigner struct {
	key       *ecdsa.PrivateKey
	recoverer Recoverer
}

// NewDefaultSigner constructs a compact-ECDSA signer over secp256k1.
func NewDefaultSigner(key *ecdsa.PrivateKey) SignRecoverer {
	return &defaultSigner{
		key:       key,
		recoverer: defaultRecoverer{},
	}
}

func (d *defaultSigner) PublicKey() (*ecdsa.PublicKey, error) {
	return &d.key.PublicKey, nil
}

// Sign hashes the message with sha256 and signs the digest. Compact
// ECDSA treats its input as a fixed-width hash, so signing the raw
// message would only cover its first 32 bytes.
func (d *defaultSigner) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return btcec.SignCompact(btcec.S256(), (*btcec.PrivateKey)(d.key), digest[:], true)
}

func (d *defaultSigner) Recover(signature, data []byte) (*ecdsa.PublicKey, error) {
	return d.recoverer.Recover(signature, data)
}

// GenerateSecp256k1Key generates an ECDSA private key on the secp256k1
// curve.
func GenerateSecp256k1Key() (*ecdsa.PrivateKey, error) {
	k, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, err
	}
	return (*ecdsa.PrivateKey)(k), nil
}
