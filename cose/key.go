// Copyright 2026 FIDO Device Onboard Project
// SPDX-License-Identifier: Apache 2.0

// Package cose implements the COSE_Key encoding this authenticator core
// needs: EC2 (P-256) and OKP (Ed25519) public keys, canonically CBOR
// encoded per the CTAP2 wire format.
package cose

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// COSE key-type and algorithm identifiers (IANA COSE registries).
const (
	KtyEC2 = 2
	KtyOKP = 1

	CrvP256    = 1
	CrvEd25519 = 6

	AlgES256 = -7
	AlgEdDSA = -8
)

// Key is a COSE_Key map, restricted to the fields the authenticator core
// uses: EC2 (x, y) or OKP (x) public keys.
type Key struct {
	Kty int64  `cbor:"1,keyasint"`
	Alg int64  `cbor:"3,keyasint"`
	Crv int64  `cbor:"-1,keyasint,omitempty"`
	X   []byte `cbor:"-2,keyasint,omitempty"`
	Y   []byte `cbor:"-3,keyasint,omitempty"`
}

// ctap2Mode is the canonical CBOR encoding CTAP2 requires: deterministic
// map-key ordering, no indefinite-length items.
var ctap2Mode = mustCTAP2EncMode()

func mustCTAP2EncMode() cbor.EncMode {
	em, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cose: building CTAP2 CBOR encode mode: %v", err))
	}
	return em
}

// Marshal renders v as canonical CTAP2 CBOR.
func Marshal(v any) ([]byte, error) {
	return ctap2Mode.Marshal(v)
}

// Unmarshal decodes canonical CTAP2 CBOR into v.
func Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

// EncodeP256PublicKey renders an uncompressed P-256 point as a COSE_Key
// EC2 structure. x and y must each be 32 bytes, big-endian.
func EncodeP256PublicKey(x, y []byte) ([]byte, error) {
	if len(x) != 32 || len(y) != 32 {
		return nil, fmt.Errorf("cose: invalid P-256 coordinate length: x=%d y=%d", len(x), len(y))
	}
	return Marshal(Key{Kty: KtyEC2, Alg: AlgES256, Crv: CrvP256, X: x, Y: y})
}

// DecodeP256PublicKey parses a COSE_Key EC2 P-256 public key, returning
// its x and y coordinates.
func DecodeP256PublicKey(data []byte) (x, y []byte, err error) {
	var k Key
	if err := Unmarshal(data, &k); err != nil {
		return nil, nil, fmt.Errorf("cose: decoding COSE_Key: %w", err)
	}
	if k.Kty != KtyEC2 || k.Crv != CrvP256 {
		return nil, nil, fmt.Errorf("cose: not an EC2 P-256 key (kty=%d crv=%d)", k.Kty, k.Crv)
	}
	if len(k.X) != 32 || len(k.Y) != 32 {
		return nil, nil, fmt.Errorf("cose: invalid P-256 coordinate length: x=%d y=%d", len(k.X), len(k.Y))
	}
	return k.X, k.Y, nil
}

// EncodeEd25519PublicKey renders a 32-byte Ed25519 public key as a
// COSE_Key OKP structure.
func EncodeEd25519PublicKey(pub []byte) ([]byte, error) {
	if len(pub) != 32 {
		return nil, fmt.Errorf("cose: invalid Ed25519 public key length: %d", len(pub))
	}
	return Marshal(Key{Kty: KtyOKP, Alg: AlgEdDSA, Crv: CrvEd25519, X: pub})
}

// DecodeEd25519PublicKey parses a COSE_Key OKP Ed25519 public key.
func DecodeEd25519PublicKey(data []byte) (pub []byte, err error) {
	var k Key
	if err := Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("cose: decoding COSE_Key: %w", err)
	}
	if k.Kty != KtyOKP || k.Crv != CrvEd25519 {
		return nil, fmt.Errorf("cose: not an OKP Ed25519 key (kty=%d crv=%d)", k.Kty, k.Crv)
	}
	if len(k.X) != 32 {
		return nil, fmt.Errorf("cose: invalid Ed25519 public key length: %d", len(k.X))
	}
	return k.X, nil
}
