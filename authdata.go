// Copyright 2026 FIDO Device Onboard Project
// SPDX-License-Identifier: Apache 2.0

package fido2

import (
	"encoding/binary"

	"github.com/fido-device-onboard/fido2-authenticator/cose"
	"github.com/fido-device-onboard/fido2-authenticator/gateway"
)

// AuthenticatorData flag bits, WebAuthn §6.1.
const (
	flagUserPresent         byte = 1 << 0
	flagUserVerified        byte = 1 << 2
	flagAttestedCredentials byte = 1 << 6
	flagExtensionData       byte = 1 << 7
)

// attestedCredentialData is the AT-flagged portion of AuthenticatorData:
// aaguid(16) || credIdLen(2, BE) || credentialId || cosePublicKey.
func attestedCredentialData(aaguid [16]byte, credentialID, cosePublicKey []byte) []byte {
	out := make([]byte, 0, 16+2+len(credentialID)+len(cosePublicKey))
	out = append(out, aaguid[:]...)
	idLen := make([]byte, 2)
	binary.BigEndian.PutUint16(idLen, uint16(len(credentialID)))
	out = append(out, idLen...)
	out = append(out, credentialID...)
	out = append(out, cosePublicKey...)
	return out
}

// buildAuthData serializes AuthenticatorData: rpIdHash(32) || flags(1) ||
// signCount(4, BE) || attestedCredentialData? || extensions?.
func buildAuthData(rpIDHash [32]byte, flags byte, signCount uint32, attestedCredData, extensions []byte) []byte {
	out := make([]byte, 0, 32+1+4+len(attestedCredData)+len(extensions))
	out = append(out, rpIDHash[:]...)
	out = append(out, flags)
	count := make([]byte, 4)
	binary.BigEndian.PutUint32(count, signCount)
	out = append(out, count...)
	out = append(out, attestedCredData...)
	out = append(out, extensions...)
	return out
}

// AuthenticatorDataFlags reports the UP/UV/AT/ED flags set in a
// serialized AuthenticatorData's first 33 bytes. Exported for tests and
// for platforms that want to inspect a response without a full parser.
func AuthenticatorDataFlags(authData []byte) (up, uv, at, ed bool, ok bool) {
	if len(authData) < 33 {
		return false, false, false, false, false
	}
	flags := authData[32]
	return flags&flagUserPresent != 0,
		flags&flagUserVerified != 0,
		flags&flagAttestedCredentials != 0,
		flags&flagExtensionData != 0,
		true
}

// packedAttestationStatement is the CBOR map a packed attestation
// statement serializes to: {alg, sig, x5c?}. x5c is always omitted: this
// authenticator only performs self-attestation (spec.md §4.4 step 11).
type packedAttestationStatement struct {
	Alg int64  `cbor:"1,keyasint"`
	Sig []byte `cbor:"2,keyasint"`
}

// AttestationObject is the CTAP2 {fmt, authData, attStmt} response.
type AttestationObject struct {
	Fmt      string
	AuthData []byte
	AttStmt  packedAttestationStatement
}

// signSelfAttestation signs commitment (= authData || clientDataHash)
// with the credential's own private key: Ed25519 signs the raw message,
// P-256 uses ASN.1-DER signing over the raw message too — the crypto
// service SHA-256-hashes internally (gateway.SignP256ASN1DER), so this
// must never pre-hash commitment itself.
func (a *Authenticator) signSelfAttestation(alg int64, credKey gateway.Handle, commitment []byte) ([]byte, error) {
	switch alg {
	case cose.AlgES256:
		sig, err := a.gw.SignP256ASN1DER(credKey, commitment)
		if err != nil {
			return nil, errWrap(Other, err)
		}
		return sig, nil
	case cose.AlgEdDSA:
		sig, err := a.gw.SignEd25519(credKey, commitment)
		if err != nil {
			return nil, errWrap(Other, err)
		}
		return sig, nil
	default:
		return nil, errKind(UnsupportedAlgorithm)
	}
}
