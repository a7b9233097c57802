// Copyright 2026 FIDO Device Onboard Project
// SPDX-License-Identifier: Apache 2.0

package fido2

import (
	"github.com/fido-device-onboard/fido2-authenticator/cose"
	"github.com/fido-device-onboard/fido2-authenticator/gateway"
)

// GetAssertionRequest mirrors the authenticatorGetAssertion request
// parameter map.
type GetAssertionRequest struct {
	ClientDataHash [32]byte
	RPID           string
	AllowList      []CredentialDescriptor
	Options        Options
	PinAuth        []byte // nil = absent, non-nil (possibly empty) = present
	PinProtocol    *int64
}

// GetAssertionResponse is the authenticatorGetAssertion response.
type GetAssertionResponse struct {
	CredentialID []byte
	AuthData     []byte
	Signature    []byte
	UserID       []byte
}

// candidate is a credential located during allow_list/resident
// resolution, paired with the CredentialId bytes it will be reported
// under.
type candidate struct {
	id   []byte
	cred Credential
}

// GetAssertion implements spec.md §4.5.
func (a *Authenticator) GetAssertion(req GetAssertionRequest) (GetAssertionResponse, error) {
	uvPerformed, err := a.pinPrechecks(req.Options, req.PinAuth, req.PinProtocol, req.ClientDataHash[:])
	if err != nil {
		return GetAssertionResponse{}, err
	}

	kek, err := a.KeyEncryptionKey()
	if err != nil {
		return GetAssertionResponse{}, err
	}

	candidates, err := a.resolveCandidates(req.RPID, req.AllowList, kek)
	if err != nil {
		return GetAssertionResponse{}, err
	}

	candidates = a.filterByExistence(candidates)
	candidates = a.filterByCredProtect(candidates, len(req.AllowList) > 0, uvPerformed)

	if len(candidates) == 0 {
		return GetAssertionResponse{}, errKind(NoCredentials)
	}
	chosen := candidates[0]

	credKey, err := a.recoverCredentialKey(chosen.cred, kek)
	if err != nil {
		return GetAssertionResponse{}, err
	}

	signCount, err := a.store.NextSignCount()
	if err != nil {
		return GetAssertionResponse{}, errWrap(Other, err)
	}

	flags := flagUserPresent
	if uvPerformed {
		flags |= flagUserVerified
	}

	rpIDHash := a.gw.HashSHA256([]byte(req.RPID))
	authData := buildAuthData(rpIDHash, flags, signCount, nil, nil)

	commitment := make([]byte, 0, len(authData)+len(req.ClientDataHash))
	commitment = append(commitment, authData...)
	commitment = append(commitment, req.ClientDataHash[:]...)

	sig, err := a.signAssertion(chosen.cred.Algorithm, credKey, commitment)
	if err != nil {
		return GetAssertionResponse{}, err
	}

	return GetAssertionResponse{
		CredentialID: chosen.id,
		AuthData:     authData,
		Signature:    sig,
		UserID:       chosen.cred.UserID,
	}, nil
}

// signAssertion signs the same way MakeCredential's self-attestation
// does: Ed25519 raw, P-256 ASN.1-DER over the raw commitment (the
// gateway pre-hashes internally).
func (a *Authenticator) signAssertion(alg int64, credKey gateway.Handle, commitment []byte) ([]byte, error) {
	return a.signSelfAttestation(alg, credKey, commitment)
}

// resolveCandidates implements spec.md §4.5 step 2: a non-empty
// allow_list must decrypt every entry under the current
// key_encryption_key, all-or-nothing (P7); an empty/missing allow_list
// enumerates every resident credential bound to rp_id instead.
func (a *Authenticator) resolveCandidates(rpID string, allowList []CredentialDescriptor, kek gateway.Handle) ([]candidate, error) {
	if len(allowList) == 0 {
		rpIDHash := a.gw.HashSHA256([]byte(rpID))
		rows, err := a.store.ResidentCredentialsForRP(rpIDHash[:])
		if err != nil {
			return nil, errWrap(Other, err)
		}
		out := make([]candidate, 0, len(rows))
		for _, row := range rows {
			var cred Credential
			if err := unmarshalCBOR(row.Blob, &cred); err != nil {
				return nil, errWrap(Other, err)
			}
			out = append(out, candidate{id: row.CredentialID, cred: cred})
		}
		return out, nil
	}

	out := make([]candidate, 0, len(allowList))
	for _, d := range allowList {
		cred, err := DecodeCredentialID(a.gw, kek, d.ID, rpID)
		if err != nil {
			continue
		}
		out = append(out, candidate{id: d.ID, cred: cred})
	}
	if len(out) < len(allowList) {
		return nil, errKind(InvalidCredential)
	}
	return out, nil
}

// filterByExistence implements spec.md §4.5 step 3: a resident
// candidate's key must still exist in the crypto service; wrapped
// candidates are assumed valid (their AEAD tag already verified in
// resolveCandidates/DecodeCredentialID).
func (a *Authenticator) filterByExistence(candidates []candidate) []candidate {
	out := candidates[:0]
	for _, c := range candidates {
		if c.cred.Key.IsResident() {
			mech := gateway.P256
			if c.cred.Algorithm == cose.AlgEdDSA {
				mech = gateway.Ed25519
			}
			if !a.gw.Exists(mech, c.cred.Key.Handle()) {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

// filterByCredProtect implements spec.md §4.5 step 4.
func (a *Authenticator) filterByCredProtect(candidates []candidate, allowListNonEmpty, uvPerformed bool) []candidate {
	out := candidates[:0]
	for _, c := range candidates {
		var ok bool
		switch c.cred.CredProtect {
		case CredProtectOptional:
			ok = true
		case CredProtectOptionalWithCredentialIDList:
			ok = allowListNonEmpty || uvPerformed
		case CredProtectRequired:
			ok = uvPerformed
		}
		if ok {
			out = append(out, c)
		}
	}
	return out
}

// recoverCredentialKey returns a handle to the credential's signing
// key, unwrapping it under kek first if it was stored Wrapped.
func (a *Authenticator) recoverCredentialKey(cred Credential, kek gateway.Handle) (gateway.Handle, error) {
	if cred.Key.IsResident() {
		return cred.Key.Handle(), nil
	}
	mech := gateway.P256
	if cred.Algorithm == cose.AlgEdDSA {
		mech = gateway.Ed25519
	}
	h, err := a.gw.UnwrapKeyChaCha8Poly1305(kek, cred.Key.Wrapped, nil, mech, gateway.Volatile)
	if err != nil {
		return gateway.Handle{}, errWrap(Other, err)
	}
	return h, nil
}
