// Copyright 2026 FIDO Device Onboard Project
// SPDX-License-Identifier: Apache 2.0

package fido2

import (
	"github.com/fido-device-onboard/fido2-authenticator/cose"
	"github.com/fido-device-onboard/fido2-authenticator/gateway"
	"github.com/fido-device-onboard/fido2-authenticator/store"
)

// MakeCredentialRequest mirrors the authenticatorMakeCredential request
// parameter map.
type MakeCredentialRequest struct {
	ClientDataHash   [32]byte
	RP               RPEntity
	User             UserEntity
	PubKeyCredParams []PubKeyCredParam
	ExcludeList      []CredentialDescriptor
	Options          Options
	Extensions       Extensions
	PinAuth          []byte // nil = absent, non-nil (possibly empty) = present
	PinProtocol      *int64
}

// MakeCredentialResponse is the packed-format attestation result.
type MakeCredentialResponse struct {
	AttestationObject
}

// selectAlgorithm reproduces the original's permissive scan: any
// unrecognized pubKeyCredParams entry is ignored rather than rejected,
// and a later -8 always overrides an earlier -7 (property P4) — the
// loop never short-circuits once Ed25519 is seen, but nothing after an
// Ed25519 entry can turn it back into P-256.
func selectAlgorithm(params []PubKeyCredParam) (int64, error) {
	var algorithm *int64
	for _, p := range params {
		switch p.Alg {
		case cose.AlgES256:
			if algorithm == nil {
				v := int64(cose.AlgES256)
				algorithm = &v
			}
		case cose.AlgEdDSA:
			v := int64(cose.AlgEdDSA)
			algorithm = &v
		}
	}
	if algorithm == nil {
		return 0, errKind(UnsupportedAlgorithm)
	}
	return *algorithm, nil
}

// MakeCredential implements spec.md §4.4.
func (a *Authenticator) MakeCredential(req MakeCredentialRequest) (MakeCredentialResponse, error) {
	uvPerformed, err := a.pinPrechecks(req.Options, req.PinAuth, req.PinProtocol, req.ClientDataHash[:])
	if err != nil {
		return MakeCredentialResponse{}, err
	}

	rpIDHash := a.gw.HashSHA256([]byte(req.RP.ID))
	if excluded, err := a.excludeListMatches(req.ExcludeList, req.RP.ID); err != nil {
		return MakeCredentialResponse{}, err
	} else if excluded {
		if !a.up.UserPresent() {
			return MakeCredentialResponse{}, errKind(OperationDenied)
		}
		return MakeCredentialResponse{}, errKind(CredentialExcluded)
	}

	algorithm, err := selectAlgorithm(req.PubKeyCredParams)
	if err != nil {
		return MakeCredentialResponse{}, err
	}

	rk := boolOption(req.Options.RK)

	credProtect := CredProtectOptional
	if req.Extensions.CredProtect != nil {
		credProtect, err = credProtectFromWire(*req.Extensions.CredProtect)
		if err != nil {
			return MakeCredentialResponse{}, err
		}
	}

	// Extensions (hmac-secret's cred_random) are generated before the
	// user-presence check, matching spec.md §4.4 step order (4 before 5)
	// and lib.rs's make_credential.
	var credRandom CredRandom
	hmacSecretRequested := req.Extensions.HMACSecret
	if hmacSecretRequested {
		credRandom, err = a.generateCredRandom(rk)
		if err != nil {
			return MakeCredentialResponse{}, err
		}
	}

	if !a.up.UserPresent() {
		return MakeCredentialResponse{}, errKind(OperationDenied)
	}

	if rk {
		if existing, ok, err := a.store.ResidentCredentialByUser(rpIDHash[:], req.User.ID); err != nil {
			return MakeCredentialResponse{}, errWrap(Other, err)
		} else if ok {
			if err := a.store.DeleteResidentCredential(existing.CredentialID); err != nil {
				return MakeCredentialResponse{}, errWrap(Other, err)
			}
		}
	}

	credKey, cosePublicKey, err := a.generateCredentialKeypair(algorithm, rk)
	if err != nil {
		return MakeCredentialResponse{}, err
	}

	key, err := a.storeCredentialKey(credKey, rk)
	if err != nil {
		return MakeCredentialResponse{}, err
	}

	cred := Credential{
		CtapVersion: "FIDO_2_1_PRE",
		Algorithm:   algorithm,
		RPID:        req.RP.ID,
		UserID:      req.User.ID,
		Key:         key,
		CredRandom:  credRandom,
		CredProtect: credProtect,
	}

	kek, err := a.KeyEncryptionKey()
	if err != nil {
		return MakeCredentialResponse{}, err
	}

	credentialID, err := EncodeCredentialID(a.gw, kek, cred)
	if err != nil {
		return MakeCredentialResponse{}, err
	}

	if rk {
		blob, err := marshalCBOR(cred)
		if err != nil {
			return MakeCredentialResponse{}, errWrap(Other, err)
		}
		if err := a.store.SaveResidentCredential(store.ResidentCredential{
			CredentialID: credentialID,
			RPID:         req.RP.ID,
			RPIDHash:     rpIDHash[:],
			UserID:       req.User.ID,
			Blob:         blob,
		}); err != nil {
			return MakeCredentialResponse{}, errWrap(Other, err)
		}
	}

	signCount, err := a.store.NextSignCount()
	if err != nil {
		return MakeCredentialResponse{}, errWrap(Other, err)
	}

	flags := flagUserPresent | flagAttestedCredentials
	if uvPerformed {
		flags |= flagUserVerified
	}
	extensionDataPresent := hmacSecretRequested || credProtect != CredProtectOptional
	if extensionDataPresent {
		flags |= flagExtensionData
	}

	var extensionsCBOR []byte
	if extensionDataPresent {
		extensionsCBOR, err = marshalCBOR(makeCredentialExtensionOutputs{
			HMACSecret:  hmacSecretRequested,
			CredProtect: int64(credProtect),
		})
		if err != nil {
			return MakeCredentialResponse{}, errWrap(Other, err)
		}
	}

	attestedCredData := attestedCredentialData(a.config.AAGUID, credentialID, cosePublicKey)
	authData := buildAuthData(rpIDHash, flags, signCount, attestedCredData, extensionsCBOR)

	commitment := make([]byte, 0, len(authData)+len(req.ClientDataHash))
	commitment = append(commitment, authData...)
	commitment = append(commitment, req.ClientDataHash[:]...)

	sig, err := a.signSelfAttestation(algorithm, credKey, commitment)
	if err != nil {
		return MakeCredentialResponse{}, err
	}

	return MakeCredentialResponse{AttestationObject{
		Fmt:      "packed",
		AuthData: authData,
		AttStmt:  packedAttestationStatement{Alg: algorithm, Sig: sig},
	}}, nil
}

// makeCredentialExtensionOutputs is the extensions map echoed back in
// AuthenticatorData when hmac-secret or a non-default cred_protect was
// requested.
type makeCredentialExtensionOutputs struct {
	HMACSecret  bool  `cbor:"hmac-secret"`
	CredProtect int64 `cbor:"credProtect"`
}

// generateCredentialKeypair creates the credential's signing keypair in
// internal storage if rk else volatile, returning the private-key
// handle and its COSE-encoded public key.
func (a *Authenticator) generateCredentialKeypair(algorithm int64, rk bool) (gateway.Handle, []byte, error) {
	loc := gateway.Volatile
	if rk {
		loc = gateway.Internal
	}
	switch algorithm {
	case cose.AlgES256:
		priv, err := a.gw.GenerateP256PrivateKey(loc)
		if err != nil {
			return gateway.Handle{}, nil, errWrap(Other, err)
		}
		pub, err := a.gw.DeriveP256PublicKey(priv, loc)
		if err != nil {
			return gateway.Handle{}, nil, errWrap(Other, err)
		}
		coseKey, err := a.gw.SerializeKeyCOSE(gateway.P256, pub)
		if err != nil {
			return gateway.Handle{}, nil, errWrap(Other, err)
		}
		return priv, coseKey, nil
	case cose.AlgEdDSA:
		priv, err := a.gw.GenerateEd25519PrivateKey(loc)
		if err != nil {
			return gateway.Handle{}, nil, errWrap(Other, err)
		}
		pub, err := a.gw.DeriveEd25519PublicKey(priv, loc)
		if err != nil {
			return gateway.Handle{}, nil, errWrap(Other, err)
		}
		coseKey, err := a.gw.SerializeKeyCOSE(gateway.Ed25519, pub)
		if err != nil {
			return gateway.Handle{}, nil, errWrap(Other, err)
		}
		return priv, coseKey, nil
	default:
		return gateway.Handle{}, nil, errKind(UnsupportedAlgorithm)
	}
}

// storeCredentialKey records how to recover credKey later: Resident
// keeps the handle directly, Wrapped seals it under key_encryption_key
// with an empty AAD (spec.md §4.4 step 7).
func (a *Authenticator) storeCredentialKey(credKey gateway.Handle, rk bool) (Key, error) {
	if rk {
		return residentKey(credKey), nil
	}
	kek, err := a.KeyEncryptionKey()
	if err != nil {
		return Key{}, err
	}
	wrapped, err := a.gw.WrapKeyChaCha8Poly1305(kek, credKey, nil)
	if err != nil {
		return Key{}, errWrap(Other, err)
	}
	return wrappedKey(wrapped), nil
}

// generateCredRandom creates the hmac-secret extension's 32-byte HMAC
// key, stored the same Resident/Wrapped way as the credential key.
func (a *Authenticator) generateCredRandom(rk bool) (CredRandom, error) {
	loc := gateway.Volatile
	if rk {
		loc = gateway.Internal
	}
	h, err := a.gw.GenerateHMACSHA256Key(loc)
	if err != nil {
		return CredRandom{}, errWrap(Other, err)
	}
	if rk {
		return residentCredRandom(h), nil
	}
	kek, err := a.KeyEncryptionKey()
	if err != nil {
		return CredRandom{}, err
	}
	wrapped, err := a.gw.WrapKeyChaCha8Poly1305(kek, h, nil)
	if err != nil {
		return CredRandom{}, errWrap(Other, err)
	}
	return wrappedCredRandom(wrapped), nil
}

// excludeListMatches reports whether any excludeList descriptor decodes
// as a valid credential ID bound to rpID under the current key
// encryption key (spec.md §4.4 input "exclude_list"; this check was a
// TODO comment in the original the core was distilled from, never
// implemented there — completed here since CredentialExcluded is
// already part of the core error taxonomy and otherwise unreachable).
func (a *Authenticator) excludeListMatches(excludeList []CredentialDescriptor, rpID string) (bool, error) {
	if len(excludeList) == 0 {
		return false, nil
	}
	kek, err := a.KeyEncryptionKey()
	if err != nil {
		return false, err
	}
	for _, d := range excludeList {
		if _, err := DecodeCredentialID(a.gw, kek, d.ID, rpID); err == nil {
			return true, nil
		}
	}
	return false, nil
}
