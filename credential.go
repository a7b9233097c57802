// Copyright 2026 FIDO Device Onboard Project
// SPDX-License-Identifier: Apache 2.0

package fido2

import (
	"github.com/fido-device-onboard/fido2-authenticator/gateway"
)

// CredProtect is the credProtect extension policy a credential carries.
// Values match the WebAuthn extension's wire integers (1-3), not Go's
// natural zero-valued default, since Optional (1) and "unset" are the
// same thing for this extension and the distinction matters at decode
// time.
type CredProtect int

const (
	CredProtectOptional CredProtect = iota + 1
	CredProtectOptionalWithCredentialIDList
	CredProtectRequired
)

func (p CredProtect) String() string {
	switch p {
	case CredProtectOptional:
		return "optional"
	case CredProtectOptionalWithCredentialIDList:
		return "optionalWithCredentialIDList"
	case CredProtectRequired:
		return "required"
	default:
		return "unknown"
	}
}

// credProtectFromWire parses the credProtect extension's wire integer; a
// value outside 1-3 is InvalidParameter. It is only called when the
// extension is present: MakeCredential itself defaults to Optional when
// the extension is absent.
func credProtectFromWire(v int64) (CredProtect, error) {
	switch v {
	case int64(CredProtectOptional):
		return CredProtectOptional, nil
	case int64(CredProtectOptionalWithCredentialIDList):
		return CredProtectOptionalWithCredentialIDList, nil
	case int64(CredProtectRequired):
		return CredProtectRequired, nil
	default:
		return 0, errKind(InvalidParameter)
	}
}

// Key is the credential private-key reference: either Resident (the key
// lives inside the device, referenced by a gateway.Handle) or Wrapped
// (an AEAD-sealed blob the authenticator can unwrap on demand). The
// zero value of Wrapped (nil) selects the Resident variant, following
// the "tagged variants over inheritance" design note without needing a
// discriminant field that could disagree with the payload.
type Key struct {
	Wrapped     []byte `cbor:"wrapped,omitempty"`
	ResidentID  uint64 `cbor:"rid,omitempty"`
	ResidentGen uint64 `cbor:"rgen,omitempty"`
}

// IsResident reports whether k references an in-device key.
func (k Key) IsResident() bool { return k.Wrapped == nil }

// Handle returns the referenced resident key handle. Only meaningful
// when IsResident is true.
func (k Key) Handle() gateway.Handle { return gateway.HandleFromRaw(k.ResidentID, k.ResidentGen) }

func residentKey(h gateway.Handle) Key {
	id, gen := h.Raw()
	return Key{ResidentID: id, ResidentGen: gen}
}

func wrappedKey(wrapped []byte) Key { return Key{Wrapped: wrapped} }

// CredRandom is the optional hmac-secret extension key, same
// Resident/Wrapped split as Key, plus a presence flag since "no
// hmac-secret requested" is a third state a nil Wrapped can't express
// on its own (an all-zero Key is a valid Resident(handle 0) otherwise).
type CredRandom struct {
	Present     bool   `cbor:"present"`
	Wrapped     []byte `cbor:"wrapped,omitempty"`
	ResidentID  uint64 `cbor:"rid,omitempty"`
	ResidentGen uint64 `cbor:"rgen,omitempty"`
}

func (r CredRandom) IsResident() bool { return r.Present && r.Wrapped == nil }

func (r CredRandom) Handle() gateway.Handle { return gateway.HandleFromRaw(r.ResidentID, r.ResidentGen) }

func residentCredRandom(h gateway.Handle) CredRandom {
	id, gen := h.Raw()
	return CredRandom{Present: true, ResidentID: id, ResidentGen: gen}
}

func wrappedCredRandom(wrapped []byte) CredRandom {
	return CredRandom{Present: true, Wrapped: wrapped}
}

// Credential is the logical record an authenticatorMakeCredential call
// produces and an authenticatorGetAssertion call later retrieves, via
// either a resident blob or a round-tripped CredentialId.
type Credential struct {
	CtapVersion string     `cbor:"ctap_version"`
	Algorithm   int64      `cbor:"alg"`
	RPID        string     `cbor:"rp_id"`
	UserID      []byte     `cbor:"user_id"`
	Key         Key        `cbor:"key"`
	CredRandom  CredRandom `cbor:"cred_random"`
	CredProtect CredProtect `cbor:"cred_protect"`
	SignCount   uint32     `cbor:"sign_count"`
}

const (
	credentialIDNonceLen = 12
	credentialIDTagLen   = 16
)

// EncodeCredentialID serializes cred canonically and AEAD-seals it
// under kek with AAD = rp_id, producing the wire CredentialId:
// nonce(12) || tag(16) || ciphertext(var).
func EncodeCredentialID(gw gateway.Gateway, kek gateway.Handle, cred Credential) ([]byte, error) {
	plaintext, err := marshalCBOR(cred)
	if err != nil {
		return nil, errWrap(Other, err)
	}
	ciphertext, nonce, tag, err := gw.EncryptChaCha8Poly1305(kek, plaintext, []byte(cred.RPID))
	if err != nil {
		return nil, errWrap(Other, err)
	}
	if len(nonce) != credentialIDNonceLen || len(tag) != credentialIDTagLen {
		return nil, errKind(Other)
	}
	out := make([]byte, 0, len(nonce)+len(tag)+len(ciphertext))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecodeCredentialID reverses EncodeCredentialID. It fails with
// InvalidCredential (never Other) whenever the AEAD check or the CBOR
// decode fails, since both cases mean "not a valid credential ID for
// this rp_id" from the caller's perspective (property P3).
func DecodeCredentialID(gw gateway.Gateway, kek gateway.Handle, id []byte, rpID string) (Credential, error) {
	if len(id) < credentialIDNonceLen+credentialIDTagLen {
		return Credential{}, errKind(InvalidCredential)
	}
	nonce := id[:credentialIDNonceLen]
	tag := id[credentialIDNonceLen : credentialIDNonceLen+credentialIDTagLen]
	ciphertext := id[credentialIDNonceLen+credentialIDTagLen:]

	plaintext, ok, err := gw.DecryptChaCha8Poly1305(kek, ciphertext, []byte(rpID), nonce, tag)
	if err != nil {
		return Credential{}, errWrap(Other, err)
	}
	if !ok {
		return Credential{}, errKind(InvalidCredential)
	}

	var cred Credential
	if err := unmarshalCBOR(plaintext, &cred); err != nil {
		return Credential{}, errKind(InvalidCredential)
	}
	return cred, nil
}
