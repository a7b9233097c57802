// Copyright 2026 FIDO Device Onboard Project
// SPDX-License-Identifier: Apache 2.0

package fido2

import (
	"crypto/subtle"

	"github.com/fido-device-onboard/fido2-authenticator/gateway"
)

// PinSubcommand is the CTAP2 authenticatorClientPIN subCommand member.
type PinSubcommand int64

const (
	PinSubcommandGetRetries PinSubcommand = iota + 1
	PinSubcommandGetKeyAgreement
	PinSubcommandSetPin
	PinSubcommandChangePin
	PinSubcommandGetPinToken
)

// ClientPinRequest mirrors the authenticatorClientPIN request parameter
// map. Byte-slice fields are nil when the platform omitted them.
type ClientPinRequest struct {
	PinProtocol  int64
	SubCommand   PinSubcommand
	KeyAgreement []byte // platform's COSE_Key-encoded P-256 public key
	PinAuth      []byte
	NewPinEnc    []byte
	PinHashEnc   []byte
}

// ClientPinResponse mirrors the authenticatorClientPIN response map.
// Fields are left at their zero value when the subcommand doesn't
// produce them.
type ClientPinResponse struct {
	KeyAgreement []byte
	PinToken     []byte
	Retries      *int
}

// ClientPin dispatches one authenticatorClientPIN subcommand.
func (a *Authenticator) ClientPin(req ClientPinRequest) (ClientPinResponse, error) {
	if req.PinProtocol != 1 {
		return ClientPinResponse{}, errKind(InvalidParameter)
	}
	switch req.SubCommand {
	case PinSubcommandGetRetries:
		return a.pinGetRetries()
	case PinSubcommandGetKeyAgreement:
		return a.pinGetKeyAgreement()
	case PinSubcommandSetPin:
		return a.pinSetPin(req)
	case PinSubcommandChangePin:
		return a.pinChangePin(req)
	case PinSubcommandGetPinToken:
		return a.pinGetPinToken(req)
	default:
		return ClientPinResponse{}, errKind(InvalidParameter)
	}
}

func (a *Authenticator) pinGetRetries() (ClientPinResponse, error) {
	retries := a.Retries()
	return ClientPinResponse{Retries: &retries}, nil
}

func (a *Authenticator) pinGetKeyAgreement() (ClientPinResponse, error) {
	priv, err := a.KeyAgreementKey()
	if err != nil {
		return ClientPinResponse{}, err
	}
	pub, err := a.gw.DeriveP256PublicKey(priv, gateway.Volatile)
	if err != nil {
		return ClientPinResponse{}, errWrap(Other, err)
	}
	cose, err := a.gw.SerializeKeyCOSE(gateway.P256, pub)
	if err != nil {
		return ClientPinResponse{}, errWrap(Other, err)
	}
	return ClientPinResponse{KeyAgreement: cose}, nil
}

func (a *Authenticator) pinSetPin(req ClientPinRequest) (ClientPinResponse, error) {
	if req.KeyAgreement == nil || req.NewPinEnc == nil || req.PinAuth == nil {
		return ClientPinResponse{}, errKind(MissingParameter)
	}
	if a.PinIsSet() {
		return ClientPinResponse{}, errKind(PinAuthInvalid)
	}
	shared, err := a.generateSharedSecret(req.KeyAgreement)
	if err != nil {
		return ClientPinResponse{}, err
	}
	if err := a.verifyPinAuth(shared, req.NewPinEnc, req.PinAuth); err != nil {
		return ClientPinResponse{}, err
	}
	pin, err := a.decryptPinCheckLength(shared, req.NewPinEnc)
	if err != nil {
		return ClientPinResponse{}, err
	}
	hash := a.gw.HashSHA256(pin)
	if err := a.SetPinHash(hash[:16]); err != nil {
		return ClientPinResponse{}, errWrap(Other, err)
	}
	return ClientPinResponse{}, nil
}

func (a *Authenticator) pinChangePin(req ClientPinRequest) (ClientPinResponse, error) {
	if req.KeyAgreement == nil || req.PinHashEnc == nil || req.NewPinEnc == nil || req.PinAuth == nil {
		return ClientPinResponse{}, errKind(MissingParameter)
	}
	if a.Retries() == 0 {
		return ClientPinResponse{}, errKind(PinBlocked)
	}
	shared, err := a.generateSharedSecret(req.KeyAgreement)
	if err != nil {
		return ClientPinResponse{}, err
	}
	data := make([]byte, 0, len(req.NewPinEnc)+len(req.PinHashEnc))
	data = append(data, req.NewPinEnc...)
	data = append(data, req.PinHashEnc...)
	if err := a.verifyPinAuth(shared, data, req.PinAuth); err != nil {
		return ClientPinResponse{}, err
	}
	// Retries are spent on the attempt before the PIN hash is checked, so
	// a crash between the two still counts against the attacker.
	if err := a.DecrementRetries(); err != nil {
		return ClientPinResponse{}, errWrap(Other, err)
	}
	if err := a.decryptPinHashAndMaybeEscalate(shared, req.PinHashEnc); err != nil {
		return ClientPinResponse{}, err
	}
	if err := a.ResetRetries(); err != nil {
		return ClientPinResponse{}, errWrap(Other, err)
	}
	pin, err := a.decryptPinCheckLength(shared, req.NewPinEnc)
	if err != nil {
		return ClientPinResponse{}, err
	}
	hash := a.gw.HashSHA256(pin)
	a.pinHash = hash[:16]
	if err := a.persist(); err != nil {
		return ClientPinResponse{}, errWrap(Other, err)
	}
	return ClientPinResponse{}, nil
}

func (a *Authenticator) pinGetPinToken(req ClientPinRequest) (ClientPinResponse, error) {
	if req.KeyAgreement == nil || req.PinHashEnc == nil {
		return ClientPinResponse{}, errKind(MissingParameter)
	}
	if a.Retries() == 0 {
		return ClientPinResponse{}, errKind(PinBlocked)
	}
	shared, err := a.generateSharedSecret(req.KeyAgreement)
	if err != nil {
		return ClientPinResponse{}, err
	}
	if err := a.DecrementRetries(); err != nil {
		return ClientPinResponse{}, errWrap(Other, err)
	}
	if err := a.decryptPinHashAndMaybeEscalate(shared, req.PinHashEnc); err != nil {
		return ClientPinResponse{}, err
	}
	if err := a.ResetRetries(); err != nil {
		return ClientPinResponse{}, errWrap(Other, err)
	}
	token, err := a.PinToken()
	if err != nil {
		return ClientPinResponse{}, err
	}
	wrapped, err := a.gw.WrapKeyAES256CBC(shared, token)
	if err != nil {
		return ClientPinResponse{}, errWrap(Other, err)
	}
	if len(wrapped) != 32 {
		return ClientPinResponse{}, errKind(Other)
	}
	return ClientPinResponse{PinToken: wrapped}, nil
}

// generateSharedSecret imports the platform's COSE-encoded P-256 public
// key, runs ECDH against key_agreement_key, and hashes the resulting
// point down to a shared-secret key handle.
func (a *Authenticator) generateSharedSecret(platformKeyAgreement []byte) (gateway.Handle, error) {
	priv, err := a.KeyAgreementKey()
	if err != nil {
		return gateway.Handle{}, err
	}
	platformPub, err := a.gw.DeserializeP256PublicKeyCOSE(platformKeyAgreement, gateway.Volatile)
	if err != nil {
		return gateway.Handle{}, errWrap(InvalidParameter, err)
	}
	point, err := a.gw.AgreeP256(priv, platformPub, gateway.Volatile)
	if err != nil {
		return gateway.Handle{}, errWrap(Other, err)
	}
	shared, err := a.gw.DeriveKeySHA256(point, gateway.Volatile)
	if err != nil {
		return gateway.Handle{}, errWrap(Other, err)
	}
	return shared, nil
}

// decryptPinHashAndMaybeEscalate decrypts pinHashEnc under shared and
// compares it against the stored PIN hash. On mismatch it rotates
// key_agreement_key before classifying the failure, so any platform
// holding the now-stale shared secret must re-run GetKeyAgreement.
func (a *Authenticator) decryptPinHashAndMaybeEscalate(shared gateway.Handle, pinHashEnc []byte) error {
	pinHash, err := a.gw.DecryptAES256CBC(shared, pinHashEnc)
	if err != nil {
		return errWrap(Other, err)
	}
	if a.pinHash == nil {
		return errKind(InvalidCommand)
	}
	if subtle.ConstantTimeCompare(pinHash, a.pinHash) == 1 {
		return nil
	}

	if _, err := a.RotateKeyAgreementKey(); err != nil {
		return errWrap(Other, err)
	}
	switch {
	case a.Retries() == 0:
		return errKind(PinBlocked)
	case a.ConsecutivePinMismatches() >= 3:
		return errKind(PinAuthBlocked)
	default:
		return errKind(PinInvalid)
	}
}

// decryptPinCheckLength decrypts a padded new-PIN blob, locates the
// padding boundary (the first NUL byte, or the full length if none),
// and enforces the minimum length policy.
func (a *Authenticator) decryptPinCheckLength(shared gateway.Handle, pinEnc []byte) ([]byte, error) {
	plaintext, err := a.gw.DecryptAES256CBC(shared, pinEnc)
	if err != nil {
		return nil, errWrap(Other, err)
	}
	if len(plaintext) < 64 {
		return nil, errKind(PinPolicyViolation)
	}
	length := len(plaintext)
	for i, b := range plaintext {
		if b == 0 {
			length = i
			break
		}
	}
	if length < 4 {
		return nil, errKind(PinPolicyViolation)
	}
	return plaintext[:length], nil
}

// verifyPinAuth checks a pinUvAuthParam computed over data against
// sharedSecret, the protocol used by every ClientPin subcommand.
func (a *Authenticator) verifyPinAuth(sharedSecret gateway.Handle, data, pinAuth []byte) error {
	tag, err := a.gw.SignHMACSHA256(sharedSecret, data)
	if err != nil {
		return errWrap(Other, err)
	}
	if len(pinAuth) != 16 || subtle.ConstantTimeCompare(tag[:16], pinAuth) != 1 {
		return errKind(PinAuthInvalid)
	}
	return nil
}

// verifyPin checks a pinUvAuthParam computed over data against
// pin_token, the protocol MakeCredential and GetAssertion use once a
// PIN has already been obtained via GetPinToken. Callers must reject a
// pinAuth whose length isn't 16 before calling this; that's a distinct
// InvalidParameter error, not an HMAC mismatch.
func (a *Authenticator) verifyPin(pinAuth, data []byte) error {
	token, err := a.PinToken()
	if err != nil {
		return err
	}
	tag, err := a.gw.SignHMACSHA256(token, data)
	if err != nil {
		return errWrap(Other, err)
	}
	if subtle.ConstantTimeCompare(tag[:16], pinAuth) != 1 {
		return errKind(PinAuthInvalid)
	}
	return nil
}

// pinPrechecks implements the shared PIN/UV gate MakeCredential and
// GetAssertion both run before doing anything else. It returns whether
// UV was actually performed by this call.
//
// pinAuth == nil means the platform omitted pinUvAuthParam entirely;
// a non-nil, zero-length pinAuth is the "discovery" probe a platform
// sends to learn whether a PIN is set without attempting one.
func (a *Authenticator) pinPrechecks(opts Options, pinAuth []byte, pinProtocol *int64, data []byte) (bool, error) {
	if pinAuth != nil && len(pinAuth) == 0 {
		if !a.up.UserPresent() {
			return false, errKind(OperationDenied)
		}
		if !a.PinIsSet() {
			return false, errKind(PinNotSet)
		}
		return false, errKind(PinAuthInvalid)
	}

	if pinAuth != nil && (pinProtocol == nil || *pinProtocol != 1) {
		return false, errKind(PinAuthInvalid)
	}

	if !a.PinIsSet() {
		if boolOption(opts.UV) || pinAuth != nil {
			return false, errKind(InvalidOption)
		}
		return false, nil
	}

	if pinAuth == nil {
		return false, errKind(PinRequired)
	}
	// lib.rs checks this length before ever calling verify_pin: a
	// wrong-length pinAuth is a malformed request (InvalidParameter),
	// distinct from a correctly-sized one that fails the HMAC compare
	// (PinAuthInvalid).
	if len(pinAuth) != 16 {
		return false, errKind(InvalidParameter)
	}
	if err := a.verifyPin(pinAuth, data); err != nil {
		return false, err
	}
	return true, nil
}
