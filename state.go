// Copyright 2026 FIDO Device Onboard Project
// SPDX-License-Identifier: Apache 2.0

package fido2

import (
	"github.com/fido-device-onboard/fido2-authenticator/gateway"
	"github.com/fido-device-onboard/fido2-authenticator/store"
)

// Configuration is immutable for the lifetime of an Authenticator.
type Configuration struct {
	AAGUID [16]byte
}

// UserPresence abstracts the single external capability the core needs
// beyond the crypto service: a yes/no answer to "did a human just
// consent". A check that times out is represented by returning false.
type UserPresence interface {
	UserPresent() bool
}

// Authenticator owns the one State instance this core manages, plus its
// collaborators: the crypto service, durable storage, and the
// user-presence source. It is not safe for concurrent use — see
// Dispatcher.Poll's documentation.
type Authenticator struct {
	config Configuration
	gw     gateway.Gateway
	store  *store.Store
	up     UserPresence

	attestationKey   gateway.Handle
	keyAgreementKey  gateway.Handle
	keyEncryptionKey gateway.Handle
	pinToken         gateway.Handle

	pinHash               []byte // nil until a PIN is set; exactly 16 bytes otherwise
	retries               int
	consecutiveMismatches int
}

// NewAuthenticator constructs an Authenticator, loading persisted retry
// counters and PIN hash from st. Volatile key handles always start
// empty: they are lazily created on first use, matching "rotated per
// boot".
func NewAuthenticator(gw gateway.Gateway, st *store.Store, aaguid [16]byte, up UserPresence) (*Authenticator, error) {
	persisted, err := st.LoadState(aaguid[:])
	if err != nil {
		return nil, errWrap(Other, err)
	}
	return &Authenticator{
		config:                Configuration{AAGUID: aaguid},
		gw:                    gw,
		store:                 st,
		up:                    up,
		pinHash:               persisted.PINHash,
		retries:               persisted.Retries,
		consecutiveMismatches: persisted.ConsecutiveMismatches,
	}, nil
}

// persist writes the durable fields of State back to the store, carrying
// over the persisted signature counter unchanged.
func (a *Authenticator) persist() error {
	current, err := a.store.LoadState(a.config.AAGUID[:])
	if err != nil {
		return err
	}
	return a.store.SaveState(store.DeviceState{
		AAGUID:                a.config.AAGUID[:],
		PINHash:               a.pinHash,
		Retries:               a.retries,
		ConsecutiveMismatches: a.consecutiveMismatches,
		SignCounter:           current.SignCounter,
	})
}

// AttestationKey returns the long-lived P-256 attestation key, creating
// it in internal storage on first use.
func (a *Authenticator) AttestationKey() (gateway.Handle, error) {
	if !a.attestationKey.IsZero() {
		return a.attestationKey, nil
	}
	h, err := a.gw.GenerateP256PrivateKey(gateway.Internal)
	if err != nil {
		return gateway.Handle{}, errWrap(Other, err)
	}
	a.attestationKey = h
	return h, nil
}

// KeyEncryptionKey returns the ChaCha8-Poly1305 key used to wrap
// non-resident credentials, creating it in volatile storage on first
// use this boot.
func (a *Authenticator) KeyEncryptionKey() (gateway.Handle, error) {
	if !a.keyEncryptionKey.IsZero() {
		return a.keyEncryptionKey, nil
	}
	h, err := a.gw.GenerateChaCha8Poly1305Key(gateway.Volatile)
	if err != nil {
		return gateway.Handle{}, errWrap(Other, err)
	}
	a.keyEncryptionKey = h
	return h, nil
}

// KeyAgreementKey returns the current P-256 ECDH key, creating it on
// first use. Dispatcher.Poll ensures this runs before routing any
// request.
func (a *Authenticator) KeyAgreementKey() (gateway.Handle, error) {
	if !a.keyAgreementKey.IsZero() {
		return a.keyAgreementKey, nil
	}
	return a.RotateKeyAgreementKey()
}

// RotateKeyAgreementKey replaces key_agreement_key with a fresh one.
// Called unconditionally whenever a PIN-hash verification attempt
// fails, per §3's invariant and §7's propagation policy: PIN mismatches
// always invalidate any cached platform shared secret.
func (a *Authenticator) RotateKeyAgreementKey() (gateway.Handle, error) {
	h, err := a.gw.GenerateP256PrivateKey(gateway.Volatile)
	if err != nil {
		return gateway.Handle{}, errWrap(Other, err)
	}
	old := a.keyAgreementKey
	a.keyAgreementKey = h
	if !old.IsZero() {
		a.gw.Forget(old)
	}
	return h, nil
}

// PinToken returns the HMAC-SHA256 pin_token key, creating it on first
// use this boot.
func (a *Authenticator) PinToken() (gateway.Handle, error) {
	if !a.pinToken.IsZero() {
		return a.pinToken, nil
	}
	h, err := a.gw.GenerateHMACSHA256Key(gateway.Volatile)
	if err != nil {
		return gateway.Handle{}, errWrap(Other, err)
	}
	a.pinToken = h
	return h, nil
}

// PinIsSet reports whether a PIN hash is currently stored.
func (a *Authenticator) PinIsSet() bool { return a.pinHash != nil }

// Retries returns the remaining PIN attempt count. A fresh device state
// starts at 8 (store.LoadState creates the initial row with that value).
func (a *Authenticator) Retries() int {
	return a.retries
}

// ResetRetries resets the retry counter to 8 and clears the consecutive
// mismatch count, on every successful PIN verification.
func (a *Authenticator) ResetRetries() error {
	a.retries = 8
	a.consecutiveMismatches = 0
	return a.persist()
}

// DecrementRetries decrements retries by one and increments the
// consecutive mismatch counter. Must never be called when retries == 0.
func (a *Authenticator) DecrementRetries() error {
	a.retries--
	a.consecutiveMismatches++
	return a.persist()
}

// ConsecutivePinMismatches returns the current consecutive-mismatch
// count (reset to 0 on any successful PIN verification).
func (a *Authenticator) ConsecutivePinMismatches() int { return a.consecutiveMismatches }

// SetPinHash stores a freshly hashed PIN and resets retry accounting.
func (a *Authenticator) SetPinHash(hash []byte) error {
	a.pinHash = hash
	return a.ResetRetries()
}
