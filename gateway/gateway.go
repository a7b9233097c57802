// Copyright 2026 FIDO Device Onboard Project
// SPDX-License-Identifier: Apache 2.0

// Package gateway implements the typed wrapper around the external crypto
// service described in the authenticator core design: P-256/Ed25519
// keygen and signing, ECDH key agreement, HMAC-SHA256, ChaCha8-Poly1305
// AEAD (InProcess implements these operations with the standard 20-round
// ChaCha20-Poly1305 from golang.org/x/crypto), AES-256-CBC wrapping,
// SHA-256 hashing, and labelled blob storage.
//
// Every exported Gateway method is the one legal suspension point for
// callers: from the caller's perspective each call is synchronous and
// atomic with respect to other requests, even though internally it is
// modeled as a request handed to a driver loop (see call.go). Handles
// returned by this package are opaque; the underlying key material never
// leaves the gateway.
package gateway

import "errors"

// StorageLocation selects where the crypto service keeps a generated
// key's material.
type StorageLocation int

const (
	// Internal is persistent storage: it survives a reboot.
	Internal StorageLocation = iota
	// Volatile storage is cleared on reboot.
	Volatile
	// External is unused by the authenticator core.
	External
)

func (l StorageLocation) String() string {
	switch l {
	case Internal:
		return "internal"
	case Volatile:
		return "volatile"
	case External:
		return "external"
	default:
		return "unknown"
	}
}

// Mechanism identifies the cryptographic algorithm a Handle was created
// under, used by Exists to disambiguate keys that otherwise share a
// namespace.
type Mechanism int

const (
	P256 Mechanism = iota
	Ed25519
	HMACSHA256
	ChaCha8Poly1305
	AES256CBC
)

// Handle is an opaque reference to key material held by the crypto
// service. The zero Handle is never valid.
type Handle struct {
	id  uint64
	gen uint64 // InProcess issues gen == id and rejects any handle where they differ
}

// IsZero reports whether h is the zero Handle (no key generated yet).
func (h Handle) IsZero() bool { return h.id == 0 }

// Raw exposes a Handle's internal fields so callers that must persist a
// reference to a resident key (inside a serialized Credential, see the
// root package's credential codec) can round-trip it. Mirrors how the
// original target's ObjectHandle is itself a plain serializable integer
// reference into the crypto service's object store.
func (h Handle) Raw() (id, gen uint64) { return h.id, h.gen }

// HandleFromRaw reconstructs a Handle from values previously obtained
// via Raw.
func HandleFromRaw(id, gen uint64) Handle { return Handle{id: id, gen: gen} }

// ErrCryptoFailure is the generic failure a Gateway method returns when
// the underlying primitive or serialization fails in a way that should
// not happen on well-formed input. Callers map it to the core's Other
// error kind.
var ErrCryptoFailure = errors.New("gateway: crypto operation failed")

// ErrUnknownHandle is returned when an operation is given a Handle the
// gateway has no record of (e.g. it was never rotated in, or was dropped).
var ErrUnknownHandle = errors.New("gateway: unknown key handle")

// Gateway is the full operation set the authenticator core drives. See
// package doc and spec §4.1.
type Gateway interface {
	GenerateP256PrivateKey(loc StorageLocation) (Handle, error)
	DeriveP256PublicKey(priv Handle, loc StorageLocation) (Handle, error)
	GenerateEd25519PrivateKey(loc StorageLocation) (Handle, error)
	DeriveEd25519PublicKey(priv Handle, loc StorageLocation) (Handle, error)
	GenerateHMACSHA256Key(loc StorageLocation) (Handle, error)
	GenerateChaCha8Poly1305Key(loc StorageLocation) (Handle, error)

	// SerializeKeyCOSE renders the public key referenced by pub as a
	// COSE_Key structure, per mech (P256 -> EC2, Ed25519 -> OKP).
	SerializeKeyCOSE(mech Mechanism, pub Handle) ([]byte, error)
	// DeserializeP256PublicKeyCOSE imports a platform-supplied COSE_Key
	// encoded P-256 public key, returning a handle to it.
	DeserializeP256PublicKeyCOSE(data []byte, loc StorageLocation) (Handle, error)

	// AgreeP256 performs ECDH between priv and pub, returning a handle to
	// the raw shared point.
	AgreeP256(priv, pub Handle, loc StorageLocation) (Handle, error)
	// DeriveKeySHA256 hashes the key material referenced by handle and
	// returns a new opaque key handle over the digest ("hash-as-key").
	DeriveKeySHA256(handle Handle, loc StorageLocation) (Handle, error)

	SignP256ASN1DER(priv Handle, msg []byte) ([]byte, error)
	SignEd25519(priv Handle, msg []byte) ([]byte, error)
	SignHMACSHA256(key Handle, msg []byte) ([]byte, error)

	EncryptChaCha8Poly1305(key Handle, msg, aad []byte) (ciphertext, nonce, tag []byte, err error)
	DecryptChaCha8Poly1305(key Handle, ciphertext, aad, nonce, tag []byte) (plaintext []byte, ok bool, err error)

	WrapKeyChaCha8Poly1305(kek Handle, key Handle, aad []byte) ([]byte, error)
	// UnwrapKeyChaCha8Poly1305 reverses WrapKeyChaCha8Poly1305, restoring a
	// handle to key material of the given mechanism. Needed to sign with a
	// Wrapped (non-resident) credential key during GetAssertion.
	UnwrapKeyChaCha8Poly1305(kek Handle, wrapped, aad []byte, mech Mechanism, loc StorageLocation) (Handle, error)
	WrapKeyAES256CBC(kek Handle, key Handle) ([]byte, error)
	DecryptAES256CBC(kek Handle, ciphertext []byte) ([]byte, error)

	HashSHA256(msg []byte) [32]byte

	StoreBlob(label string, data []byte, loc StorageLocation) (string, error)
	LoadBlob(label, id string) ([]byte, bool, error)

	// Exists reports whether handle refers to a live key of the given
	// mechanism. Used by GetAssertion to validate resident-key references.
	Exists(mech Mechanism, handle Handle) bool

	// Forget releases a handle's key material. Best-effort: used when
	// rotating a key out, per the "overwrite the slot, let old handles
	// drop out of scope" design note.
	Forget(handle Handle)
}
