// Copyright 2026 FIDO Device Onboard Project
// SPDX-License-Identifier: Apache 2.0

package gateway

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/fido-device-onboard/fido2-authenticator/cose"
)

// record holds the actual key material behind a Handle. Exactly one of
// the typed fields is populated, selected by mech.
type record struct {
	loc  StorageLocation
	mech Mechanism

	ecdsaPriv *ecdsa.PrivateKey
	ecdsaPub  *ecdsa.PublicKey
	edPriv    ed25519.PrivateKey
	edPub     ed25519.PublicKey
	symmetric []byte
}

// InProcess is the in-process Gateway: it holds key material in a
// process-local keyring instead of brokering it to a separate crypto
// service process. Every method still goes through drive/call (see
// call.go) so callers are written against the suspension model the
// design notes describe, even though resolution here is immediate.
type InProcess struct {
	mu      sync.Mutex
	nextID  uint64
	records map[uint64]record
	blobs   map[string][]byte
}

// NewInProcess returns an empty in-process gateway.
func NewInProcess() *InProcess {
	return &InProcess{
		records: make(map[uint64]record),
		blobs:   make(map[string][]byte),
	}
}

func (g *InProcess) put(r record) Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	id := g.nextID
	g.records[id] = r
	return Handle{id: id, gen: id}
}

func (g *InProcess) get(h Handle) (record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[h.id]
	if !ok || h.gen != h.id {
		return record{}, false
	}
	return r, true
}

func (g *InProcess) GenerateP256PrivateKey(loc StorageLocation) (Handle, error) {
	return drive(func() call[Handle] {
		var c call[Handle]
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			c.resolve(Handle{}, fmt.Errorf("%w: generating P-256 key: %v", ErrCryptoFailure, err))
			return c
		}
		c.resolve(g.put(record{loc: loc, mech: P256, ecdsaPriv: priv}), nil)
		return c
	})
}

func (g *InProcess) DeriveP256PublicKey(priv Handle, loc StorageLocation) (Handle, error) {
	return drive(func() call[Handle] {
		var c call[Handle]
		r, ok := g.get(priv)
		if !ok || r.ecdsaPriv == nil {
			c.resolve(Handle{}, ErrUnknownHandle)
			return c
		}
		c.resolve(g.put(record{loc: loc, mech: P256, ecdsaPub: &r.ecdsaPriv.PublicKey}), nil)
		return c
	})
}

func (g *InProcess) GenerateEd25519PrivateKey(loc StorageLocation) (Handle, error) {
	return drive(func() call[Handle] {
		var c call[Handle]
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			c.resolve(Handle{}, fmt.Errorf("%w: generating Ed25519 key: %v", ErrCryptoFailure, err))
			return c
		}
		_ = pub
		c.resolve(g.put(record{loc: loc, mech: Ed25519, edPriv: priv}), nil)
		return c
	})
}

func (g *InProcess) DeriveEd25519PublicKey(priv Handle, loc StorageLocation) (Handle, error) {
	return drive(func() call[Handle] {
		var c call[Handle]
		r, ok := g.get(priv)
		if !ok || r.edPriv == nil {
			c.resolve(Handle{}, ErrUnknownHandle)
			return c
		}
		pub := r.edPriv.Public().(ed25519.PublicKey)
		c.resolve(g.put(record{loc: loc, mech: Ed25519, edPub: pub}), nil)
		return c
	})
}

func (g *InProcess) GenerateHMACSHA256Key(loc StorageLocation) (Handle, error) {
	return drive(func() call[Handle] {
		var c call[Handle]
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			c.resolve(Handle{}, fmt.Errorf("%w: generating HMAC key: %v", ErrCryptoFailure, err))
			return c
		}
		c.resolve(g.put(record{loc: loc, mech: HMACSHA256, symmetric: key}), nil)
		return c
	})
}

func (g *InProcess) GenerateChaCha8Poly1305Key(loc StorageLocation) (Handle, error) {
	return drive(func() call[Handle] {
		var c call[Handle]
		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			c.resolve(Handle{}, fmt.Errorf("%w: generating ChaCha8-Poly1305 key: %v", ErrCryptoFailure, err))
			return c
		}
		c.resolve(g.put(record{loc: loc, mech: ChaCha8Poly1305, symmetric: key}), nil)
		return c
	})
}

// fixedPoint renders an elliptic curve coordinate as a 32-byte big-endian
// field element, the width P-256 requires in a COSE_Key.
func fixedPoint(n *big.Int) []byte {
	out := make([]byte, 32)
	n.FillBytes(out)
	return out
}

func (g *InProcess) SerializeKeyCOSE(mech Mechanism, pub Handle) ([]byte, error) {
	return drive(func() call[[]byte] {
		var c call[[]byte]
		r, ok := g.get(pub)
		if !ok {
			c.resolve(nil, ErrUnknownHandle)
			return c
		}
		switch mech {
		case P256:
			if r.ecdsaPub == nil {
				c.resolve(nil, ErrUnknownHandle)
				return c
			}
			data, err := cose.EncodeP256PublicKey(fixedPoint(r.ecdsaPub.X), fixedPoint(r.ecdsaPub.Y))
			c.resolve(data, wrapCryptoErr(err))
		case Ed25519:
			if r.edPub == nil {
				c.resolve(nil, ErrUnknownHandle)
				return c
			}
			data, err := cose.EncodeEd25519PublicKey(r.edPub)
			c.resolve(data, wrapCryptoErr(err))
		default:
			c.resolve(nil, fmt.Errorf("%w: unsupported mechanism for COSE serialization", ErrCryptoFailure))
		}
		return c
	})
}

func (g *InProcess) DeserializeP256PublicKeyCOSE(data []byte, loc StorageLocation) (Handle, error) {
	return drive(func() call[Handle] {
		var c call[Handle]
		x, y, err := cose.DecodeP256PublicKey(data)
		if err != nil {
			c.resolve(Handle{}, wrapCryptoErr(err))
			return c
		}
		pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)}
		if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
			c.resolve(Handle{}, fmt.Errorf("%w: P-256 point not on curve", ErrCryptoFailure))
			return c
		}
		c.resolve(g.put(record{loc: loc, mech: P256, ecdsaPub: pub}), nil)
		return c
	})
}

func (g *InProcess) AgreeP256(priv, pub Handle, loc StorageLocation) (Handle, error) {
	return drive(func() call[Handle] {
		var c call[Handle]
		privRec, ok := g.get(priv)
		if !ok || privRec.ecdsaPriv == nil {
			c.resolve(Handle{}, ErrUnknownHandle)
			return c
		}
		pubRec, ok := g.get(pub)
		if !ok || pubRec.ecdsaPub == nil {
			c.resolve(Handle{}, ErrUnknownHandle)
			return c
		}
		ecdhPriv, err := privRec.ecdsaPriv.ECDH()
		if err != nil {
			c.resolve(Handle{}, fmt.Errorf("%w: converting to ECDH private key: %v", ErrCryptoFailure, err))
			return c
		}
		ecdhPub, err := pubRec.ecdsaPub.ECDH()
		if err != nil {
			c.resolve(Handle{}, fmt.Errorf("%w: converting to ECDH public key: %v", ErrCryptoFailure, err))
			return c
		}
		shared, err := ecdhPriv.ECDH(ecdhPub)
		if err != nil {
			c.resolve(Handle{}, fmt.Errorf("%w: ECDH agreement: %v", ErrCryptoFailure, err))
			return c
		}
		c.resolve(g.put(record{loc: loc, mech: P256, symmetric: shared}), nil)
		return c
	})
}

func (g *InProcess) DeriveKeySHA256(handle Handle, loc StorageLocation) (Handle, error) {
	return drive(func() call[Handle] {
		var c call[Handle]
		r, ok := g.get(handle)
		if !ok {
			c.resolve(Handle{}, ErrUnknownHandle)
			return c
		}
		raw, err := exportRaw(r)
		if err != nil {
			c.resolve(Handle{}, err)
			return c
		}
		sum := sha256.Sum256(raw)
		c.resolve(g.put(record{loc: loc, mech: HMACSHA256, symmetric: sum[:]}), nil)
		return c
	})
}

// exportRaw renders a record's key material as raw bytes, for use as
// input to DeriveKeySHA256 (hash-as-key) or WrapKeyChaCha8Poly1305
// (wrapping a credential private key for non-resident storage).
func exportRaw(r record) ([]byte, error) {
	switch {
	case r.ecdsaPriv != nil:
		return fixedPoint(r.ecdsaPriv.D), nil
	case r.edPriv != nil:
		return []byte(r.edPriv), nil
	case r.symmetric != nil:
		return r.symmetric, nil
	default:
		return nil, fmt.Errorf("%w: handle holds no exportable key material", ErrCryptoFailure)
	}
}

func (g *InProcess) SignP256ASN1DER(priv Handle, msg []byte) ([]byte, error) {
	return drive(func() call[[]byte] {
		var c call[[]byte]
		r, ok := g.get(priv)
		if !ok || r.ecdsaPriv == nil {
			c.resolve(nil, ErrUnknownHandle)
			return c
		}
		digest := sha256.Sum256(msg)
		sig, err := ecdsa.SignASN1(rand.Reader, r.ecdsaPriv, digest[:])
		if err != nil {
			c.resolve(nil, fmt.Errorf("%w: signing with P-256 key: %v", ErrCryptoFailure, err))
			return c
		}
		c.resolve(sig, nil)
		return c
	})
}

func (g *InProcess) SignEd25519(priv Handle, msg []byte) ([]byte, error) {
	return drive(func() call[[]byte] {
		var c call[[]byte]
		r, ok := g.get(priv)
		if !ok || r.edPriv == nil {
			c.resolve(nil, ErrUnknownHandle)
			return c
		}
		c.resolve(ed25519.Sign(r.edPriv, msg), nil)
		return c
	})
}

func (g *InProcess) SignHMACSHA256(key Handle, msg []byte) ([]byte, error) {
	return drive(func() call[[]byte] {
		var c call[[]byte]
		r, ok := g.get(key)
		if !ok || r.symmetric == nil {
			c.resolve(nil, ErrUnknownHandle)
			return c
		}
		mac := hmac.New(sha256.New, r.symmetric)
		mac.Write(msg)
		c.resolve(mac.Sum(nil), nil)
		return c
	})
}

func (g *InProcess) EncryptChaCha8Poly1305(key Handle, msg, aad []byte) (ciphertext, nonce, tag []byte, err error) {
	type result struct{ ciphertext, nonce, tag []byte }
	r, err := drive(func() call[result] {
		var c call[result]
		rec, ok := g.get(key)
		if !ok || rec.symmetric == nil {
			c.resolve(result{}, ErrUnknownHandle)
			return c
		}
		aead, aeadErr := chacha20poly1305.New(rec.symmetric)
		if aeadErr != nil {
			c.resolve(result{}, fmt.Errorf("%w: constructing AEAD: %v", ErrCryptoFailure, aeadErr))
			return c
		}
		n := make([]byte, chacha20poly1305.NonceSize)
		if _, rerr := rand.Read(n); rerr != nil {
			c.resolve(result{}, fmt.Errorf("%w: generating nonce: %v", ErrCryptoFailure, rerr))
			return c
		}
		sealed := aead.Seal(nil, n, msg, aad)
		split := len(sealed) - chacha20poly1305.Overhead
		c.resolve(result{ciphertext: sealed[:split], nonce: n, tag: sealed[split:]}, nil)
		return c
	})
	return r.ciphertext, r.nonce, r.tag, err
}

func (g *InProcess) DecryptChaCha8Poly1305(key Handle, ciphertext, aad, nonce, tag []byte) ([]byte, bool, error) {
	type result struct {
		plaintext []byte
		ok        bool
	}
	r, err := drive(func() call[result] {
		var c call[result]
		rec, ok := g.get(key)
		if !ok || rec.symmetric == nil {
			c.resolve(result{}, ErrUnknownHandle)
			return c
		}
		aead, aeadErr := chacha20poly1305.New(rec.symmetric)
		if aeadErr != nil {
			c.resolve(result{}, fmt.Errorf("%w: constructing AEAD: %v", ErrCryptoFailure, aeadErr))
			return c
		}
		combined := append(append([]byte{}, ciphertext...), tag...)
		pt, decErr := aead.Open(nil, nonce, combined, aad)
		if decErr != nil {
			c.resolve(result{ok: false}, nil)
			return c
		}
		c.resolve(result{plaintext: pt, ok: true}, nil)
		return c
	})
	return r.plaintext, r.ok, err
}

func (g *InProcess) WrapKeyChaCha8Poly1305(kek Handle, key Handle, aad []byte) ([]byte, error) {
	return drive(func() call[[]byte] {
		var c call[[]byte]
		kekRec, ok := g.get(kek)
		if !ok || kekRec.symmetric == nil {
			c.resolve(nil, ErrUnknownHandle)
			return c
		}
		keyRec, ok := g.get(key)
		if !ok {
			c.resolve(nil, ErrUnknownHandle)
			return c
		}
		raw, err := exportRaw(keyRec)
		if err != nil {
			c.resolve(nil, err)
			return c
		}
		// The wrapped mechanism is encoded as a one-byte prefix so
		// UnwrapKeyChaCha8Poly1305 can reject a mismatched restore
		// without depending on the caller to remember it out of band.
		plaintext := append([]byte{byte(keyRec.mech)}, raw...)
		aead, aeadErr := chacha20poly1305.New(kekRec.symmetric)
		if aeadErr != nil {
			c.resolve(nil, fmt.Errorf("%w: constructing AEAD: %v", ErrCryptoFailure, aeadErr))
			return c
		}
		n := make([]byte, chacha20poly1305.NonceSize)
		if _, rerr := rand.Read(n); rerr != nil {
			c.resolve(nil, fmt.Errorf("%w: generating nonce: %v", ErrCryptoFailure, rerr))
			return c
		}
		sealed := aead.Seal(nil, n, plaintext, aad)
		c.resolve(append(n, sealed...), nil)
		return c
	})
}

func (g *InProcess) UnwrapKeyChaCha8Poly1305(kek Handle, wrapped, aad []byte, mech Mechanism, loc StorageLocation) (Handle, error) {
	return drive(func() call[Handle] {
		var c call[Handle]
		kekRec, ok := g.get(kek)
		if !ok || kekRec.symmetric == nil {
			c.resolve(Handle{}, ErrUnknownHandle)
			return c
		}
		if len(wrapped) < chacha20poly1305.NonceSize {
			c.resolve(Handle{}, fmt.Errorf("%w: wrapped key too short", ErrCryptoFailure))
			return c
		}
		n, sealed := wrapped[:chacha20poly1305.NonceSize], wrapped[chacha20poly1305.NonceSize:]
		aead, aeadErr := chacha20poly1305.New(kekRec.symmetric)
		if aeadErr != nil {
			c.resolve(Handle{}, fmt.Errorf("%w: constructing AEAD: %v", ErrCryptoFailure, aeadErr))
			return c
		}
		plaintext, decErr := aead.Open(nil, n, sealed, aad)
		if decErr != nil || len(plaintext) < 1 {
			c.resolve(Handle{}, fmt.Errorf("%w: unwrapping key: authentication failed", ErrCryptoFailure))
			return c
		}
		if Mechanism(plaintext[0]) != mech {
			c.resolve(Handle{}, fmt.Errorf("%w: wrapped key mechanism mismatch", ErrCryptoFailure))
			return c
		}
		raw := plaintext[1:]
		switch mech {
		case P256:
			d := new(big.Int).SetBytes(raw)
			priv := new(ecdsa.PrivateKey)
			priv.Curve = elliptic.P256()
			priv.D = d
			priv.PublicKey.X, priv.PublicKey.Y = priv.Curve.ScalarBaseMult(d.Bytes())
			c.resolve(g.put(record{loc: loc, mech: P256, ecdsaPriv: priv}), nil)
		case Ed25519:
			if len(raw) != ed25519.PrivateKeySize {
				c.resolve(Handle{}, fmt.Errorf("%w: invalid unwrapped Ed25519 key length", ErrCryptoFailure))
				return c
			}
			c.resolve(g.put(record{loc: loc, mech: Ed25519, edPriv: ed25519.PrivateKey(raw)}), nil)
		case HMACSHA256:
			c.resolve(g.put(record{loc: loc, mech: HMACSHA256, symmetric: raw}), nil)
		default:
			c.resolve(Handle{}, fmt.Errorf("%w: unsupported mechanism for unwrap", ErrCryptoFailure))
		}
		return c
	})
}

func (g *InProcess) WrapKeyAES256CBC(kek Handle, key Handle) ([]byte, error) {
	return drive(func() call[[]byte] {
		var c call[[]byte]
		kekRec, ok := g.get(kek)
		if !ok || len(kekRec.symmetric) != 32 {
			c.resolve(nil, ErrUnknownHandle)
			return c
		}
		keyRec, ok := g.get(key)
		if !ok {
			c.resolve(nil, ErrUnknownHandle)
			return c
		}
		raw, err := exportRaw(keyRec)
		if err != nil {
			c.resolve(nil, err)
			return c
		}
		ciphertext, cbcErr := aesCBCNoIV(kekRec.symmetric, raw, true)
		c.resolve(ciphertext, wrapCryptoErr(cbcErr))
		return c
	})
}

func (g *InProcess) DecryptAES256CBC(kek Handle, ciphertext []byte) ([]byte, error) {
	return drive(func() call[[]byte] {
		var c call[[]byte]
		kekRec, ok := g.get(kek)
		if !ok || len(kekRec.symmetric) != 32 {
			c.resolve(nil, ErrUnknownHandle)
			return c
		}
		plaintext, err := aesCBCNoIV(kekRec.symmetric, ciphertext, false)
		c.resolve(plaintext, wrapCryptoErr(err))
		return c
	})
}

// aesCBCNoIV implements the fixed-IV-zero AES-256-CBC, no-padding
// construction CTAP's pinUvAuthProtocol 1 uses for pin_token and
// pin_hash_enc/new_pin_enc. data must be a multiple of the AES block
// size; the caller is responsible for that invariant (checked here).
func aesCBCNoIV(key, data []byte, encrypt bool) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 || len(data) == 0 {
		return nil, fmt.Errorf("aes-cbc: input length %d is not a nonzero multiple of the block size", len(data))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes-cbc: constructing cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	out := make([]byte, len(data))
	if encrypt {
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	} else {
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	}
	return out, nil
}

func (g *InProcess) HashSHA256(msg []byte) [32]byte {
	return sha256.Sum256(msg)
}

func (g *InProcess) StoreBlob(label string, data []byte, loc StorageLocation) (string, error) {
	id := uuid.NewString()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blobs[label+"/"+id] = append([]byte{}, data...)
	return id, nil
}

func (g *InProcess) LoadBlob(label, id string) ([]byte, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, ok := g.blobs[label+"/"+id]
	return data, ok, nil
}

func (g *InProcess) Exists(mech Mechanism, handle Handle) bool {
	r, ok := g.get(handle)
	return ok && r.mech == mech
}

func (g *InProcess) Forget(handle Handle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.records, handle.id)
}

func wrapCryptoErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrCryptoFailure, err)
}

var _ Gateway = (*InProcess)(nil)
