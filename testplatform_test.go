package fido2

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"testing"

	"github.com/fido-device-onboard/fido2-authenticator/cose"
)

// alwaysPresent is a UserPresence that always answers yes, standing in
// for a platform that always lets a test through a presence check.
type alwaysPresent struct{}

func (alwaysPresent) UserPresent() bool { return true }

// neverPresent simulates a timed-out or declined presence check.
type neverPresent struct{}

func (neverPresent) UserPresent() bool { return false }

// testPlatform reimplements the platform half of pinUvAuthProtocol 1
// directly against Go's stdlib crypto, independent of the gateway
// package, so PIN tests exercise the wire protocol rather than calling
// back into the authenticator's own primitives.
type testPlatform struct {
	t    *testing.T
	priv *ecdh.PrivateKey
}

func newTestPlatform(t *testing.T) *testPlatform {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating platform key agreement key: %v", err)
	}
	return &testPlatform{t: t, priv: priv}
}

// coseKey encodes the platform's own public key the way a real platform
// would put it in the KeyAgreement request parameter.
func (p *testPlatform) coseKey() []byte {
	p.t.Helper()
	pub := p.priv.PublicKey().Bytes() // uncompressed: 0x04 || x || y
	x, y := pub[1:33], pub[33:65]
	data, err := cose.EncodeP256PublicKey(x, y)
	if err != nil {
		p.t.Fatalf("encoding platform COSE key: %v", err)
	}
	return data
}

// sharedSecret derives the shared secret against the authenticator's
// GetKeyAgreement response, matching generateSharedSecret's
// ECDH-then-SHA256 construction.
func (p *testPlatform) sharedSecret(authenticatorCOSE []byte) []byte {
	p.t.Helper()
	x, y, err := cose.DecodeP256PublicKey(authenticatorCOSE)
	if err != nil {
		p.t.Fatalf("decoding authenticator COSE key: %v", err)
	}
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)}
	ecdhPub, err := pub.ECDH()
	if err != nil {
		p.t.Fatalf("converting authenticator key to ECDH: %v", err)
	}
	point, err := p.priv.ECDH(ecdhPub)
	if err != nil {
		p.t.Fatalf("ECDH with authenticator key: %v", err)
	}
	sum := sha256.Sum256(point)
	return sum[:]
}

// authenticate computes a pinUvAuthParam over data under shared.
func authenticate(shared, data []byte) []byte {
	mac := hmac.New(sha256.New, shared)
	mac.Write(data)
	return mac.Sum(nil)[:16]
}

// encryptCBC replicates the fixed-zero-IV AES-256-CBC construction the
// gateway uses for pin_hash_enc/new_pin_enc/pin_token.
func encryptCBC(t *testing.T, shared, plaintext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(shared)
	if err != nil {
		t.Fatalf("constructing AES cipher: %v", err)
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, plaintext)
	return out
}

func decryptCBC(t *testing.T, shared, ciphertext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(shared)
	if err != nil {
		t.Fatalf("constructing AES cipher: %v", err)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, ciphertext)
	return out
}

// paddedPin pads pin out to exactly 64 bytes with NUL (a longer pin is
// truncated), the format decryptPinCheckLength expects.
func paddedPin(pin string) []byte {
	out := make([]byte, 64)
	copy(out, pin)
	return out
}
