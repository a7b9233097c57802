package fido2

import (
	"testing"

	"github.com/fido-device-onboard/fido2-authenticator/gateway"
	"github.com/fido-device-onboard/fido2-authenticator/store"
)

func newTestAuthenticator(t *testing.T, up UserPresence) *Authenticator {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	a, err := NewAuthenticator(gateway.NewInProcess(), st, [16]byte{1, 2, 3}, up)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	return a
}

func getKeyAgreement(t *testing.T, a *Authenticator) []byte {
	t.Helper()
	resp, err := a.ClientPin(ClientPinRequest{PinProtocol: 1, SubCommand: PinSubcommandGetKeyAgreement})
	if err != nil {
		t.Fatalf("GetKeyAgreement: %v", err)
	}
	return resp.KeyAgreement
}

func setPin(t *testing.T, a *Authenticator, plat *testPlatform, pin string) {
	t.Helper()
	shared := plat.sharedSecret(getKeyAgreement(t, a))
	newPinEnc := encryptCBC(t, shared, paddedPin(pin))
	pinAuth := authenticate(shared, newPinEnc)
	_, err := a.ClientPin(ClientPinRequest{
		PinProtocol:  1,
		SubCommand:   PinSubcommandSetPin,
		KeyAgreement: plat.coseKey(),
		NewPinEnc:    newPinEnc,
		PinAuth:      pinAuth,
	})
	if err != nil {
		t.Fatalf("SetPin: %v", err)
	}
}

func TestClientPinRejectsWrongProtocol(t *testing.T) {
	a := newTestAuthenticator(t, alwaysPresent{})
	_, err := a.ClientPin(ClientPinRequest{PinProtocol: 2, SubCommand: PinSubcommandGetRetries})
	requireErrKind(t, err, InvalidParameter)
}

func TestGetRetriesStartsAtEight(t *testing.T) {
	a := newTestAuthenticator(t, alwaysPresent{})
	resp, err := a.ClientPin(ClientPinRequest{PinProtocol: 1, SubCommand: PinSubcommandGetRetries})
	if err != nil {
		t.Fatalf("GetRetries: %v", err)
	}
	if resp.Retries == nil || *resp.Retries != 8 {
		t.Fatalf("expected 8 retries, got %v", resp.Retries)
	}
}

func TestSetPinThenGetPinToken(t *testing.T) {
	a := newTestAuthenticator(t, alwaysPresent{})
	plat := newTestPlatform(t)
	setPin(t, a, plat, "1234")

	shared := plat.sharedSecret(getKeyAgreement(t, a))
	pinHash := sha256Sum16(a, "1234")
	pinHashEnc := encryptCBC(t, shared, pinHash)

	resp, err := a.ClientPin(ClientPinRequest{
		PinProtocol:  1,
		SubCommand:   PinSubcommandGetPinToken,
		KeyAgreement: plat.coseKey(),
		PinHashEnc:   pinHashEnc,
	})
	if err != nil {
		t.Fatalf("GetPinToken: %v", err)
	}
	if len(resp.PinToken) != 32 {
		t.Fatalf("expected a 32-byte wrapped pin token, got %d bytes", len(resp.PinToken))
	}
	if a.Retries() != 8 {
		t.Fatalf("expected retries to stay at 8 after a correct PIN, got %d", a.Retries())
	}
}

// P1, decrement half: a wrong PIN decrements retries by exactly one and
// counts one consecutive mismatch. The reset to 8 and the floor at 0 are
// checked by TestSetPinThenGetPinToken, TestChangePinRoundTrip and
// TestRetriesExhaustedBlocksPin.
func TestGetPinTokenWrongPinDecrementsRetries(t *testing.T) {
	a := newTestAuthenticator(t, alwaysPresent{})
	plat := newTestPlatform(t)
	setPin(t, a, plat, "1234")

	shared := plat.sharedSecret(getKeyAgreement(t, a))
	wrongHash := make([]byte, 16)
	copy(wrongHash, "not the pin hash")
	pinHashEnc := encryptCBC(t, shared, wrongHash)

	_, err := a.ClientPin(ClientPinRequest{
		PinProtocol:  1,
		SubCommand:   PinSubcommandGetPinToken,
		KeyAgreement: plat.coseKey(),
		PinHashEnc:   pinHashEnc,
	})
	requireErrKind(t, err, PinInvalid)
	if a.Retries() != 7 {
		t.Fatalf("expected retries to drop to 7, got %d", a.Retries())
	}
	if a.ConsecutivePinMismatches() != 1 {
		t.Fatalf("expected 1 consecutive mismatch, got %d", a.ConsecutivePinMismatches())
	}
}

// P2: any failed PIN verification rotates key_agreement_key, so a
// shared secret computed against the old public key is rejected going
// forward (the platform must call GetKeyAgreement again).
func TestWrongPinRotatesKeyAgreementKey(t *testing.T) {
	a := newTestAuthenticator(t, alwaysPresent{})
	plat := newTestPlatform(t)
	setPin(t, a, plat, "1234")

	staleCOSE := getKeyAgreement(t, a)
	staleShared := plat.sharedSecret(staleCOSE)

	wrongHash := make([]byte, 16)
	copy(wrongHash, "not the pin hash")
	pinHashEnc := encryptCBC(t, staleShared, wrongHash)
	_, err := a.ClientPin(ClientPinRequest{
		PinProtocol:  1,
		SubCommand:   PinSubcommandGetPinToken,
		KeyAgreement: plat.coseKey(),
		PinHashEnc:   pinHashEnc,
	})
	requireErrKind(t, err, PinInvalid)

	freshCOSE := getKeyAgreement(t, a)
	if string(freshCOSE) == string(staleCOSE) {
		t.Fatalf("expected key_agreement_key to rotate after a PIN mismatch")
	}

	// Retrying with the stale shared secret against the new key still
	// decrypts to garbage (unauthenticated CBC), which will not match
	// the stored hash either way, demonstrating the old secret is dead.
	pinHashEnc2 := encryptCBC(t, staleShared, wrongHash)
	_, err = a.ClientPin(ClientPinRequest{
		PinProtocol:  1,
		SubCommand:   PinSubcommandGetPinToken,
		KeyAgreement: plat.coseKey(),
		PinHashEnc:   pinHashEnc2,
	})
	if err == nil {
		t.Fatalf("expected a second mismatch with a stale shared secret to fail")
	}
}

func TestThreeConsecutiveMismatchesBlocksPinAuth(t *testing.T) {
	a := newTestAuthenticator(t, alwaysPresent{})
	plat := newTestPlatform(t)
	setPin(t, a, plat, "1234")

	wrongHash := make([]byte, 16)
	copy(wrongHash, "not the pin hash")

	var lastErr error
	for i := 0; i < 3; i++ {
		shared := plat.sharedSecret(getKeyAgreement(t, a))
		pinHashEnc := encryptCBC(t, shared, wrongHash)
		_, lastErr = a.ClientPin(ClientPinRequest{
			PinProtocol:  1,
			SubCommand:   PinSubcommandGetPinToken,
			KeyAgreement: plat.coseKey(),
			PinHashEnc:   pinHashEnc,
		})
	}
	requireErrKind(t, lastErr, PinAuthBlocked)
}

func TestRetriesExhaustedBlocksPin(t *testing.T) {
	a := newTestAuthenticator(t, alwaysPresent{})
	plat := newTestPlatform(t)
	setPin(t, a, plat, "1234")

	wrongHash := make([]byte, 16)
	copy(wrongHash, "not the pin hash")

	var lastErr error
	for i := 0; i < 8; i++ {
		shared := plat.sharedSecret(getKeyAgreement(t, a))
		pinHashEnc := encryptCBC(t, shared, wrongHash)
		_, lastErr = a.ClientPin(ClientPinRequest{
			PinProtocol:  1,
			SubCommand:   PinSubcommandGetPinToken,
			KeyAgreement: plat.coseKey(),
			PinHashEnc:   pinHashEnc,
		})
	}
	requireErrKind(t, lastErr, PinBlocked)
	if a.Retries() != 0 {
		t.Fatalf("expected retries to bottom out at 0, got %d", a.Retries())
	}

	shared := plat.sharedSecret(getKeyAgreement(t, a))
	pinHashEnc := encryptCBC(t, shared, wrongHash)
	_, err := a.ClientPin(ClientPinRequest{
		PinProtocol:  1,
		SubCommand:   PinSubcommandGetPinToken,
		KeyAgreement: plat.coseKey(),
		PinHashEnc:   pinHashEnc,
	})
	requireErrKind(t, err, PinBlocked)
}

func TestChangePinRequiresCorrectOldPin(t *testing.T) {
	a := newTestAuthenticator(t, alwaysPresent{})
	plat := newTestPlatform(t)
	setPin(t, a, plat, "1234")

	shared := plat.sharedSecret(getKeyAgreement(t, a))
	wrongHash := make([]byte, 16)
	copy(wrongHash, "not the pin hash")
	pinHashEnc := encryptCBC(t, shared, wrongHash)
	newPinEnc := encryptCBC(t, shared, paddedPin("5678"))
	data := append(append([]byte{}, newPinEnc...), pinHashEnc...)
	pinAuth := authenticate(shared, data)

	_, err := a.ClientPin(ClientPinRequest{
		PinProtocol:  1,
		SubCommand:   PinSubcommandChangePin,
		KeyAgreement: plat.coseKey(),
		NewPinEnc:    newPinEnc,
		PinHashEnc:   pinHashEnc,
		PinAuth:      pinAuth,
	})
	requireErrKind(t, err, PinInvalid)
	if a.Retries() != 7 {
		t.Fatalf("expected ChangePin to spend a retry even on failure, got %d", a.Retries())
	}
}

func TestChangePinRoundTrip(t *testing.T) {
	a := newTestAuthenticator(t, alwaysPresent{})
	plat := newTestPlatform(t)
	setPin(t, a, plat, "1234")

	shared := plat.sharedSecret(getKeyAgreement(t, a))
	pinHash := sha256Sum16(a, "1234")
	pinHashEnc := encryptCBC(t, shared, pinHash)
	newPinEnc := encryptCBC(t, shared, paddedPin("567890"))
	data := append(append([]byte{}, newPinEnc...), pinHashEnc...)
	pinAuth := authenticate(shared, data)

	_, err := a.ClientPin(ClientPinRequest{
		PinProtocol:  1,
		SubCommand:   PinSubcommandChangePin,
		KeyAgreement: plat.coseKey(),
		NewPinEnc:    newPinEnc,
		PinHashEnc:   pinHashEnc,
		PinAuth:      pinAuth,
	})
	if err != nil {
		t.Fatalf("ChangePin: %v", err)
	}
	if a.Retries() != 8 {
		t.Fatalf("expected retries reset to 8 after a successful change, got %d", a.Retries())
	}

	shared2 := plat.sharedSecret(getKeyAgreement(t, a))
	newHash := sha256Sum16(a, "567890")
	pinHashEnc2 := encryptCBC(t, shared2, newHash)
	resp, err := a.ClientPin(ClientPinRequest{
		PinProtocol:  1,
		SubCommand:   PinSubcommandGetPinToken,
		KeyAgreement: plat.coseKey(),
		PinHashEnc:   pinHashEnc2,
	})
	if err != nil {
		t.Fatalf("GetPinToken with the new PIN: %v", err)
	}
	if len(resp.PinToken) != 32 {
		t.Fatalf("expected a wrapped pin token, got %d bytes", len(resp.PinToken))
	}
}

func TestSetPinRejectsShortPin(t *testing.T) {
	a := newTestAuthenticator(t, alwaysPresent{})
	plat := newTestPlatform(t)

	shared := plat.sharedSecret(getKeyAgreement(t, a))
	newPinEnc := encryptCBC(t, shared, paddedPin("12"))
	pinAuth := authenticate(shared, newPinEnc)
	_, err := a.ClientPin(ClientPinRequest{
		PinProtocol:  1,
		SubCommand:   PinSubcommandSetPin,
		KeyAgreement: plat.coseKey(),
		NewPinEnc:    newPinEnc,
		PinAuth:      pinAuth,
	})
	requireErrKind(t, err, PinPolicyViolation)
}

func TestSetPinRejectsAlreadySet(t *testing.T) {
	a := newTestAuthenticator(t, alwaysPresent{})
	plat := newTestPlatform(t)
	setPin(t, a, plat, "1234")

	shared := plat.sharedSecret(getKeyAgreement(t, a))
	newPinEnc := encryptCBC(t, shared, paddedPin("5678"))
	pinAuth := authenticate(shared, newPinEnc)
	_, err := a.ClientPin(ClientPinRequest{
		PinProtocol:  1,
		SubCommand:   PinSubcommandSetPin,
		KeyAgreement: plat.coseKey(),
		NewPinEnc:    newPinEnc,
		PinAuth:      pinAuth,
	})
	requireErrKind(t, err, PinAuthInvalid)
}

// P6: the zero-length pinAuth discovery probe never spends a retry and
// reports whether a PIN is set without requiring one.
func TestPinPrechecksDiscoveryProbe(t *testing.T) {
	a := newTestAuthenticator(t, alwaysPresent{})
	_, err := a.pinPrechecks(Options{}, []byte{}, nil, nil)
	requireErrKind(t, err, PinNotSet)
	if a.Retries() != 8 {
		t.Fatalf("discovery probe must not spend a retry, got %d", a.Retries())
	}

	plat := newTestPlatform(t)
	setPin(t, a, plat, "1234")
	_, err = a.pinPrechecks(Options{}, []byte{}, nil, nil)
	requireErrKind(t, err, PinAuthInvalid)
}

// A pin_auth that is neither absent, empty (the discovery probe), nor
// 16 bytes (a correctly-sized HMAC tag) is a malformed request: it must
// be rejected as InvalidParameter before an HMAC compare is ever
// attempted, not folded into PinAuthInvalid.
func TestPinPrechecksWrongLengthPinAuthIsInvalidParameter(t *testing.T) {
	a := newTestAuthenticator(t, alwaysPresent{})
	plat := newTestPlatform(t)
	setPin(t, a, plat, "1234")

	protocol := int64(1)
	wrongLength := make([]byte, 8)
	_, err := a.pinPrechecks(Options{}, wrongLength, &protocol, []byte("data"))
	requireErrKind(t, err, InvalidParameter)
}

func TestPinPrechecksNoPinSetRequiresNoUV(t *testing.T) {
	a := newTestAuthenticator(t, alwaysPresent{})
	uv := true
	ok, err := a.pinPrechecks(Options{UV: &uv}, nil, nil, nil)
	requireErrKind(t, err, InvalidOption)
	if ok {
		t.Fatalf("expected uv to be false on error")
	}

	ok, err = a.pinPrechecks(Options{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("pinPrechecks with no PIN set and no UV requested: %v", err)
	}
	if ok {
		t.Fatalf("expected uv=false when no PIN is set")
	}
}

func TestPinPrechecksRequiresPinAuthOncePinIsSet(t *testing.T) {
	a := newTestAuthenticator(t, alwaysPresent{})
	plat := newTestPlatform(t)
	setPin(t, a, plat, "1234")

	_, err := a.pinPrechecks(Options{}, nil, nil, nil)
	requireErrKind(t, err, PinRequired)
}

func TestPinPrechecksDiscoveryProbeRequiresPresence(t *testing.T) {
	a := newTestAuthenticator(t, neverPresent{})
	_, err := a.pinPrechecks(Options{}, []byte{}, nil, nil)
	requireErrKind(t, err, OperationDenied)
}

func requireErrKind(t *testing.T, err error, want Kind) {
	t.Helper()
	e, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected a *Error, got %v (%T)", err, err)
	}
	if e.Kind != want {
		t.Fatalf("expected error kind %v, got %v", want, e.Kind)
	}
}

func sha256Sum16(a *Authenticator, pin string) []byte {
	sum := a.gw.HashSHA256([]byte(pin))
	return sum[:16]
}
