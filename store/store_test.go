package store

import (
	"bytes"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestLoadStateInitializesOnce(t *testing.T) {
	s := openTestStore(t)
	aaguid := bytes.Repeat([]byte{0xAB}, 16)

	got, err := s.LoadState(aaguid)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if !bytes.Equal(got.AAGUID, aaguid) {
		t.Fatalf("AAGUID not initialized: got %x want %x", got.AAGUID, aaguid)
	}
	if got.PINHash != nil {
		t.Fatalf("expected no PIN set initially")
	}

	// A second load must not reinitialize over a different AAGUID.
	got2, err := s.LoadState(bytes.Repeat([]byte{0xFF}, 16))
	if err != nil {
		t.Fatalf("LoadState (second): %v", err)
	}
	if !bytes.Equal(got2.AAGUID, aaguid) {
		t.Fatalf("AAGUID changed across loads: got %x want %x", got2.AAGUID, aaguid)
	}
}

func TestSaveStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.LoadState(bytes.Repeat([]byte{0x01}, 16)); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	want := DeviceState{
		AAGUID:                bytes.Repeat([]byte{0x01}, 16),
		PINHash:               bytes.Repeat([]byte{0x02}, 16),
		Retries:                5,
		ConsecutiveMismatches: 2,
		SignCounter:           7,
	}
	if err := s.SaveState(want); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	got, err := s.LoadState(want.AAGUID)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if got.Retries != want.Retries || got.ConsecutiveMismatches != want.ConsecutiveMismatches {
		t.Fatalf("retry counters did not round-trip: got %+v want %+v", got, want)
	}
	if !bytes.Equal(got.PINHash, want.PINHash) {
		t.Fatalf("PIN hash did not round-trip")
	}
	if got.SignCounter != want.SignCounter {
		t.Fatalf("sign counter did not round-trip: got %d want %d", got.SignCounter, want.SignCounter)
	}
}

func TestNextSignCountMonotonic(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.LoadState(bytes.Repeat([]byte{0x00}, 16)); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	var last uint32
	for i := 0; i < 5; i++ {
		n, err := s.NextSignCount()
		if err != nil {
			t.Fatalf("NextSignCount: %v", err)
		}
		if n <= last {
			t.Fatalf("sign counter not strictly increasing: got %d after %d", n, last)
		}
		last = n
	}
}

func TestResidentCredentialLifecycle(t *testing.T) {
	s := openTestStore(t)
	rpIDHash := bytes.Repeat([]byte{0x10}, 32)
	userID := []byte("user-1")

	cred := ResidentCredential{
		CredentialID: []byte("cred-1"),
		RPID:         "example.com",
		RPIDHash:     rpIDHash,
		UserID:       userID,
		Blob:         []byte("cbor-credential-blob"),
	}
	if err := s.SaveResidentCredential(cred); err != nil {
		t.Fatalf("SaveResidentCredential: %v", err)
	}

	got, ok, err := s.ResidentCredentialByUser(rpIDHash, userID)
	if err != nil {
		t.Fatalf("ResidentCredentialByUser: %v", err)
	}
	if !ok {
		t.Fatalf("expected to find resident credential by user")
	}
	if !bytes.Equal(got.Blob, cred.Blob) {
		t.Fatalf("resident credential blob mismatch")
	}

	all, err := s.ResidentCredentialsForRP(rpIDHash)
	if err != nil {
		t.Fatalf("ResidentCredentialsForRP: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 resident credential for RP, got %d", len(all))
	}

	if err := s.DeleteResidentCredential(cred.CredentialID); err != nil {
		t.Fatalf("DeleteResidentCredential: %v", err)
	}
	_, ok, err = s.ResidentCredentialByUser(rpIDHash, userID)
	if err != nil {
		t.Fatalf("ResidentCredentialByUser after delete: %v", err)
	}
	if ok {
		t.Fatalf("expected resident credential to be gone after delete")
	}
}

func TestResidentCredentialsForRPIsolatesByRP(t *testing.T) {
	s := openTestStore(t)
	rpA := bytes.Repeat([]byte{0xAA}, 32)
	rpB := bytes.Repeat([]byte{0xBB}, 32)

	if err := s.SaveResidentCredential(ResidentCredential{
		CredentialID: []byte("cred-a"), RPID: "a.example", RPIDHash: rpA, UserID: []byte("u1"), Blob: []byte("a"),
	}); err != nil {
		t.Fatalf("SaveResidentCredential (a): %v", err)
	}
	if err := s.SaveResidentCredential(ResidentCredential{
		CredentialID: []byte("cred-b"), RPID: "b.example", RPIDHash: rpB, UserID: []byte("u1"), Blob: []byte("b"),
	}); err != nil {
		t.Fatalf("SaveResidentCredential (b): %v", err)
	}

	aCreds, err := s.ResidentCredentialsForRP(rpA)
	if err != nil {
		t.Fatalf("ResidentCredentialsForRP (a): %v", err)
	}
	if len(aCreds) != 1 || !bytes.Equal(aCreds[0].CredentialID, []byte("cred-a")) {
		t.Fatalf("expected only cred-a for rpA, got %+v", aCreds)
	}
}
