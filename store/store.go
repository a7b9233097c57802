// Copyright 2026 FIDO Device Onboard Project
// SPDX-License-Identifier: Apache 2.0

// Package store persists the authenticator's durable state across
// reboots: the singleton device row (AAGUID, PIN hash, retry counters,
// the monotonic signature counter) and resident credential blobs, via
// gorm over sqlite.
//
// Everything volatile (key_agreement_key, pin_token, and any handle
// gateway.InProcess hands out) is never written here — only the bytes
// an authenticator needs to survive a power cycle are.
package store

import (
	"errors"
	"fmt"
	"sync"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// deviceStateID is the primary key of the one-and-only device state row.
const deviceStateID = 1

// deviceStateRow is the gorm model backing the singleton device state.
type deviceStateRow struct {
	ID                    uint `gorm:"primaryKey"`
	AAGUID                []byte
	PINHash               []byte
	Retries               int
	ConsecutiveMismatches int
	SignCounter           uint32
}

// residentCredentialRow is one resident (discoverable) credential,
// indexed by its credential ID and relying party ID so GetAssertion can
// enumerate candidates for an RP without an allow list.
type residentCredentialRow struct {
	CredentialID []byte `gorm:"primaryKey"`
	RPID         string `gorm:"index"`
	RPIDHash     []byte `gorm:"index"`
	UserID       []byte
	Blob         []byte // CBOR-encoded Credential, opaque to this package
}

// DeviceState is the durable device-wide state this package persists.
type DeviceState struct {
	AAGUID                []byte
	PINHash               []byte // nil until a PIN has been set
	Retries               int
	ConsecutiveMismatches int
	SignCounter           uint32
}

// ResidentCredential is one persisted resident credential record.
type ResidentCredential struct {
	CredentialID []byte
	RPID         string
	RPIDHash     []byte
	UserID       []byte
	Blob         []byte
}

// Store is the gorm-backed persistence layer. Safe for concurrent use;
// the authenticator core only ever drives it from Dispatcher.Poll, but
// the mutex keeps StoreBlob-shaped invariants honest under tests that
// exercise it directly.
type Store struct {
	mu sync.Mutex
	db *gorm.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// migrates its schema. Pass ":memory:" for an ephemeral, test-only store.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	if err := db.AutoMigrate(&deviceStateRow{}, &residentCredentialRow{}); err != nil {
		return nil, fmt.Errorf("store: migrating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// LoadState returns the current device state, initializing a zero-value
// row (no PIN set, AAGUID as given) the first time it is called.
func (s *Store) LoadState(aaguidIfAbsent []byte) (DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row deviceStateRow
	err := s.db.First(&row, deviceStateID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = deviceStateRow{ID: deviceStateID, AAGUID: aaguidIfAbsent, Retries: 8}
		if err := s.db.Create(&row).Error; err != nil {
			return DeviceState{}, fmt.Errorf("store: creating initial device state: %w", err)
		}
	case err != nil:
		return DeviceState{}, fmt.Errorf("store: loading device state: %w", err)
	}

	return DeviceState{
		AAGUID:                row.AAGUID,
		PINHash:               row.PINHash,
		Retries:               row.Retries,
		ConsecutiveMismatches: row.ConsecutiveMismatches,
		SignCounter:           row.SignCounter,
	}, nil
}

// SaveState overwrites the persisted device state.
func (s *Store) SaveState(state DeviceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := deviceStateRow{
		ID:                    deviceStateID,
		AAGUID:                state.AAGUID,
		PINHash:               state.PINHash,
		Retries:               state.Retries,
		ConsecutiveMismatches: state.ConsecutiveMismatches,
		SignCounter:           state.SignCounter,
	}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("store: saving device state: %w", err)
	}
	return nil
}

// NextSignCount atomically increments and returns the persisted
// signature counter. Resolves Open Question (c): the original
// hardcodes a constant signature counter; this authenticator instead
// maintains a real monotonic counter that survives restarts.
func (s *Store) NextSignCount() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row deviceStateRow
	if err := s.db.First(&row, deviceStateID).Error; err != nil {
		return 0, fmt.Errorf("store: loading device state for sign counter: %w", err)
	}
	row.SignCounter++
	if err := s.db.Model(&row).Update("sign_counter", row.SignCounter).Error; err != nil {
		return 0, fmt.Errorf("store: persisting sign counter: %w", err)
	}
	return row.SignCounter, nil
}

// SaveResidentCredential inserts or replaces a resident credential
// record keyed by its credential ID.
func (s *Store) SaveResidentCredential(cred ResidentCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := residentCredentialRow{
		CredentialID: cred.CredentialID,
		RPID:         cred.RPID,
		RPIDHash:     cred.RPIDHash,
		UserID:       cred.UserID,
		Blob:         cred.Blob,
	}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("store: saving resident credential: %w", err)
	}
	return nil
}

// ResidentCredentialsForRP returns every resident credential stored
// under rpIDHash, for the empty allow_list enumeration path in
// GetAssertion.
func (s *Store) ResidentCredentialsForRP(rpIDHash []byte) ([]ResidentCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []residentCredentialRow
	if err := s.db.Where("rpid_hash = ?", rpIDHash).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: querying resident credentials: %w", err)
	}
	out := make([]ResidentCredential, 0, len(rows))
	for _, r := range rows {
		out = append(out, ResidentCredential{
			CredentialID: r.CredentialID,
			RPID:         r.RPID,
			RPIDHash:     r.RPIDHash,
			UserID:       r.UserID,
			Blob:         r.Blob,
		})
	}
	return out, nil
}

// ResidentCredentialByUser returns the resident credential for the
// given RP and user ID, if one exists (MakeCredential's
// excludeList-equivalent uniqueness rule: one resident credential per
// user ID per RP).
func (s *Store) ResidentCredentialByUser(rpIDHash, userID []byte) (ResidentCredential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row residentCredentialRow
	err := s.db.Where("rpid_hash = ? AND user_id = ?", rpIDHash, userID).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ResidentCredential{}, false, nil
	case err != nil:
		return ResidentCredential{}, false, fmt.Errorf("store: querying resident credential by user: %w", err)
	}
	return ResidentCredential{
		CredentialID: row.CredentialID,
		RPID:         row.RPID,
		RPIDHash:     row.RPIDHash,
		UserID:       row.UserID,
		Blob:         row.Blob,
	}, true, nil
}

// DeleteResidentCredential removes a resident credential by ID,
// replacing an older credential with the same (RP, user) pair.
func (s *Store) DeleteResidentCredential(credentialID []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Delete(&residentCredentialRow{}, "credential_id = ?", credentialID).Error; err != nil {
		return fmt.Errorf("store: deleting resident credential: %w", err)
	}
	return nil
}
