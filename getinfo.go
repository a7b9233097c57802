// Copyright 2026 FIDO Device Onboard Project
// SPDX-License-Identifier: Apache 2.0

package fido2

// GetInfoResponse is the fixed authenticatorGetInfo metadata this core
// reports, per spec.md §4.6.
type GetInfoResponse struct {
	Versions     []string
	Extensions   []string
	AAGUID       [16]byte
	Options      GetInfoOptions
	PinProtocols []int64
	MaxMsgSize   uint32
}

// GetInfoOptions mirrors the authenticatorGetInfo options map. Pointer
// fields are nil when the wire encoding omits the member entirely (rk
// and up are always present and true; uv and clientPin are both absent,
// meaning "capability unknown/not reported" rather than false).
type GetInfoOptions struct {
	ResidentKey     bool
	UserPresence    bool
	UserVerified    *bool
	ClientPinIsSet  *bool
}

// GetInfo implements spec.md §4.6's fixed metadata response.
func (a *Authenticator) GetInfo(maxMsgSize uint32) GetInfoResponse {
	return GetInfoResponse{
		Versions:   []string{"FIDO_2_1_PRE", "FIDO_2_0", "U2F_V2"},
		Extensions: []string{"hmac-secret", "credProtect"},
		AAGUID:     a.config.AAGUID,
		Options: GetInfoOptions{
			ResidentKey:  true,
			UserPresence: true,
		},
		PinProtocols: []int64{1},
		MaxMsgSize:   maxMsgSize,
	}
}
