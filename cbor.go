// Copyright 2026 FIDO Device Onboard Project
// SPDX-License-Identifier: Apache 2.0

package fido2

import "github.com/fxamacker/cbor/v2"

// ctap2Mode is the canonical CBOR encoding used for everything this
// package serializes: Credential records (for the AEAD envelope and the
// resident blob store) and, eventually, any CTAP2 request/response
// bodies the transport layer hands off. Canonical, deterministic output
// is required for the CredentialId AEAD commitment to be stable.
var ctap2Mode = mustCTAP2EncMode()

func mustCTAP2EncMode() cbor.EncMode {
	em, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		panic("fido2: building CTAP2 CBOR encode mode: " + err.Error())
	}
	return em
}

func marshalCBOR(v any) ([]byte, error) {
	return ctap2Mode.Marshal(v)
}

func unmarshalCBOR(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}
