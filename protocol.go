// Copyright 2026 FIDO Device Onboard Project
// SPDX-License-Identifier: Apache 2.0

package fido2

// Options carries the "rk"/"uv" members of authenticatorMakeCredential
// and authenticatorGetAssertion requests. A nil pointer means the
// platform omitted the option; Go's nil/non-nil distinction replaces
// the wire format's "absent vs. false".
type Options struct {
	RK *bool
	UV *bool
}

func boolOption(o *bool) bool { return o != nil && *o }

// RPEntity identifies the relying party in a MakeCredential request.
type RPEntity struct {
	ID   string
	Name string
}

// UserEntity identifies the user in a MakeCredential request.
type UserEntity struct {
	ID          []byte
	Name        string
	DisplayName string
}

// PubKeyCredParam is one entry of pubKeyCredParams: a requested
// credential type/algorithm pair. The algorithm-negotiation loop looks
// only at Alg: Type is not checked, and entries with an unrecognized
// algorithm are ignored rather than rejected (matching the original's
// permissive scan).
type PubKeyCredParam struct {
	Type string
	Alg  int64
}

// CredentialDescriptor references a credential by its opaque ID, used
// in excludeList and allowList.
type CredentialDescriptor struct {
	Type string
	ID   []byte
}

// Extensions carries the two extensions this core understands.
// CredProtect is nil when the extension was not requested.
type Extensions struct {
	HMACSecret  bool
	CredProtect *int64
}
