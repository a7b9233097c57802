// Copyright 2026 FIDO Device Onboard Project
// SPDX-License-Identifier: Apache 2.0

package fido2

// SilentAuthenticator is a UserPresence that always answers yes. It has
// no hardware to check and is meant for development and testing only,
// never for a production authenticator.
type SilentAuthenticator struct{}

func (SilentAuthenticator) UserPresent() bool { return true }
