// Copyright 2026 FIDO Device Onboard Project
// SPDX-License-Identifier: Apache 2.0

// Command authenticator runs a FIDO2/CTAP2 authenticator core over an
// in-process development transport.
package main

func main() {
	Execute()
}
