// Copyright 2026 FIDO Device Onboard Project
// SPDX-License-Identifier: Apache 2.0

package fido2

import "fmt"

// RequestKind identifies which CTAP2 operation a Request carries, or
// that it is an (unsupported) CTAP1 request.
type RequestKind int

const (
	RequestGetAssertion RequestKind = iota
	RequestMakeCredential
	RequestGetInfo
	RequestClientPin
	RequestCtap1
)

// Request is the tagged union a Transport hands the Dispatcher: exactly
// one of the typed fields is meaningful, selected by Kind. This mirrors
// the original's Request::Ctap1/Ctap2{...} enum (spec.md §6) as a flat
// Go struct, since Go has no sum types.
type Request struct {
	Kind           RequestKind
	GetAssertion   GetAssertionRequest
	MakeCredential MakeCredentialRequest
	ClientPin      ClientPinRequest
	Ctap1          []byte
}

// Response is the Dispatcher's tagged union counterpart to Request.
type Response struct {
	Kind           RequestKind
	GetAssertion   GetAssertionResponse
	MakeCredential MakeCredentialResponse
	GetInfo        GetInfoResponse
	ClientPin      ClientPinResponse
}

// Result pairs a Response with the error the command produced, modeling
// the wire's Result<Response> (spec.md §6).
type Result struct {
	Response Response
	Err      error
}

// Transport is the request/response queue pair a Dispatcher drains on
// each poll: a pair of bounded queues carrying Request and
// Result<Response> (spec.md §6). Implementations are expected to be
// bounded to one request and one response in flight at a time.
type Transport interface {
	Dequeue() (Request, bool)
	Enqueue(Result)
}

// Dispatcher routes one dequeued Request per Poll call to the
// Authenticator and enqueues exactly one Result in response.
type Dispatcher struct {
	a          *Authenticator
	maxMsgSize uint32
}

// NewDispatcher constructs a Dispatcher over a, reporting maxMsgSize in
// GetInfo responses.
func NewDispatcher(a *Authenticator, maxMsgSize uint32) *Dispatcher {
	return &Dispatcher{a: a, maxMsgSize: maxMsgSize}
}

// Poll implements spec.md §4.6/§5: ensure key_agreement_key is
// initialized, dequeue at most one request, route it, and enqueue
// exactly one response. Not reentrant: must not be called concurrently
// with itself (the design models exactly one poll loop per device, with
// no interleaving of CTAP commands — see spec.md §5).
//
// Failing to establish key_agreement_key indicates the crypto service
// itself is unusable; like the original's poll() (which unwraps this
// unconditionally), that is treated as unrecoverable rather than
// reported as a per-command error.
func (d *Dispatcher) Poll(t Transport) {
	if _, err := d.a.KeyAgreementKey(); err != nil {
		panic(fmt.Sprintf("fido2: ensuring key_agreement_key: %v", err))
	}

	req, ok := t.Dequeue()
	if !ok {
		return
	}
	t.Enqueue(d.dispatch(req))
}

func (d *Dispatcher) dispatch(req Request) Result {
	switch req.Kind {
	case RequestGetInfo:
		return Result{Response: Response{Kind: RequestGetInfo, GetInfo: d.a.GetInfo(d.maxMsgSize)}}
	case RequestGetAssertion:
		resp, err := d.a.GetAssertion(req.GetAssertion)
		return Result{Response: Response{Kind: RequestGetAssertion, GetAssertion: resp}, Err: err}
	case RequestMakeCredential:
		resp, err := d.a.MakeCredential(req.MakeCredential)
		return Result{Response: Response{Kind: RequestMakeCredential, MakeCredential: resp}, Err: err}
	case RequestClientPin:
		resp, err := d.a.ClientPin(req.ClientPin)
		return Result{Response: Response{Kind: RequestClientPin, ClientPin: resp}, Err: err}
	case RequestCtap1:
		return Result{Err: errKind(InvalidCommand)}
	default:
		return Result{Err: errKind(InvalidCommand)}
	}
}
