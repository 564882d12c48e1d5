// Package handler implements request correlation: the continuation objects
// a scheduler fires when a response (or a transport failure) arrives for a
// request it sent on a task's behalf, and the fan-out/join primitive
// (Pack) built on top of them.
package handler

import (
	"oss.nandlabs.io/gridmesh/envelope"
)

// Phase identifies where in a request's outbound lifecycle a
// communication error occurred.
type Phase int

const (
	// PhasePost is a failure posting the request to the scheduler's own
	// outbound path (no gate accepted it).
	PhasePost Phase = iota
	// PhaseSend is a failure handing the request to a gate for transmission.
	PhaseSend
	// PhaseWait is a failure while the request was outstanding (timeout,
	// owning task destroyed, connection dropped).
	PhaseWait
)

func (p Phase) String() string {
	switch p {
	case PhasePost:
		return "post"
	case PhaseSend:
		return "send"
	case PhaseWait:
		return "wait"
	default:
		return "unknown"
	}
}

// Handler is a request continuation: the scheduler calls exactly one of
// its three entry points exactly once, when the correlated response
// arrives or the request is abandoned.
type Handler interface {
	// HandleResult is called with a successful response envelope.
	HandleResult(resp envelope.Envelope)
	// HandleError is called with a response envelope carrying a non-OK
	// status (an application-level error reply, not a transport failure).
	HandleError(resp envelope.Envelope)
	// HandleCommError is called when no response will ever arrive because
	// the request itself could not be completed. requestID identifies
	// which outstanding request failed, so a Handler tracking more than
	// one request (e.g. Pack) can attribute the failure correctly instead
	// of guessing.
	HandleCommError(requestID int64, phase Phase, err error)
}

// Func adapts three plain functions into a Handler, for handlers that
// don't need to carry their own state beyond closures.
type Func struct {
	OnResult    func(envelope.Envelope)
	OnError     func(envelope.Envelope)
	OnCommError func(int64, Phase, error)
}

func (f Func) HandleResult(resp envelope.Envelope) {
	if f.OnResult != nil {
		f.OnResult(resp)
	}
}

func (f Func) HandleError(resp envelope.Envelope) {
	if f.OnError != nil {
		f.OnError(resp)
	}
}

func (f Func) HandleCommError(requestID int64, phase Phase, err error) {
	if f.OnCommError != nil {
		f.OnCommError(requestID, phase, err)
	}
}
