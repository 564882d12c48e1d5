// Package envelope implements the Envelope/Event model (C2): a request or
// response tagged union carried between two addresses with an optional
// timeout.
package envelope

import "oss.nandlabs.io/gridmesh/rt"

// Event is the tagged union carried by an Envelope: either a Request or a
// Response. RequestID is null (zero) for fire-and-forget requests.
type Event interface {
	// RequestID returns the correlation id, or 0 for fire-and-forget.
	RequestID() int64
	// IsResponse reports whether this event is a Response.
	IsResponse() bool
	// WithRequestID returns a copy of the event with the id set — cloning
	// preserves request_id per spec.md §4.2.
	WithRequestID(id int64) Event
}

// Request is a command invocation: a dotted "interface.verb" command name
// plus a structured params value.
type Request struct {
	ReqID   int64
	Command string
	Params  rt.Value
}

func (r Request) RequestID() int64 { return r.ReqID }
func (r Request) IsResponse() bool { return false }
func (r Request) WithRequestID(id int64) Event {
	r.ReqID = id
	return r
}

// Response carries the outcome of a prior Request: a status code (see the
// status taxonomy) plus a result or error body.
type Response struct {
	ReqID  int64
	Status int32
	Result rt.Value
	Error  rt.Value
}

func (r Response) RequestID() int64 { return r.ReqID }
func (r Response) IsResponse() bool { return true }
func (r Response) WithRequestID(id int64) Event {
	r.ReqID = id
	return r
}

// ErrorResult builds an {text: msg} error body, the shape every failure
// path in this runtime uses for Response.Error (spec.md §7 "User
// visibility").
func ErrorResult(msg string) rt.Value {
	return rt.Map(map[string]rt.Value{"text": rt.String(msg)})
}
