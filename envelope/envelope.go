package envelope

import (
	"oss.nandlabs.io/gridmesh/addr"
	"oss.nandlabs.io/gridmesh/rt"
)

// Envelope is the addressed container for a single Event (spec.md §3/§6).
// TimeoutMs is carried on the envelope rather than the event because
// responses are correlated via request-id instead.
type Envelope struct {
	Sender    addr.Address
	Receiver  addr.Address
	TimeoutMs uint32
	Event     Event
}

// NewEnvelope is the normal constructor for an outbound envelope.
func NewEnvelope(sender, receiver addr.Address, timeoutMs uint32, ev Event) Envelope {
	return Envelope{Sender: sender, Receiver: receiver, TimeoutMs: timeoutMs, Event: ev}
}

// NewResponseTo builds a response envelope addressed back to the sender of
// req, swapping sender/receiver and copying the request id (spec.md §4.2).
func NewResponseTo(req Envelope, status int32, result, errBody rt.Value) Envelope {
	reqID := int64(0)
	if req.Event != nil {
		reqID = req.Event.RequestID()
	}
	return Envelope{
		Sender:    req.Receiver,
		Receiver:  req.Sender,
		TimeoutMs: 0,
		Event: Response{
			ReqID:  reqID,
			Status: status,
			Result: result,
			Error:  errBody,
		},
	}
}
