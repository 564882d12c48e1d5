package gate

import (
	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/status"
)

// TransmitError wraps a transport-level send failure and the envelope
// that failed to go out, so the caller can build the synthetic response
// envelope described in spec.md §4.3.
type TransmitError struct {
	Code    status.Code
	Failed  envelope.Envelope
	Wrapped error
}

func (e *TransmitError) Error() string {
	if e.Wrapped != nil {
		return e.Code.String() + ": " + e.Wrapped.Error()
	}
	return e.Code.String()
}

func (e *TransmitError) Unwrap() error { return e.Wrapped }

// ToResponse converts a TransmitError into the synthetic response
// envelope addressed back to the original sender, per spec.md §4.3.
func (e *TransmitError) ToResponse() envelope.Envelope {
	code := e.Code
	if code == 0 {
		code = status.TransmitError
	}
	return envelope.NewResponseTo(e.Failed, int32(code), envelope.ErrorResult(e.Error()), envelope.ErrorResult(e.Error()))
}
