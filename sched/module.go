package sched

import (
	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/status"
)

// Module is a stateless (relative to scheduling) command handler. It
// declares the interface prefixes (the part before the dot in a dotted
// command name) it serves and dispatches matching envelopes
// synchronously, returning a wire status code.
type Module interface {
	// SupportedInterfaces returns the interface prefixes this module
	// claims, e.g. {"core", "pq"}.
	SupportedInterfaces() []string

	// HandleMessage dispatches a command+params pair without needing the
	// sender's identity. Returns status.TaskReq when the module wants the
	// scheduler to create and install a task instead of answering inline.
	HandleMessage(command string, params rt.Value, result *rt.Value) status.Code

	// HandleEnvelope is the sender-aware variant, used by modules (like
	// core's forward/advertise) that need the originating address.
	HandleEnvelope(env envelope.Envelope, result *rt.Value) status.Code

	// PrepareTaskForMessage is called when HandleMessage/HandleEnvelope
	// returned status.TaskReq; it must return a Task ready to accept the
	// same envelope via Task.HandleMessage.
	PrepareTaskForMessage(env envelope.Envelope) (Task, error)
}

// BaseModule gives modules that only implement one of the two dispatch
// entry points a default no-op for the other, and a default
// PrepareTaskForMessage that never requests a task, the way most modules
// in a command dispatch table only override what they need.
type BaseModule struct {
	Interfaces []string
}

func (b *BaseModule) SupportedInterfaces() []string { return b.Interfaces }

func (b *BaseModule) HandleMessage(command string, params rt.Value, result *rt.Value) status.Code {
	return status.UnkMsg
}

func (b *BaseModule) HandleEnvelope(env envelope.Envelope, result *rt.Value) status.Code {
	req, ok := env.Event.(envelope.Request)
	if !ok {
		return status.UnkMsg
	}
	return b.HandleMessage(req.Command, req.Params, result)
}

func (b *BaseModule) PrepareTaskForMessage(env envelope.Envelope) (Task, error) {
	return nil, errNoTaskForMessage
}
