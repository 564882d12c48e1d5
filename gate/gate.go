// Package gate defines the pluggable transport abstraction (C3): input
// gates decode inbound envelopes onto an internal queue, output gates
// drain an internal queue and transmit. Concrete wire transports (0MQ,
// named pipes, HTTP bridges) are out of scope — see localgate for the
// in-process reference implementation used by tests and the node
// factory's default wiring.
package gate

import (
	"oss.nandlabs.io/gridmesh/addr"
	"oss.nandlabs.io/gridmesh/envelope"
)

// Gate is the capability every transport exposes regardless of direction.
type Gate interface {
	// SupportsProtocol reports whether this gate serves the given
	// protocol scheme.
	SupportsProtocol(protocol string) bool
	// Init allocates the listening endpoint or client pool. Idempotent.
	Init() error
	// Run performs one non-blocking I/O slice and returns the number of
	// envelopes moved.
	Run() (int, error)
	// OwnAddress returns this gate's own address for the given protocol,
	// or the zero Address if it has none (e.g. a pure output gate).
	OwnAddress(protocol string) (addr.Address, bool)
	// Close releases any held resources.
	Close() error
}

// InputGate decodes inbound envelopes into an internal queue.
type InputGate interface {
	Gate
	// Get pops the next decoded envelope. ok is false when empty.
	Get() (envelope.Envelope, bool)
	// Empty reports whether the internal inbound queue has no envelopes.
	Empty() bool
}

// OutputGate transmits envelopes fed via Put.
type OutputGate interface {
	Gate
	// Put enqueues an envelope for transmission on the next Run slice.
	Put(envelope.Envelope) error
}
