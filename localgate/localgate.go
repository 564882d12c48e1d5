// Package localgate is the reference in-process Gate implementation
// (protocol "local"): nodes registered in the same process exchange
// envelopes over buffered Go channels. It is the direct descendant of
// messaging.LocalProvider's channel-per-destination design, adapted from
// byte-message channels to envelope channels and from a Producer/Receiver
// pull API to the Gate push/pull (Put / Get+Empty) shape.
package localgate

import (
	"sync"

	"oss.nandlabs.io/gridmesh/addr"
	"oss.nandlabs.io/gridmesh/envelope"
)

const defaultBufSize = 256

// Protocol is the scheme this gate serves.
const Protocol = "local"

// hub is process-wide shared state so that two Gate instances (one input,
// one output) registered on different schedulers of the same process can
// exchange envelopes, mirroring how messaging.LocalProvider keyed
// channels by destination host rather than by provider instance.
type hub struct {
	mutex   sync.RWMutex
	inboxes map[string]chan envelope.Envelope
	closed  bool
}

func newHub() *hub {
	return &hub{inboxes: make(map[string]chan envelope.Envelope)}
}

func (h *hub) inbox(node string) chan envelope.Envelope {
	h.mutex.RLock()
	ch, ok := h.inboxes[node]
	h.mutex.RUnlock()
	if ok {
		return ch
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	if ch, ok = h.inboxes[node]; ok {
		return ch
	}
	ch = make(chan envelope.Envelope, defaultBufSize)
	h.inboxes[node] = ch
	return ch
}

var sharedHub = newHub()

// Gate is a bidirectional local gate: it acts as both an InputGate (for
// its own node's inbox) and an OutputGate (delivering to any other node's
// inbox registered in the same hub).
type Gate struct {
	node string
	own  addr.Address
	h    *hub
}

// New creates a local gate bound to the given node name. The gate's own
// address (protocol "local", node set to node) is returned by OwnAddress.
func New(node string) *Gate {
	return &Gate{node: node, own: addr.Address{Kind: addr.Fixed, Protocol: Protocol, Node: node}, h: sharedHub}
}

func (g *Gate) SupportsProtocol(protocol string) bool { return protocol == Protocol }

func (g *Gate) Init() error { return nil }

func (g *Gate) OwnAddress(protocol string) (addr.Address, bool) {
	if protocol != Protocol {
		return addr.Address{}, false
	}
	return g.own, true
}

func (g *Gate) Close() error { return nil }

// Run moves nothing: the hub already holds this node's envelopes in a
// channel and Get reads directly from it. Run exists to satisfy the Gate
// interface and returns the number of envelopes currently waiting in the
// inbox.
func (g *Gate) Run() (int, error) {
	return len(g.h.inbox(g.node)), nil
}

// Get pops the next envelope addressed to this gate's node, if any.
func (g *Gate) Get() (envelope.Envelope, bool) {
	select {
	case env := <-g.h.inbox(g.node):
		return env, true
	default:
		return envelope.Envelope{}, false
	}
}

// Empty reports whether this node's inbox currently has no envelopes.
func (g *Gate) Empty() bool {
	return len(g.h.inbox(g.node)) == 0
}

// Put delivers env to its receiver's inbox (by Address.Node), non-blocking:
// a full inbox yields ErrInboxFull, which callers convert to a
// gate.TransmitError the way messaging.LocalProvider's Send returning
// ErrChannelFull is surfaced to its caller.
func (g *Gate) Put(env envelope.Envelope) error {
	target := env.Receiver.Node
	if target == "" {
		target = env.Receiver.Raw
	}
	ch := g.h.inbox(target)
	select {
	case ch <- env:
		return nil
	default:
		return ErrInboxFull
	}
}
