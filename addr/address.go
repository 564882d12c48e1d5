// Package addr implements address parsing and the node registry (C1):
// logical endpoints are parsed eagerly into one of four structured forms
// and resolved against role/name/path/handle indices, with optional
// forwarding to a remote directory left to the caller.
package addr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the structured form an Address was parsed into.
type Kind int

const (
	// Fixed is a fully resolved path: protocol::#host/node/task
	Fixed Kind = iota
	// Role is a multi-node role: protocol::@role
	Role
	// VPath is an opaque virtual path: protocol:///virtual/path
	VPath
	// Raw is anything that did not match a structured form.
	Raw
)

// ErrInvalidAddress is returned by Parse when the input contains control
// bytes or non-ASCII-visible characters.
var ErrInvalidAddress = errors.New("addr: invalid address format")

// Address is a parsed logical endpoint. Empty fields mean "this node".
type Address struct {
	Kind Kind
	// HostForm records whether a Fixed address was parsed from the
	// "#host/node/task" syntax rather than the bare "::name" form, so
	// Build can tell the two apart even when Host/Node/Task all end up
	// empty (e.g. "proto::#" vs "proto::").
	HostForm bool
	Protocol string
	Host     string
	Node     string
	Task     string
	Role     string
	VPath    string
	Raw      string
}

// IsEmpty reports whether the address refers to the local node with no
// further qualification.
func (a Address) IsEmpty() bool {
	return a.Protocol == "" && a.Host == "" && a.Node == "" && a.Task == "" &&
		a.Role == "" && a.VPath == "" && a.Raw == ""
}

// Parse is total over ASCII-visible input. Control bytes and non-ASCII
// bytes raise ErrInvalidAddress with the offending byte offset. A string
// with none of '#', '@', "//", "::" is stored as Raw.
func Parse(s string) (Address, error) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c > 0x7e {
			return Address{}, fmt.Errorf("%w: offset %d", ErrInvalidAddress, i)
		}
	}

	protocol, rest, hasSep := strings.Cut(s, "::")
	if !hasSep {
		// No "::" separator: protocol:///virtual/path form, or a bare raw value.
		if p, vp, ok := strings.Cut(s, ":///"); ok {
			return Address{Kind: VPath, Protocol: p, VPath: vp}, nil
		}
		return Address{Kind: Raw, Raw: s}, nil
	}

	switch {
	case strings.HasPrefix(rest, "#"):
		return parseFixed(protocol, rest[1:]), nil
	case strings.HasPrefix(rest, "@"):
		return Address{Kind: Role, Protocol: protocol, Role: rest[1:]}, nil
	case strings.HasPrefix(rest, "//"):
		return Address{Kind: VPath, Protocol: protocol, VPath: rest[2:]}, nil
	default:
		// protocol::name — a simple bare name, stored in Node so both
		// resolve paths (name map / path map) can key off it uniformly.
		return Address{Kind: Fixed, Protocol: protocol, Node: rest}, nil
	}
}

func parseFixed(protocol, path string) Address {
	parts := strings.SplitN(path, "/", 3)
	a := Address{Kind: Fixed, Protocol: protocol, HostForm: true}
	if len(parts) > 0 {
		a.Host = parts[0]
	}
	if len(parts) > 1 {
		a.Node = parts[1]
	}
	if len(parts) > 2 {
		a.Task = parts[2]
	}
	return a
}

// Build renders the address back to wire form. Parse(Build(a)) is the
// identity modulo whitespace for every address parseable into a
// structured form (addr Invariant 8 / spec.md §8 property 8).
func (a Address) Build() string {
	switch a.Kind {
	case Fixed:
		if !a.HostForm && a.Host == "" && a.Task == "" {
			// bare name form
			return a.Protocol + "::" + a.Node
		}
		path := a.Host
		if a.Node != "" || a.Task != "" {
			path += "/" + a.Node
		}
		if a.Task != "" {
			path += "/" + a.Task
		}
		return a.Protocol + "::#" + path
	case Role:
		return a.Protocol + "::@" + a.Role
	case VPath:
		return a.Protocol + ":///" + a.VPath
	default:
		return a.Raw
	}
}

// String implements fmt.Stringer.
func (a Address) String() string { return a.Build() }
