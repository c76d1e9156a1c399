// Package wire holds the values crossing process boundaries: the invocation
// payload delivered to sockets, the envelopes published on topics and the
// framing used by the gossip transport.
//
// Every value is encoded with a canonical msgpack handle, so two equal
// values always produce the same bytes. That property is what lets the
// storage and transport layers compare, deduplicate and replay payloads.
package wire

import "maps"

// Invocation is the message unit delivered to a connection: a target name
// plus an ordered argument list. Argument types are opaque to hubmesh, they
// only need to survive a msgpack round trip.
type Invocation struct {
	InvocationID string            `codec:"id,omitempty"`
	Target       string            `codec:"target"`
	Arguments    []any             `codec:"args"`
	Headers      map[string]string `codec:"headers,omitempty"`
}

// NewInvocation is a shorthand for an invocation without correlation id
// nor headers.
func NewInvocation(target string, args ...any) *Invocation {
	if args == nil {
		args = []any{}
	}
	return &Invocation{
		Target:    target,
		Arguments: args,
	}
}

// Clone returns a shallow copy safe to hand to another goroutine: the
// argument slice and the headers map are copied, arguments themselves are
// shared.
func (inv *Invocation) Clone() *Invocation {
	if inv == nil {
		return nil
	}
	cloned := *inv
	cloned.Arguments = append([]any(nil), inv.Arguments...)
	if inv.Headers != nil {
		cloned.Headers = maps.Clone(inv.Headers)
	}
	return &cloned
}
