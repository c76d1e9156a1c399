package wire

import "slices"

// Broadcast is published on a hub's broadcast topic. Every coordinator of
// the hub delivers Invocation to its local connections, minus Excluded.
type Broadcast struct {
	Invocation *Invocation `codec:"inv"`
	Excluded   []string    `codec:"excluded,omitempty"`
}

// Unicast is published on a server's unicast topic and addresses exactly
// one connection held by that server.
type Unicast struct {
	ConnectionID string      `codec:"cid"`
	Invocation   *Invocation `codec:"inv"`
}

// IsExcluded reports whether connID must be skipped by this broadcast.
func (b *Broadcast) IsExcluded(connID string) bool {
	return slices.Contains(b.Excluded, connID)
}
