package hubmesh

import (
	"fmt"
	"strings"
)

const keyDelimiter = ":"

// Entity kinds registered by RegisterEntities.
const (
	EntityRouting   = "routing"
	EntityGroup     = "group"
	EntityDirectory = "directory"

	directoryKey = "directory"
)

type MembershipKind string

const (
	NamedGroup        MembershipKind = "group"
	AuthenticatedUser MembershipKind = "user"
)

func (k MembershipKind) valid() bool {
	return k == NamedGroup || k == AuthenticatedUser
}

// RoutingKey addresses the routing entity of one connection.
type RoutingKey struct {
	Hub          string
	ConnectionID string
}

func (k RoutingKey) String() string {
	return k.Hub + keyDelimiter + k.ConnectionID
}

// ParseRoutingKey splits on the first colon only, the connection id may
// itself contain colons.
func ParseRoutingKey(raw string) (RoutingKey, error) {
	parts := strings.SplitN(raw, keyDelimiter, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return RoutingKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}
	return RoutingKey{Hub: parts[0], ConnectionID: parts[1]}, nil
}

// GroupKey addresses a membership set, either a named group or all the
// connections of a user.
type GroupKey struct {
	Kind    MembershipKind
	Hub     string
	GroupID string
}

func (k GroupKey) String() string {
	return string(k.Kind) + keyDelimiter + k.Hub + keyDelimiter + k.GroupID
}

// ParseGroupKey splits on the first two colons, group ids are free-form.
func ParseGroupKey(raw string) (GroupKey, error) {
	parts := strings.SplitN(raw, keyDelimiter, 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return GroupKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}
	kind := MembershipKind(parts[0])
	if !kind.valid() {
		return GroupKey{}, fmt.Errorf("%w: unknown membership %q", ErrInvalidKey, parts[0])
	}
	return GroupKey{Kind: kind, Hub: parts[1], GroupID: parts[2]}, nil
}

// validateServerID rejects ids that would read as a shard of another
// server's unicast topic.
func validateServerID(id string) error {
	if id == "" || strings.Contains(id, keyDelimiter) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func validateHub(hub string) error {
	if hub == "" || strings.Contains(hub, keyDelimiter) {
		return fmt.Errorf("%w: %q", ErrInvalidHub, hub)
	}
	return nil
}
