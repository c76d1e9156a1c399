package hubmesh

import "errors"

var (
	ErrInvalidCfg  = errors.New("hubmesh: invalid options")
	ErrInvalidKey  = errors.New("hubmesh: malformed entity key")
	ErrInvalidHub  = errors.New("hubmesh: hub names must be non-empty and must not contain ':'")
	ErrInvalidID   = errors.New("hubmesh: server ids must be non-empty and must not contain ':'")
	ErrInvalidConn = errors.New("hubmesh: connection must have an id")
	ErrConnect     = errors.New("hubmesh: could not register connection")
	ErrSubscribe   = errors.New("hubmesh: could not subscribe to hub topics")
	ErrShutdown    = errors.New("hubmesh: coordinator is shut down")
)

// Disconnect reasons carried in logs.
const (
	ReasonHubDisconnect    = "hub-disconnect"
	ReasonServerDisconnect = "server-disconnect"
)
