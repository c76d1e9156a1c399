package actor

import "errors"

var (
	ErrInvalidCfg    = errors.New("actor: invalid options")
	ErrClosed        = errors.New("actor: runtime is closed")
	ErrUnknownKind   = errors.New("actor: kind is not registered")
	ErrKindConflict  = errors.New("actor: kind is already registered")
	ErrEntityType    = errors.New("actor: entity has an unexpected type")
	ErrActivation    = errors.New("actor: activation failed")
	ErrStateConflict = errors.New("actor: state conflict retries exhausted")
)
