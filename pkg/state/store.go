// Package state defines the durable-state accessor used by entities and
// streams, together with an in-memory and an etcd backend.
//
// Every write is guarded by an optimistic version check: callers pass the
// [Version] they last read and get [ErrConflict] back when someone else
// wrote in between.
package state

import (
	"context"
	"errors"
)

const (
	// EntitiesNamespace prefixes routing, group and directory records.
	EntitiesNamespace = "hubmesh/state/"
	// StreamsNamespace prefixes pub/sub state (handles, retained events).
	StreamsNamespace = "hubmesh/streams/"
)

var (
	ErrConflict = errors.New("state: version conflict")
	ErrClosed   = errors.New("state: store is closed")
	ErrBackend  = errors.New("state: backend failure")
)

// Version is an opaque, monotonically increasing token attached to a key
// on every write. Zero means the key does not exist.
type Version int64

// AnyVersion disables the optimistic check on Write and Clear.
const AnyVersion Version = -1

// Entry is a point-in-time view of a key.
type Entry struct {
	Key     string
	Value   []byte
	Version Version
}

// Exists reports whether the key held a value when it was read.
func (e Entry) Exists() bool {
	return e.Version > 0
}

type Store interface {
	// Read never fails on a missing key, it returns an Entry with a zero
	// Version instead.
	Read(ctx context.Context, key string) (Entry, error)

	// Write stores value if the current version of key equals expected
	// and returns the new version.
	Write(ctx context.Context, key string, value []byte, expected Version) (Version, error)

	// Clear deletes key if its current version equals expected. Clearing
	// a missing key with expected set to 0 succeeds.
	Clear(ctx context.Context, key string, expected Version) error

	// List returns every entry whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// Prefixed scopes a Store to a namespace: every key is transparently
// prepended with prefix, and listed keys are returned without it.
func Prefixed(store Store, prefix string) Store {
	if prefix == "" {
		return store
	}
	if ps, ok := store.(*prefixedStore); ok {
		return &prefixedStore{inner: ps.inner, prefix: ps.prefix + prefix}
	}
	return &prefixedStore{inner: store, prefix: prefix}
}

type prefixedStore struct {
	inner  Store
	prefix string
}

func (ps *prefixedStore) Read(ctx context.Context, key string) (Entry, error) {
	entry, err := ps.inner.Read(ctx, ps.prefix+key)
	entry.Key = key
	return entry, err
}

func (ps *prefixedStore) Write(ctx context.Context, key string, value []byte, expected Version) (Version, error) {
	return ps.inner.Write(ctx, ps.prefix+key, value, expected)
}

func (ps *prefixedStore) Clear(ctx context.Context, key string, expected Version) error {
	return ps.inner.Clear(ctx, ps.prefix+key, expected)
}

func (ps *prefixedStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	entries, err := ps.inner.List(ctx, ps.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Key = entries[i].Key[len(ps.prefix):]
	}
	return entries, nil
}
