package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/raskyld/hubmesh/pkg/state"
	"github.com/raskyld/hubmesh/pkg/wire"
)

const maxAckAttempts = 8

// Registry persists subscription handles so they survive a restart.
type Registry struct {
	store state.Store
}

// NewRegistry keeps handles under the streams namespace of store.
func NewRegistry(store state.Store) *Registry {
	return &Registry{
		store: state.Prefixed(store, state.StreamsNamespace+"handles/"),
	}
}

func handlePrefix(topic Topic, owner string) string {
	return url.PathEscape(topic.Namespace) + "/" +
		url.PathEscape(topic.Key) + "/" +
		url.PathEscape(owner) + "/"
}

func handleKey(handle Handle) string {
	return handlePrefix(handle.Topic, handle.Owner) + url.PathEscape(handle.ID)
}

func (r *Registry) Save(ctx context.Context, handle Handle) error {
	buf, err := wire.Marshal(&handle)
	if err != nil {
		return err
	}
	_, err = r.store.Write(ctx, handleKey(handle), buf, state.AnyVersion)
	return err
}

// Load returns the persisted copy of handle, ErrUnknownHandle if it was
// deleted or never saved.
func (r *Registry) Load(ctx context.Context, handle Handle) (Handle, error) {
	stored, _, err := r.load(ctx, handle)
	return stored, err
}

func (r *Registry) load(ctx context.Context, handle Handle) (Handle, state.Version, error) {
	entry, err := r.store.Read(ctx, handleKey(handle))
	if err != nil {
		return Handle{}, 0, err
	}
	if !entry.Exists() {
		return Handle{}, 0, fmt.Errorf("%w: %s", ErrUnknownHandle, handle.ID)
	}
	var stored Handle
	if err := wire.Unmarshal(entry.Value, &stored); err != nil {
		return Handle{}, 0, err
	}
	return stored, entry.Version, nil
}

// Ack moves the acknowledged sequence of a handle forward. Acking a
// deleted handle is a no-op so late deliveries cannot resurrect it.
func (r *Registry) Ack(ctx context.Context, handle Handle, epoch string, seq uint64) error {
	for range maxAckAttempts {
		stored, version, err := r.load(ctx, handle)
		if errors.Is(err, ErrUnknownHandle) {
			return nil
		}
		if err != nil {
			return err
		}
		if stored.Epoch == epoch && stored.LastSeq >= seq {
			return nil
		}
		stored.Epoch = epoch
		stored.LastSeq = seq

		buf, err := wire.Marshal(&stored)
		if err != nil {
			return err
		}
		_, err = r.store.Write(ctx, handleKey(handle), buf, version)
		if errors.Is(err, state.ErrConflict) {
			continue
		}
		return err
	}
	return state.ErrConflict
}

func (r *Registry) Delete(ctx context.Context, handle Handle) error {
	return r.store.Clear(ctx, handleKey(handle), state.AnyVersion)
}

func (r *Registry) List(ctx context.Context, topic Topic, owner string) ([]Handle, error) {
	entries, err := r.store.List(ctx, handlePrefix(topic, owner))
	if err != nil {
		return nil, err
	}
	handles := make([]Handle, 0, len(entries))
	for _, entry := range entries {
		var handle Handle
		if err := wire.Unmarshal(entry.Value, &handle); err != nil {
			return nil, err
		}
		handles = append(handles, handle)
	}
	return handles, nil
}
