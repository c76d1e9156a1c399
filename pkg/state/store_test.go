package state_test

import (
	"context"
	"testing"

	"github.com/raskyld/hubmesh/internal/etcdtest"
	"github.com/raskyld/hubmesh/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, func(t *testing.T) state.Store {
		return state.NewMemoryStore()
	})
}

func TestEtcdStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, func(t *testing.T) state.Store {
		client := etcdtest.ClientForTest(t)
		return state.NewEtcdStore(client, state.WithEtcdPrefix(state.EntitiesNamespace))
	})
}

func TestPrefixedStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, func(t *testing.T) state.Store {
		return state.Prefixed(state.NewMemoryStore(), "ns/")
	})

	t.Run("isolation", func(t *testing.T) {
		ctx := context.Background()
		backend := state.NewMemoryStore()
		a := state.Prefixed(backend, "a/")
		b := state.Prefixed(backend, "b/")

		_, err := a.Write(ctx, "key", []byte("from-a"), 0)
		require.NoError(t, err)

		entry, err := b.Read(ctx, "key")
		require.NoError(t, err)
		assert.False(t, entry.Exists())

		all, err := backend.List(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "a/key", all[0].Key)
	})
}

func TestMemoryStore_Closed(t *testing.T) {
	ms := state.NewMemoryStore()
	ms.Close()

	_, err := ms.Read(context.Background(), "k")
	require.ErrorIs(t, err, state.ErrClosed)
	_, err = ms.Write(context.Background(), "k", nil, state.AnyVersion)
	require.ErrorIs(t, err, state.ErrClosed)
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) state.Store) {
	t.Run("missing key", func(t *testing.T) {
		store := newStore(t)
		entry, err := store.Read(context.Background(), "nope")
		require.NoError(t, err)
		assert.False(t, entry.Exists())
		assert.Equal(t, "nope", entry.Key)
		assert.Equal(t, state.Version(0), entry.Version)
	})

	t.Run("optimistic write", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		v1, err := store.Write(ctx, "k", []byte("one"), 0)
		require.NoError(t, err)
		require.Positive(t, v1)

		// Creating twice must conflict.
		_, err = store.Write(ctx, "k", []byte("dup"), 0)
		require.ErrorIs(t, err, state.ErrConflict)

		v2, err := store.Write(ctx, "k", []byte("two"), v1)
		require.NoError(t, err)
		require.Greater(t, v2, v1)

		// Stale version.
		_, err = store.Write(ctx, "k", []byte("stale"), v1)
		require.ErrorIs(t, err, state.ErrConflict)

		entry, err := store.Read(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "two", string(entry.Value))
		assert.Equal(t, v2, entry.Version)

		v3, err := store.Write(ctx, "k", []byte("forced"), state.AnyVersion)
		require.NoError(t, err)
		require.Greater(t, v3, v2)
	})

	t.Run("clear", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		require.NoError(t, store.Clear(ctx, "absent", 0))

		v, err := store.Write(ctx, "k", []byte("x"), 0)
		require.NoError(t, err)

		require.ErrorIs(t, store.Clear(ctx, "k", 0), state.ErrConflict)
		require.ErrorIs(t, store.Clear(ctx, "k", v+100), state.ErrConflict)
		require.NoError(t, store.Clear(ctx, "k", v))

		entry, err := store.Read(ctx, "k")
		require.NoError(t, err)
		assert.False(t, entry.Exists())

		_, err = store.Write(ctx, "k", []byte("again"), 0)
		require.NoError(t, err)
		require.NoError(t, store.Clear(ctx, "k", state.AnyVersion))
	})

	t.Run("list", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		for _, key := range []string{"group:b", "group:a", "user:a", "group:c"} {
			_, err := store.Write(ctx, key, []byte(key), 0)
			require.NoError(t, err)
		}

		entries, err := store.List(ctx, "group:")
		require.NoError(t, err)
		keys := make([]string, 0, len(entries))
		for _, e := range entries {
			keys = append(keys, e.Key)
			assert.Equal(t, e.Key, string(e.Value))
			assert.True(t, e.Exists())
		}
		assert.Equal(t, []string{"group:a", "group:b", "group:c"}, keys)

		entries, err = store.List(ctx, "nothing/")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("values are copied", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		buf := []byte("abc")
		_, err := store.Write(ctx, "k", buf, 0)
		require.NoError(t, err)
		buf[0] = 'z'

		entry, err := store.Read(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "abc", string(entry.Value))
	})
}
