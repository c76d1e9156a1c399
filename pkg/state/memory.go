package state

import (
	"bytes"
	"context"
	"sync"

	"github.com/armon/go-radix"
)

type memoryRecord struct {
	value   []byte
	version Version
}

// MemoryStore keeps entries in a radix tree so prefix listings are cheap.
// Versions come from a single store-wide counter, like an etcd revision.
type MemoryStore struct {
	lk       sync.RWMutex
	tree     *radix.Tree
	revision Version
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tree: radix.New()}
}

func (ms *MemoryStore) Read(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	ms.lk.RLock()
	defer ms.lk.RUnlock()
	if ms.closed {
		return Entry{}, ErrClosed
	}
	entry := Entry{Key: key}
	if rec, ok := ms.lookup(key); ok {
		entry.Value = bytes.Clone(rec.value)
		entry.Version = rec.version
	}
	return entry, nil
}

func (ms *MemoryStore) Write(ctx context.Context, key string, value []byte, expected Version) (Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ms.lk.Lock()
	defer ms.lk.Unlock()
	if ms.closed {
		return 0, ErrClosed
	}
	if expected != AnyVersion && ms.currentVersion(key) != expected {
		return 0, ErrConflict
	}
	ms.revision++
	ms.tree.Insert(key, &memoryRecord{
		value:   bytes.Clone(value),
		version: ms.revision,
	})
	return ms.revision, nil
}

func (ms *MemoryStore) Clear(ctx context.Context, key string, expected Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ms.lk.Lock()
	defer ms.lk.Unlock()
	if ms.closed {
		return ErrClosed
	}
	if expected != AnyVersion && ms.currentVersion(key) != expected {
		return ErrConflict
	}
	if _, deleted := ms.tree.Delete(key); deleted {
		ms.revision++
	}
	return nil
}

func (ms *MemoryStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms.lk.RLock()
	defer ms.lk.RUnlock()
	if ms.closed {
		return nil, ErrClosed
	}
	var entries []Entry
	ms.tree.WalkPrefix(prefix, func(key string, v interface{}) bool {
		rec := v.(*memoryRecord)
		entries = append(entries, Entry{
			Key:     key,
			Value:   bytes.Clone(rec.value),
			Version: rec.version,
		})
		return false
	})
	return entries, nil
}

// Close makes every further call fail with ErrClosed.
func (ms *MemoryStore) Close() {
	ms.lk.Lock()
	defer ms.lk.Unlock()
	ms.closed = true
}

func (ms *MemoryStore) lookup(key string) (*memoryRecord, bool) {
	v, ok := ms.tree.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*memoryRecord), true
}

func (ms *MemoryStore) currentVersion(key string) Version {
	if rec, ok := ms.lookup(key); ok {
		return rec.version
	}
	return 0
}
