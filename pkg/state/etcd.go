package state

import (
	"context"
	"fmt"

	etcd "go.etcd.io/etcd/client/v3"
)

// EtcdStore maps versions onto etcd's ModRevision and enforces them with
// compare-and-swap transactions.
type EtcdStore struct {
	kv     etcd.KV
	prefix string
}

type EtcdOption func(*EtcdStore)

// WithEtcdPrefix namespaces every key written by the store.
func WithEtcdPrefix(prefix string) EtcdOption {
	return func(es *EtcdStore) {
		es.prefix = prefix
	}
}

func NewEtcdStore(kv etcd.KV, opts ...EtcdOption) *EtcdStore {
	es := &EtcdStore{kv: kv}
	for _, opt := range opts {
		opt(es)
	}
	return es
}

func (es *EtcdStore) Read(ctx context.Context, key string) (Entry, error) {
	resp, err := es.kv.Get(ctx, es.prefix+key)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	entry := Entry{Key: key}
	if len(resp.Kvs) > 0 {
		entry.Value = resp.Kvs[0].Value
		entry.Version = Version(resp.Kvs[0].ModRevision)
	}
	return entry, nil
}

func (es *EtcdStore) Write(ctx context.Context, key string, value []byte, expected Version) (Version, error) {
	fullKey := es.prefix + key
	put := etcd.OpPut(fullKey, string(value))

	if expected == AnyVersion {
		resp, err := es.kv.Do(ctx, put)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrBackend, err)
		}
		return Version(resp.Put().Header.Revision), nil
	}

	resp, err := es.kv.Txn(ctx).
		If(versionGuard(fullKey, expected)).
		Then(put).
		Commit()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	if !resp.Succeeded {
		return 0, ErrConflict
	}
	return Version(resp.Header.Revision), nil
}

func (es *EtcdStore) Clear(ctx context.Context, key string, expected Version) error {
	fullKey := es.prefix + key
	del := etcd.OpDelete(fullKey)

	if expected == AnyVersion {
		if _, err := es.kv.Do(ctx, del); err != nil {
			return fmt.Errorf("%w: %w", ErrBackend, err)
		}
		return nil
	}

	txn := es.kv.Txn(ctx).If(versionGuard(fullKey, expected))
	if expected > 0 {
		txn = txn.Then(del)
	}
	resp, err := txn.Commit()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBackend, err)
	}
	if !resp.Succeeded {
		return ErrConflict
	}
	return nil
}

func (es *EtcdStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	resp, err := es.kv.Get(ctx, es.prefix+prefix, etcd.WithPrefix(), etcd.WithSort(etcd.SortByKey, etcd.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	entries := make([]Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		entries = append(entries, Entry{
			Key:     string(kv.Key[len(es.prefix):]),
			Value:   kv.Value,
			Version: Version(kv.ModRevision),
		})
	}
	return entries, nil
}

func versionGuard(key string, expected Version) etcd.Cmp {
	if expected == 0 {
		return etcd.Compare(etcd.CreateRevision(key), "=", 0)
	}
	return etcd.Compare(etcd.ModRevision(key), "=", int64(expected))
}
