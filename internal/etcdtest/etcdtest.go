// Package etcdtest connects tests to a real etcd cluster. Tests calling
// ClientForTest are skipped unless HUBMESH_ETCD_ENDPOINT is set.
package etcdtest

import (
	"context"
	"os"
	"time"

	"github.com/gofrs/uuid/v5"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/namespace"
	"go.uber.org/zap"
)

const EndpointEnv = "HUBMESH_ETCD_ENDPOINT"

type testingT interface {
	Helper()
	Cleanup(f func())
	Skipf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// ClientForTest returns a client whose KV, Lease and Watcher are scoped to
// a random namespace that is deleted once the test ends.
func ClientForTest(t testingT) *etcd.Client {
	t.Helper()

	endpoint := os.Getenv(EndpointEnv)
	if endpoint == "" {
		t.Skipf("etcd tests are disabled, set %s to enable them", EndpointEnv)
	}

	client, err := etcd.New(etcd.Config{
		Endpoints:   []string{endpoint},
		DialTimeout: 5 * time.Second,
		Username:    os.Getenv("HUBMESH_ETCD_USERNAME"),
		Password:    os.Getenv("HUBMESH_ETCD_PASSWORD"),
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("cannot create etcd client: %s", err)
	}

	rawKV := client.KV
	prefix := "test-" + uuid.Must(uuid.NewV4()).String() + "/"
	client.KV = namespace.NewKV(client.KV, prefix)
	client.Lease = namespace.NewLease(client.Lease, prefix)
	client.Watcher = namespace.NewWatcher(client.Watcher, prefix)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := rawKV.Delete(ctx, prefix, etcd.WithPrefix()); err != nil {
			t.Fatalf("cannot clear etcd namespace %q: %s", prefix, err)
		}
		_ = client.Close()
	})

	return client
}
