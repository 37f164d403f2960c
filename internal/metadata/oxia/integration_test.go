package oxia

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/metareg-io/metareg/internal/lease"
	"github.com/metareg-io/metareg/internal/metadata"
	"github.com/metareg-io/metareg/internal/metadata/keys"
)

// These tests use an embedded Oxia standalone server by default.
// To test against an external server, set the OXIA_SERVICE_ADDRESS environment variable.

// Oxia requires a minimum session timeout of 5 seconds.
const minSessionTimeout = 5 * time.Second

func testConfig(addr string) Config {
	return Config{
		ServiceAddress: addr,
		Namespace:      "default",
		RequestTimeout: 10 * time.Second,
		SessionTimeout: minSessionTimeout,
	}
}

func newIntegrationTestStore(t *testing.T) (*Store, *TestServer) {
	t.Helper()
	if testing.Short() {
		t.Skip("starts an embedded Oxia server")
	}

	server := StartTestServer(t)
	store, err := New(context.Background(), testConfig(server.Addr()))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, server
}

func TestIntegration_GetPutDelete(t *testing.T) {
	store, _ := newIntegrationTestStore(t)
	ctx := context.Background()
	key := keys.RegistryKeyPath("reg-1")

	version, err := store.Put(ctx, key, []byte(`{"id":"reg-1"}`))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if version < 1 {
		t.Errorf("expected version >= 1, got %d", version)
	}

	result, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !result.Exists || string(result.Value) != `{"id":"reg-1"}` || result.Version != version {
		t.Errorf("Get = %+v", result)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete of missing key failed: %v", err)
	}
	result, err = store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if result.Exists {
		t.Error("expected key to be deleted")
	}
}

func TestIntegration_CAS(t *testing.T) {
	store, _ := newIntegrationTestStore(t)
	ctx := context.Background()
	key := keys.EngineRoundKey

	v1, err := store.Put(ctx, key, []byte("1"), metadata.WithExpectedVersion(0))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := store.Put(ctx, key, []byte("x"), metadata.WithExpectedVersion(0)); !errors.Is(err, metadata.ErrVersionMismatch) {
		t.Errorf("expected ErrVersionMismatch on duplicate create, got %v", err)
	}
	v2, err := store.Put(ctx, key, []byte("2"), metadata.WithExpectedVersion(v1))
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if v2 <= v1 {
		t.Errorf("expected version to increase: %d -> %d", v1, v2)
	}
	if _, err := store.Put(ctx, key, []byte("3"), metadata.WithExpectedVersion(v1)); !errors.Is(err, metadata.ErrVersionMismatch) {
		t.Errorf("expected ErrVersionMismatch on stale update, got %v", err)
	}
	if err := store.Delete(ctx, key, metadata.WithDeleteExpectedVersion(v1)); !errors.Is(err, metadata.ErrVersionMismatch) {
		t.Errorf("expected ErrVersionMismatch on stale delete, got %v", err)
	}
}

func TestIntegration_ListChildren(t *testing.T) {
	store, _ := newIntegrationTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := store.Put(ctx, keys.RegistryKeyPath(id), []byte(id)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if _, err := store.Put(ctx, keys.AccessKeyPath("a", "alice"), []byte(`"owner"`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	all, err := store.List(ctx, keys.RegistriesPrefix, "", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 registries, got %d", len(all))
	}

	// the range form used by paging readers
	rest, err := store.List(ctx, keys.After(keys.RegistryKeyPath("a")), keys.PrefixEnd(keys.RegistriesPrefix), 1)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(rest) != 1 || rest[0].Key != keys.RegistryKeyPath("b") {
		t.Errorf("expected registry b after a, got %v", rest)
	}

	grants, err := store.List(ctx, keys.AccessPrefix("a"), keys.PrefixEnd(keys.AccessPrefix("a")), 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(grants) != 1 || grants[0].Key != keys.AccessKeyPath("a", "alice") {
		t.Errorf("unexpected grants %v", grants)
	}
}

func TestIntegration_Transaction(t *testing.T) {
	store, _ := newIntegrationTestStore(t)
	ctx := context.Background()

	err := store.Txn(ctx, keys.Root, func(txn metadata.Txn) error {
		txn.Put(keys.RegistryKeyPath("r1"), []byte("r1"))
		txn.Put(keys.AccessKeyPath("r1", "alice"), []byte(`"owner"`))
		return nil
	})
	if err != nil {
		t.Fatalf("Txn failed: %v", err)
	}

	err = store.Txn(ctx, keys.Root, func(txn metadata.Txn) error {
		if _, _, err := txn.Get(keys.RegistryKeyPath("r1")); err != nil {
			return err
		}
		txn.Delete(keys.AccessKeyPath("r1", "alice"))
		txn.Delete(keys.RegistryKeyPath("r1"))
		return nil
	})
	if err != nil {
		t.Fatalf("Txn failed: %v", err)
	}

	result, err := store.Get(ctx, keys.RegistryKeyPath("r1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if result.Exists {
		t.Error("expected registry to be deleted")
	}
}

func TestIntegration_TransactionRollbackOnConflict(t *testing.T) {
	store, _ := newIntegrationTestStore(t)
	ctx := context.Background()

	key1 := keys.RegistryKeyPath("new")
	key2 := keys.RegistryKeyPath("old")
	version, err := store.Put(ctx, key2, []byte("value2"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	err = store.Txn(ctx, keys.Root, func(txn metadata.Txn) error {
		txn.Put(key1, []byte("value1"))
		txn.PutWithVersion(key2, []byte("value2-updated"), version+1)
		return nil
	})
	if !errors.Is(err, metadata.ErrTxnConflict) {
		t.Fatalf("expected ErrTxnConflict, got %v", err)
	}

	result1, _ := store.Get(ctx, key1)
	if result1.Exists {
		t.Errorf("expected %s to be rolled back", key1)
	}
	result2, _ := store.Get(ctx, key2)
	if string(result2.Value) != "value2" {
		t.Errorf("expected %s unchanged, got %q", key2, result2.Value)
	}
}

func TestIntegration_TransactionScope(t *testing.T) {
	store, _ := newIntegrationTestStore(t)
	err := store.Txn(context.Background(), "/elsewhere", func(metadata.Txn) error { return nil })
	if err == nil {
		t.Fatal("expected error for a scope outside the partition")
	}
}

func TestIntegration_EphemeralDeletedOnSessionExpiry(t *testing.T) {
	_, server := newIntegrationTestStore(t)
	ctx := context.Background()
	cfg := testConfig(server.Addr())
	key := keys.LeaseKeyPath("chunk-inspection")

	first, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if _, err := first.PutEphemeral(ctx, key, []byte("node-a"), metadata.WithEphemeralExpectNotExists()); err != nil {
		t.Fatalf("PutEphemeral failed: %v", err)
	}

	second, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer second.Close()
	if _, err := second.PutEphemeral(ctx, key, []byte("node-b"), metadata.WithEphemeralExpectNotExists()); !errors.Is(err, metadata.ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch while held, got %v", err)
	}

	first.Close()

	deadline := time.Now().Add(minSessionTimeout + 5*time.Second)
	for time.Now().Before(deadline) {
		result, err := second.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !result.Exists {
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Error("ephemeral key should be deleted after session expires")
}

func TestIntegration_LeaseManager(t *testing.T) {
	store, _ := newIntegrationTestStore(t)
	ctx := context.Background()

	a, err := lease.NewManager(store, "node-a", lease.DefaultConfig())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	b, err := lease.NewManager(store, "node-b", lease.DefaultConfig())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	res, err := a.Acquire(ctx, "chunk-inspection", 10)
	if err != nil || !res.Acquired {
		t.Fatalf("node-a acquire = %+v, %v", res, err)
	}
	res, err = b.Acquire(ctx, "chunk-inspection", 11)
	if err != nil || res.Acquired {
		t.Fatalf("node-b acquire while held = %+v, %v", res, err)
	}
	if err := a.Release(ctx, "chunk-inspection"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	res, err = b.Acquire(ctx, "chunk-inspection", 12)
	if err != nil || !res.Acquired {
		t.Fatalf("node-b acquire after release = %+v, %v", res, err)
	}
}

func TestIntegration_ClosedStore(t *testing.T) {
	store, _ := newIntegrationTestStore(t)
	ctx := context.Background()
	store.Close()

	if _, err := store.Get(ctx, "/a"); !errors.Is(err, metadata.ErrStoreClosed) {
		t.Errorf("Get: expected ErrStoreClosed, got %v", err)
	}
	if _, err := store.PutEphemeral(ctx, "/a", nil); !errors.Is(err, metadata.ErrStoreClosed) {
		t.Errorf("PutEphemeral: expected ErrStoreClosed, got %v", err)
	}
	if err := store.Txn(ctx, keys.Root, func(metadata.Txn) error { return nil }); !errors.Is(err, metadata.ErrStoreClosed) {
		t.Errorf("Txn: expected ErrStoreClosed, got %v", err)
	}
}
