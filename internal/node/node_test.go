package node

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metareg-io/metareg/internal/chunkid"
	"github.com/metareg-io/metareg/internal/config"
	"github.com/metareg-io/metareg/internal/engine"
	"github.com/metareg-io/metareg/internal/logging"
	"github.com/metareg-io/metareg/internal/metadata"
	"github.com/metareg-io/metareg/internal/metadata/keys"
	"github.com/metareg-io/metareg/internal/probe"
	"github.com/metareg-io/metareg/internal/registry"
)

var genesisYAML = `
deliveryNetworks:
  - id: net1
    uri: s3://chunks/eu
    country: FR
registries:
  - id: reg1
    owner: alice
    issuer: bob
    hash: ` + strings.Repeat("aa", 32) + `
    country: FR
    deliveryNetwork: net1
    chunks:
      - ` + strings.Repeat("01", 32) + `
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "genesis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(genesisYAML), 0o644))

	cfg := config.Default()
	cfg.Store.Backend = config.BackendMemory
	// rounds are driven by the test
	cfg.Node.RoundIntervalMs = int64(time.Hour / time.Millisecond)
	cfg.Node.HealthAddr = "127.0.0.1:0"
	cfg.Observability.MetricsAddr = "127.0.0.1:0"
	cfg.Genesis.Path = path
	cfg.Authz.Mode = config.AuthzAllowlist
	cfg.Authz.Issuers = []string{"bob"}
	return cfg
}

type countingProber struct {
	calls atomic.Int32
}

func (p *countingProber) prober() probe.Prober {
	return probe.ProberFunc(func(context.Context, *registry.DeliveryNetwork, *registry.Chunk) (registry.Accessibility, error) {
		p.calls.Add(1)
		return registry.Healthy, nil
	})
}

func startNode(t *testing.T, cfg *config.Config, p probe.Prober) *Node {
	t.Helper()
	n, err := New(Options{
		Config:  cfg,
		Logger:  logging.NewForTest(t),
		NodeID:  "node-1",
		Version: "test",
		Prober:  p,
	})
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { n.Shutdown(context.Background()) })
	return n
}

func TestNode_GenesisAndRounds(t *testing.T) {
	ctx := context.Background()
	n := startNode(t, testConfig(t), (&countingProber{}).prober())

	last, ok, err := n.Reader().LastRound(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0), last)

	require.NoError(t, n.Submit(engine.Request{Actor: "alice", Op: engine.SetSalable{ID: "reg1", Salable: true}}))
	require.NoError(t, n.Submit(engine.Request{Actor: "mallory", Op: engine.DeleteRegistry{ID: "reg1"}}))

	result, err := n.RunRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.Round)
	require.Len(t, result.Receipts, 2)
	assert.True(t, result.Receipts[0].OK())
	assert.ErrorIs(t, result.Receipts[1].Err, registry.ErrNonAuthorized)

	round, at, ok := n.LastCommit()
	assert.True(t, ok)
	assert.Equal(t, uint64(1), round)
	assert.WithinDuration(t, time.Now(), at, time.Minute)

	reg, err := n.Reader().Registry(ctx, "reg1")
	require.NoError(t, err)
	assert.True(t, reg.Salable)

	result, err = n.RunRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), result.Round)
}

func TestNode_GenesisOnlyOnEmptyStore(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMemoryStore()
	_, err := store.Put(ctx, keys.EngineRoundKey, []byte("41"))
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Maintenance.Enabled = false
	n, err := New(Options{Config: cfg, Logger: logging.NewForTest(t), Store: store})
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	defer n.Shutdown(ctx)

	_, err = n.Reader().Registry(ctx, "reg1")
	assert.ErrorIs(t, err, registry.ErrRegistryNotExisted)
	assert.NotEmpty(t, n.ID())

	result, err := n.RunRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), result.Round)
}

func TestNode_MaintenanceSubmitsInspection(t *testing.T) {
	ctx := context.Background()
	p := &countingProber{}
	n := startNode(t, testConfig(t), p.prober())

	// the genesis chunk sits in bucket 0, due from round 1 on
	_, err := n.RunRound(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return n.mempool.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), p.calls.Load())

	result, err := n.RunRound(ctx)
	require.NoError(t, err)
	require.Len(t, result.Receipts, 1)
	receipt := result.Receipts[0]
	require.True(t, receipt.OK(), receipt.Error)
	assert.Equal(t, "node-1", receipt.Actor)
	assert.Equal(t, engine.OpInspectChunk, receipt.Op)

	require.Len(t, receipt.Events, 1)
	inspected, ok := receipt.Events[0].(engine.ChunkInspected)
	require.True(t, ok)
	assert.Equal(t, registry.Healthy, inspected.Status)
	assert.Equal(t, uint64(10), inspected.NextBucket)
}

// failingStore fails every transaction once armed.
type failingStore struct {
	*metadata.MemoryStore
	fail atomic.Bool
}

func (s *failingStore) Txn(ctx context.Context, scopeKey string, fn func(metadata.Txn) error) error {
	if s.fail.Load() {
		return metadata.ErrTxnConflict
	}
	return s.MemoryStore.Txn(ctx, scopeKey, fn)
}

func TestNode_FailedRoundRequeues(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: metadata.NewMemoryStore()}
	cfg := testConfig(t)
	cfg.Maintenance.Enabled = false
	n, err := New(Options{Config: cfg, Logger: logging.NewForTest(t), Store: store})
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	defer n.Shutdown(ctx)

	require.NoError(t, n.Submit(engine.Request{Actor: "alice", Op: engine.SetSalable{ID: "reg1", Salable: true}}))
	store.fail.Store(true)
	_, err = n.RunRound(ctx)
	assert.ErrorIs(t, err, metadata.ErrTxnConflict)
	assert.Equal(t, 1, n.mempool.Len())
	_, _, committed := n.LastCommit()
	assert.False(t, committed)

	store.fail.Store(false)
	result, err := n.RunRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.Round)
	require.Len(t, result.Receipts, 1)
	assert.True(t, result.Receipts[0].OK())
	assert.Zero(t, n.mempool.Len())
}

func TestNode_InvariantViolationDropsOffendingRequest(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMemoryStore()
	cfg := testConfig(t)
	cfg.Maintenance.Enabled = false
	n, err := New(Options{Config: cfg, Logger: logging.NewForTest(t), Store: store})
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	defer n.Shutdown(ctx)

	h, err := chunkid.ParseHash(strings.Repeat("01", 32))
	require.NoError(t, err)
	id := chunkid.For("reg1", h)
	require.NoError(t, store.Delete(ctx, keys.ChunkBlockKeyPath(0, id.String())))

	require.NoError(t, n.Submit(engine.Request{Actor: "alice", Op: engine.SetSalable{ID: "reg1", Salable: true}}))
	require.NoError(t, n.Submit(engine.Request{Actor: "node-1", Op: engine.NewInspectChunk(1, id, registry.Healthy)}))

	_, err = n.RunRound(ctx)
	var invariant *engine.InvariantError
	require.ErrorAs(t, err, &invariant)
	assert.Equal(t, 1, n.mempool.Len(), "only the offending request is dropped")

	result, err := n.RunRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.Round)
	require.Len(t, result.Receipts, 1)
	assert.Equal(t, engine.OpSetSalable, result.Receipts[0].Op)
	assert.True(t, result.Receipts[0].OK())
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestNode_Servers(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Maintenance.Enabled = false
	n := startNode(t, cfg, nil)

	_, err := n.RunRound(ctx)
	require.NoError(t, err)

	code, _ := get(t, "http://"+n.HealthAddr()+"/healthz")
	assert.Equal(t, http.StatusOK, code)

	code, body := get(t, "http://"+n.HealthAddr()+"/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "metadata_store")
	assert.Contains(t, body, "round_loop")

	code, body = get(t, "http://"+n.MetricsAddr()+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "metareg_engine_rounds_total 1")

	require.NoError(t, n.Shutdown(ctx))
	require.NoError(t, n.Shutdown(ctx))
	_, err = http.Get("http://" + n.HealthAddr() + "/healthz")
	assert.Error(t, err)
}

func TestNode_StartTwice(t *testing.T) {
	cfg := testConfig(t)
	cfg.Maintenance.Enabled = false
	n := startNode(t, cfg, nil)
	assert.ErrorIs(t, n.Start(context.Background()), errAlreadyStarted)
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	store, err := OpenStore(ctx, config.StoreConfig{Backend: config.BackendMemory}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenStore(ctx, config.StoreConfig{
		Backend:        config.BackendBadger,
		Path:           t.TempDir(),
		EphemeralTTLMs: 2000,
	}, logging.NewForTest(t))
	require.NoError(t, err)
	_, err = store.Put(ctx, keys.EngineRoundKey, []byte("1"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = OpenStore(ctx, config.StoreConfig{Backend: "etcd"}, nil)
	assert.Error(t, err)
}
