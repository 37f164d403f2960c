package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metareg-io/metareg/internal/chunkid"
	"github.com/metareg-io/metareg/internal/engine"
	"github.com/metareg-io/metareg/internal/lease"
	"github.com/metareg-io/metareg/internal/logging"
	"github.com/metareg-io/metareg/internal/metadata"
	"github.com/metareg-io/metareg/internal/metrics"
	"github.com/metareg-io/metareg/internal/probe"
	"github.com/metareg-io/metareg/internal/registry"
	"github.com/metareg-io/metareg/internal/scheduler"
)

func hash(b byte) chunkid.Hash {
	var h chunkid.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func staticProber(status registry.Accessibility, err error) probe.Prober {
	return probe.ProberFunc(func(context.Context, *registry.DeliveryNetwork, *registry.Chunk) (registry.Accessibility, error) {
		return status, err
	})
}

type fixture struct {
	ctx     context.Context
	store   *metadata.MemoryStore
	engine  *engine.Engine
	mempool *engine.Mempool
	leases  *lease.Manager
	metrics *metrics.MaintenanceMetrics
	logger  *logging.Logger
}

// newFixture commits a delivery network and a two-chunk registry in
// round 1, so both chunks sit in bucket 10.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := metadata.NewMemoryStore()
	logger := logging.NewForTest(t)
	eng := engine.New(store, engine.DefaultConfig(), engine.WithLogger(logger))

	res, err := eng.ExecuteRound(ctx, 1, []engine.Request{
		{Actor: "c", Op: engine.CreateDeliveryNetwork{ID: "net1", URI: "s3://chunks", Country: "FR"}},
		{Actor: "B", Op: engine.CreateRegistry{
			ID:                "reg1",
			Owner:             "A",
			Issuer:            "B",
			Country:           "FR",
			DeliveryNetworkID: "net1",
			ChunkHashes:       []chunkid.Hash{hash(1), hash(2)},
		}},
	})
	require.NoError(t, err)
	for _, r := range res.Receipts {
		require.NoError(t, r.Err)
	}

	leases, err := lease.NewManager(store, "node-1", lease.Config{Rounds: 3, TTL: time.Minute})
	require.NoError(t, err)

	return &fixture{
		ctx:     ctx,
		store:   store,
		engine:  eng,
		mempool: engine.NewMempool(16, nil),
		leases:  leases,
		metrics: metrics.NewMaintenanceMetricsWithRegistry(prometheus.NewRegistry()),
		logger:  logger,
	}
}

func (f *fixture) driver(p probe.Prober, cfg Config) *Driver {
	return NewDriver(f.engine.Reader(), p, f.leases, f.mempool, cfg, f.metrics, f.logger)
}

func TestDriver_SubmitsInspectionForNextRound(t *testing.T) {
	f := newFixture(t)
	d := f.driver(staticProber(registry.Healthy, nil), DefaultConfig())

	out := d.Tick(f.ctx, 10)
	require.Equal(t, metrics.TickSubmitted, out.Result)
	assert.Equal(t, uint64(10), out.Bucket)
	assert.Equal(t, registry.Healthy, out.Status)

	reqs := f.mempool.Drain(0)
	require.Len(t, reqs, 1)
	assert.Equal(t, "node-1", reqs[0].Actor)
	op, ok := reqs[0].Op.(engine.InspectChunk)
	require.True(t, ok)
	assert.Equal(t, uint64(11), *op.Round)
	assert.Equal(t, out.ChunkID, *op.ChunkID)

	res, err := f.engine.ExecuteRound(f.ctx, 11, reqs)
	require.NoError(t, err)
	require.NoError(t, res.Receipts[0].Err)

	chunk, err := f.engine.Reader().Chunk(f.ctx, out.ChunkID)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), chunk.Bucket)
	assert.Equal(t, registry.Healthy, chunk.Status)

	// The next tick picks the chunk left in bucket 10.
	out2 := d.Tick(f.ctx, 11)
	require.Equal(t, metrics.TickSubmitted, out2.Result)
	assert.NotEqual(t, out.ChunkID, out2.ChunkID)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.TicksTotal.WithLabelValues(metrics.TickSubmitted)))
}

func TestDriver_NothingDue(t *testing.T) {
	f := newFixture(t)
	d := f.driver(staticProber(registry.Healthy, nil), DefaultConfig())

	out := d.Tick(f.ctx, 5)
	assert.Equal(t, metrics.TickNothingDue, out.Result)
	assert.Equal(t, 0, f.mempool.Len())
}

func TestDriver_SkipsWhenLeaseHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	other, err := lease.NewManager(f.store, "node-2", lease.Config{Rounds: 3, TTL: time.Minute})
	require.NoError(t, err)
	held, err := other.Acquire(f.ctx, LeaseName, 10)
	require.NoError(t, err)
	require.True(t, held.Acquired)

	d := f.driver(staticProber(registry.Healthy, nil), DefaultConfig())
	assert.Equal(t, metrics.TickLeaseHeld, d.Tick(f.ctx, 10).Result)
	assert.Equal(t, 0, f.mempool.Len())

	// Once node-2's lease lapses by rounds, node-1 takes over.
	assert.Equal(t, metrics.TickSubmitted, d.Tick(f.ctx, 13).Result)
}

func TestDriver_ProbeError(t *testing.T) {
	f := newFixture(t)
	d := f.driver(staticProber("", errors.New("connection refused")), DefaultConfig())

	out := d.Tick(f.ctx, 10)
	assert.Equal(t, metrics.TickProbeError, out.Result)
	assert.Equal(t, 0, f.mempool.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TicksTotal.WithLabelValues(metrics.TickProbeError)))
}

func TestDriver_Timeout(t *testing.T) {
	f := newFixture(t)
	blocking := probe.ProberFunc(func(ctx context.Context, _ *registry.DeliveryNetwork, _ *registry.Chunk) (registry.Accessibility, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	d := f.driver(blocking, Config{Deadline: 20 * time.Millisecond})

	out := d.Tick(f.ctx, 10)
	assert.Equal(t, metrics.TickTimeout, out.Result)
	assert.Equal(t, 0, f.mempool.Len())
}

func TestDriver_SubmitFailure(t *testing.T) {
	f := newFixture(t)
	f.mempool = engine.NewMempool(1, nil)
	require.NoError(t, f.mempool.Submit(engine.Request{Actor: "x", Op: engine.DeleteRegistry{ID: "r"}}))
	d := f.driver(staticProber(registry.Broken, nil), DefaultConfig())

	assert.Equal(t, metrics.TickError, d.Tick(f.ctx, 10).Result)
}

type fakeReader struct {
	entries    []scheduler.Entry
	chunks     map[chunkid.ID]*registry.Chunk
	registries map[string]*registry.Registry
	examined   int
}

func (r *fakeReader) Due(_ context.Context, round uint64, after *scheduler.Entry, limit int) ([]scheduler.Entry, error) {
	start := 0
	if after != nil {
		for i, e := range r.entries {
			if e == *after {
				start = i + 1
			}
		}
	}
	var out []scheduler.Entry
	for _, e := range r.entries[start:] {
		if e.Round > round || (limit > 0 && len(out) == limit) {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *fakeReader) Chunk(_ context.Context, id chunkid.ID) (*registry.Chunk, error) {
	r.examined++
	c, ok := r.chunks[id]
	if !ok {
		return nil, registry.ErrChunkNotExisted
	}
	return c, nil
}

func (r *fakeReader) Registry(_ context.Context, id string) (*registry.Registry, error) {
	reg, ok := r.registries[id]
	if !ok {
		return nil, registry.ErrRegistryNotExisted
	}
	return reg, nil
}

func (r *fakeReader) DeliveryNetwork(_ context.Context, id string) (*registry.DeliveryNetwork, error) {
	return &registry.DeliveryNetwork{ID: id, URI: "https://cdn"}, nil
}

func fakeDriver(t *testing.T, reader *fakeReader, cfg Config) *Driver {
	t.Helper()
	leases, err := lease.NewManager(metadata.NewMemoryStore(), "node-1", lease.DefaultConfig())
	require.NoError(t, err)
	return NewDriver(reader, staticProber(registry.Broken, nil), leases, engine.NewMempool(0, nil), cfg, nil, logging.NewForTest(t))
}

func TestDriver_SkipsDeletedAndMissing(t *testing.T) {
	gone := chunkid.For("gone", hash(1))
	deleted := chunkid.For("dead", hash(2))
	live := chunkid.For("live", hash(3))
	reader := &fakeReader{
		entries: []scheduler.Entry{{Round: 7, ID: gone}, {Round: 7, ID: deleted}, {Round: 7, ID: live}},
		chunks: map[chunkid.ID]*registry.Chunk{
			deleted: {ID: deleted, RegistryID: "dead"},
			live:    {ID: live, RegistryID: "live"},
		},
		registries: map[string]*registry.Registry{
			"dead": {ID: "dead", Status: registry.Deleted},
			"live": {ID: "live", Status: registry.Healthy, DeliveryNetworkID: "n"},
		},
	}
	d := fakeDriver(t, reader, DefaultConfig())

	out := d.Tick(context.Background(), 7)
	require.Equal(t, metrics.TickSubmitted, out.Result)
	assert.Equal(t, live, out.ChunkID)

	reader.entries = reader.entries[:2]
	assert.Equal(t, metrics.TickNothingDue, d.Tick(context.Background(), 8).Result)
}

func TestDriver_MovesPastBucketOfDeletedRegistries(t *testing.T) {
	reader := &fakeReader{
		chunks: map[chunkid.ID]*registry.Chunk{},
		registries: map[string]*registry.Registry{
			"dead": {ID: "dead", Status: registry.Deleted},
			"live": {ID: "live", Status: registry.Healthy, DeliveryNetworkID: "n"},
		},
	}
	for i := 0; i < 100; i++ {
		id := chunkid.For("dead", hash(byte(i)))
		reader.entries = append(reader.entries, scheduler.Entry{Round: 10, ID: id})
		reader.chunks[id] = &registry.Chunk{ID: id, RegistryID: "dead"}
	}
	live := chunkid.For("live", hash(1))
	reader.entries = append(reader.entries, scheduler.Entry{Round: 20, ID: live})
	reader.chunks[live] = &registry.Chunk{ID: live, RegistryID: "live"}

	d := fakeDriver(t, reader, DefaultConfig())

	// Bucket 20 is not yet due at round 15.
	assert.Equal(t, metrics.TickNothingDue, d.Tick(context.Background(), 15).Result)

	out := d.Tick(context.Background(), 25)
	require.Equal(t, metrics.TickSubmitted, out.Result)
	assert.Equal(t, live, out.ChunkID)
	assert.Equal(t, uint64(20), out.Bucket)
}

func TestDriver_ScanLimitBoundsTick(t *testing.T) {
	reader := &fakeReader{chunks: map[chunkid.ID]*registry.Chunk{}}
	for i := 0; i < 200; i++ {
		reader.entries = append(reader.entries, scheduler.Entry{Round: 10, ID: chunkid.For("gone", hash(byte(i)))})
	}

	d := fakeDriver(t, reader, Config{ScanLimit: 50})
	assert.Equal(t, metrics.TickNothingDue, d.Tick(context.Background(), 10).Result)
	assert.Equal(t, 50, reader.examined)
}

func TestDriver_StartNotifyStop(t *testing.T) {
	f := newFixture(t)
	d := f.driver(staticProber(registry.Healthy, nil), DefaultConfig())
	d.Start()

	d.Notify(10)
	require.Eventually(t, func() bool { return f.mempool.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	held, err := f.leases.Get(f.ctx, LeaseName)
	require.NoError(t, err)
	require.NotNil(t, held)

	d.Stop()
	held, err = f.leases.Get(f.ctx, LeaseName)
	require.NoError(t, err)
	assert.Nil(t, held, "lease is released on stop")
}

func TestDriver_NotifyKeepsLatestRound(t *testing.T) {
	f := newFixture(t)
	d := f.driver(staticProber(registry.Healthy, nil), DefaultConfig())

	d.Notify(3)
	d.Notify(4)
	d.Notify(10)
	assert.Equal(t, uint64(10), <-d.roundCh)
}
