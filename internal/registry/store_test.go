package registry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metareg-io/metareg/internal/chunkid"
	"github.com/metareg-io/metareg/internal/metadata"
	"github.com/metareg-io/metareg/internal/metadata/keys"
	"github.com/metareg-io/metareg/internal/region"
	"github.com/metareg-io/metareg/internal/scheduler"
	"github.com/metareg-io/metareg/internal/state"
)

type recordingQueue struct {
	ids []string
}

func (q *recordingQueue) Enqueue(_ context.Context, _ *state.Overlay, id string) error {
	q.ids = append(q.ids, id)
	return nil
}

type fixture struct {
	ctx   context.Context
	store *Store
	queue *recordingQueue
	tx    *state.Overlay
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	q := &recordingQueue{}
	return &fixture{
		ctx:   context.Background(),
		store: NewStore(scheduler.New(10), q, DefaultLimits()),
		queue: q,
		tx:    state.New(metadata.NewMemoryStore()),
	}
}

func hash(b byte) chunkid.Hash {
	var h chunkid.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func (f *fixture) network(t *testing.T, id string) {
	t.Helper()
	_, err := f.store.CreateDeliveryNetwork(f.ctx, f.tx, DeliveryNetworkParams{ID: id, URI: "uri://x", Country: "FR"})
	require.NoError(t, err)
}

func reg1Params() RegistryParams {
	return RegistryParams{
		ID:                "reg1",
		Owner:             "A",
		Issuer:            "B",
		Author:            "B",
		Hash:              hash(0xaa),
		Info:              []byte("I"),
		Country:           "FR",
		DeliveryNetworkID: "net1",
		ChunkHashes:       []chunkid.Hash{hash(1), hash(2)},
	}
}

// snapshot returns every live key and value visible through tx.
func snapshot(t *testing.T, tx *state.Overlay) map[string]string {
	t.Helper()
	kvs, err := tx.Scan(context.Background(), keys.Root, "", 0)
	require.NoError(t, err)
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = string(kv.Value)
	}
	return out
}

func TestNetworkThenRegistry(t *testing.T) {
	f := newFixture(t)

	network, err := f.store.CreateDeliveryNetwork(f.ctx, f.tx, DeliveryNetworkParams{ID: "net1", URI: "uri://x", Country: "FR"})
	require.NoError(t, err)
	assert.Equal(t, region.Europe, network.Region)
	assert.Equal(t, region.WesternEurope, network.SubRegion)

	reg, err := f.store.CreateRegistry(f.ctx, f.tx, reg1Params(), 37)
	require.NoError(t, err)
	assert.Equal(t, New, reg.Status)
	assert.Equal(t, uint32(2), reg.Accessors)
	assert.Equal(t, region.Europe, reg.Region)
	assert.Equal(t, region.WesternEurope, reg.SubRegion)

	stored, err := f.store.GetRegistry(f.ctx, f.tx, "reg1")
	require.NoError(t, err)
	assert.Equal(t, New, stored.Status)

	access, ok, err := f.store.GetAccess(f.ctx, f.tx, "reg1", "A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Owner, access)
	access, ok, err = f.store.GetAccess(f.ctx, f.tx, "reg1", "B")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Issuer, access)

	ids, ok, err := f.store.Wheel().Bucket(f.ctx, f.tx, 40)
	require.NoError(t, err)
	require.True(t, ok)
	assert.ElementsMatch(t, reg.ChunkIDs(), ids)

	for _, id := range reg.ChunkIDs() {
		chunk, err := f.store.GetChunk(f.ctx, f.tx, id)
		require.NoError(t, err)
		assert.Equal(t, New, chunk.Status)
		assert.Equal(t, uint64(37), chunk.LastRound)
		assert.Equal(t, uint64(40), chunk.Bucket)
		assert.Equal(t, "reg1", chunk.RegistryID)
	}
}

func TestDuplicateRegistryRejected(t *testing.T) {
	f := newFixture(t)
	f.network(t, "net1")
	_, err := f.store.CreateRegistry(f.ctx, f.tx, reg1Params(), 1)
	require.NoError(t, err)

	before := snapshot(t, f.tx)
	child := f.tx.Child()
	_, err = f.store.CreateRegistry(f.ctx, child, reg1Params(), 2)
	assert.True(t, errors.Is(err, ErrRegistryAlreadyExisted))
	assert.Equal(t, 0, child.Pending())
	assert.Equal(t, before, snapshot(t, f.tx))
}

func TestCreateRegistryChunkCollisionWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.network(t, "net1")
	_, err := f.store.CreateRegistry(f.ctx, f.tx, reg1Params(), 1)
	require.NoError(t, err)

	// The second hash of reg2 collides with a chunk already in the store.
	p := reg1Params()
	p.ID = "reg2"
	p.ChunkHashes = []chunkid.Hash{hash(3), hash(4)}
	stray := chunkid.For("reg2", hash(4))
	require.NoError(t, f.tx.PutJSON(keys.ChunkKeyPath(stray.String()), &Chunk{ID: stray, RegistryID: "other"}))
	before := snapshot(t, f.tx)

	child := f.tx.Child()
	_, err = f.store.CreateRegistry(f.ctx, child, p, 5)
	assert.True(t, errors.Is(err, ErrChunkAlreadyExisted))
	assert.Equal(t, 0, child.Pending(), "no write may happen before validation completes")
	assert.Equal(t, before, snapshot(t, child))

	_, err = f.store.GetRegistry(f.ctx, child, "reg2")
	assert.True(t, errors.Is(err, ErrRegistryNotExisted))
	_, ok, err := f.store.GetAccess(f.ctx, child, "reg2", "A")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateRegistryDuplicateHashInList(t *testing.T) {
	f := newFixture(t)
	f.network(t, "net1")
	p := reg1Params()
	p.ChunkHashes = []chunkid.Hash{hash(1), hash(1)}

	child := f.tx.Child()
	_, err := f.store.CreateRegistry(f.ctx, child, p, 1)
	assert.True(t, errors.Is(err, ErrChunkAlreadyExisted))
	assert.Equal(t, 0, child.Pending())
}

func TestCreateRegistryValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RegistryParams)
		want   error
	}{
		{"unknown network", func(p *RegistryParams) { p.DeliveryNetworkID = "nope" }, ErrDeliveryNetworkNotExisted},
		{"empty id", func(p *RegistryParams) { p.ID = "" }, ErrInvalidIdentifier},
		{"long id", func(p *RegistryParams) { p.ID = strings.Repeat("r", 65) }, ErrValueTooLong},
		{"nul in id", func(p *RegistryParams) { p.ID = "reg1\x00" }, ErrInvalidIdentifier},
		{"nul in owner", func(p *RegistryParams) { p.Owner = "A\x00" }, ErrInvalidIdentifier},
		{"empty owner", func(p *RegistryParams) { p.Owner = "" }, ErrInvalidIdentifier},
		{"long info", func(p *RegistryParams) { p.Info = make([]byte, 1025) }, ErrValueTooLong},
		{"too many chunks", func(p *RegistryParams) { p.ChunkHashes = make([]chunkid.Hash, 1025) }, ErrTooManyChunks},
		{"unknown country", func(p *RegistryParams) { p.Country = "ZZ" }, ErrUnknownCountry},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.network(t, "net1")
			p := reg1Params()
			tc.mutate(&p)
			child := f.tx.Child()
			_, err := f.store.CreateRegistry(f.ctx, child, p, 1)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			assert.Equal(t, 0, child.Pending())
		})
	}
}

func TestPaddedRegistryIDRejected(t *testing.T) {
	f := newFixture(t)
	f.network(t, "net1")

	p := reg1Params()
	p.ID = "abc"
	_, err := f.store.CreateRegistry(f.ctx, f.tx, p, 1)
	require.NoError(t, err)

	// "abc\x00" pads to the same registry key as "abc".
	require.Equal(t, chunkid.RegistryKey("abc"), chunkid.RegistryKey("abc\x00"))
	p.ID = "abc\x00"
	child := f.tx.Child()
	_, err = f.store.CreateRegistry(f.ctx, child, p, 1)
	assert.True(t, errors.Is(err, ErrInvalidIdentifier), "got %v", err)
	assert.Equal(t, 0, child.Pending())
}

func TestCreateDeliveryNetwork(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.CreateDeliveryNetwork(f.ctx, f.tx, DeliveryNetworkParams{ID: "n0", URI: "uri://x"})
	assert.True(t, errors.Is(err, ErrNoLocationSpecified))

	n, err := f.store.CreateDeliveryNetwork(f.ctx, f.tx, DeliveryNetworkParams{ID: "n1", URI: "uri://x", SubRegion: region.Melanesia})
	require.NoError(t, err)
	assert.Equal(t, region.Oceania, n.Region)
	assert.Empty(t, n.Country)

	n, err = f.store.CreateDeliveryNetwork(f.ctx, f.tx, DeliveryNetworkParams{ID: "n2", URI: "uri://x", Region: region.Asia})
	require.NoError(t, err)
	assert.Equal(t, region.Asia, n.Region)
	assert.Empty(t, n.SubRegion)

	// Country wins over supplied region fields.
	n, err = f.store.CreateDeliveryNetwork(f.ctx, f.tx, DeliveryNetworkParams{ID: "n3", URI: "uri://x", Country: "JP", Region: region.Europe})
	require.NoError(t, err)
	assert.Equal(t, region.Asia, n.Region)
	assert.Equal(t, region.EasternAsia, n.SubRegion)

	_, err = f.store.CreateDeliveryNetwork(f.ctx, f.tx, DeliveryNetworkParams{ID: "n1", URI: "uri://y", Country: "FR"})
	assert.True(t, errors.Is(err, ErrDeliveryNetworkAlreadyExisted))

	_, err = f.store.CreateDeliveryNetwork(f.ctx, f.tx, DeliveryNetworkParams{ID: "n4", URI: "uri://x", Region: "Atlantis"})
	assert.True(t, errors.Is(err, region.ErrUnknownRegion))

	_, err = f.store.CreateDeliveryNetwork(f.ctx, f.tx, DeliveryNetworkParams{ID: "n5", URI: strings.Repeat("u", 257), Country: "FR"})
	assert.True(t, errors.Is(err, ErrValueTooLong))

	got, err := f.store.GetDeliveryNetwork(f.ctx, f.tx, "n3")
	require.NoError(t, err)
	assert.Equal(t, region.Country("JP"), got.Country)
	_, err = f.store.GetDeliveryNetwork(f.ctx, f.tx, "missing")
	assert.True(t, errors.Is(err, ErrDeliveryNetworkNotExisted))
}

func TestDeleteThenSaleConflict(t *testing.T) {
	f := newFixture(t)
	f.network(t, "net1")
	p := reg1Params()
	p.Salable = true
	_, err := f.store.CreateRegistry(f.ctx, f.tx, p, 1)
	require.NoError(t, err)

	_, err = f.store.SoftDeleteRegistry(f.ctx, f.tx, "reg1", "A")
	assert.True(t, errors.Is(err, ErrRegistrySalable))
	assert.Empty(t, f.queue.ids)

	_, err = f.store.SetSalable(f.ctx, f.tx, "reg1", false)
	require.NoError(t, err)

	_, err = f.store.SoftDeleteRegistry(f.ctx, f.tx, "reg1", "C")
	assert.True(t, errors.Is(err, ErrNonAuthorized))

	reg, err := f.store.SoftDeleteRegistry(f.ctx, f.tx, "reg1", "A")
	require.NoError(t, err)
	assert.Equal(t, Deleted, reg.Status)
	assert.Equal(t, []string{"reg1"}, f.queue.ids)

	// Chunks stay in place until reaped.
	for _, id := range reg.ChunkIDs() {
		_, err := f.store.GetChunk(f.ctx, f.tx, id)
		assert.NoError(t, err)
	}

	_, err = f.store.SoftDeleteRegistry(f.ctx, f.tx, "reg1", "A")
	assert.True(t, errors.Is(err, ErrRegistryNotExisted))
	assert.Len(t, f.queue.ids, 1)
}

func TestIssuerMayDelete(t *testing.T) {
	f := newFixture(t)
	f.network(t, "net1")
	_, err := f.store.CreateRegistry(f.ctx, f.tx, reg1Params(), 1)
	require.NoError(t, err)

	_, err = f.store.SoftDeleteRegistry(f.ctx, f.tx, "reg1", "B")
	require.NoError(t, err)
}

func TestSetSalableMissing(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.SetSalable(f.ctx, f.tx, "nope", true)
	assert.True(t, errors.Is(err, ErrRegistryNotExisted))
	_, err = f.store.SoftDeleteRegistry(f.ctx, f.tx, "nope", "A")
	assert.True(t, errors.Is(err, ErrRegistryNotExisted))
}

func TestUpdateAndRescheduleChunk(t *testing.T) {
	f := newFixture(t)
	f.network(t, "net1")
	reg, err := f.store.CreateRegistry(f.ctx, f.tx, reg1Params(), 40)
	require.NoError(t, err)
	c := reg.ChunkIDs()[0]

	next, err := f.store.Reschedule(f.ctx, f.tx, c, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), next)

	chunk, err := f.store.UpdateChunk(f.ctx, f.tx, c, 100, Healthy)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), chunk.LastRound)
	assert.Equal(t, Healthy, chunk.Status)
	assert.Equal(t, uint64(100), chunk.Bucket)

	// The other chunk keeps bucket 40 alive.
	ids, ok, err := f.store.Wheel().Bucket(f.ctx, f.tx, 40)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []chunkid.ID{reg.ChunkIDs()[1]}, ids)

	var missing chunkid.ID
	_, err = f.store.UpdateChunk(f.ctx, f.tx, missing, 1, Healthy)
	assert.True(t, errors.Is(err, ErrChunkNotExisted))
	_, err = f.store.Reschedule(f.ctx, f.tx, missing, 1)
	assert.True(t, errors.Is(err, ErrChunkNotExisted))
}

func TestRemoveChunk(t *testing.T) {
	f := newFixture(t)
	f.network(t, "net1")
	reg, err := f.store.CreateRegistry(f.ctx, f.tx, reg1Params(), 5)
	require.NoError(t, err)

	for _, id := range reg.ChunkIDs() {
		require.NoError(t, f.store.RemoveChunk(f.ctx, f.tx, id))
		require.NoError(t, f.store.RemoveChunk(f.ctx, f.tx, id))
	}
	_, ok, err := f.store.Wheel().Bucket(f.ctx, f.tx, 10)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = f.store.Wheel().Pointer(f.ctx, f.tx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGrantAccess(t *testing.T) {
	f := newFixture(t)
	f.network(t, "net1")
	_, err := f.store.CreateRegistry(f.ctx, f.tx, reg1Params(), 1)
	require.NoError(t, err)

	require.NoError(t, f.store.GrantAccess(f.ctx, f.tx, "reg1", "C", Buyer))
	require.NoError(t, f.store.GrantAccess(f.ctx, f.tx, "reg1", "C", Accessor))
	reg, err := f.store.GetRegistry(f.ctx, f.tx, "reg1")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), reg.Accessors)

	access, ok, err := f.store.GetAccess(f.ctx, f.tx, "reg1", "C")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Accessor, access)

	err = f.store.GrantAccess(f.ctx, f.tx, "nope", "C", Buyer)
	assert.True(t, errors.Is(err, ErrRegistryNotExisted))
}

func TestOwnerGrantWinsWhenIssuerIsOwner(t *testing.T) {
	f := newFixture(t)
	f.network(t, "net1")
	p := reg1Params()
	p.Issuer = "A"
	_, err := f.store.CreateRegistry(f.ctx, f.tx, p, 1)
	require.NoError(t, err)

	access, ok, err := f.store.GetAccess(f.ctx, f.tx, "reg1", "A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Owner, access)
}

func TestErrorName(t *testing.T) {
	assert.Equal(t, "", ErrorName(nil))
	assert.Equal(t, "NoneValue", ErrorName(ErrNoneValue))
	assert.Equal(t, "ChunkBlockNotExisted", ErrorName(scheduler.ErrChunkBlockNotExisted))
	assert.Equal(t, "UnknownCountry", ErrorName(region.ErrUnknownCountry))
	assert.Equal(t, "RegistrySalable", ErrorName(errors.Join(errors.New("ctx"), ErrRegistrySalable)))
	assert.Equal(t, "Internal", ErrorName(errors.New("disk on fire")))
}

func TestParseEnums(t *testing.T) {
	a, err := ParseAccessibility("Healthy")
	require.NoError(t, err)
	assert.Equal(t, Healthy, a)
	_, err = ParseAccessibility("healthy")
	assert.True(t, errors.Is(err, ErrInvalidStatus))

	at, err := ParseAccessType("Buyer")
	require.NoError(t, err)
	assert.Equal(t, Buyer, at)
	_, err = ParseAccessType("Janitor")
	assert.Error(t, err)
}
