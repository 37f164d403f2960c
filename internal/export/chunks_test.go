package export

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metareg-io/metareg/internal/chunkid"
	"github.com/metareg-io/metareg/internal/engine"
	"github.com/metareg-io/metareg/internal/metadata"
	"github.com/metareg-io/metareg/internal/registry"
)

const genesisYAML = `
deliveryNetworks:
  - id: net1
    uri: s3://chunks/eu
    country: FR
registries:
  - id: reg1
    owner: alice
    issuer: bob
    hash: 0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a
    country: FR
    deliveryNetwork: net1
    chunks:
      - 0101010101010101010101010101010101010101010101010101010101010101
      - 0202020202020202020202020202020202020202020202020202020202020202
  - id: reg2
    owner: carol
    issuer: bob
    hash: 0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b
    country: DE
    deliveryNetwork: net1
    chunks:
      - 0303030303030303030303030303030303030303030303030303030303030303
`

func seededReader(t *testing.T) *engine.Reader {
	t.Helper()
	g, err := engine.LoadGenesis(strings.NewReader(genesisYAML))
	require.NoError(t, err)
	e := engine.New(metadata.NewMemoryStore(), engine.DefaultConfig())
	applied, err := e.ApplyGenesis(context.Background(), g)
	require.NoError(t, err)
	require.True(t, applied)
	return e.Reader()
}

func TestChunks_ExportsEveryChunkInIDOrder(t *testing.T) {
	src := seededReader(t)
	var buf bytes.Buffer

	stats, err := Chunks(context.Background(), src, &buf, Options{PageSize: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Rows)
	assert.Equal(t, int64(3), stats.ByStatus[string(registry.New)])
	assert.Zero(t, stats.Orphans)

	rows, err := ReadChunks(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.True(t, sort.SliceIsSorted(rows, func(i, j int) bool { return rows[i].ChunkID < rows[j].ChunkID }))

	byRegistry := map[string]int{}
	for _, r := range rows {
		byRegistry[r.RegistryID]++
		assert.Equal(t, "net1", r.DeliveryNetworkID)
		assert.Equal(t, "Europe", r.Region)
		assert.Equal(t, string(registry.New), r.RegistryStatus)
	}
	assert.Equal(t, map[string]int{"reg1": 2, "reg2": 1}, byRegistry)
}

func TestChunks_StatusFilter(t *testing.T) {
	src := seededReader(t)
	var buf bytes.Buffer

	stats, err := Chunks(context.Background(), src, &buf, Options{Status: registry.Broken})
	require.NoError(t, err)
	assert.Zero(t, stats.Rows)

	rows, err := ReadChunks(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

type fakeSource struct {
	chunks     []*registry.Chunk
	registries map[string]*registry.Registry
	lookups    int
}

func (f *fakeSource) Chunks(_ context.Context, after *chunkid.ID, limit int) ([]*registry.Chunk, error) {
	var out []*registry.Chunk
	for _, c := range f.chunks {
		if after != nil && c.ID.String() <= after.String() {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) Registry(_ context.Context, id string) (*registry.Registry, error) {
	f.lookups++
	if r, ok := f.registries[id]; ok {
		return r, nil
	}
	return nil, registry.ErrRegistryNotExisted
}

func TestChunks_OrphansAndRegistryCache(t *testing.T) {
	var h1, h2, h3 chunkid.Hash
	h1[0], h2[0], h3[0] = 1, 2, 3
	chunks := []*registry.Chunk{
		{ID: chunkid.For("live", h1), RegistryID: "live", Hash: h1, Status: registry.Healthy},
		{ID: chunkid.For("live", h2), RegistryID: "live", Hash: h2, Status: registry.Broken},
		{ID: chunkid.For("gone", h3), RegistryID: "gone", Hash: h3, Status: registry.Deleted},
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ID.String() < chunks[j].ID.String() })
	src := &fakeSource{
		chunks:     chunks,
		registries: map[string]*registry.Registry{"live": {ID: "live", Status: registry.Healthy}},
	}

	var buf bytes.Buffer
	stats, err := Chunks(context.Background(), src, &buf, Options{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Rows)
	assert.Equal(t, int64(1), stats.Orphans)
	assert.Equal(t, 2, src.lookups)

	rows, err := ReadChunks(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	for _, r := range rows {
		if r.RegistryID == "gone" {
			assert.Empty(t, r.RegistryStatus)
		} else {
			assert.Equal(t, "Healthy", r.RegistryStatus)
		}
	}
}
