package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/metareg-io/metareg/internal/chunkid"
	"github.com/metareg-io/metareg/internal/metadata"
	"github.com/metareg-io/metareg/internal/metadata/keys"
	"github.com/metareg-io/metareg/internal/metrics"
	"github.com/metareg-io/metareg/internal/reaper"
	"github.com/metareg-io/metareg/internal/registry"
	"github.com/metareg-io/metareg/internal/scheduler"
	"github.com/metareg-io/metareg/internal/state"
)

// Reader answers queries against committed state. Every call reads the
// store as of the call; it never sees a round in progress.
type Reader struct {
	store    metadata.MetadataStore
	registry *registry.Store
	wheel    *scheduler.Wheel
	queue    *reaper.Queue
	reaper   *reaper.Reaper
}

var _ metrics.BacklogProvider = (*Reader)(nil)

// Reader returns a read view of committed state.
func (e *Engine) Reader() *Reader {
	return &Reader{
		store:    e.store,
		registry: e.registry,
		wheel:    e.wheel,
		queue:    e.queue,
		reaper:   e.reaper,
	}
}

func (r *Reader) view() *state.Overlay {
	return state.New(r.store)
}

// LastRound returns the last committed round. ok is false before the
// first commit.
func (r *Reader) LastRound(ctx context.Context) (uint64, bool, error) {
	return readRound(ctx, r.store)
}

func (r *Reader) Registry(ctx context.Context, id string) (*registry.Registry, error) {
	return r.registry.GetRegistry(ctx, r.view(), id)
}

func (r *Reader) Chunk(ctx context.Context, id chunkid.ID) (*registry.Chunk, error) {
	return r.registry.GetChunk(ctx, r.view(), id)
}

func (r *Reader) DeliveryNetwork(ctx context.Context, id string) (*registry.DeliveryNetwork, error) {
	return r.registry.GetDeliveryNetwork(ctx, r.view(), id)
}

// Access returns the grant of account on a registry.
func (r *Reader) Access(ctx context.Context, registryID, account string) (registry.AccessType, bool, error) {
	return r.registry.GetAccess(ctx, r.view(), registryID, account)
}

// Grant is one access grant.
type Grant struct {
	Account string
	Access  registry.AccessType
}

// Grants lists the access grants of a registry in account order.
func (r *Reader) Grants(ctx context.Context, registryID string) ([]Grant, error) {
	kvs, err := r.view().Scan(ctx, keys.AccessPrefix(registryID), "", 0)
	if err != nil {
		return nil, err
	}
	out := make([]Grant, 0, len(kvs))
	for _, kv := range kvs {
		_, account, err := keys.ParseAccessKey(kv.Key)
		if err != nil {
			return nil, err
		}
		var access registry.AccessType
		if err := json.Unmarshal(kv.Value, &access); err != nil {
			return nil, fmt.Errorf("engine: decode %s: %w", kv.Key, err)
		}
		out = append(out, Grant{Account: account, Access: access})
	}
	return out, nil
}

// Registries lists up to limit registries after afterID.
func (r *Reader) Registries(ctx context.Context, afterID string, limit int) ([]*registry.Registry, error) {
	return r.registry.ListRegistries(ctx, r.view(), afterID, limit)
}

// Chunks lists up to limit chunks with ids after the given one.
// A nil after starts at the first chunk.
func (r *Reader) Chunks(ctx context.Context, after *chunkid.ID, limit int) ([]*registry.Chunk, error) {
	start := ""
	if after != nil {
		start = keys.ChunkKeyPath(after.String())
	}
	kvs, err := r.view().Scan(ctx, keys.ChunksPrefix, start, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*registry.Chunk, 0, len(kvs))
	for _, kv := range kvs {
		var c registry.Chunk
		if err := json.Unmarshal(kv.Value, &c); err != nil {
			return nil, fmt.Errorf("engine: decode %s: %w", kv.Key, err)
		}
		out = append(out, &c)
	}
	return out, nil
}

// Pointer returns the round of the current inspection bucket.
func (r *Reader) Pointer(ctx context.Context) (uint64, bool, error) {
	return r.wheel.Pointer(ctx, r.view())
}

// Due returns up to limit chunks due at round, resuming after the given
// entry. A nil after starts at the current bucket.
func (r *Reader) Due(ctx context.Context, round uint64, after *scheduler.Entry, limit int) ([]scheduler.Entry, error) {
	return r.wheel.Due(ctx, r.view(), round, after, limit)
}

// Bucket returns the chunks of the bucket at round.
func (r *Reader) Bucket(ctx context.Context, round uint64) ([]chunkid.ID, bool, error) {
	return r.wheel.Bucket(ctx, r.view(), round)
}

// Buckets lists up to limit buckets from round from.
func (r *Reader) Buckets(ctx context.Context, from uint64, limit int) ([]scheduler.BucketInfo, error) {
	return r.wheel.Buckets(ctx, r.view(), from, limit)
}

// PendingEntry is a registry waiting to be reaped with its progress.
type PendingEntry struct {
	RegistryID string
	Cursor     reaper.Cursor
}

// Pending lists up to limit pending deletions, oldest first.
func (r *Reader) Pending(ctx context.Context, limit int) ([]PendingEntry, error) {
	view := r.view()
	ids, err := r.queue.Pending(ctx, view, limit)
	if err != nil {
		return nil, err
	}
	out := make([]PendingEntry, 0, len(ids))
	for _, id := range ids {
		c, err := r.reaper.LoadCursor(ctx, view, id)
		if err != nil {
			return nil, err
		}
		out = append(out, PendingEntry{RegistryID: id, Cursor: c})
	}
	return out, nil
}

// ReapBatchSize returns the number of grants the reaper clears per step.
func (r *Reader) ReapBatchSize() int {
	return r.reaper.BatchSize()
}

// PendingDeletionCount returns the number of registries waiting to be reaped.
func (r *Reader) PendingDeletionCount(ctx context.Context) (int, error) {
	ids, err := r.queue.Pending(ctx, r.view(), 0)
	return len(ids), err
}

// ScheduledBucketCount returns the number of non-empty inspection buckets.
func (r *Reader) ScheduledBucketCount(ctx context.Context) (int, error) {
	kvs, err := r.view().Scan(ctx, keys.ChunkBlockSizePrefix, "", 0)
	return len(kvs), err
}
