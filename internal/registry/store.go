package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/metareg-io/metareg/internal/chunkid"
	"github.com/metareg-io/metareg/internal/metadata/keys"
	"github.com/metareg-io/metareg/internal/region"
	"github.com/metareg-io/metareg/internal/scheduler"
	"github.com/metareg-io/metareg/internal/state"
)

// DeletionQueue receives soft-deleted registries for reaping.
type DeletionQueue interface {
	Enqueue(ctx context.Context, tx *state.Overlay, registryID string) error
}

// Store implements the registry operations over a state overlay.
//
// Every mutating method checks all of its preconditions before its first
// write. Callers run each operation in a child overlay and drop it on error.
type Store struct {
	wheel  *scheduler.Wheel
	queue  DeletionQueue
	limits Limits
}

// NewStore creates a Store that schedules chunks on wheel and hands
// soft-deleted registries to queue.
func NewStore(wheel *scheduler.Wheel, queue DeletionQueue, limits Limits) *Store {
	return &Store{wheel: wheel, queue: queue, limits: limits}
}

// Wheel returns the inspection wheel used by the store.
func (s *Store) Wheel() *scheduler.Wheel {
	return s.wheel
}

// DeliveryNetworkParams are the inputs of CreateDeliveryNetwork. Empty
// location fields are absent.
type DeliveryNetworkParams struct {
	ID        string
	URI       string
	Country   region.Country
	Region    region.Region
	SubRegion region.SubRegion
}

// CreateDeliveryNetwork inserts a delivery network record.
func (s *Store) CreateDeliveryNetwork(ctx context.Context, tx *state.Overlay, p DeliveryNetworkParams) (*DeliveryNetwork, error) {
	if err := s.checkID("delivery network id", p.ID); err != nil {
		return nil, err
	}
	if p.URI == "" {
		return nil, fmt.Errorf("%w: empty uri", ErrInvalidIdentifier)
	}
	if len(p.URI) > s.limits.MaxURIBytes {
		return nil, fmt.Errorf("%w: uri is %d bytes, limit %d", ErrValueTooLong, len(p.URI), s.limits.MaxURIBytes)
	}

	key := keys.DeliveryNetworkKeyPath(p.ID)
	exists, err := tx.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDeliveryNetworkAlreadyExisted
	}
	if p.Country == "" && p.Region == "" && p.SubRegion == "" {
		return nil, ErrNoLocationSpecified
	}

	network := &DeliveryNetwork{ID: p.ID, URI: p.URI}
	switch {
	case p.Country != "":
		r, sub, err := region.Lookup(p.Country)
		if err != nil {
			return nil, err
		}
		network.Country, network.Region, network.SubRegion = p.Country, r, sub
	case p.SubRegion != "":
		sub, err := region.ParseSubRegion(string(p.SubRegion))
		if err != nil {
			return nil, err
		}
		network.Region, network.SubRegion = region.RegionOf(sub), sub
	default:
		r, err := region.ParseRegion(string(p.Region))
		if err != nil {
			return nil, err
		}
		network.Region = r
	}

	if err := tx.PutJSON(key, network); err != nil {
		return nil, err
	}
	return network, nil
}

// RegistryParams are the inputs of CreateRegistry.
type RegistryParams struct {
	ID                string
	Owner             string
	Issuer            string
	Author            string
	Hash              chunkid.Hash
	Info              []byte
	Salable           bool
	Country           region.Country
	DeliveryNetworkID string
	ChunkHashes       []chunkid.Hash
}

// CreateRegistry inserts a registry with its chunks and its issuer and
// owner grants. Each chunk is scheduled for inspection at round.
func (s *Store) CreateRegistry(ctx context.Context, tx *state.Overlay, p RegistryParams, round uint64) (*Registry, error) {
	if err := s.checkID("registry id", p.ID); err != nil {
		return nil, err
	}
	for _, account := range []struct{ what, id string }{
		{"owner", p.Owner},
		{"issuer", p.Issuer},
		{"author", p.Author},
	} {
		if err := s.checkID(account.what, account.id); err != nil {
			return nil, err
		}
	}
	if len(p.Info) > s.limits.MaxInfoBytes {
		return nil, fmt.Errorf("%w: info is %d bytes, limit %d", ErrValueTooLong, len(p.Info), s.limits.MaxInfoBytes)
	}
	if len(p.ChunkHashes) > s.limits.MaxChunks {
		return nil, fmt.Errorf("%w: %d chunks, limit %d", ErrTooManyChunks, len(p.ChunkHashes), s.limits.MaxChunks)
	}

	exists, err := tx.Exists(ctx, keys.DeliveryNetworkKeyPath(p.DeliveryNetworkID))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrDeliveryNetworkNotExisted
	}

	regKey := keys.RegistryKeyPath(p.ID)
	if exists, err = tx.Exists(ctx, regKey); err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrRegistryAlreadyExisted
	}

	r, sub, err := region.Lookup(p.Country)
	if err != nil {
		return nil, err
	}

	ids := make([]chunkid.ID, len(p.ChunkHashes))
	seen := make(map[chunkid.ID]struct{}, len(p.ChunkHashes))
	for i, h := range p.ChunkHashes {
		id := chunkid.For(p.ID, h)
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %s listed twice", ErrChunkAlreadyExisted, id)
		}
		seen[id] = struct{}{}
		exists, err := tx.Exists(ctx, keys.ChunkKeyPath(id.String()))
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("%w: %s", ErrChunkAlreadyExisted, id)
		}
		ids[i] = id
	}

	for i, id := range ids {
		bucket, err := s.wheel.Schedule(ctx, tx, id, nil, round)
		if err != nil {
			return nil, err
		}
		chunk := &Chunk{
			ID:         id,
			RegistryID: p.ID,
			Hash:       p.ChunkHashes[i],
			LastRound:  round,
			Status:     New,
			Bucket:     bucket,
		}
		if err := tx.PutJSON(keys.ChunkKeyPath(id.String()), chunk); err != nil {
			return nil, err
		}
	}

	if err := s.putAccess(tx, p.ID, p.Issuer, Issuer); err != nil {
		return nil, err
	}
	if err := s.putAccess(tx, p.ID, p.Owner, Owner); err != nil {
		return nil, err
	}

	reg := &Registry{
		ID:                p.ID,
		Owner:             p.Owner,
		Issuer:            p.Issuer,
		Author:            p.Author,
		Hash:              p.Hash,
		Info:              p.Info,
		Status:            New,
		Salable:           p.Salable,
		Country:           p.Country,
		Region:            r,
		SubRegion:         sub,
		Accessors:         2,
		ChunkHashes:       p.ChunkHashes,
		DeliveryNetworkID: p.DeliveryNetworkID,
		CreatedRound:      round,
	}
	if err := tx.PutJSON(regKey, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// SetSalable replaces the salable flag of a registry.
func (s *Store) SetSalable(ctx context.Context, tx *state.Overlay, id string, salable bool) (*Registry, error) {
	reg, err := s.GetRegistry(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	reg.Salable = salable
	if err := tx.PutJSON(keys.RegistryKeyPath(id), reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// SoftDeleteRegistry marks a registry Deleted and queues it for reaping.
// Chunks and grants are left for the reaper. A registry that is already
// Deleted is reported as not existing.
func (s *Store) SoftDeleteRegistry(ctx context.Context, tx *state.Overlay, id, actor string) (*Registry, error) {
	reg, err := s.GetRegistry(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if reg.Status == Deleted {
		return nil, ErrRegistryNotExisted
	}
	if !reg.CanManage(actor) {
		return nil, ErrNonAuthorized
	}
	if reg.Salable {
		return nil, ErrRegistrySalable
	}

	reg.Status = Deleted
	if err := tx.PutJSON(keys.RegistryKeyPath(id), reg); err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, tx, id); err != nil {
		return nil, err
	}
	return reg, nil
}

// UpdateChunk stamps a chunk with the round and status of an inspection.
func (s *Store) UpdateChunk(ctx context.Context, tx *state.Overlay, id chunkid.ID, round uint64, status Accessibility) (*Chunk, error) {
	chunk, err := s.GetChunk(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	chunk.LastRound = round
	chunk.Status = status
	if err := tx.PutJSON(keys.ChunkKeyPath(id.String()), chunk); err != nil {
		return nil, err
	}
	return chunk, nil
}

// Reschedule moves a chunk to the bucket nearest to round and records the
// new bucket on the chunk. It returns the new bucket round.
func (s *Store) Reschedule(ctx context.Context, tx *state.Overlay, id chunkid.ID, round uint64) (uint64, error) {
	chunk, err := s.GetChunk(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	from := chunk.Bucket
	next, err := s.wheel.Schedule(ctx, tx, id, &from, round)
	if err != nil {
		return 0, err
	}
	chunk.Bucket = next
	if err := tx.PutJSON(keys.ChunkKeyPath(id.String()), chunk); err != nil {
		return 0, err
	}
	return next, nil
}

// RemoveChunk deletes a chunk record and its bucket entry. Removing a
// chunk that is already gone is a no-op.
func (s *Store) RemoveChunk(ctx context.Context, tx *state.Overlay, id chunkid.ID) error {
	chunk, err := s.GetChunk(ctx, tx, id)
	if errors.Is(err, ErrChunkNotExisted) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.wheel.Unschedule(ctx, tx, id, chunk.Bucket); err != nil {
		return err
	}
	tx.Delete(keys.ChunkKeyPath(id.String()))
	return nil
}

// RemoveRegistry deletes the registry record.
func (s *Store) RemoveRegistry(tx *state.Overlay, id string) {
	tx.Delete(keys.RegistryKeyPath(id))
}

// GrantAccess records an additional grant on an existing registry.
// It is used when seeding state; no operation grants access after creation.
func (s *Store) GrantAccess(ctx context.Context, tx *state.Overlay, registryID, account string, access AccessType) error {
	reg, err := s.GetRegistry(ctx, tx, registryID)
	if err != nil {
		return err
	}
	if err := s.checkID("account", account); err != nil {
		return err
	}
	_, had, err := s.GetAccess(ctx, tx, registryID, account)
	if err != nil {
		return err
	}
	if err := s.putAccess(tx, registryID, account, access); err != nil {
		return err
	}
	if !had {
		reg.Accessors++
		return tx.PutJSON(keys.RegistryKeyPath(registryID), reg)
	}
	return nil
}

// GetRegistry loads a registry.
func (s *Store) GetRegistry(ctx context.Context, tx *state.Overlay, id string) (*Registry, error) {
	var reg Registry
	ok, err := tx.GetJSON(ctx, keys.RegistryKeyPath(id), &reg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRegistryNotExisted
	}
	return &reg, nil
}

// GetChunk loads a chunk.
func (s *Store) GetChunk(ctx context.Context, tx *state.Overlay, id chunkid.ID) (*Chunk, error) {
	var chunk Chunk
	ok, err := tx.GetJSON(ctx, keys.ChunkKeyPath(id.String()), &chunk)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrChunkNotExisted
	}
	return &chunk, nil
}

// GetDeliveryNetwork loads a delivery network.
func (s *Store) GetDeliveryNetwork(ctx context.Context, tx *state.Overlay, id string) (*DeliveryNetwork, error) {
	var network DeliveryNetwork
	ok, err := tx.GetJSON(ctx, keys.DeliveryNetworkKeyPath(id), &network)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDeliveryNetworkNotExisted
	}
	return &network, nil
}

// GetAccess returns the grant of account on a registry.
func (s *Store) GetAccess(ctx context.Context, tx *state.Overlay, registryID, account string) (AccessType, bool, error) {
	var access AccessType
	ok, err := tx.GetJSON(ctx, keys.AccessKeyPath(registryID, account), &access)
	return access, ok, err
}

// ListRegistries returns up to limit registries after the given id.
func (s *Store) ListRegistries(ctx context.Context, tx *state.Overlay, afterID string, limit int) ([]*Registry, error) {
	after := ""
	if afterID != "" {
		after = keys.RegistryKeyPath(afterID)
	}
	kvs, err := tx.Scan(ctx, keys.RegistriesPrefix, after, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Registry, 0, len(kvs))
	for _, kv := range kvs {
		var reg Registry
		if err := json.Unmarshal(kv.Value, &reg); err != nil {
			return nil, fmt.Errorf("registry: decode %s: %w", kv.Key, err)
		}
		out = append(out, &reg)
	}
	return out, nil
}

func (s *Store) putAccess(tx *state.Overlay, registryID, account string, access AccessType) error {
	return tx.PutJSON(keys.AccessKeyPath(registryID, account), access)
}

func (s *Store) checkID(what, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidIdentifier, what)
	}
	if len(id) > s.limits.MaxIDBytes {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrValueTooLong, what, len(id), s.limits.MaxIDBytes)
	}
	// NUL pads short registry ids inside chunk ids.
	if strings.IndexByte(id, 0) >= 0 {
		return fmt.Errorf("%w: %s contains a NUL byte", ErrInvalidIdentifier, what)
	}
	return nil
}
