package engine

import (
	"github.com/metareg-io/metareg/internal/chunkid"
	"github.com/metareg-io/metareg/internal/region"
	"github.com/metareg-io/metareg/internal/registry"
)

// Operation names, used in receipts, logs and metric labels.
const (
	OpInspectChunk          = "inspect_chunk"
	OpCreateDeliveryNetwork = "create_delivery_network"
	OpCreateRegistry        = "create_registry"
	OpSetSalable            = "set_salable"
	OpDeleteRegistry        = "delete_registry"
)

// Op is one state-changing operation.
type Op interface {
	Name() string
}

// Request is an operation submitted by an authenticated actor.
type Request struct {
	Actor string
	Op    Op
}

// InspectChunk records the result of probing a chunk and moves the chunk
// to the bucket nearest to Round. Nil fields are absent arguments.
type InspectChunk struct {
	Round   *uint64
	ChunkID *chunkid.ID
	Status  *registry.Accessibility
}

func (InspectChunk) Name() string { return OpInspectChunk }

// NewInspectChunk builds an InspectChunk with every argument present.
func NewInspectChunk(round uint64, id chunkid.ID, status registry.Accessibility) InspectChunk {
	return InspectChunk{Round: &round, ChunkID: &id, Status: &status}
}

// CreateDeliveryNetwork registers a delivery network.
type CreateDeliveryNetwork struct {
	ID        string
	URI       string
	Country   region.Country
	Region    region.Region
	SubRegion region.SubRegion
}

func (CreateDeliveryNetwork) Name() string { return OpCreateDeliveryNetwork }

// CreateRegistry registers a registry and its chunks. The actor is the author.
type CreateRegistry struct {
	ID                string
	Owner             string
	Issuer            string
	Hash              chunkid.Hash
	Info              []byte
	Salable           bool
	Country           region.Country
	DeliveryNetworkID string
	ChunkHashes       []chunkid.Hash
}

func (CreateRegistry) Name() string { return OpCreateRegistry }

// SetSalable changes whether a registry is for sale.
type SetSalable struct {
	ID      string
	Salable bool
}

func (SetSalable) Name() string { return OpSetSalable }

// DeleteRegistry soft-deletes a registry and queues it for reaping.
type DeleteRegistry struct {
	ID string
}

func (DeleteRegistry) Name() string { return OpDeleteRegistry }
