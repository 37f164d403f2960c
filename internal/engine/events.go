package engine

import (
	"github.com/metareg-io/metareg/internal/chunkid"
	"github.com/metareg-io/metareg/internal/registry"
)

// Event kinds.
const (
	EventChunkInspected         = "ChunkInspected"
	EventDeliveryNetworkCreated = "DeliveryNetworkCreated"
	EventRegistryCreated        = "RegistryCreated"
	EventRegistrySalableChanged = "RegistrySalableChanged"
	EventRegistryDeleted        = "RegistryDeleted"
	EventRegistryReaped         = "RegistryReaped"
)

// Event is a notification emitted by a successful operation or by the
// end-of-round reaper.
type Event interface {
	Kind() string
}

// ChunkInspected carries the chunk, its new status and its next bucket.
type ChunkInspected struct {
	ChunkID    chunkid.ID
	Status     registry.Accessibility
	NextBucket uint64
}

func (ChunkInspected) Kind() string { return EventChunkInspected }

type DeliveryNetworkCreated struct {
	ID string
}

func (DeliveryNetworkCreated) Kind() string { return EventDeliveryNetworkCreated }

type RegistryCreated struct {
	ID     string
	Owner  string
	Issuer string
	Chunks int
}

func (RegistryCreated) Kind() string { return EventRegistryCreated }

type RegistrySalableChanged struct {
	ID      string
	Salable bool
}

func (RegistrySalableChanged) Kind() string { return EventRegistrySalableChanged }

type RegistryDeleted struct {
	ID    string
	Actor string
}

func (RegistryDeleted) Kind() string { return EventRegistryDeleted }

// RegistryReaped is emitted when the reaper has removed every trace of a
// deleted registry.
type RegistryReaped struct {
	ID string
}

func (RegistryReaped) Kind() string { return EventRegistryReaped }
