// Package registry stores registries, their chunks, delivery networks and
// access grants.
package registry

import (
	"fmt"

	"github.com/metareg-io/metareg/internal/chunkid"
	"github.com/metareg-io/metareg/internal/region"
)

// Accessibility is the inspection status of a registry or chunk.
type Accessibility string

const (
	New     Accessibility = "New"
	Healthy Accessibility = "Healthy"
	Broken  Accessibility = "Broken"
	Deleted Accessibility = "Deleted"
)

// ParseAccessibility validates a status name.
func ParseAccessibility(s string) (Accessibility, error) {
	switch a := Accessibility(s); a {
	case New, Healthy, Broken, Deleted:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// AccessType is the relationship of an account to a registry.
type AccessType string

const (
	Issuer     AccessType = "Issuer"
	Owner      AccessType = "Owner"
	Accessor   AccessType = "Accessor"
	Buyer      AccessType = "Buyer"
	Aggregator AccessType = "Aggregator"
)

// ParseAccessType validates an access type name.
func ParseAccessType(s string) (AccessType, error) {
	switch a := AccessType(s); a {
	case Issuer, Owner, Accessor, Buyer, Aggregator:
		return a, nil
	}
	return "", fmt.Errorf("%w: access type %q", ErrInvalidIdentifier, s)
}

// DeliveryNetwork is a content delivery endpoint chunks are served from.
type DeliveryNetwork struct {
	ID        string           `json:"id"`
	URI       string           `json:"uri"`
	Country   region.Country   `json:"country,omitempty"`
	Region    region.Region    `json:"region,omitempty"`
	SubRegion region.SubRegion `json:"subRegion,omitempty"`
}

// Registry is a content record made of a fixed list of chunks.
type Registry struct {
	ID                string           `json:"id"`
	Owner             string           `json:"owner"`
	Issuer            string           `json:"issuer"`
	Author            string           `json:"author"`
	Hash              chunkid.Hash     `json:"hash"`
	Info              []byte           `json:"info,omitempty"`
	Status            Accessibility    `json:"status"`
	Salable           bool             `json:"salable"`
	Country           region.Country   `json:"country"`
	Region            region.Region    `json:"region"`
	SubRegion         region.SubRegion `json:"subRegion"`
	Accessors         uint32           `json:"accessors"`
	ChunkHashes       []chunkid.Hash   `json:"chunkHashes"`
	DeliveryNetworkID string           `json:"deliveryNetworkId"`
	CreatedRound      uint64           `json:"createdRound"`
}

// ChunkIDs returns the chunk ids of the registry in list order.
func (r *Registry) ChunkIDs() []chunkid.ID {
	ids := make([]chunkid.ID, len(r.ChunkHashes))
	for i, h := range r.ChunkHashes {
		ids[i] = chunkid.For(r.ID, h)
	}
	return ids
}

// CanManage reports whether actor is the owner or the issuer.
func (r *Registry) CanManage(actor string) bool {
	return actor == r.Owner || actor == r.Issuer
}

// Chunk is one inspected piece of a registry.
type Chunk struct {
	ID         chunkid.ID    `json:"id"`
	RegistryID string        `json:"registryId"`
	Hash       chunkid.Hash  `json:"hash"`
	LastRound  uint64        `json:"lastRound"`
	Status     Accessibility `json:"status"`
	// Bucket is the round key of the inspection bucket holding the chunk.
	Bucket uint64 `json:"bucket"`
}

// Limits bounds the size of stored values.
type Limits struct {
	MaxIDBytes   int
	MaxInfoBytes int
	MaxURIBytes  int
	MaxChunks    int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxIDBytes:   64,
		MaxInfoBytes: 1024,
		MaxURIBytes:  256,
		MaxChunks:    1024,
	}
}
