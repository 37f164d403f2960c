package registry

import (
	"errors"

	"github.com/metareg-io/metareg/internal/region"
	"github.com/metareg-io/metareg/internal/scheduler"
)

// Not-found errors.
var (
	ErrRegistryNotExisted        = errors.New("registry not existed")
	ErrChunkNotExisted           = errors.New("chunk not existed")
	ErrDeliveryNetworkNotExisted = errors.New("delivery network not existed")
	// ErrChunkBlockNotExisted signals a chunk without a schedule entry.
	ErrChunkBlockNotExisted = scheduler.ErrChunkBlockNotExisted
)

// Conflict errors.
var (
	ErrRegistryAlreadyExisted        = errors.New("registry already existed")
	ErrChunkAlreadyExisted           = errors.New("chunk already existed")
	ErrDeliveryNetworkAlreadyExisted = errors.New("delivery network already existed")
)

// Authorization and state errors.
var (
	ErrNonAuthorized = errors.New("non authorized")
	// ErrRegistrySalable is returned when deletion and sale would overlap.
	ErrRegistrySalable = errors.New("registry salable")
)

// Validation errors.
var (
	ErrNoLocationSpecified = errors.New("no location specified")
	ErrNoneValue           = errors.New("none value")
	ErrInvalidStatus       = errors.New("invalid status")
	ErrInvalidIdentifier   = errors.New("invalid identifier")
	ErrValueTooLong        = errors.New("value too long")
	ErrTooManyChunks       = errors.New("too many chunks")
	ErrUnknownCountry      = region.ErrUnknownCountry
)

var errorNames = []struct {
	err  error
	name string
}{
	{ErrRegistryNotExisted, "RegistryNotExisted"},
	{ErrChunkNotExisted, "ChunkNotExisted"},
	{ErrDeliveryNetworkNotExisted, "DeliveryNetworkNotExisted"},
	{ErrChunkBlockNotExisted, "ChunkBlockNotExisted"},
	{ErrRegistryAlreadyExisted, "RegistryAlreadyExisted"},
	{ErrChunkAlreadyExisted, "ChunkAlreadyExisted"},
	{ErrDeliveryNetworkAlreadyExisted, "DeliveryNetworkAlreadyExisted"},
	{ErrNonAuthorized, "NonAuthorized"},
	{ErrRegistrySalable, "RegistrySalable"},
	{ErrNoLocationSpecified, "NoLocationSpecified"},
	{ErrNoneValue, "NoneValue"},
	{ErrInvalidStatus, "InvalidStatus"},
	{ErrInvalidIdentifier, "InvalidIdentifier"},
	{ErrValueTooLong, "ValueTooLong"},
	{ErrTooManyChunks, "TooManyChunks"},
	{ErrUnknownCountry, "UnknownCountry"},
	{region.ErrUnknownRegion, "UnknownRegion"},
	{region.ErrUnknownSubRegion, "UnknownSubRegion"},
}

// ErrorName returns the class name of a domain error, "Internal" for any
// other non-nil error and "" for nil.
func ErrorName(err error) string {
	if err == nil {
		return ""
	}
	for _, e := range errorNames {
		if errors.Is(err, e.err) {
			return e.name
		}
	}
	return "Internal"
}
