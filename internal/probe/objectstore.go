package probe

import (
	"context"
	"errors"
	"fmt"

	"github.com/metareg-io/metareg/internal/objectstore"
	"github.com/metareg-io/metareg/internal/registry"
)

// ObjectStoreProber probes s3:// delivery networks with a HEAD request on
// <prefix>/<registryID>/<chunkHashHex>.
type ObjectStoreProber struct {
	provider objectstore.Provider
}

// NewObjectStoreProber creates a prober that opens buckets through provider.
func NewObjectStoreProber(provider objectstore.Provider) *ObjectStoreProber {
	return &ObjectStoreProber{provider: provider}
}

func (p *ObjectStoreProber) Probe(ctx context.Context, network *registry.DeliveryNetwork, chunk *registry.Chunk) (registry.Accessibility, error) {
	loc, err := objectstore.ParseURI(network.URI)
	if err != nil {
		return "", fmt.Errorf("probe: network %s: %w", network.ID, err)
	}
	store, err := p.provider.Bucket(ctx, loc.Bucket)
	if err != nil {
		return "", fmt.Errorf("probe: open bucket %s: %w", loc.Bucket, err)
	}

	_, err = store.Head(ctx, loc.Key(ObjectPath(chunk)...))
	switch {
	case err == nil:
		return registry.Healthy, nil
	case errors.Is(err, objectstore.ErrNotFound):
		return registry.Broken, nil
	default:
		return "", err
	}
}
