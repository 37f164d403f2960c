// Package probe checks whether a chunk is still served by its delivery
// network.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/metareg-io/metareg/internal/registry"
)

// ErrUnsupportedScheme is returned for delivery network URIs no prober handles.
var ErrUnsupportedScheme = errors.New("probe: unsupported uri scheme")

// Prober reports the accessibility of a chunk on a delivery network.
// Implementations return Healthy or Broken, or an error when the answer is
// unknown.
type Prober interface {
	Probe(ctx context.Context, network *registry.DeliveryNetwork, chunk *registry.Chunk) (registry.Accessibility, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, network *registry.DeliveryNetwork, chunk *registry.Chunk) (registry.Accessibility, error)

func (f ProberFunc) Probe(ctx context.Context, network *registry.DeliveryNetwork, chunk *registry.Chunk) (registry.Accessibility, error) {
	return f(ctx, network, chunk)
}

// Router dispatches to a prober by the scheme of the network URI.
type Router struct {
	probers map[string]Prober
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{probers: make(map[string]Prober)}
}

// Handle registers p for scheme. Schemes are matched case-insensitively.
func (r *Router) Handle(scheme string, p Prober) *Router {
	r.probers[strings.ToLower(scheme)] = p
	return r
}

// Schemes returns the number of registered schemes.
func (r *Router) Schemes() int {
	return len(r.probers)
}

func (r *Router) Probe(ctx context.Context, network *registry.DeliveryNetwork, chunk *registry.Chunk) (registry.Accessibility, error) {
	scheme := Scheme(network.URI)
	p, ok := r.probers[scheme]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	return p.Probe(ctx, network, chunk)
}

// Scheme returns the lower-cased scheme of uri, or "" when it has none.
func Scheme(uri string) string {
	scheme, _, ok := strings.Cut(uri, "://")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}

// ObjectPath returns the relative path of a chunk under its network root.
func ObjectPath(chunk *registry.Chunk) []string {
	return []string{chunk.RegistryID, chunk.Hash.String()}
}
