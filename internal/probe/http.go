package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/metareg-io/metareg/internal/registry"
)

// HTTPProber probes http:// and https:// delivery networks with a HEAD
// request on <uri>/<registryID>/<chunkHashHex>.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates an HTTP prober. A nil client gets a default one
// with a 5s timeout.
func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPProber{client: client}
}

func (p *HTTPProber) Probe(ctx context.Context, network *registry.DeliveryNetwork, chunk *registry.Chunk) (registry.Accessibility, error) {
	target := strings.TrimRight(network.URI, "/")
	for _, part := range ObjectPath(chunk) {
		target += "/" + url.PathEscape(part)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return "", fmt.Errorf("probe: build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("probe: head %s: %w", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return registry.Healthy, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return registry.Broken, nil
	default:
		return "", fmt.Errorf("probe: head %s: unexpected status %d", target, resp.StatusCode)
	}
}
