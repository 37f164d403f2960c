package node

import (
	"context"
	"fmt"
	"time"

	"github.com/metareg-io/metareg/internal/config"
	"github.com/metareg-io/metareg/internal/logging"
	"github.com/metareg-io/metareg/internal/metadata"
	"github.com/metareg-io/metareg/internal/metadata/badger"
	"github.com/metareg-io/metareg/internal/metadata/oxia"
)

// OpenStore opens the metadata backend selected by cfg.Backend.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *logging.Logger) (metadata.MetadataStore, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return metadata.NewMemoryStore(), nil

	case config.BackendBadger:
		bcfg := badger.DefaultConfig(cfg.Path)
		if cfg.EphemeralTTLMs > 0 {
			bcfg.EphemeralTTL = time.Duration(cfg.EphemeralTTLMs) * time.Millisecond
		}
		bcfg.Logger = logger
		store, err := badger.New(bcfg)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return store, nil

	case config.BackendOxia:
		store, err := oxia.New(ctx, oxia.Config{
			ServiceAddress: cfg.OxiaEndpoint,
			Namespace:      cfg.OxiaNamespace,
			RequestTimeout: time.Duration(cfg.OxiaRequestTimeoutMs) * time.Millisecond,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open oxia store: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
