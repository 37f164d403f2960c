package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/metareg-io/metareg/internal/chunkid"
	"github.com/metareg-io/metareg/internal/metadata/keys"
	"github.com/metareg-io/metareg/internal/region"
	"github.com/metareg-io/metareg/internal/registry"
	"github.com/metareg-io/metareg/internal/state"
)

// Genesis is the initial state seeded at round 0.
//
// Example:
//
//	deliveryNetworks:
//	  - id: net1
//	    uri: s3://chunks/eu
//	    country: FR
//	registries:
//	  - id: reg1
//	    owner: alice
//	    issuer: bob
//	    hash: 6a09e667...
//	    country: FR
//	    deliveryNetwork: net1
//	    chunks: [bb67ae85..., 3c6ef372...]
//	grants:
//	  - registry: reg1
//	    account: carol
//	    access: Accessor
type Genesis struct {
	DeliveryNetworks []GenesisNetwork  `yaml:"deliveryNetworks"`
	Registries       []GenesisRegistry `yaml:"registries"`
	Grants           []GenesisGrant    `yaml:"grants"`
}

type GenesisNetwork struct {
	ID        string `yaml:"id"`
	URI       string `yaml:"uri"`
	Country   string `yaml:"country"`
	Region    string `yaml:"region"`
	SubRegion string `yaml:"subRegion"`
}

type GenesisRegistry struct {
	ID     string `yaml:"id"`
	Owner  string `yaml:"owner"`
	Issuer string `yaml:"issuer"`
	// Author defaults to Issuer.
	Author          string   `yaml:"author"`
	Hash            string   `yaml:"hash"`
	Info            string   `yaml:"info"`
	Salable         bool     `yaml:"salable"`
	Country         string   `yaml:"country"`
	DeliveryNetwork string   `yaml:"deliveryNetwork"`
	Chunks          []string `yaml:"chunks"`
}

type GenesisGrant struct {
	Registry string `yaml:"registry"`
	Account  string `yaml:"account"`
	Access   string `yaml:"access"`
}

// LoadGenesis parses a genesis document.
func LoadGenesis(r io.Reader) (*Genesis, error) {
	var g Genesis
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&g); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("genesis: parse: %w", err)
	}
	return &g, nil
}

// LoadGenesisFile parses the genesis document at path.
func LoadGenesisFile(path string) (*Genesis, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}
	defer f.Close()
	return LoadGenesis(f)
}

// ApplyGenesis seeds g as round 0 when nothing has been committed yet. It
// reports whether the genesis was applied. Authorization is not checked;
// the genesis is trusted configuration.
func (e *Engine) ApplyGenesis(ctx context.Context, g *Genesis) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, committed, err := readRound(ctx, e.store)
	if err != nil {
		return false, err
	}
	if committed {
		return false, nil
	}

	tx := state.New(e.store)
	if err := e.seed(ctx, tx, g); err != nil {
		return false, err
	}
	tx.Put(keys.EngineRoundKey, []byte("0"))
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("genesis: commit: %w", err)
	}

	e.logger.Infof("genesis applied", map[string]any{
		"deliveryNetworks": len(g.DeliveryNetworks),
		"registries":       len(g.Registries),
		"grants":           len(g.Grants),
	})
	return true, nil
}

func (e *Engine) seed(ctx context.Context, tx *state.Overlay, g *Genesis) error {
	for _, n := range g.DeliveryNetworks {
		_, err := e.registry.CreateDeliveryNetwork(ctx, tx, registry.DeliveryNetworkParams{
			ID:        n.ID,
			URI:       n.URI,
			Country:   normalizeCountry(n.Country),
			Region:    region.Region(n.Region),
			SubRegion: region.SubRegion(n.SubRegion),
		})
		if err != nil {
			return fmt.Errorf("genesis: delivery network %q: %w", n.ID, err)
		}
	}

	for _, r := range g.Registries {
		params, err := r.params()
		if err != nil {
			return fmt.Errorf("genesis: registry %q: %w", r.ID, err)
		}
		if _, err := e.registry.CreateRegistry(ctx, tx, params, 0); err != nil {
			return fmt.Errorf("genesis: registry %q: %w", r.ID, err)
		}
	}

	for _, gr := range g.Grants {
		access, err := registry.ParseAccessType(gr.Access)
		if err != nil {
			return fmt.Errorf("genesis: grant %s/%s: %w", gr.Registry, gr.Account, err)
		}
		if err := e.registry.GrantAccess(ctx, tx, gr.Registry, gr.Account, access); err != nil {
			return fmt.Errorf("genesis: grant %s/%s: %w", gr.Registry, gr.Account, err)
		}
	}
	return nil
}

func (r GenesisRegistry) params() (registry.RegistryParams, error) {
	p := registry.RegistryParams{
		ID:                r.ID,
		Owner:             r.Owner,
		Issuer:            r.Issuer,
		Author:            r.Author,
		Info:              []byte(r.Info),
		Salable:           r.Salable,
		Country:           normalizeCountry(r.Country),
		DeliveryNetworkID: r.DeliveryNetwork,
	}
	if p.Author == "" {
		p.Author = r.Issuer
	}
	if r.Hash != "" {
		h, err := chunkid.ParseHash(r.Hash)
		if err != nil {
			return p, err
		}
		p.Hash = h
	}
	p.ChunkHashes = make([]chunkid.Hash, 0, len(r.Chunks))
	for _, s := range r.Chunks {
		h, err := chunkid.ParseHash(s)
		if err != nil {
			return p, err
		}
		p.ChunkHashes = append(p.ChunkHashes, h)
	}
	return p, nil
}

func normalizeCountry(code string) region.Country {
	if code == "" {
		return ""
	}
	return region.Normalize(code)
}
