package reaper

import (
	"context"
	"errors"

	"github.com/metareg-io/metareg/internal/metadata/keys"
	"github.com/metareg-io/metareg/internal/registry"
	"github.com/metareg-io/metareg/internal/state"
)

// Config configures the reaper.
type Config struct {
	// BatchSize is the maximum number of access grants removed per step.
	// Default: 50
	BatchSize int

	// StepsPerRound is the number of ReapOne invocations per round.
	// Default: 1
	StepsPerRound int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:     50,
		StepsPerRound: 1,
	}
}

// Cursor is the persisted continuation point of a registry being reaped.
type Cursor struct {
	ChunksCleared bool `json:"chunksCleared"`
	// After is the last access grant key removed.
	After string `json:"after,omitempty"`
}

// Progress reports what one ReapOne invocation did.
type Progress struct {
	RegistryID    string
	Cursor        Cursor
	Done          bool
	ChunksRemoved int
	GrantsRemoved int
}

// Reaper performs bounded removal of soft-deleted registries.
type Reaper struct {
	store  *registry.Store
	queue  *Queue
	config Config
}

// New creates a reaper.
func New(store *registry.Store, queue *Queue, config Config) *Reaper {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.StepsPerRound <= 0 {
		config.StepsPerRound = 1
	}
	return &Reaper{store: store, queue: queue, config: config}
}

// ReapOne removes the next slice of a registry's storage. The first call
// (zero cursor) removes every chunk of the registry. Each call removes at
// most BatchSize access grants. When no grants remain the registry record
// is removed, the registry leaves the queue and Done is set.
func (r *Reaper) ReapOne(ctx context.Context, tx *state.Overlay, registryID string, cursor Cursor) (Progress, error) {
	p := Progress{RegistryID: registryID, Cursor: cursor}

	if !cursor.ChunksCleared {
		reg, err := r.store.GetRegistry(ctx, tx, registryID)
		switch {
		case errors.Is(err, registry.ErrRegistryNotExisted):
			// Record already gone; only grants can remain.
		case err != nil:
			return p, err
		default:
			for _, id := range reg.ChunkIDs() {
				if err := r.store.RemoveChunk(ctx, tx, id); err != nil {
					return p, err
				}
			}
			p.ChunksRemoved = len(reg.ChunkHashes)
		}
		p.Cursor.ChunksCleared = true
	}

	prefix := keys.AccessPrefix(registryID)
	grants, err := tx.Scan(ctx, prefix, cursor.After, r.config.BatchSize)
	if err != nil {
		return p, err
	}
	for _, kv := range grants {
		tx.Delete(kv.Key)
	}
	p.GrantsRemoved = len(grants)
	if len(grants) > 0 {
		p.Cursor.After = grants[len(grants)-1].Key
	}

	done := len(grants) < r.config.BatchSize
	if !done {
		rest, err := tx.Scan(ctx, prefix, p.Cursor.After, 1)
		if err != nil {
			return p, err
		}
		done = len(rest) == 0
	}
	if !done {
		return p, nil
	}

	r.store.RemoveRegistry(tx, registryID)
	if err := r.queue.Remove(ctx, tx, registryID); err != nil {
		return p, err
	}
	p.Done = true
	return p, nil
}

// Step runs up to StepsPerRound invocations of ReapOne against the oldest
// pending registries, persisting the cursor of any registry left unfinished.
func (r *Reaper) Step(ctx context.Context, tx *state.Overlay) ([]Progress, error) {
	var out []Progress
	for i := 0; i < r.config.StepsPerRound; i++ {
		pending, err := r.queue.Pending(ctx, tx, 1)
		if err != nil {
			return out, err
		}
		if len(pending) == 0 {
			return out, nil
		}
		id := pending[0]

		cursor, err := r.LoadCursor(ctx, tx, id)
		if err != nil {
			return out, err
		}
		p, err := r.ReapOne(ctx, tx, id, cursor)
		if err != nil {
			return out, err
		}
		if !p.Done {
			if err := tx.PutJSON(keys.ReaperCursorKeyPath(id), p.Cursor); err != nil {
				return out, err
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// LoadCursor returns the persisted cursor of a registry, or the zero cursor.
func (r *Reaper) LoadCursor(ctx context.Context, tx *state.Overlay, registryID string) (Cursor, error) {
	var c Cursor
	_, err := tx.GetJSON(ctx, keys.ReaperCursorKeyPath(registryID), &c)
	return c, err
}

// BatchSize returns the configured grant batch size.
func (r *Reaper) BatchSize() int {
	return r.config.BatchSize
}
