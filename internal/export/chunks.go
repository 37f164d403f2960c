// Package export writes committed chunk state to Parquet for offline audit.
//
// Every chunk becomes one row joined with the fields of its registry that
// auditors filter on (status, delivery network, location). Rows follow
// chunk id order, so two exports of the same state are identical.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/metareg-io/metareg/internal/chunkid"
	"github.com/metareg-io/metareg/internal/logging"
	"github.com/metareg-io/metareg/internal/registry"
)

const (
	// DefaultPageSize is the number of chunks read from the store at a time.
	DefaultPageSize = 512

	// ContentType is used when exports are stored as objects.
	ContentType = "application/vnd.apache.parquet"
)

// ChunkRow is one exported chunk.
type ChunkRow struct {
	ChunkID           string `parquet:"chunk_id"`
	RegistryID        string `parquet:"registry_id"`
	Hash              string `parquet:"hash"`
	Status            string `parquet:"status,dict"`
	LastRound         uint64 `parquet:"last_round"`
	Bucket            uint64 `parquet:"bucket"`
	RegistryStatus    string `parquet:"registry_status,dict,optional"`
	DeliveryNetworkID string `parquet:"delivery_network_id,dict,optional"`
	Country           string `parquet:"country,dict,optional"`
	Region            string `parquet:"region,dict,optional"`
	SubRegion         string `parquet:"sub_region,dict,optional"`
}

// Source reads committed chunks and registries. *engine.Reader satisfies it.
type Source interface {
	Chunks(ctx context.Context, after *chunkid.ID, limit int) ([]*registry.Chunk, error)
	Registry(ctx context.Context, id string) (*registry.Registry, error)
}

// Stats summarizes an export.
type Stats struct {
	Rows     int64
	ByStatus map[string]int64
	// Orphans counts chunks whose registry record is already gone.
	Orphans int64
}

// Options tunes an export.
type Options struct {
	PageSize int
	// Status keeps only chunks with this status when set.
	Status registry.Accessibility
}

// Chunks writes every chunk of src to w as a zstd-compressed Parquet file.
func Chunks(ctx context.Context, src Source, w io.Writer, opts Options) (Stats, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	logger := logging.FromCtx(ctx)
	stats := Stats{ByStatus: make(map[string]int64)}

	writer := parquet.NewGenericWriter[ChunkRow](w, parquet.Compression(&parquet.Zstd))
	registries := make(map[string]*registry.Registry)

	var after *chunkid.ID
	for {
		chunks, err := src.Chunks(ctx, after, pageSize)
		if err != nil {
			return stats, fmt.Errorf("export: list chunks: %w", err)
		}
		if len(chunks) == 0 {
			break
		}

		rows := make([]ChunkRow, 0, len(chunks))
		for _, c := range chunks {
			if opts.Status != "" && c.Status != opts.Status {
				continue
			}
			reg, err := lookupRegistry(ctx, src, registries, c.RegistryID)
			if err != nil {
				return stats, err
			}
			row := chunkRow(c, reg)
			if reg == nil {
				stats.Orphans++
			}
			rows = append(rows, row)
			stats.ByStatus[row.Status]++
		}

		if len(rows) > 0 {
			n, err := writer.Write(rows)
			if err != nil {
				return stats, fmt.Errorf("export: write rows: %w", err)
			}
			if n != len(rows) {
				return stats, fmt.Errorf("export: wrote %d of %d rows", n, len(rows))
			}
			stats.Rows += int64(n)
		}

		last := chunks[len(chunks)-1].ID
		after = &last
		if len(chunks) < pageSize {
			break
		}
		// registries of earlier pages are rarely needed again
		if len(registries) > 4*pageSize {
			clear(registries)
		}
	}

	if err := writer.Close(); err != nil {
		return stats, fmt.Errorf("export: close: %w", err)
	}
	logger.Infof("chunk export written", map[string]any{
		"rows":    stats.Rows,
		"orphans": stats.Orphans,
	})
	return stats, nil
}

func lookupRegistry(ctx context.Context, src Source, cache map[string]*registry.Registry, id string) (*registry.Registry, error) {
	if reg, ok := cache[id]; ok {
		return reg, nil
	}
	reg, err := src.Registry(ctx, id)
	if errors.Is(err, registry.ErrRegistryNotExisted) {
		reg, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("export: load registry %s: %w", id, err)
	}
	cache[id] = reg
	return reg, nil
}

func chunkRow(c *registry.Chunk, reg *registry.Registry) ChunkRow {
	row := ChunkRow{
		ChunkID:    c.ID.String(),
		RegistryID: c.RegistryID,
		Hash:       c.Hash.String(),
		Status:     string(c.Status),
		LastRound:  c.LastRound,
		Bucket:     c.Bucket,
	}
	if reg != nil {
		row.RegistryStatus = string(reg.Status)
		row.DeliveryNetworkID = reg.DeliveryNetworkID
		row.Country = string(reg.Country)
		row.Region = string(reg.Region)
		row.SubRegion = string(reg.SubRegion)
	}
	return row
}

// ReadChunks reads back an export written by Chunks.
func ReadChunks(r io.ReaderAt, size int64) ([]ChunkRow, error) {
	file, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("export: open: %w", err)
	}
	reader := parquet.NewGenericReader[ChunkRow](file)
	defer reader.Close()

	rows := make([]ChunkRow, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("export: read rows: %w", err)
	}
	return rows[:n], nil
}
