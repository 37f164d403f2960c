// Package snapshot dumps and restores the metareg keyspace.
//
// A snapshot is a zstd-compressed stream of JSON lines: a header, one line
// per key and a trailer carrying the entry count. Maintenance leases are
// ephemeral and never included. Snapshots are taken key range by key
// range, so they are consistent only when no node is committing rounds.
package snapshot

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/metareg-io/metareg/internal/logging"
	"github.com/metareg-io/metareg/internal/metadata"
	"github.com/metareg-io/metareg/internal/metadata/keys"
)

const (
	// Format identifies snapshot streams.
	Format = "metareg-snapshot"
	// Version is the current snapshot layout version.
	Version = 1

	// ContentType is used when snapshots are stored as objects.
	ContentType = "application/zstd"

	defaultPageSize  = 1000
	defaultBatchSize = 256
	maxLineBytes     = 16 << 20
)

var (
	// ErrInvalidSnapshot is returned for streams that are not complete
	// snapshots of a supported version.
	ErrInvalidSnapshot = errors.New("snapshot: invalid snapshot")

	// ErrStoreNotEmpty is returned when importing over existing state
	// without Force.
	ErrStoreNotEmpty = errors.New("snapshot: store is not empty")
)

// Header is the first line of a snapshot.
type Header struct {
	Format      string `json:"format"`
	Version     int    `json:"version"`
	Round       uint64 `json:"round"`
	HasRound    bool   `json:"hasRound"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// Entry is one key of the keyspace.
type Entry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Trailer is the last line of a snapshot.
type Trailer struct {
	Entries int64 `json:"entries"`
}

type line struct {
	Header  *Header  `json:"header,omitempty"`
	Entry   *Entry   `json:"entry,omitempty"`
	Trailer *Trailer `json:"trailer,omitempty"`
}

// Stats summarizes an export or import.
type Stats struct {
	Entries  int64
	Round    uint64
	HasRound bool
}

// ExportOptions tunes Export.
type ExportOptions struct {
	// PageSize is the number of keys listed per store call.
	PageSize int
	// Now stamps the header. Defaults to time.Now.
	Now func() time.Time
}

// flat prefixes hold one level of keys below them.
var flatPrefixes = []string{
	keys.DeliveryNetworksPrefix,
	keys.RegistriesPrefix,
	keys.ChunksPrefix,
	keys.ChunkBlockSizePrefix,
	keys.ReaperPendingPrefix,
	keys.ReaperIndexPrefix,
	keys.ReaperCursorPrefix,
}

// nestedPrefix returns the prefix of the keys owned by the entry at key one
// level further down: the grants of a registry and the members of a bucket.
func nestedPrefix(prefix, key string) (string, error) {
	switch prefix {
	case keys.RegistriesPrefix:
		id, err := keys.ParseRegistryKey(key)
		if err != nil {
			return "", err
		}
		return keys.AccessPrefix(id), nil
	case keys.ChunkBlockSizePrefix:
		round, err := keys.ParseChunkBlockSizeKey(key)
		if err != nil {
			return "", err
		}
		return keys.ChunkBlockBucketPrefix(round), nil
	}
	return "", nil
}

var singleKeys = []string{
	keys.SchedulerPointerKey,
	keys.ReaperSeqKey,
	keys.EngineRoundKey,
}

// Export writes every persistent key of store to w.
func Export(ctx context.Context, store metadata.MetadataStore, w io.Writer, opts ExportOptions) (Stats, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var stats Stats
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return stats, fmt.Errorf("snapshot: zstd writer: %w", err)
	}
	bw := bufio.NewWriter(enc)
	out := json.NewEncoder(bw)

	round, hasRound, err := readRound(ctx, store)
	if err != nil {
		enc.Close()
		return stats, err
	}
	stats.Round, stats.HasRound = round, hasRound

	header := &Header{Format: Format, Version: Version, Round: round, HasRound: hasRound, CreatedAtMs: now().UnixMilli()}
	if err := out.Encode(line{Header: header}); err != nil {
		enc.Close()
		return stats, fmt.Errorf("snapshot: write header: %w", err)
	}

	emit := func(kv metadata.KV) error {
		stats.Entries++
		return out.Encode(line{Entry: &Entry{Key: kv.Key, Value: kv.Value}})
	}

	for _, prefix := range flatPrefixes {
		err := listPrefix(ctx, store, prefix, pageSize, func(kv metadata.KV) error {
			if err := emit(kv); err != nil {
				return err
			}
			nested, err := nestedPrefix(prefix, kv.Key)
			if err != nil || nested == "" {
				return err
			}
			return listPrefix(ctx, store, nested, pageSize, emit)
		})
		if err != nil {
			enc.Close()
			return stats, fmt.Errorf("snapshot: export %s: %w", prefix, err)
		}
	}
	for _, key := range singleKeys {
		res, err := store.Get(ctx, key)
		if err != nil {
			enc.Close()
			return stats, fmt.Errorf("snapshot: export %s: %w", key, err)
		}
		if !res.Exists {
			continue
		}
		if err := emit(metadata.KV{Key: key, Value: res.Value}); err != nil {
			enc.Close()
			return stats, err
		}
	}

	if err := out.Encode(line{Trailer: &Trailer{Entries: stats.Entries}}); err != nil {
		enc.Close()
		return stats, fmt.Errorf("snapshot: write trailer: %w", err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return stats, fmt.Errorf("snapshot: flush: %w", err)
	}
	if err := enc.Close(); err != nil {
		return stats, fmt.Errorf("snapshot: close: %w", err)
	}

	logging.FromCtx(ctx).Infof("snapshot exported", map[string]any{
		"entries": stats.Entries,
		"round":   stats.Round,
	})
	return stats, nil
}

// listPrefix visits the direct children of prefix page by page.
func listPrefix(ctx context.Context, store metadata.MetadataStore, prefix string, pageSize int, fn func(metadata.KV) error) error {
	start := prefix
	end := keys.PrefixEnd(prefix)
	for {
		kvs, err := store.List(ctx, start, end, pageSize)
		if err != nil {
			return err
		}
		for _, kv := range kvs {
			if err := fn(kv); err != nil {
				return err
			}
		}
		if len(kvs) < pageSize {
			return nil
		}
		start = keys.After(kvs[len(kvs)-1].Key)
	}
}

// ImportOptions tunes Import.
type ImportOptions struct {
	// BatchSize is the number of keys written per transaction.
	BatchSize int
	// Force imports over a store that already holds a committed round.
	// Existing keys not in the snapshot are left in place.
	Force bool
}

// Read decodes and validates a whole snapshot.
func Read(r io.Reader) (*Header, []Entry, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: zstd reader: %w", err)
	}
	defer dec.Close()

	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var (
		header  *Header
		trailer *Trailer
		entries []Entry
	)
	for scanner.Scan() {
		if trailer != nil {
			return nil, nil, fmt.Errorf("%w: data after trailer", ErrInvalidSnapshot)
		}
		var l line
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
		switch {
		case l.Header != nil:
			if header != nil {
				return nil, nil, fmt.Errorf("%w: duplicate header", ErrInvalidSnapshot)
			}
			if l.Header.Format != Format || l.Header.Version != Version {
				return nil, nil, fmt.Errorf("%w: unsupported format %q version %d", ErrInvalidSnapshot, l.Header.Format, l.Header.Version)
			}
			header = l.Header
		case l.Entry != nil:
			if header == nil {
				return nil, nil, fmt.Errorf("%w: entry before header", ErrInvalidSnapshot)
			}
			if !strings.HasPrefix(l.Entry.Key, keys.Root+"/") || strings.HasPrefix(l.Entry.Key, keys.LeasesPrefix) {
				return nil, nil, fmt.Errorf("%w: key %q outside the keyspace", ErrInvalidSnapshot, l.Entry.Key)
			}
			entries = append(entries, *l.Entry)
		case l.Trailer != nil:
			trailer = l.Trailer
		default:
			return nil, nil, fmt.Errorf("%w: empty line", ErrInvalidSnapshot)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if header == nil || trailer == nil {
		return nil, nil, fmt.Errorf("%w: truncated", ErrInvalidSnapshot)
	}
	if trailer.Entries != int64(len(entries)) {
		return nil, nil, fmt.Errorf("%w: trailer counts %d entries, read %d", ErrInvalidSnapshot, trailer.Entries, len(entries))
	}
	return header, entries, nil
}

// Import loads a snapshot into store. The whole stream is validated before
// anything is written. The engine round key is written last, so an
// interrupted import never looks like a committed state.
func Import(ctx context.Context, store metadata.MetadataStore, r io.Reader, opts ImportOptions) (Stats, error) {
	var stats Stats
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	if !opts.Force {
		if _, has, err := readRound(ctx, store); err != nil {
			return stats, err
		} else if has {
			return stats, ErrStoreNotEmpty
		}
	}

	header, entries, err := Read(r)
	if err != nil {
		return stats, err
	}
	stats.Round, stats.HasRound = header.Round, header.HasRound

	var roundEntry *Entry
	batch := make([]Entry, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := store.Txn(ctx, keys.Root, func(txn metadata.Txn) error {
			for _, e := range batch {
				txn.Put(e.Key, e.Value)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("snapshot: import batch at %s: %w", batch[0].Key, err)
		}
		stats.Entries += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	for i := range entries {
		if entries[i].Key == keys.EngineRoundKey {
			roundEntry = &entries[i]
			continue
		}
		batch = append(batch, entries[i])
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if roundEntry != nil {
		batch = append(batch, *roundEntry)
	}
	if err := flush(); err != nil {
		return stats, err
	}

	logging.FromCtx(ctx).Infof("snapshot imported", map[string]any{
		"entries": stats.Entries,
		"round":   stats.Round,
	})
	return stats, nil
}

func readRound(ctx context.Context, store metadata.MetadataStore) (uint64, bool, error) {
	res, err := store.Get(ctx, keys.EngineRoundKey)
	if err != nil {
		return 0, false, fmt.Errorf("snapshot: read round: %w", err)
	}
	if !res.Exists {
		return 0, false, nil
	}
	round, err := keys.DecodeUint64(string(res.Value))
	if err != nil {
		return 0, false, fmt.Errorf("snapshot: decode round: %w", err)
	}
	return round, true, nil
}
