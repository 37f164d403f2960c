// Package state buffers the writes of a round on top of a MetadataStore.
//
// An Overlay answers reads from its own pending writes first and falls back
// to its parent (another Overlay or the backing store). Operations run in a
// Child overlay; on success the child is merged into the round overlay, on
// failure it is dropped, so a failed operation leaves no trace. At the end
// of a round the root overlay is committed with a single store transaction.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/metareg-io/metareg/internal/metadata"
	"github.com/metareg-io/metareg/internal/metadata/keys"
)

type source interface {
	get(ctx context.Context, key string) ([]byte, bool, error)
	scan(ctx context.Context, prefix, startAfter string, limit int) ([]metadata.KV, error)
}

type write struct {
	value   []byte
	deleted bool
}

// Overlay is a buffered view of the keyspace. It is not safe for
// concurrent use; the engine applies operations serially.
type Overlay struct {
	parent source
	store  metadata.MetadataStore
	writes map[string]write
}

// New returns a root overlay over store.
func New(store metadata.MetadataStore) *Overlay {
	return &Overlay{
		parent: storeSource{store: store},
		store:  store,
		writes: make(map[string]write),
	}
}

// Child returns an overlay whose reads see o and whose writes stay local
// until Merge is called.
func (o *Overlay) Child() *Overlay {
	return &Overlay{parent: o, writes: make(map[string]write)}
}

// Merge folds the child's writes into its parent overlay.
func (o *Overlay) Merge() error {
	parent, ok := o.parent.(*Overlay)
	if !ok {
		return fmt.Errorf("state: merge of a root overlay")
	}
	for k, w := range o.writes {
		parent.writes[k] = w
	}
	o.writes = make(map[string]write)
	return nil
}

// Get returns the value of key and whether it exists.
func (o *Overlay) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return o.get(ctx, key)
}

func (o *Overlay) get(ctx context.Context, key string) ([]byte, bool, error) {
	if w, ok := o.writes[key]; ok {
		if w.deleted {
			return nil, false, nil
		}
		return w.value, true, nil
	}
	return o.parent.get(ctx, key)
}

// Put buffers a write of key.
func (o *Overlay) Put(key string, value []byte) {
	o.writes[key] = write{value: value}
}

// Delete buffers a removal of key.
func (o *Overlay) Delete(key string) {
	o.writes[key] = write{deleted: true}
}

// Pending returns the number of buffered writes.
func (o *Overlay) Pending() int {
	return len(o.writes)
}

// Scan returns up to limit live entries with the given prefix whose keys
// sort strictly after startAfter (all entries from the start of the prefix
// when startAfter is empty). limit <= 0 returns every entry.
func (o *Overlay) Scan(ctx context.Context, prefix, startAfter string, limit int) ([]metadata.KV, error) {
	return o.scan(ctx, prefix, startAfter, limit)
}

func (o *Overlay) scan(ctx context.Context, prefix, startAfter string, limit int) ([]metadata.KV, error) {
	inRange := func(k string) bool {
		return strings.HasPrefix(k, prefix) && k > startAfter
	}

	deletes := 0
	for k, w := range o.writes {
		if w.deleted && inRange(k) {
			deletes++
		}
	}

	parentLimit := 0
	if limit > 0 {
		parentLimit = limit + deletes
	}
	base, err := o.parent.scan(ctx, prefix, startAfter, parentLimit)
	if err != nil {
		return nil, err
	}
	truncated := parentLimit > 0 && len(base) == parentLimit
	var horizon string
	if truncated {
		horizon = base[len(base)-1].Key
	}

	merged := make(map[string]metadata.KV, len(base))
	for _, kv := range base {
		merged[kv.Key] = kv
	}
	for k, w := range o.writes {
		if !inRange(k) {
			continue
		}
		if w.deleted {
			delete(merged, k)
			continue
		}
		if truncated && k > horizon {
			continue
		}
		merged[k] = metadata.KV{Key: k, Value: w.value}
	}

	result := make([]metadata.KV, 0, len(merged))
	for _, kv := range merged {
		result = append(result, kv)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Commit writes the buffered changes of a root overlay to the backing store
// in one transaction and clears the buffer.
func (o *Overlay) Commit(ctx context.Context) error {
	if o.store == nil {
		return fmt.Errorf("state: commit of a child overlay")
	}
	if len(o.writes) == 0 {
		return nil
	}
	ordered := make([]string, 0, len(o.writes))
	for k := range o.writes {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	err := o.store.Txn(ctx, keys.Root, func(txn metadata.Txn) error {
		for _, k := range ordered {
			w := o.writes[k]
			if w.deleted {
				txn.Delete(k)
			} else {
				txn.Put(k, w.value)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("state: commit %d writes: %w", len(ordered), err)
	}
	o.writes = make(map[string]write)
	return nil
}

// GetJSON decodes the JSON value of key into v. It reports whether the key
// exists.
func (o *Overlay) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	data, ok, err := o.get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return true, nil
}

// PutJSON buffers the JSON encoding of v under key.
func (o *Overlay) PutJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	o.Put(key, data)
	return nil
}

// Exists reports whether key holds a live value.
func (o *Overlay) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := o.get(ctx, key)
	return ok, err
}

type storeSource struct {
	store metadata.MetadataStore
}

func (s storeSource) get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Exists, nil
}

func (s storeSource) scan(ctx context.Context, prefix, startAfter string, limit int) ([]metadata.KV, error) {
	start := prefix
	if startAfter >= prefix {
		start = keys.After(startAfter)
	}
	end := keys.PrefixEnd(prefix)
	if end == "" {
		return s.store.List(ctx, prefix, "", limit)
	}
	return s.store.List(ctx, start, end, limit)
}
