package reaper

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/metareg-io/metareg/internal/metadata/keys"
	"github.com/metareg-io/metareg/internal/state"
)

// Queue is the insertion-ordered set of registries awaiting reaping.
type Queue struct{}

// NewQueue returns the pending-deletion queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends registryID unless it is already pending.
func (q *Queue) Enqueue(ctx context.Context, tx *state.Overlay, registryID string) error {
	pending, err := q.Contains(ctx, tx, registryID)
	if err != nil || pending {
		return err
	}

	var seq uint64
	data, ok, err := tx.Get(ctx, keys.ReaperSeqKey)
	if err != nil {
		return err
	}
	if ok {
		if seq, err = strconv.ParseUint(string(data), 10, 64); err != nil {
			return fmt.Errorf("reaper: decode sequence: %w", err)
		}
	}
	seq++

	tx.Put(keys.ReaperSeqKey, []byte(strconv.FormatUint(seq, 10)))
	if err := tx.PutJSON(keys.ReaperPendingKeyPath(seq), registryID); err != nil {
		return err
	}
	tx.Put(keys.ReaperIndexKeyPath(registryID), []byte(strconv.FormatUint(seq, 10)))
	return nil
}

// Contains reports whether registryID is pending.
func (q *Queue) Contains(ctx context.Context, tx *state.Overlay, registryID string) (bool, error) {
	return tx.Exists(ctx, keys.ReaperIndexKeyPath(registryID))
}

// Pending returns up to limit pending registry ids, oldest first.
// limit <= 0 returns all of them.
func (q *Queue) Pending(ctx context.Context, tx *state.Overlay, limit int) ([]string, error) {
	kvs, err := tx.Scan(ctx, keys.ReaperPendingPrefix, "", limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		var id string
		if err := json.Unmarshal(kv.Value, &id); err != nil {
			return nil, fmt.Errorf("reaper: decode %s: %w", kv.Key, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Remove drops registryID from the queue along with its cursor.
func (q *Queue) Remove(ctx context.Context, tx *state.Overlay, registryID string) error {
	indexKey := keys.ReaperIndexKeyPath(registryID)
	data, ok, err := tx.Get(ctx, indexKey)
	if err != nil || !ok {
		return err
	}
	seq, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("reaper: decode index of %s: %w", registryID, err)
	}
	tx.Delete(keys.ReaperPendingKeyPath(seq))
	tx.Delete(indexKey)
	tx.Delete(keys.ReaperCursorKeyPath(registryID))
	return nil
}
