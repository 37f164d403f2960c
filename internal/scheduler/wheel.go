// Package scheduler implements the inspection time wheel.
//
// Each live chunk sits in exactly one bucket keyed by a round that is a
// multiple of the wheel interval. A bucket is one membership key per chunk
// plus a member count, so moving a chunk touches a constant number of keys
// whatever the bucket size. The pointer names the lowest non-empty bucket,
// so finding the work due in a round costs one read.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/metareg-io/metareg/internal/chunkid"
	"github.com/metareg-io/metareg/internal/metadata/keys"
	"github.com/metareg-io/metareg/internal/state"
)

// ErrChunkBlockNotExisted is returned when a chunk's recorded bucket is
// missing or does not contain it. Reaching it means a chunk lost its
// schedule entry.
var ErrChunkBlockNotExisted = errors.New("chunk block not existed")

var member = []byte("1")

// NearestBucket rounds round up to the next multiple of interval.
// An interval of 0 is the identity. Results saturate at the largest
// multiple representable in a uint64.
func NearestBucket(round, interval uint64) uint64 {
	if interval == 0 {
		return round
	}
	rem := round % interval
	if rem == 0 {
		return round
	}
	next := round + (interval - rem)
	if next < round {
		return math.MaxUint64 - math.MaxUint64%interval
	}
	return next
}

// Wheel schedules chunks into round buckets.
type Wheel struct {
	interval uint64
}

// New creates a wheel with the given bucket interval.
func New(interval uint64) *Wheel {
	return &Wheel{interval: interval}
}

// Interval returns the bucket interval.
func (w *Wheel) Interval() uint64 {
	return w.interval
}

// Schedule moves id from the bucket at from (nil for a chunk that has never
// been scheduled) into the bucket nearest to round. It returns the round of
// the new bucket.
func (w *Wheel) Schedule(ctx context.Context, tx *state.Overlay, id chunkid.ID, from *uint64, round uint64) (uint64, error) {
	next := NearestBucket(round, w.interval)

	emptied := false
	if from != nil {
		removed, empty, err := w.remove(ctx, tx, *from, id)
		if err != nil {
			return 0, err
		}
		if !removed {
			return 0, fmt.Errorf("%w: chunk %s not in bucket %d", ErrChunkBlockNotExisted, id, *from)
		}
		emptied = empty
	}

	if err := w.insert(ctx, tx, next, id); err != nil {
		return 0, err
	}
	if err := w.fixPointer(ctx, tx, from, emptied, &next); err != nil {
		return 0, err
	}
	return next, nil
}

// Unschedule removes id from the bucket at from. A missing bucket or entry
// is not an error; reaping may revisit chunks it already cleared.
func (w *Wheel) Unschedule(ctx context.Context, tx *state.Overlay, id chunkid.ID, from uint64) error {
	_, emptied, err := w.remove(ctx, tx, from, id)
	if err != nil {
		return err
	}
	return w.fixPointer(ctx, tx, &from, emptied, nil)
}

// Size returns the number of chunks in the bucket at round and whether the
// bucket exists.
func (w *Wheel) Size(ctx context.Context, tx *state.Overlay, round uint64) (int, bool, error) {
	data, ok, err := tx.Get(ctx, keys.ChunkBlockSizeKeyPath(round))
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, false, fmt.Errorf("scheduler: decode size of bucket %d: %w", round, err)
	}
	return n, true, nil
}

// Bucket returns the chunk ids in the bucket at round, in id order, and
// whether the bucket exists.
func (w *Wheel) Bucket(ctx context.Context, tx *state.Overlay, round uint64) ([]chunkid.ID, bool, error) {
	if _, ok, err := w.Size(ctx, tx, round); err != nil || !ok {
		return nil, false, err
	}
	ids, err := w.Members(ctx, tx, round, nil, 0)
	if err != nil {
		return nil, false, err
	}
	return ids, true, nil
}

// Members returns up to limit chunk ids of the bucket at round that sort
// after the given one. A nil after starts at the first member; limit <= 0
// returns every member.
func (w *Wheel) Members(ctx context.Context, tx *state.Overlay, round uint64, after *chunkid.ID, limit int) ([]chunkid.ID, error) {
	start := ""
	if after != nil {
		start = keys.ChunkBlockKeyPath(round, after.String())
	}
	kvs, err := tx.Scan(ctx, keys.ChunkBlockBucketPrefix(round), start, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]chunkid.ID, 0, len(kvs))
	for _, kv := range kvs {
		_, chunkHex, err := keys.ParseChunkBlockKey(kv.Key)
		if err != nil {
			return nil, err
		}
		id, err := chunkid.ParseHex(chunkHex)
		if err != nil {
			return nil, fmt.Errorf("scheduler: decode %s: %w", kv.Key, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Pointer returns the round of the current bucket. ok is false when the
// wheel is empty.
func (w *Wheel) Pointer(ctx context.Context, tx *state.Overlay) (uint64, bool, error) {
	data, ok, err := tx.Get(ctx, keys.SchedulerPointerKey)
	if err != nil || !ok {
		return 0, false, err
	}
	round, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("scheduler: decode pointer: %w", err)
	}
	return round, true, nil
}

// Entry is one scheduled chunk.
type Entry struct {
	Round uint64
	ID    chunkid.ID
}

// Due returns up to limit chunks whose bucket is due at round, in bucket
// then id order. A nil after starts at the current bucket; otherwise the
// walk resumes strictly after that entry. limit <= 0 returns every due
// chunk.
func (w *Wheel) Due(ctx context.Context, tx *state.Overlay, round uint64, after *Entry, limit int) ([]Entry, error) {
	var (
		bucket uint64
		from   *chunkid.ID
	)
	if after == nil {
		ptr, ok, err := w.Pointer(ctx, tx)
		if err != nil || !ok {
			return nil, err
		}
		bucket = ptr
	} else {
		bucket, from = after.Round, &after.ID
	}

	var out []Entry
	for bucket <= round {
		want := 0
		if limit > 0 {
			want = limit - len(out)
		}
		ids, err := w.Members(ctx, tx, bucket, from, want)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			out = append(out, Entry{Round: bucket, ID: id})
		}
		if limit > 0 && len(out) >= limit {
			break
		}

		next, ok, err := w.nextBucket(ctx, tx, bucket)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		bucket, from = next, nil
	}
	return out, nil
}

// BucketInfo summarizes one bucket.
type BucketInfo struct {
	Round uint64
	Size  int
}

// Buckets lists up to limit buckets starting at round from.
func (w *Wheel) Buckets(ctx context.Context, tx *state.Overlay, from uint64, limit int) ([]BucketInfo, error) {
	after := ""
	if from > 0 {
		after = keys.ChunkBlockSizeKeyPath(from - 1)
	}
	kvs, err := tx.Scan(ctx, keys.ChunkBlockSizePrefix, after, limit)
	if err != nil {
		return nil, err
	}
	out := make([]BucketInfo, 0, len(kvs))
	for _, kv := range kvs {
		round, err := keys.ParseChunkBlockSizeKey(kv.Key)
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(string(kv.Value))
		if err != nil {
			return nil, fmt.Errorf("scheduler: decode size of bucket %d: %w", round, err)
		}
		out = append(out, BucketInfo{Round: round, Size: n})
	}
	return out, nil
}

// nextBucket returns the lowest non-empty bucket above round.
func (w *Wheel) nextBucket(ctx context.Context, tx *state.Overlay, round uint64) (uint64, bool, error) {
	kvs, err := tx.Scan(ctx, keys.ChunkBlockSizePrefix, keys.ChunkBlockSizeKeyPath(round), 1)
	if err != nil || len(kvs) == 0 {
		return 0, false, err
	}
	next, err := keys.ParseChunkBlockSizeKey(kvs[0].Key)
	if err != nil {
		return 0, false, err
	}
	return next, true, nil
}

func (w *Wheel) insert(ctx context.Context, tx *state.Overlay, round uint64, id chunkid.ID) error {
	key := keys.ChunkBlockKeyPath(round, id.String())
	present, err := tx.Exists(ctx, key)
	if err != nil || present {
		return err
	}
	n, _, err := w.Size(ctx, tx, round)
	if err != nil {
		return err
	}
	tx.Put(key, member)
	w.setSize(tx, round, n+1)
	return nil
}

// remove deletes id from the bucket at round. It reports whether the id was
// present and whether the bucket was deleted as a result.
func (w *Wheel) remove(ctx context.Context, tx *state.Overlay, round uint64, id chunkid.ID) (bool, bool, error) {
	key := keys.ChunkBlockKeyPath(round, id.String())
	present, err := tx.Exists(ctx, key)
	if err != nil || !present {
		return false, false, err
	}
	n, _, err := w.Size(ctx, tx, round)
	if err != nil {
		return false, false, err
	}
	tx.Delete(key)
	if n <= 1 {
		tx.Delete(keys.ChunkBlockSizeKeyPath(round))
		return true, true, nil
	}
	w.setSize(tx, round, n-1)
	return true, false, nil
}

// fixPointer keeps the pointer on the lowest non-empty bucket after a
// bucket at *from was possibly emptied and a bucket at *inserted filled.
func (w *Wheel) fixPointer(ctx context.Context, tx *state.Overlay, from *uint64, emptied bool, inserted *uint64) error {
	ptr, ok, err := w.Pointer(ctx, tx)
	if err != nil {
		return err
	}

	if emptied && from != nil && (!ok || *from == ptr) {
		lowest, err := tx.Scan(ctx, keys.ChunkBlockSizePrefix, "", 1)
		if err != nil {
			return err
		}
		if len(lowest) == 0 {
			tx.Delete(keys.SchedulerPointerKey)
			return nil
		}
		round, err := keys.ParseChunkBlockSizeKey(lowest[0].Key)
		if err != nil {
			return err
		}
		w.setPointer(tx, round)
		return nil
	}

	if inserted != nil && (!ok || *inserted < ptr) {
		w.setPointer(tx, *inserted)
	}
	return nil
}

func (w *Wheel) setSize(tx *state.Overlay, round uint64, n int) {
	tx.Put(keys.ChunkBlockSizeKeyPath(round), []byte(strconv.Itoa(n)))
}

func (w *Wheel) setPointer(tx *state.Overlay, round uint64) {
	tx.Put(keys.SchedulerPointerKey, []byte(strconv.FormatUint(round, 10)))
}
