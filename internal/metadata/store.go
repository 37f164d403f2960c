// Package metadata defines the MetadataStore interface that every piece of
// persisted metareg state goes through.
//
// Registries, chunks, inspection buckets, access grants and the reaper
// worklist are all flat key-value entries under the layout defined in
// package keys. Backends live in subpackages (badger, oxia); MemoryStore is
// the in-process implementation used by tests and the memory backend.
package metadata

import (
	"context"
	"errors"
)

// Common errors returned by MetadataStore operations.
var (
	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errors.New("metadata: key not found")

	// ErrVersionMismatch is returned when the expected version does not match
	// the current version during a CAS (compare-and-set) operation.
	ErrVersionMismatch = errors.New("metadata: version mismatch")

	// ErrTxnConflict is returned when a transaction cannot be committed
	// due to concurrent modifications.
	ErrTxnConflict = errors.New("metadata: transaction conflict")

	// ErrStoreClosed is returned when operations are attempted on a closed store.
	ErrStoreClosed = errors.New("metadata: store closed")
)

// Version represents a key's version in the metadata store.
// Versions are monotonically increasing per store and are used for
// optimistic concurrency control via compare-and-set operations.
//
// A zero version indicates the key has never been written.
type Version int64

// NoVersion is a sentinel value indicating no version constraint.
const NoVersion Version = -1

// KV represents a key-value pair with its version.
type KV struct {
	Key     string
	Value   []byte
	Version Version
}

// GetResult is the result of a Get operation.
type GetResult struct {
	Value   []byte
	Version Version
	Exists  bool
}

// PutOption configures a Put operation.
type PutOption func(*putOptions)

type putOptions struct {
	expectedVersion *Version
}

// WithExpectedVersion specifies the expected version for a CAS operation.
// If the current version does not match, the Put fails with ErrVersionMismatch.
// An expected version of 0 means the key must not exist.
func WithExpectedVersion(v Version) PutOption {
	return func(o *putOptions) {
		o.expectedVersion = &v
	}
}

// DeleteOption configures a Delete operation.
type DeleteOption func(*deleteOptions)

type deleteOptions struct {
	expectedVersion *Version
}

// WithDeleteExpectedVersion specifies the expected version for a conditional delete.
func WithDeleteExpectedVersion(v Version) DeleteOption {
	return func(o *deleteOptions) {
		o.expectedVersion = &v
	}
}

// ExtractExpectedVersion extracts the expected version from Put options.
// Returns nil if no expected version was specified.
func ExtractExpectedVersion(opts []PutOption) *Version {
	var pOpts putOptions
	for _, opt := range opts {
		opt(&pOpts)
	}
	return pOpts.expectedVersion
}

// ExtractDeleteExpectedVersion extracts the expected version from Delete options.
// Returns nil if no expected version was specified.
func ExtractDeleteExpectedVersion(opts []DeleteOption) *Version {
	var dOpts deleteOptions
	for _, opt := range opts {
		opt(&dOpts)
	}
	return dOpts.expectedVersion
}

// EphemeralOption configures a PutEphemeral operation.
type EphemeralOption func(*ephemeralOptions)

type ephemeralOptions struct {
	expectNotExists bool
	expectedVersion *Version
}

// WithEphemeralExpectNotExists makes PutEphemeral fail with
// ErrVersionMismatch if the key already exists.
func WithEphemeralExpectNotExists() EphemeralOption {
	return func(o *ephemeralOptions) {
		o.expectNotExists = true
	}
}

// WithEphemeralExpectedVersion makes PutEphemeral fail with
// ErrVersionMismatch if the key's current version doesn't match.
func WithEphemeralExpectedVersion(v Version) EphemeralOption {
	return func(o *ephemeralOptions) {
		o.expectedVersion = &v
	}
}

// ExtractEphemeralOptions extracts options from EphemeralOption slice.
func ExtractEphemeralOptions(opts []EphemeralOption) (expectNotExists bool, expectedVersion *Version) {
	var o ephemeralOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectNotExists, o.expectedVersion
}

// Txn represents an atomic transaction on the metadata store.
// Writes are buffered and applied together when the transaction function
// returns nil; either all succeed or none are applied.
//
// Example usage:
//
//	err := store.Txn(ctx, keys.Root, func(txn metadata.Txn) error {
//	    txn.Put(keys.RegistryKeyPath("reg1"), registryJSON)
//	    txn.Put(keys.AccessKeyPath("reg1", "alice"), []byte("owner"))
//	    return nil
//	})
type Txn interface {
	// Get retrieves the committed value of a key.
	// Returns ErrKeyNotFound if the key does not exist.
	Get(key string) (value []byte, version Version, err error)

	// Put queues a write operation within the transaction.
	Put(key string, value []byte)

	// PutWithVersion queues a conditional write. The transaction fails with
	// ErrVersionMismatch if the version differs at commit time.
	PutWithVersion(key string, value []byte, expectedVersion Version)

	// Delete queues a delete operation within the transaction.
	Delete(key string)

	// DeleteWithVersion queues a conditional delete.
	DeleteWithVersion(key string, expectedVersion Version)
}

// MetadataStore is the interface for metadata storage operations.
//
// All operations accept a context.Context for cancellation and timeouts.
type MetadataStore interface {
	// Get retrieves a value by key.
	// Returns GetResult with Exists=false if the key does not exist (not an error).
	Get(ctx context.Context, key string) (GetResult, error)

	// Put stores a value, optionally with version checking for CAS operations.
	// Returns the new version assigned to the key.
	Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error)

	// Delete removes a key, optionally with version checking.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string, opts ...DeleteOption) error

	// List returns keys in the range [startKey, endKey) in lexicographic order.
	// If endKey is empty, returns all keys with the prefix startKey.
	// If limit is 0 or negative, returns all matching keys.
	//
	// Example: the lowest non-empty inspection bucket:
	//   entries, _ := store.List(ctx, keys.ChunkBlockSizePrefix, "", 1)
	List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error)

	// Txn executes an atomic transaction. The scopeKey selects the shard on
	// sharded backends; metareg keeps all state under keys.Root so every
	// transaction uses that scope.
	Txn(ctx context.Context, scopeKey string, fn func(Txn) error) error

	// PutEphemeral stores a value that is removed when the client session
	// ends. Backends without sessions bound the entry's lifetime with a TTL.
	// Used for maintenance leases.
	PutEphemeral(ctx context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error)

	// Close releases resources held by the store.
	// After Close is called, all operations return ErrStoreClosed.
	Close() error
}
