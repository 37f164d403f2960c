// Package objectstore defines the Store interface for S3-compatible storage.
//
// metareg reads object stores in two places: the maintenance prober checks
// that chunks of s3:// delivery networks exist, and the admin tooling
// writes and reads snapshots and exports at s3:// destinations.
//
// # Usage
//
// A [Provider] hands out bucket-bound stores:
//
//	loc, err := objectstore.ParseURI("s3://chunks/eu-west")
//	if err != nil {
//	    return err
//	}
//	store, err := provider.Bucket(ctx, loc.Bucket)
//	if err != nil {
//	    return err
//	}
//	_, err = store.Head(ctx, loc.Key(registryID, hashHex))
//	if errors.Is(err, objectstore.ErrNotFound) {
//	    // chunk is missing
//	}
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Common errors returned by Store implementations.
var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrBucketNotFound is returned when the configured bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrAccessDenied is returned when the credentials lack permission for the operation.
	ErrAccessDenied = errors.New("access denied")

	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("store closed")
)

// ObjectError wraps an error with the object key for context.
type ObjectError struct {
	Op  string // Operation that failed (e.g., "Put", "Get", "Head")
	Key string // Object key
	Err error  // Underlying error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("objectstore: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// ObjectMeta contains metadata about an object.
type ObjectMeta struct {
	// Key is the object's key (path) in the bucket.
	Key string

	// Size is the object's size in bytes.
	Size int64

	// ContentType is the MIME type of the object.
	ContentType string

	// ETag is the entity tag, typically an MD5 hash of the object content.
	ETag string

	// LastModified is the Unix timestamp (milliseconds) when the object was last modified.
	LastModified int64
}

// Store is the interface for bucket-bound object storage operations.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Store interface {
	// Put stores an object at the given key. The size parameter must match
	// the total bytes that will be read.
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Get retrieves an entire object. The caller must close the returned
	// ReadCloser. Returns ErrNotFound if the object doesn't exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Head retrieves object metadata without the body.
	// Returns ErrNotFound if the object doesn't exist.
	Head(ctx context.Context, key string) (ObjectMeta, error)

	// List returns objects matching the given prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]ObjectMeta, error)

	// Close releases resources associated with the store.
	Close() error
}

// Provider opens stores by bucket name. Stores returned by a provider
// share its client and are released by the provider's Close.
type Provider interface {
	Bucket(ctx context.Context, name string) (Store, error)
	Close() error
}
