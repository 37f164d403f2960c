package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrInvalidURI is returned by ParseURI for anything that is not s3://bucket[/prefix].
var ErrInvalidURI = errors.New("objectstore: invalid s3 uri")

// Scheme is the URI scheme of object store locations.
const Scheme = "s3"

// Location is a bucket and key prefix parsed from an s3:// URI.
type Location struct {
	Bucket string
	Prefix string
}

// ParseURI parses s3://bucket/optional/prefix. Leading and trailing
// slashes of the prefix are dropped.
func ParseURI(uri string) (Location, error) {
	rest, ok := strings.CutPrefix(uri, Scheme+"://")
	if !ok {
		return Location{}, ErrInvalidURI
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, ErrInvalidURI
	}
	return Location{Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
}

// Key joins the prefix and parts with "/". Empty parts are skipped.
func (l Location) Key(parts ...string) string {
	elems := make([]string, 0, len(parts)+1)
	if l.Prefix != "" {
		elems = append(elems, l.Prefix)
	}
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			elems = append(elems, p)
		}
	}
	return strings.Join(elems, "/")
}

// String formats the location back into a URI.
func (l Location) String() string {
	if l.Prefix == "" {
		return Scheme + "://" + l.Bucket
	}
	return Scheme + "://" + l.Bucket + "/" + l.Prefix
}

// Upload writes r to the object named by an s3://bucket/key URI.
func Upload(ctx context.Context, provider Provider, uri string, r io.Reader, size int64, contentType string) error {
	loc, err := ParseURI(uri)
	if err != nil {
		return err
	}
	if loc.Prefix == "" {
		return fmt.Errorf("%w: %s names no object", ErrInvalidURI, uri)
	}
	store, err := provider.Bucket(ctx, loc.Bucket)
	if err != nil {
		return err
	}
	return store.Put(ctx, loc.Key(), r, size, contentType)
}

// Download opens the object named by an s3://bucket/key URI.
func Download(ctx context.Context, provider Provider, uri string) (io.ReadCloser, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if loc.Prefix == "" {
		return nil, fmt.Errorf("%w: %s names no object", ErrInvalidURI, uri)
	}
	store, err := provider.Bucket(ctx, loc.Bucket)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, loc.Key())
}
