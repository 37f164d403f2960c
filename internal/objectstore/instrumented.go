package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ObjectStoreMetricsRecorder is the interface for recording object store operation metrics.
// This allows the objectstore package to be decoupled from the metrics package.
type ObjectStoreMetricsRecorder interface {
	RecordPut(durationSeconds float64, success bool, bytes int64)
	RecordGet(durationSeconds float64, success bool, bytes int64)
	RecordHead(durationSeconds float64, success bool)
	RecordList(durationSeconds float64, success bool)
}

// InstrumentedStore wraps a Store and records metrics for each operation.
type InstrumentedStore struct {
	store   Store
	metrics ObjectStoreMetricsRecorder
}

// NewInstrumentedStore creates an instrumented wrapper around a Store.
// If metrics is nil, no metrics are recorded and operations pass through directly.
func NewInstrumentedStore(store Store, metrics ObjectStoreMetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{
		store:   store,
		metrics: metrics,
	}
}

// Put stores an object at the given key.
func (s *InstrumentedStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	start := time.Now()
	err := s.store.Put(ctx, key, reader, size, contentType)
	if s.metrics != nil {
		s.metrics.RecordPut(time.Since(start).Seconds(), err == nil, size)
	}
	return err
}

// Get retrieves an entire object. Metrics are recorded when the reader is closed.
func (s *InstrumentedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := s.store.Get(ctx, key)
	if s.metrics == nil {
		return rc, err
	}
	if err != nil {
		s.metrics.RecordGet(time.Since(start).Seconds(), false, 0)
		return nil, err
	}
	return &instrumentedReadCloser{
		ReadCloser: rc,
		start:      start,
		metrics:    s.metrics,
	}, nil
}

// Head retrieves object metadata without the body. A missing object is a
// successful call.
func (s *InstrumentedStore) Head(ctx context.Context, key string) (ObjectMeta, error) {
	start := time.Now()
	meta, err := s.store.Head(ctx, key)
	if s.metrics != nil {
		s.metrics.RecordHead(time.Since(start).Seconds(), err == nil || errors.Is(err, ErrNotFound))
	}
	return meta, err
}

// List returns objects matching the given prefix.
func (s *InstrumentedStore) List(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	start := time.Now()
	result, err := s.store.List(ctx, prefix)
	if s.metrics != nil {
		s.metrics.RecordList(time.Since(start).Seconds(), err == nil)
	}
	return result, err
}

// Close releases resources associated with the store.
func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

// InstrumentedProvider wraps every store a Provider opens.
type InstrumentedProvider struct {
	provider Provider
	metrics  ObjectStoreMetricsRecorder
}

// NewInstrumentedProvider creates an instrumented wrapper around a Provider.
func NewInstrumentedProvider(provider Provider, metrics ObjectStoreMetricsRecorder) *InstrumentedProvider {
	return &InstrumentedProvider{provider: provider, metrics: metrics}
}

func (p *InstrumentedProvider) Bucket(ctx context.Context, name string) (Store, error) {
	s, err := p.provider.Bucket(ctx, name)
	if err != nil {
		return nil, err
	}
	return NewInstrumentedStore(s, p.metrics), nil
}

func (p *InstrumentedProvider) Close() error {
	return p.provider.Close()
}

// instrumentedReadCloser wraps a ReadCloser to track bytes read and record metrics on close.
type instrumentedReadCloser struct {
	io.ReadCloser
	start     time.Time
	metrics   ObjectStoreMetricsRecorder
	bytesRead int64
	readErr   bool
	closed    bool
}

func (r *instrumentedReadCloser) Read(p []byte) (n int, err error) {
	n, err = r.ReadCloser.Read(p)
	r.bytesRead += int64(n)
	if err != nil && err != io.EOF {
		r.readErr = true
	}
	return n, err
}

func (r *instrumentedReadCloser) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.ReadCloser.Close()
	r.metrics.RecordGet(time.Since(r.start).Seconds(), err == nil && !r.readErr, r.bytesRead)
	return err
}

var (
	_ Store    = (*InstrumentedStore)(nil)
	_ Provider = (*InstrumentedProvider)(nil)
)
