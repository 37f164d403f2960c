package objectstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory implementation of the Store interface for testing.
type MockStore struct {
	mu        sync.RWMutex
	objects   map[string]mockObject
	headErr   error
	headCalls int
	closed    bool
}

type mockObject struct {
	data []byte
	meta ObjectMeta
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		objects: make(map[string]mockObject),
	}
}

func (s *MockStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.objects[key] = mockObject{
		data: data,
		meta: ObjectMeta{
			Key:          key,
			Size:         int64(len(data)),
			ContentType:  contentType,
			ETag:         "mock-etag",
			LastModified: time.Now().UnixMilli(),
		},
	}
	return nil
}

func (s *MockStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	obj, exists := s.objects[key]
	if !exists {
		return nil, &ObjectError{Op: "Get", Key: key, Err: ErrNotFound}
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MockStore) Head(ctx context.Context, key string) (ObjectMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.headCalls++
	if s.closed {
		return ObjectMeta{}, ErrStoreClosed
	}
	if s.headErr != nil {
		return ObjectMeta{}, &ObjectError{Op: "Head", Key: key, Err: s.headErr}
	}
	obj, exists := s.objects[key]
	if !exists {
		return ObjectMeta{}, &ObjectError{Op: "Head", Key: key, Err: ErrNotFound}
	}
	return obj.meta, nil
}

func (s *MockStore) List(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	var result []ObjectMeta
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			result = append(result, obj.meta)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})
	return result, nil
}

func (s *MockStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// SetHeadError makes every Head call fail with err. A nil err restores
// normal behaviour.
func (s *MockStore) SetHeadError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headErr = err
}

// HeadCalls returns the number of Head calls made.
func (s *MockStore) HeadCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.headCalls
}

// MockProvider hands out one MockStore per bucket name.
type MockProvider struct {
	mu      sync.Mutex
	buckets map[string]*MockStore
}

// NewMockProvider creates an empty MockProvider.
func NewMockProvider() *MockProvider {
	return &MockProvider{buckets: make(map[string]*MockStore)}
}

func (p *MockProvider) Bucket(_ context.Context, name string) (Store, error) {
	return p.Store(name), nil
}

// Store returns the mock store for a bucket, creating it on first use.
func (p *MockProvider) Store(name string) *MockStore {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.buckets[name]
	if !ok {
		s = NewMockStore()
		p.buckets[name] = s
	}
	return s
}

func (p *MockProvider) Close() error {
	return nil
}

var (
	_ Store    = (*MockStore)(nil)
	_ Provider = (*MockProvider)(nil)
)
