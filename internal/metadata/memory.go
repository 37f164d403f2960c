package metadata

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore implements MetadataStore in process memory.
// It backs the "memory" store backend and is used by tests in other packages.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]KV
	closed   bool
	nextVer  Version
	txnCalls int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:    make(map[string]KV),
		nextVer: 1,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (GetResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return GetResult{}, ErrStoreClosed
	}
	kv, ok := m.data[key]
	if !ok {
		return GetResult{Exists: false}, nil
	}
	return GetResult{Value: kv.Value, Version: kv.Version, Exists: true}, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	if err := m.checkVersion(key, ExtractExpectedVersion(opts)); err != nil {
		return 0, err
	}
	return m.write(key, value), nil
}

func (m *MemoryStore) Delete(_ context.Context, key string, opts ...DeleteOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	if expected := ExtractDeleteExpectedVersion(opts); expected != nil {
		existing, ok := m.data[key]
		if !ok {
			return nil
		}
		if existing.Version != *expected {
			return ErrVersionMismatch
		}
	}

	delete(m.data, key)
	return nil
}

func (m *MemoryStore) List(_ context.Context, startKey, endKey string, limit int) ([]KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	var keys []string
	for k := range m.data {
		if endKey == "" {
			if strings.HasPrefix(k, startKey) {
				keys = append(keys, k)
			}
		} else if k >= startKey && k < endKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	result := make([]KV, len(keys))
	for i, k := range keys {
		result[i] = m.data[k]
	}
	return result, nil
}

// Txn runs fn against a buffered transaction and applies its writes under
// the store lock. Version constraints are checked before any write lands.
func (m *MemoryStore) Txn(_ context.Context, _ string, fn func(Txn) error) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStoreClosed
	}
	m.txnCalls++
	m.mu.Unlock()

	txn := &memoryTxn{store: m, pending: make(map[string]memoryTxnOp)}
	if err := fn(txn); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	for _, key := range txn.order {
		op := txn.pending[key]
		if op.expectedVersion == nil {
			continue
		}
		if op.delete {
			if existing, ok := m.data[key]; ok && existing.Version != *op.expectedVersion {
				return ErrVersionMismatch
			}
			continue
		}
		if err := m.checkVersion(key, op.expectedVersion); err != nil {
			return err
		}
	}

	for _, key := range txn.order {
		op := txn.pending[key]
		if op.delete {
			delete(m.data, key)
		} else {
			m.write(key, op.value)
		}
	}
	return nil
}

// PutEphemeral behaves like Put; the memory store has no sessions and its
// contents vanish with the process anyway.
func (m *MemoryStore) PutEphemeral(_ context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	expectNotExists, expectedVersion := ExtractEphemeralOptions(opts)
	existing, ok := m.data[key]
	if expectNotExists && ok {
		return 0, ErrVersionMismatch
	}
	if expectedVersion != nil && (!ok || existing.Version != *expectedVersion) {
		return 0, ErrVersionMismatch
	}
	return m.write(key, value), nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len returns the number of keys held by the store.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// TxnCallCount returns the number of times Txn was called.
func (m *MemoryStore) TxnCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.txnCalls
}

// checkVersion must be called with mu held.
func (m *MemoryStore) checkVersion(key string, expected *Version) error {
	if expected == nil {
		return nil
	}
	existing, ok := m.data[key]
	if !ok && *expected != 0 {
		return ErrVersionMismatch
	}
	if ok && existing.Version != *expected {
		return ErrVersionMismatch
	}
	return nil
}

// write must be called with mu held.
func (m *MemoryStore) write(key string, value []byte) Version {
	ver := m.nextVer
	m.nextVer++
	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = KV{Key: key, Value: stored, Version: ver}
	return ver
}

type memoryTxnOp struct {
	value           []byte
	delete          bool
	expectedVersion *Version
}

type memoryTxn struct {
	store   *MemoryStore
	pending map[string]memoryTxnOp
	order   []string
}

func (t *memoryTxn) Get(key string) ([]byte, Version, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	kv, ok := t.store.data[key]
	if !ok {
		return nil, 0, ErrKeyNotFound
	}
	return kv.Value, kv.Version, nil
}

func (t *memoryTxn) Put(key string, value []byte) {
	t.queue(key, memoryTxnOp{value: value})
}

func (t *memoryTxn) PutWithVersion(key string, value []byte, expectedVersion Version) {
	t.queue(key, memoryTxnOp{value: value, expectedVersion: &expectedVersion})
}

func (t *memoryTxn) Delete(key string) {
	t.queue(key, memoryTxnOp{delete: true})
}

func (t *memoryTxn) DeleteWithVersion(key string, expectedVersion Version) {
	t.queue(key, memoryTxnOp{delete: true, expectedVersion: &expectedVersion})
}

func (t *memoryTxn) queue(key string, op memoryTxnOp) {
	if _, ok := t.pending[key]; !ok {
		t.order = append(t.order, key)
	}
	t.pending[key] = op
}

var _ MetadataStore = (*MemoryStore)(nil)
