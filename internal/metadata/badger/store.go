// Package badger implements metadata.MetadataStore on an embedded badger
// database. It is the default backend for single-node deployments.
//
// Each value is stored with an 8-byte big-endian version prefix. Versions
// are drawn from a badger sequence, so they increase monotonically across
// the whole store and survive restarts.
package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/metareg-io/metareg/internal/logging"
	"github.com/metareg-io/metareg/internal/metadata"
)

const (
	versionBytes = 8

	// sequenceKey lives outside the metareg keyspace so List never sees it.
	sequenceKey       = "\x00metareg/version-seq"
	sequenceBandwidth = 1000

	conflictRetries = 3
)

// Config holds badger store configuration.
type Config struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps all data in memory. Used by tests.
	InMemory bool

	// EphemeralTTL bounds the lifetime of keys written with PutEphemeral.
	// badger has no client sessions, so an expired TTL stands in for a
	// closed session.
	EphemeralTTL time.Duration

	Logger *logging.Logger
}

// DefaultConfig returns a configuration rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:         path,
		EphemeralTTL: 30 * time.Second,
	}
}

// Store implements metadata.MetadataStore on badger.
type Store struct {
	db  *dgbadger.DB
	seq *dgbadger.Sequence
	cfg Config

	mu     sync.RWMutex
	closed bool
}

// New opens (or creates) a badger database.
func New(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required")
	}
	if cfg.EphemeralTTL <= 0 {
		cfg.EphemeralTTL = DefaultConfig("").EphemeralTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Global()
	}

	opts := dgbadger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithLogger(newBadgerLogger(logger))

	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %s: %w", cfg.Path, err)
	}
	seq, err := db.GetSequence([]byte(sequenceKey), sequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("badger: version sequence: %w", err)
	}

	logger.Infof("badger store opened", map[string]any{
		"path":     cfg.Path,
		"inMemory": cfg.InMemory,
	})
	return &Store{db: db, seq: seq, cfg: cfg}, nil
}

// nextVersion returns a fresh version. The sequence starts at 0, which
// is reserved for "never written".
func (s *Store) nextVersion() (metadata.Version, error) {
	n, err := s.seq.Next()
	if err != nil {
		return 0, err
	}
	return metadata.Version(n + 1), nil
}

func (s *Store) checkOpen() error {
	if s.closed {
		return metadata.ErrStoreClosed
	}
	return nil
}

func encodeValue(v metadata.Version, value []byte) []byte {
	buf := make([]byte, versionBytes+len(value))
	binary.BigEndian.PutUint64(buf, uint64(v))
	copy(buf[versionBytes:], value)
	return buf
}

func decodeValue(raw []byte) ([]byte, metadata.Version, error) {
	if len(raw) < versionBytes {
		return nil, 0, fmt.Errorf("badger: corrupt value of %d bytes", len(raw))
	}
	v := metadata.Version(binary.BigEndian.Uint64(raw[:versionBytes]))
	value := make([]byte, len(raw)-versionBytes)
	copy(value, raw[versionBytes:])
	return value, v, nil
}

// read returns the current value and version of key within txn.
func read(txn *dgbadger.Txn, key string) ([]byte, metadata.Version, bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, 0, false, err
	}
	value, ver, err := decodeValue(raw)
	if err != nil {
		return nil, 0, false, err
	}
	return value, ver, true, nil
}

// update runs fn in a read-write transaction, retrying on optimistic
// conflicts with concurrent writers.
func (s *Store) update(fn func(txn *dgbadger.Txn) error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, dgbadger.ErrConflict) {
			return err
		}
	}
	return metadata.ErrTxnConflict
}

func (s *Store) Get(_ context.Context, key string) (metadata.GetResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return metadata.GetResult{}, err
	}

	var result metadata.GetResult
	err := s.db.View(func(txn *dgbadger.Txn) error {
		value, ver, ok, err := read(txn, key)
		if err != nil {
			return err
		}
		result = metadata.GetResult{Value: value, Version: ver, Exists: ok}
		return nil
	})
	if err != nil {
		return metadata.GetResult{}, fmt.Errorf("badger: get %s: %w", key, err)
	}
	return result, nil
}

func (s *Store) Put(_ context.Context, key string, value []byte, opts ...metadata.PutOption) (metadata.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	expected := metadata.ExtractExpectedVersion(opts)
	var newVer metadata.Version
	err := s.update(func(txn *dgbadger.Txn) error {
		_, ver, ok, err := read(txn, key)
		if err != nil {
			return err
		}
		if err := checkExpected(ver, ok, expected); err != nil {
			return err
		}
		newVer, err = s.nextVersion()
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), encodeValue(newVer, value))
	})
	if err != nil {
		return 0, wrapErr("put", key, err)
	}
	return newVer, nil
}

func (s *Store) Delete(_ context.Context, key string, opts ...metadata.DeleteOption) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	expected := metadata.ExtractDeleteExpectedVersion(opts)
	err := s.update(func(txn *dgbadger.Txn) error {
		_, ver, ok, err := read(txn, key)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if expected != nil && ver != *expected {
			return metadata.ErrVersionMismatch
		}
		return txn.Delete([]byte(key))
	})
	return wrapErr("delete", key, err)
}

func (s *Store) List(_ context.Context, startKey, endKey string, limit int) ([]metadata.KV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var result []metadata.KV
	err := s.db.View(func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		start := []byte(startKey)
		end := []byte(endKey)
		for it.Seek(start); it.Valid(); it.Next() {
			item := it.Item()
			k := item.Key()
			if endKey == "" {
				if !bytes.HasPrefix(k, start) {
					break
				}
			} else if bytes.Compare(k, end) >= 0 {
				break
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			value, ver, err := decodeValue(raw)
			if err != nil {
				return err
			}
			result = append(result, metadata.KV{Key: string(item.KeyCopy(nil)), Value: value, Version: ver})
			if limit > 0 && len(result) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: list [%s, %s): %w", startKey, endKey, err)
	}
	return result, nil
}

// Txn buffers fn's writes and applies them in a single badger transaction.
// Reads inside fn see committed state and register for conflict detection,
// so a concurrent write to a key fn read fails the commit with
// metadata.ErrTxnConflict.
func (s *Store) Txn(_ context.Context, _ string, fn func(metadata.Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	err := s.db.Update(func(btxn *dgbadger.Txn) error {
		t := &txn{btxn: btxn}
		if err := fn(t); err != nil {
			return err
		}
		if t.err != nil {
			return t.err
		}
		return t.apply(s)
	})
	if errors.Is(err, dgbadger.ErrConflict) {
		return metadata.ErrTxnConflict
	}
	return err
}

// PutEphemeral writes key with the configured TTL. Expected-version options
// behave as in Put; WithEphemeralExpectNotExists fails if a live entry
// exists.
func (s *Store) PutEphemeral(_ context.Context, key string, value []byte, opts ...metadata.EphemeralOption) (metadata.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	expectNotExists, expected := metadata.ExtractEphemeralOptions(opts)
	var newVer metadata.Version
	err := s.update(func(txn *dgbadger.Txn) error {
		_, ver, ok, err := read(txn, key)
		if err != nil {
			return err
		}
		if expectNotExists && ok {
			return metadata.ErrVersionMismatch
		}
		if expected != nil && (!ok || ver != *expected) {
			return metadata.ErrVersionMismatch
		}
		newVer, err = s.nextVersion()
		if err != nil {
			return err
		}
		e := dgbadger.NewEntry([]byte(key), encodeValue(newVer, value)).WithTTL(s.cfg.EphemeralTTL)
		return txn.SetEntry(e)
	})
	if err != nil {
		return 0, wrapErr("put ephemeral", key, err)
	}
	return newVer, nil
}

// Close releases the version sequence and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	seqErr := s.seq.Release()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("badger: close: %w", err)
	}
	return seqErr
}

func checkExpected(current metadata.Version, exists bool, expected *metadata.Version) error {
	if expected == nil {
		return nil
	}
	if !exists {
		if *expected != 0 {
			return metadata.ErrVersionMismatch
		}
		return nil
	}
	if current != *expected {
		return metadata.ErrVersionMismatch
	}
	return nil
}

// wrapErr keeps the metadata sentinels unwrapped so callers can compare
// them directly.
func wrapErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, metadata.ErrVersionMismatch) || errors.Is(err, metadata.ErrTxnConflict) {
		return err
	}
	return fmt.Errorf("badger: %s %s: %w", op, key, err)
}

type txnOp struct {
	value           []byte
	delete          bool
	expectedVersion *metadata.Version
}

type txn struct {
	btxn    *dgbadger.Txn
	pending map[string]txnOp
	order   []string
	err     error
}

func (t *txn) Get(key string) ([]byte, metadata.Version, error) {
	value, ver, ok, err := read(t.btxn, key)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, metadata.ErrKeyNotFound
	}
	return value, ver, nil
}

func (t *txn) Put(key string, value []byte) {
	t.queue(key, txnOp{value: value})
}

func (t *txn) PutWithVersion(key string, value []byte, expectedVersion metadata.Version) {
	t.queue(key, txnOp{value: value, expectedVersion: &expectedVersion})
}

func (t *txn) Delete(key string) {
	t.queue(key, txnOp{delete: true})
}

func (t *txn) DeleteWithVersion(key string, expectedVersion metadata.Version) {
	t.queue(key, txnOp{delete: true, expectedVersion: &expectedVersion})
}

func (t *txn) queue(key string, op txnOp) {
	if strings.HasPrefix(key, sequenceKey) {
		t.err = fmt.Errorf("badger: key %q is reserved", key)
		return
	}
	if t.pending == nil {
		t.pending = make(map[string]txnOp)
	}
	if _, ok := t.pending[key]; !ok {
		t.order = append(t.order, key)
	}
	t.pending[key] = op
}

// apply checks every version constraint, then stages the writes.
func (t *txn) apply(s *Store) error {
	for _, key := range t.order {
		op := t.pending[key]
		if op.expectedVersion == nil {
			continue
		}
		_, ver, ok, err := read(t.btxn, key)
		if err != nil {
			return err
		}
		if op.delete {
			if ok && ver != *op.expectedVersion {
				return metadata.ErrVersionMismatch
			}
			continue
		}
		if err := checkExpected(ver, ok, op.expectedVersion); err != nil {
			return err
		}
	}

	for _, key := range t.order {
		op := t.pending[key]
		if op.delete {
			if err := t.btxn.Delete([]byte(key)); err != nil {
				return err
			}
			continue
		}
		ver, err := s.nextVersion()
		if err != nil {
			return err
		}
		if err := t.btxn.Set([]byte(key), encodeValue(ver, op.value)); err != nil {
			return err
		}
	}
	return nil
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func newBadgerLogger(l *logging.Logger) dgbadger.Logger {
	return badgerLogger{s: l.Zap().With(zap.String("component", "badger")).Sugar()}
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.s.Errorf(strings.TrimSpace(format), args...)
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.s.Warnf(strings.TrimSpace(format), args...)
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.s.Debugf(strings.TrimSpace(format), args...)
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.s.Debugf(strings.TrimSpace(format), args...)
}

var _ metadata.MetadataStore = (*Store)(nil)
