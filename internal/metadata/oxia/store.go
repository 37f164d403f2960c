package oxia

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/metareg-io/metareg/internal/logging"
	"github.com/metareg-io/metareg/internal/metadata"
	"github.com/metareg-io/metareg/internal/metadata/keys"
)

// Config configures the Oxia metadata store.
type Config struct {
	// ServiceAddress is the Oxia service endpoint (e.g., "localhost:6648").
	ServiceAddress string

	// Namespace is the Oxia namespace to use (e.g., "metareg/mainnet").
	// All keys will be scoped to this namespace.
	Namespace string

	// PartitionKey routes every operation to a single shard so that
	// transactions and range scans see the whole keyspace.
	// Default: keys.Root.
	PartitionKey string

	// RequestTimeout is the timeout for individual requests.
	// Default: 30 seconds.
	RequestTimeout time.Duration

	// SessionTimeout is the timeout for ephemeral key sessions.
	// When the session expires, all ephemeral keys are deleted.
	// Default: 15 seconds.
	SessionTimeout time.Duration

	Logger *logging.Logger
}

// Store implements MetadataStore using Oxia.
type Store struct {
	client oxiaclient.SyncClient
	config Config

	txnCoordinator *txnCoordinator

	mu     sync.RWMutex
	closed bool
}

// New creates a new Oxia metadata store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ServiceAddress == "" {
		return nil, errors.New("oxia: service address is required")
	}
	if cfg.Namespace == "" {
		return nil, errors.New("oxia: namespace is required")
	}
	if cfg.PartitionKey == "" {
		cfg.PartitionKey = keys.Root
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Global()
	}

	opts := []oxiaclient.ClientOption{
		oxiaclient.WithNamespace(cfg.Namespace),
	}

	if cfg.RequestTimeout > 0 {
		opts = append(opts, oxiaclient.WithRequestTimeout(cfg.RequestTimeout))
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, oxiaclient.WithSessionTimeout(cfg.SessionTimeout))
	}

	client, err := oxiaclient.NewSyncClient(cfg.ServiceAddress, opts...)
	if err != nil {
		return nil, fmt.Errorf("oxia: failed to create client: %w", err)
	}

	txnCoordinator, err := newTxnCoordinator(ctx, cfg, logger)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("oxia: failed to create transaction coordinator: %w", err)
	}

	logger.Infof("oxia store connected", map[string]any{
		"address":      cfg.ServiceAddress,
		"namespace":    cfg.Namespace,
		"partitionKey": cfg.PartitionKey,
	})
	return &Store{
		client:         client,
		config:         cfg,
		txnCoordinator: txnCoordinator,
	}, nil
}

// oxiaToMetadataVersion converts Oxia's 0-based version to our 1-based version.
// Oxia versions start at 0, but our interface uses 0 to mean "key doesn't exist".
func oxiaToMetadataVersion(oxiaVersion int64) metadata.Version {
	return metadata.Version(oxiaVersion + 1)
}

// metadataToOxiaVersion converts our 1-based version to Oxia's 0-based version.
func metadataToOxiaVersion(metaVersion metadata.Version) int64 {
	return int64(metaVersion - 1)
}

// Get retrieves a value by key.
func (s *Store) Get(ctx context.Context, key string) (metadata.GetResult, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return metadata.GetResult{}, metadata.ErrStoreClosed
	}
	s.mu.RUnlock()

	_, value, version, err := s.client.Get(ctx, key, oxiaclient.PartitionKey(s.config.PartitionKey))
	if err != nil {
		if errors.Is(err, oxiaclient.ErrKeyNotFound) {
			return metadata.GetResult{Exists: false}, nil
		}
		return metadata.GetResult{}, fmt.Errorf("oxia: get failed: %w", err)
	}

	return metadata.GetResult{
		Value:   value,
		Version: oxiaToMetadataVersion(version.VersionId),
		Exists:  true,
	}, nil
}

// Put stores a value with optional version checking for CAS operations.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...metadata.PutOption) (metadata.Version, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, metadata.ErrStoreClosed
	}
	s.mu.RUnlock()

	expectedVersion := metadata.ExtractExpectedVersion(opts)

	oxiaOpts := []oxiaclient.PutOption{oxiaclient.PartitionKey(s.config.PartitionKey)}
	if expectedVersion != nil {
		if *expectedVersion == 0 {
			// Version 0 in our interface means key should not exist
			oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedRecordNotExists())
		} else {
			// Convert from our 1-based version to Oxia's 0-based version
			oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedVersionId(metadataToOxiaVersion(*expectedVersion)))
		}
	}

	_, version, err := s.client.Put(ctx, key, value, oxiaOpts...)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrUnexpectedVersionId) {
			return 0, metadata.ErrVersionMismatch
		}
		return 0, fmt.Errorf("oxia: put failed: %w", err)
	}

	return oxiaToMetadataVersion(version.VersionId), nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string, opts ...metadata.DeleteOption) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return metadata.ErrStoreClosed
	}
	s.mu.RUnlock()

	expectedVersion := metadata.ExtractDeleteExpectedVersion(opts)

	oxiaOpts := []oxiaclient.DeleteOption{oxiaclient.PartitionKey(s.config.PartitionKey)}
	if expectedVersion != nil {
		oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedVersionId(metadataToOxiaVersion(*expectedVersion)))
	}

	err := s.client.Delete(ctx, key, oxiaOpts...)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrKeyNotFound) {
			// Delete is idempotent - key not found is not an error
			return nil
		}
		if errors.Is(err, oxiaclient.ErrUnexpectedVersionId) {
			return metadata.ErrVersionMismatch
		}
		return fmt.Errorf("oxia: delete failed: %w", err)
	}

	return nil
}

// List returns keys in the range [startKey, endKey) in lexicographic order.
func (s *Store) List(ctx context.Context, startKey, endKey string, limit int) ([]metadata.KV, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, metadata.ErrStoreClosed
	}
	s.mu.RUnlock()

	endKey = hierarchicalEnd(startKey, endKey)
	results := s.client.RangeScan(ctx, startKey, endKey, oxiaclient.PartitionKey(s.config.PartitionKey))

	var kvs []metadata.KV
	for result := range results {
		if result.Err != nil {
			return nil, fmt.Errorf("oxia: list failed: %w", result.Err)
		}

		kvs = append(kvs, metadata.KV{
			Key:     result.Key,
			Value:   result.Value,
			Version: oxiaToMetadataVersion(result.Version.VersionId),
		})

		if limit > 0 && len(kvs) >= limit {
			go drainRangeScan(results)
			return kvs, nil
		}
	}

	return kvs, nil
}

// Txn executes an atomic transaction within a single shard domain.
func (s *Store) Txn(ctx context.Context, scopeKey string, fn func(metadata.Txn) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return metadata.ErrStoreClosed
	}
	s.mu.RUnlock()

	if scopeKey == "" {
		scopeKey = s.config.PartitionKey
	}
	if scopeKey != s.config.PartitionKey {
		return fmt.Errorf("oxia: transaction scope %q is outside partition %q", scopeKey, s.config.PartitionKey)
	}

	txn := &transaction{
		store:    s,
		ctx:      ctx,
		scopeKey: scopeKey,
		reads:    make(map[string]txnRead),
	}
	if err := fn(txn); err != nil {
		return err
	}
	return txn.commit()
}

// PutEphemeral stores a value that is automatically deleted when the client session ends.
func (s *Store) PutEphemeral(ctx context.Context, key string, value []byte, opts ...metadata.EphemeralOption) (metadata.Version, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, metadata.ErrStoreClosed
	}
	s.mu.RUnlock()

	expectNotExists, expectedVersion := metadata.ExtractEphemeralOptions(opts)

	oxiaOpts := []oxiaclient.PutOption{oxiaclient.Ephemeral(), oxiaclient.PartitionKey(s.config.PartitionKey)}

	if expectNotExists {
		oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedRecordNotExists())
	} else if expectedVersion != nil {
		oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedVersionId(metadataToOxiaVersion(*expectedVersion)))
	}

	_, version, err := s.client.Put(ctx, key, value, oxiaOpts...)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrUnexpectedVersionId) {
			return 0, metadata.ErrVersionMismatch
		}
		return 0, fmt.Errorf("oxia: put ephemeral failed: %w", err)
	}

	return oxiaToMetadataVersion(version.VersionId), nil
}

// Close releases resources held by the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	txnErr := s.txnCoordinator.Close()
	clientErr := s.client.Close()
	if txnErr != nil {
		return txnErr
	}
	return clientErr
}

// hierarchicalEnd adapts a range end to Oxia's key ordering, which sorts
// keys by path depth before comparing bytes. A range over the children of
// a '/'-terminated prefix must end at prefix+"/" rather than at the
// byte-wise successor of the prefix. Only direct children are visited.
func hierarchicalEnd(startKey, endKey string) string {
	if endKey == "" {
		if strings.HasSuffix(startKey, "/") {
			return startKey + "/"
		}
		return keys.PrefixEnd(startKey)
	}
	if strings.HasSuffix(endKey, "0") {
		prefix := endKey[:len(endKey)-1] + "/"
		if strings.HasPrefix(startKey, prefix) {
			return prefix + "/"
		}
	}
	return endKey
}

func drainRangeScan(results <-chan oxiaclient.GetResult) {
	for range results {
	}
}
