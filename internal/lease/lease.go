// Package lease implements the participant lease that keeps at most one
// maintenance driver active across nodes sharing a metadata store.
//
// Leases are ephemeral keys under keys.LeasesPrefix, so they vanish when the
// holder's store session ends. A lease also expires after a number of rounds
// or a wall-clock TTL, whichever passes first, after which another
// participant may take it over with a version-checked write.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/metareg-io/metareg/internal/metadata"
	"github.com/metareg-io/metareg/internal/metadata/keys"
)

// Lease-related errors.
var (
	// ErrInvalidName is returned when a lease name is empty.
	ErrInvalidName = errors.New("lease: invalid name")

	// ErrInvalidParticipant is returned when a participant ID is empty.
	ErrInvalidParticipant = errors.New("lease: invalid participant ID")
)

// Lease is the persisted lease record.
type Lease struct {
	Name          string `json:"name"`
	ParticipantID string `json:"participantId"`
	AcquiredRound uint64 `json:"acquiredRound"`
	// ExpiresRound is the first round at which the lease is no longer valid.
	ExpiresRound uint64 `json:"expiresRound"`
	AcquiredAtMs int64  `json:"acquiredAtMs"`
	ExpiresAtMs  int64  `json:"expiresAtMs"`
}

// Expired reports whether the lease is no longer valid at round or at the
// wall-clock time nowMs.
func (l *Lease) Expired(round uint64, nowMs int64) bool {
	return round >= l.ExpiresRound || nowMs >= l.ExpiresAtMs
}

// Config bounds the lifetime of acquired leases.
type Config struct {
	// Rounds is the number of rounds a lease stays valid.
	// Default: 3
	Rounds uint64

	// TTL is the wall-clock lifetime of a lease.
	// Default: 6s
	TTL time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Rounds: 3,
		TTL:    6 * time.Second,
	}
}

// AcquireResult represents the result of attempting to acquire a lease.
type AcquireResult struct {
	// Acquired is true if this participant now holds the lease.
	Acquired bool

	// Lease is the lease acquired, or the lease held by another participant.
	Lease *Lease
}

// Manager acquires and releases leases for one participant.
type Manager struct {
	meta          metadata.MetadataStore
	participantID string
	config        Config
	now           func() time.Time

	mu   sync.Mutex
	held map[string]*Lease
}

// NewManager creates a lease manager for the given participant.
func NewManager(meta metadata.MetadataStore, participantID string, config Config) (*Manager, error) {
	if participantID == "" {
		return nil, ErrInvalidParticipant
	}
	if config.Rounds == 0 {
		config.Rounds = DefaultConfig().Rounds
	}
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	return &Manager{
		meta:          meta,
		participantID: participantID,
		config:        config,
		now:           time.Now,
		held:          make(map[string]*Lease),
	}, nil
}

// SetClock replaces the wall clock. Used by tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// ParticipantID returns the participant this manager acquires leases for.
func (m *Manager) ParticipantID() string {
	return m.participantID
}

// Acquire takes or renews the named lease at round.
//
// A lease held by this participant is renewed. A lease held by another
// participant is taken over only once it has expired. All writes are
// compare-and-set, so concurrent acquirers cannot both succeed.
func (m *Manager) Acquire(ctx context.Context, name string, round uint64) (*AcquireResult, error) {
	if name == "" {
		return nil, ErrInvalidName
	}

	key := keys.LeaseKeyPath(name)
	now := m.now()

	result, err := m.meta.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lease: get: %w", err)
	}

	lease := m.newLease(name, round, now)
	data, err := json.Marshal(lease)
	if err != nil {
		return nil, fmt.Errorf("lease: marshal: %w", err)
	}

	if result.Exists {
		var existing Lease
		if err := json.Unmarshal(result.Value, &existing); err != nil {
			return nil, fmt.Errorf("lease: unmarshal: %w", err)
		}

		if existing.ParticipantID != m.participantID && !existing.Expired(round, now.UnixMilli()) {
			m.forget(name)
			return &AcquireResult{Acquired: false, Lease: &existing}, nil
		}

		if existing.ParticipantID == m.participantID {
			lease.AcquiredRound = existing.AcquiredRound
			lease.AcquiredAtMs = existing.AcquiredAtMs
			if data, err = json.Marshal(lease); err != nil {
				return nil, fmt.Errorf("lease: marshal: %w", err)
			}
		}

		_, err = m.meta.PutEphemeral(ctx, key, data,
			metadata.WithEphemeralExpectedVersion(result.Version))
	} else {
		_, err = m.meta.PutEphemeral(ctx, key, data,
			metadata.WithEphemeralExpectNotExists())
	}

	if err != nil {
		if errors.Is(err, metadata.ErrVersionMismatch) || errors.Is(err, metadata.ErrTxnConflict) {
			return m.handleConflict(ctx, name, key)
		}
		return nil, fmt.Errorf("lease: put: %w", err)
	}

	m.mu.Lock()
	m.held[name] = lease
	m.mu.Unlock()
	return &AcquireResult{Acquired: true, Lease: lease}, nil
}

func (m *Manager) newLease(name string, round uint64, now time.Time) *Lease {
	expiresRound := round + m.config.Rounds
	if expiresRound < round {
		expiresRound = ^uint64(0)
	}
	return &Lease{
		Name:          name,
		ParticipantID: m.participantID,
		AcquiredRound: round,
		ExpiresRound:  expiresRound,
		AcquiredAtMs:  now.UnixMilli(),
		ExpiresAtMs:   now.Add(m.config.TTL).UnixMilli(),
	}
}

// handleConflict re-reads the lease after a lost race and reports the holder.
func (m *Manager) handleConflict(ctx context.Context, name, key string) (*AcquireResult, error) {
	m.forget(name)
	result, err := m.meta.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lease: get after conflict: %w", err)
	}
	if !result.Exists {
		return &AcquireResult{Acquired: false}, nil
	}
	var existing Lease
	if err := json.Unmarshal(result.Value, &existing); err != nil {
		return nil, fmt.Errorf("lease: unmarshal after conflict: %w", err)
	}
	return &AcquireResult{Acquired: false, Lease: &existing}, nil
}

// Release deletes the named lease if this participant holds it.
func (m *Manager) Release(ctx context.Context, name string) error {
	if name == "" {
		return ErrInvalidName
	}
	defer m.forget(name)

	key := keys.LeaseKeyPath(name)
	result, err := m.meta.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("lease: get for release: %w", err)
	}
	if !result.Exists {
		return nil
	}

	var existing Lease
	if err := json.Unmarshal(result.Value, &existing); err != nil {
		return fmt.Errorf("lease: unmarshal for release: %w", err)
	}
	if existing.ParticipantID != m.participantID {
		return nil
	}

	err = m.meta.Delete(ctx, key, metadata.WithDeleteExpectedVersion(result.Version))
	if err != nil && !errors.Is(err, metadata.ErrVersionMismatch) {
		return fmt.Errorf("lease: delete: %w", err)
	}
	return nil
}

// Get returns the current holder of the named lease, or nil.
func (m *Manager) Get(ctx context.Context, name string) (*Lease, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	result, err := m.meta.Get(ctx, keys.LeaseKeyPath(name))
	if err != nil {
		return nil, fmt.Errorf("lease: get: %w", err)
	}
	if !result.Exists {
		return nil, nil
	}
	var l Lease
	if err := json.Unmarshal(result.Value, &l); err != nil {
		return nil, fmt.Errorf("lease: unmarshal: %w", err)
	}
	return &l, nil
}

// Holds is a local check of whether the last Acquire of name succeeded.
func (m *Manager) Holds(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[name]
	return ok
}

// ReleaseAll releases every lease this manager holds. Called on shutdown.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.held))
	for name := range m.held {
		names = append(names, name)
	}
	m.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := m.Release(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) forget(name string) {
	m.mu.Lock()
	delete(m.held, name)
	m.mu.Unlock()
}
