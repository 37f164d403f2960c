package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/metareg-io/metareg/internal/metadata"
	"github.com/metareg-io/metareg/internal/metadata/keys"
)

// MetadataStoreChecker reports ready when the metadata store answers a
// read of the committed round key.
type MetadataStoreChecker struct {
	store metadata.MetadataStore
}

func NewMetadataStoreChecker(store metadata.MetadataStore) *MetadataStoreChecker {
	return &MetadataStoreChecker{store: store}
}

func (c *MetadataStoreChecker) Name() string {
	return "metadata_store"
}

func (c *MetadataStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("metadata store not configured")
	}
	_, err := c.store.Get(ctx, keys.EngineRoundKey)
	return err
}

// RoundProgressChecker reports ready while rounds keep committing. Before
// the first commit it reports ready for one grace period after creation,
// which covers startup.
type RoundProgressChecker struct {
	lastCommit func() (round uint64, at time.Time, ok bool)
	maxLag     time.Duration
	started    time.Time
	now        func() time.Time
}

// NewRoundProgressChecker builds a checker. lastCommit returns the last
// round the node committed and when; maxLag is how old it may get.
func NewRoundProgressChecker(lastCommit func() (uint64, time.Time, bool), maxLag time.Duration) *RoundProgressChecker {
	return &RoundProgressChecker{
		lastCommit: lastCommit,
		maxLag:     maxLag,
		started:    time.Now(),
		now:        time.Now,
	}
}

func (c *RoundProgressChecker) Name() string {
	return "round_loop"
}

func (c *RoundProgressChecker) CheckReady(context.Context) error {
	now := c.now()
	round, at, ok := c.lastCommit()
	if !ok {
		if now.Sub(c.started) > c.maxLag {
			return fmt.Errorf("no round committed within %s of startup", c.maxLag)
		}
		return nil
	}
	if lag := now.Sub(at); lag > c.maxLag {
		return fmt.Errorf("round %d committed %s ago", round, lag.Truncate(time.Millisecond))
	}
	return nil
}

// FuncChecker wraps a function as a ReadinessChecker.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

func (c *FuncChecker) Name() string {
	return c.name
}

func (c *FuncChecker) CheckReady(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	return c.check(ctx)
}
