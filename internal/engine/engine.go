// Package engine applies ordered batches of operations to the registry
// state, one round at a time.
//
// Each round runs in a root state overlay. Every operation gets a child
// overlay that is merged only when the operation succeeds, so a failed
// operation leaves no trace. After the operations the reaper takes its
// bounded step, and the round is committed to the metadata store in one
// transaction together with the new round number.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/metareg-io/metareg/internal/authz"
	"github.com/metareg-io/metareg/internal/logging"
	"github.com/metareg-io/metareg/internal/metadata"
	"github.com/metareg-io/metareg/internal/metadata/keys"
	"github.com/metareg-io/metareg/internal/metrics"
	"github.com/metareg-io/metareg/internal/reaper"
	"github.com/metareg-io/metareg/internal/registry"
	"github.com/metareg-io/metareg/internal/scheduler"
	"github.com/metareg-io/metareg/internal/state"
)

// ErrRoundNotAdvanced is returned when a round is not after the last
// committed round.
var ErrRoundNotAdvanced = errors.New("engine: round not advanced")

// ErrUnknownOp is returned for operation types the engine does not handle.
var ErrUnknownOp = errors.New("engine: unknown operation")

// InvariantError aborts a round whose request found the stored state
// inconsistent, such as a chunk missing from the bucket it records.
type InvariantError struct {
	// Index is the position of the offending request in the round.
	Index int
	Op    string
	Err   error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("engine: request %d (%s) broke a state invariant: %v", e.Index, e.Op, e.Err)
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}

// isInvariantViolation reports whether err means committed state is
// inconsistent rather than that the request was invalid.
func isInvariantViolation(err error) bool {
	return errors.Is(err, scheduler.ErrChunkBlockNotExisted)
}

// Config holds the engine settings.
type Config struct {
	// Interval is the inspection bucket interval in rounds.
	// Default: 10
	Interval uint64

	Reaper reaper.Config
	Limits registry.Limits
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Interval: 10,
		Reaper:   reaper.DefaultConfig(),
		Limits:   registry.DefaultLimits(),
	}
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithPolicy sets the authorization policy. The default permits everything.
func WithPolicy(p authz.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the round and lifecycle metrics.
func WithMetrics(m *metrics.EngineMetrics, lm *metrics.LifecycleMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
		e.lifecycle = lm
	}
}

// Receipt is the outcome of one request.
type Receipt struct {
	Index int
	Actor string
	Op    string
	// Error is the error class name, empty on success.
	Error  string
	Err    error
	Events []Event
}

// OK reports whether the operation succeeded.
func (r Receipt) OK() bool {
	return r.Err == nil
}

// RoundResult is the outcome of a committed round.
type RoundResult struct {
	Round    uint64
	Receipts []Receipt
	// Events holds the events of successful operations in order, followed
	// by those of the reaper step.
	Events []Event
	Reaped []reaper.Progress
}

// Engine applies rounds. ExecuteRound calls are serialized.
type Engine struct {
	store     metadata.MetadataStore
	config    Config
	wheel     *scheduler.Wheel
	queue     *reaper.Queue
	registry  *registry.Store
	reaper    *reaper.Reaper
	policy    authz.Policy
	enforcer  *authz.Enforcer
	logger    *logging.Logger
	metrics   *metrics.EngineMetrics
	lifecycle *metrics.LifecycleMetrics

	mu sync.Mutex
}

// New creates an engine over store.
func New(store metadata.MetadataStore, config Config, opts ...Option) *Engine {
	if config.Limits == (registry.Limits{}) {
		config.Limits = registry.DefaultLimits()
	}
	e := &Engine{
		store:  store,
		config: config,
		wheel:  scheduler.New(config.Interval),
		queue:  reaper.NewQueue(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.DefaultLogger()
	}
	e.registry = registry.NewStore(e.wheel, e.queue, config.Limits)
	e.reaper = reaper.New(e.registry, e.queue, config.Reaper)
	e.enforcer = authz.NewEnforcer(e.policy, e.logger)
	return e
}

// Store returns the backing metadata store.
func (e *Engine) Store() metadata.MetadataStore {
	return e.store
}

// ExecuteRound applies requests in order, runs the reaper step and commits
// the round. Operation failures are reported in receipts; the returned
// error is for failures that abort the whole round, in which case nothing
// is committed. An operation that finds the stored state inconsistent
// aborts the round with an *InvariantError.
func (e *Engine) ExecuteRound(ctx context.Context, round uint64, requests []Request) (*RoundResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	logger := e.logger.WithRoundID(round)
	ctx = logging.WithLoggerCtx(ctx, logger)

	last, committed, err := readRound(ctx, e.store)
	if err != nil {
		return nil, err
	}
	if committed && round <= last {
		return nil, fmt.Errorf("%w: round %d, last committed %d", ErrRoundNotAdvanced, round, last)
	}

	tx := state.New(e.store)
	result := &RoundResult{Round: round, Receipts: make([]Receipt, 0, len(requests))}

	for i, req := range requests {
		receipt := Receipt{Index: i, Actor: req.Actor}
		if req.Op != nil {
			receipt.Op = req.Op.Name()
		}

		child := tx.Child()
		events, err := e.apply(ctx, child, round, req)
		if err == nil {
			err = child.Merge()
		}
		if err != nil && isInvariantViolation(err) {
			logger.Errorf("state invariant violated, aborting round", map[string]any{
				"operation": receipt.Op,
				"actor":     req.Actor,
				"index":     i,
				"error":     err,
			})
			if e.metrics != nil {
				e.metrics.RecordInvariantViolation(receipt.Op)
			}
			return nil, &InvariantError{Index: i, Op: receipt.Op, Err: err}
		}
		if err != nil {
			receipt.Err = err
			receipt.Error = registry.ErrorName(err)
			fields := map[string]any{
				"operation": receipt.Op,
				"actor":     req.Actor,
				"error":     err,
			}
			if receipt.Error == "Internal" {
				logger.Warnf("operation failed", fields)
			} else {
				logger.Debugf("operation rejected", fields)
			}
		} else {
			receipt.Events = events
			result.Events = append(result.Events, events...)
		}
		e.recordOperation(receipt)
		result.Receipts = append(result.Receipts, receipt)
	}

	progress, err := e.reaper.Step(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("engine: reaper step: %w", err)
	}
	result.Reaped = progress
	for _, p := range progress {
		if e.lifecycle != nil {
			e.lifecycle.RecordReaperStep(p.ChunksRemoved, p.GrantsRemoved, p.Done)
		}
		if p.Done {
			result.Events = append(result.Events, RegistryReaped{ID: p.RegistryID})
			logger.Infof("registry reaped", map[string]any{"registryId": p.RegistryID})
		}
	}

	tx.Put(keys.EngineRoundKey, []byte(strconv.FormatUint(round, 10)))
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("engine: commit round %d: %w", round, err)
	}

	e.recordRound(ctx, result, time.Since(start))
	return result, nil
}

func (e *Engine) apply(ctx context.Context, tx *state.Overlay, round uint64, req Request) ([]Event, error) {
	switch op := req.Op.(type) {
	case InspectChunk:
		return e.inspectChunk(ctx, tx, op)
	case *InspectChunk:
		return e.inspectChunk(ctx, tx, *op)
	case CreateDeliveryNetwork:
		return e.createDeliveryNetwork(ctx, tx, req.Actor, op)
	case *CreateDeliveryNetwork:
		return e.createDeliveryNetwork(ctx, tx, req.Actor, *op)
	case CreateRegistry:
		return e.createRegistry(ctx, tx, round, req.Actor, op)
	case *CreateRegistry:
		return e.createRegistry(ctx, tx, round, req.Actor, *op)
	case SetSalable:
		return e.setSalable(ctx, tx, req.Actor, op)
	case *SetSalable:
		return e.setSalable(ctx, tx, req.Actor, *op)
	case DeleteRegistry:
		return e.deleteRegistry(ctx, tx, req.Actor, op)
	case *DeleteRegistry:
		return e.deleteRegistry(ctx, tx, req.Actor, *op)
	case nil:
		return nil, fmt.Errorf("%w: empty request", registry.ErrNoneValue)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownOp, op)
	}
}

func (e *Engine) inspectChunk(ctx context.Context, tx *state.Overlay, op InspectChunk) ([]Event, error) {
	if op.Round == nil || op.ChunkID == nil || op.Status == nil {
		return nil, registry.ErrNoneValue
	}
	id, round, status := *op.ChunkID, *op.Round, *op.Status

	chunk, err := e.registry.GetChunk(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if status != registry.Healthy && status != registry.Broken {
		return nil, fmt.Errorf("%w: %q is not an inspection result", registry.ErrInvalidStatus, status)
	}
	reg, err := e.registry.GetRegistry(ctx, tx, chunk.RegistryID)
	if err != nil {
		return nil, err
	}
	if reg.Status == registry.Deleted {
		return nil, registry.ErrRegistryNotExisted
	}

	next, err := e.registry.Reschedule(ctx, tx, id, round)
	if err != nil {
		return nil, err
	}
	if _, err := e.registry.UpdateChunk(ctx, tx, id, round, status); err != nil {
		return nil, err
	}
	return []Event{ChunkInspected{ChunkID: id, Status: status, NextBucket: next}}, nil
}

func (e *Engine) createDeliveryNetwork(ctx context.Context, tx *state.Overlay, actor string, op CreateDeliveryNetwork) ([]Event, error) {
	if !e.enforcer.AuthorizeCustodian(ctx, op.ID, actor) {
		return nil, registry.ErrNonAuthorized
	}
	network, err := e.registry.CreateDeliveryNetwork(ctx, tx, registry.DeliveryNetworkParams{
		ID:        op.ID,
		URI:       op.URI,
		Country:   op.Country,
		Region:    op.Region,
		SubRegion: op.SubRegion,
	})
	if err != nil {
		return nil, err
	}
	return []Event{DeliveryNetworkCreated{ID: network.ID}}, nil
}

func (e *Engine) createRegistry(ctx context.Context, tx *state.Overlay, round uint64, actor string, op CreateRegistry) ([]Event, error) {
	if !e.enforcer.AuthorizeCreate(ctx, op.ID, op.Owner, op.Issuer, actor) {
		return nil, registry.ErrNonAuthorized
	}
	reg, err := e.registry.CreateRegistry(ctx, tx, registry.RegistryParams{
		ID:                op.ID,
		Owner:             op.Owner,
		Issuer:            op.Issuer,
		Author:            actor,
		Hash:              op.Hash,
		Info:              op.Info,
		Salable:           op.Salable,
		Country:           op.Country,
		DeliveryNetworkID: op.DeliveryNetworkID,
		ChunkHashes:       op.ChunkHashes,
	}, round)
	if err != nil {
		return nil, err
	}
	return []Event{RegistryCreated{
		ID:     reg.ID,
		Owner:  reg.Owner,
		Issuer: reg.Issuer,
		Chunks: len(reg.ChunkHashes),
	}}, nil
}

func (e *Engine) setSalable(ctx context.Context, tx *state.Overlay, actor string, op SetSalable) ([]Event, error) {
	reg, err := e.registry.GetRegistry(ctx, tx, op.ID)
	if err != nil {
		return nil, err
	}
	if !reg.CanManage(actor) {
		return nil, registry.ErrNonAuthorized
	}
	if reg.Status == registry.Deleted && op.Salable {
		return nil, registry.ErrRegistrySalable
	}
	if reg.Salable == op.Salable {
		return nil, nil
	}
	if _, err := e.registry.SetSalable(ctx, tx, op.ID, op.Salable); err != nil {
		return nil, err
	}
	return []Event{RegistrySalableChanged{ID: op.ID, Salable: op.Salable}}, nil
}

func (e *Engine) deleteRegistry(ctx context.Context, tx *state.Overlay, actor string, op DeleteRegistry) ([]Event, error) {
	reg, err := e.registry.GetRegistry(ctx, tx, op.ID)
	if err != nil {
		return nil, err
	}
	if reg.Status == registry.Deleted {
		return nil, registry.ErrRegistryNotExisted
	}
	if !e.enforcer.AuthorizeDelete(ctx, reg, actor) {
		return nil, registry.ErrNonAuthorized
	}
	if _, err := e.registry.SoftDeleteRegistry(ctx, tx, op.ID, actor); err != nil {
		return nil, err
	}
	return []Event{RegistryDeleted{ID: op.ID, Actor: actor}}, nil
}

func (e *Engine) recordOperation(r Receipt) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordOperation(r.Op, r.Error)
	for _, ev := range r.Events {
		e.metrics.RecordEvent(ev.Kind())
	}
}

func (e *Engine) recordRound(ctx context.Context, result *RoundResult, elapsed time.Duration) {
	if e.metrics != nil {
		e.metrics.RecordRound(result.Round, elapsed.Seconds())
		for _, ev := range result.Events {
			if ev.Kind() == EventRegistryReaped {
				e.metrics.RecordEvent(ev.Kind())
			}
		}
	}
	if e.lifecycle != nil {
		for _, ev := range result.Events {
			if ci, ok := ev.(ChunkInspected); ok {
				e.lifecycle.RecordInspection(string(ci.Status))
			}
		}
		ptr, ok, err := e.wheel.Pointer(ctx, state.New(e.store))
		if err == nil {
			e.lifecycle.SetPointer(ptr, ok)
		}
	}
}

// readRound returns the last committed round.
func readRound(ctx context.Context, store metadata.MetadataStore) (uint64, bool, error) {
	res, err := store.Get(ctx, keys.EngineRoundKey)
	if err != nil {
		return 0, false, fmt.Errorf("engine: read round: %w", err)
	}
	if !res.Exists {
		return 0, false, nil
	}
	round, err := strconv.ParseUint(string(res.Value), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("engine: decode round: %w", err)
	}
	return round, true, nil
}
