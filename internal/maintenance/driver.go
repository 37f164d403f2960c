// Package maintenance runs the best-effort chunk inspection task.
//
// After each committed round the driver, if it holds the shared lease,
// walks the due inspection buckets, probes the first chunk of a live
// registry and submits the result as an InspectChunk request for the next
// round. It never writes state
// itself. Every failure skips the round; the chunk stays bucketed and is
// picked up again later.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/metareg-io/metareg/internal/chunkid"
	"github.com/metareg-io/metareg/internal/engine"
	"github.com/metareg-io/metareg/internal/lease"
	"github.com/metareg-io/metareg/internal/logging"
	"github.com/metareg-io/metareg/internal/metrics"
	"github.com/metareg-io/metareg/internal/probe"
	"github.com/metareg-io/metareg/internal/registry"
	"github.com/metareg-io/metareg/internal/scheduler"
)

// LeaseName is the lease shared by every participant's driver.
const LeaseName = "chunk-inspection"

// Submitter accepts requests for a future round. engine.Mempool implements it.
type Submitter interface {
	Submit(req engine.Request) error
}

// StateReader is the committed state the driver inspects.
type StateReader interface {
	Due(ctx context.Context, round uint64, after *scheduler.Entry, limit int) ([]scheduler.Entry, error)
	Chunk(ctx context.Context, id chunkid.ID) (*registry.Chunk, error)
	Registry(ctx context.Context, id string) (*registry.Registry, error)
	DeliveryNetwork(ctx context.Context, id string) (*registry.DeliveryNetwork, error)
}

var _ StateReader = (*engine.Reader)(nil)

// duePageSize is the number of due chunks read per store call.
const duePageSize = 32

// Config holds the driver settings.
type Config struct {
	// Deadline bounds the work of one tick.
	// Default: 2s
	Deadline time.Duration

	// ScanLimit bounds the due chunks examined by one tick while looking
	// for a chunk of a live registry.
	// Default: 1024
	ScanLimit int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{Deadline: 2 * time.Second, ScanLimit: 1024}
}

// Outcome is the result of one tick.
type Outcome struct {
	Result  string
	Round   uint64
	Bucket  uint64
	ChunkID chunkid.ID
	Status  registry.Accessibility
}

// Driver is the maintenance driver of one participant.
type Driver struct {
	reader  StateReader
	prober  probe.Prober
	leases  *lease.Manager
	submit  Submitter
	config  Config
	metrics *metrics.MaintenanceMetrics
	logger  *logging.Logger

	roundCh  chan uint64
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDriver creates a driver. m may be nil.
func NewDriver(reader StateReader, prober probe.Prober, leases *lease.Manager, submit Submitter, config Config, m *metrics.MaintenanceMetrics, logger *logging.Logger) *Driver {
	if config.Deadline <= 0 {
		config.Deadline = DefaultConfig().Deadline
	}
	if config.ScanLimit <= 0 {
		config.ScanLimit = DefaultConfig().ScanLimit
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Driver{
		reader:  reader,
		prober:  prober,
		leases:  leases,
		submit:  submit,
		config:  config,
		metrics: m,
		logger:  logger,
		roundCh: make(chan uint64, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start begins handling round notifications.
func (d *Driver) Start() {
	d.wg.Add(1)
	go d.loop()
}

// Stop halts the driver and releases its lease.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), d.config.Deadline)
	defer cancel()
	if err := d.leases.ReleaseAll(ctx); err != nil {
		d.logger.Warnf("lease release failed", map[string]any{"error": err})
	}
}

// Notify reports a committed round. It never blocks: when the driver is
// still busy, only the most recent round is kept.
func (d *Driver) Notify(round uint64) {
	for {
		select {
		case d.roundCh <- round:
			return
		default:
		}
		select {
		case <-d.roundCh:
		default:
		}
	}
}

func (d *Driver) loop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case round := <-d.roundCh:
			d.Tick(context.Background(), round)
		}
	}
}

// Tick runs the driver once for a committed round.
func (d *Driver) Tick(ctx context.Context, round uint64) Outcome {
	ctx, cancel := context.WithTimeout(ctx, d.config.Deadline)
	defer cancel()

	logger := d.logger.WithRoundID(round).WithCorrelationID(uuid.NewString())
	ctx = logging.WithLoggerCtx(ctx, logger)

	out, err := d.tick(ctx, round)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
			out.Result = metrics.TickTimeout
		case out.Result == "":
			out.Result = metrics.TickError
		}
		logger.Warnf("maintenance tick skipped", map[string]any{
			"outcome": out.Result,
			"error":   err,
		})
	} else if out.Result == metrics.TickSubmitted {
		logger.Debugf("inspection submitted", map[string]any{
			"chunkId": out.ChunkID.String(),
			"status":  string(out.Status),
			"bucket":  out.Bucket,
		})
	}

	if d.metrics != nil {
		d.metrics.RecordTick(out.Result)
	}
	return out
}

func (d *Driver) tick(ctx context.Context, round uint64) (Outcome, error) {
	out := Outcome{Round: round}

	held, err := d.leases.Acquire(ctx, LeaseName, round)
	if err != nil {
		return out, fmt.Errorf("acquire lease: %w", err)
	}
	if !held.Acquired {
		out.Result = metrics.TickLeaseHeld
		return out, nil
	}

	entry, chunk, network, err := d.pick(ctx, round)
	if err != nil {
		return out, err
	}
	if chunk == nil {
		out.Result = metrics.TickNothingDue
		return out, nil
	}
	out.Bucket = entry.Round
	out.ChunkID = chunk.ID

	start := time.Now()
	status, err := d.prober.Probe(ctx, network, chunk)
	d.recordProbe(network, status, err, time.Since(start))
	if err != nil {
		out.Result = metrics.TickProbeError
		return out, fmt.Errorf("probe %s: %w", chunk.ID, err)
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	out.Status = status

	req := engine.Request{
		Actor: d.leases.ParticipantID(),
		Op:    engine.NewInspectChunk(round+1, chunk.ID, status),
	}
	if err := d.submit.Submit(req); err != nil {
		return out, fmt.Errorf("submit inspection: %w", err)
	}
	out.Result = metrics.TickSubmitted
	return out, nil
}

// pick walks the chunks due at round in bucket order and returns the first
// one whose registry is live, with its delivery network. Chunks that
// vanished since the bucket was read and chunks of deleted registries are
// skipped, so a bucket holding only those does not hide later due buckets.
func (d *Driver) pick(ctx context.Context, round uint64) (scheduler.Entry, *registry.Chunk, *registry.DeliveryNetwork, error) {
	var after *scheduler.Entry
	for scanned := 0; scanned < d.config.ScanLimit; {
		limit := min(duePageSize, d.config.ScanLimit-scanned)
		due, err := d.reader.Due(ctx, round, after, limit)
		if err != nil {
			return scheduler.Entry{}, nil, nil, fmt.Errorf("read due chunks: %w", err)
		}
		for _, entry := range due {
			chunk, network, err := d.live(ctx, entry.ID)
			if err != nil {
				return entry, nil, nil, err
			}
			if chunk != nil {
				return entry, chunk, network, nil
			}
		}
		if len(due) < limit {
			break
		}
		scanned += len(due)
		after = &due[len(due)-1]
	}
	return scheduler.Entry{}, nil, nil, nil
}

// live returns the chunk and its delivery network, or a nil chunk when the
// chunk or its registry is gone.
func (d *Driver) live(ctx context.Context, id chunkid.ID) (*registry.Chunk, *registry.DeliveryNetwork, error) {
	chunk, err := d.reader.Chunk(ctx, id)
	if errors.Is(err, registry.ErrChunkNotExisted) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read chunk %s: %w", id, err)
	}

	reg, err := d.reader.Registry(ctx, chunk.RegistryID)
	if errors.Is(err, registry.ErrRegistryNotExisted) || (err == nil && reg.Status == registry.Deleted) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read registry %s: %w", chunk.RegistryID, err)
	}

	network, err := d.reader.DeliveryNetwork(ctx, reg.DeliveryNetworkID)
	if err != nil {
		return nil, nil, fmt.Errorf("read delivery network %s: %w", reg.DeliveryNetworkID, err)
	}
	return chunk, network, nil
}

func (d *Driver) recordProbe(network *registry.DeliveryNetwork, status registry.Accessibility, err error, elapsed time.Duration) {
	if d.metrics == nil {
		return
	}
	result := string(status)
	if err != nil {
		result = "error"
	}
	d.metrics.RecordProbe(probe.Scheme(network.URI), result, elapsed.Seconds())
}
