// Package node assembles a running metareg node: the metadata store, the
// round loop over the engine, the maintenance driver and the HTTP servers.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/metareg-io/metareg/internal/authz"
	"github.com/metareg-io/metareg/internal/config"
	"github.com/metareg-io/metareg/internal/engine"
	"github.com/metareg-io/metareg/internal/lease"
	"github.com/metareg-io/metareg/internal/logging"
	"github.com/metareg-io/metareg/internal/maintenance"
	"github.com/metareg-io/metareg/internal/metadata"
	"github.com/metareg-io/metareg/internal/metrics"
	"github.com/metareg-io/metareg/internal/objectstore"
	"github.com/metareg-io/metareg/internal/objectstore/s3"
	"github.com/metareg-io/metareg/internal/probe"
	"github.com/metareg-io/metareg/internal/reaper"
	"github.com/metareg-io/metareg/internal/registry"
	"github.com/metareg-io/metareg/internal/server"
)

const (
	loopRounds = "rounds"

	backlogScanInterval = 30 * time.Second
	minReadyLag         = 30 * time.Second
)

var errAlreadyStarted = errors.New("node: already started")

// Options contains the configuration for creating a node.
type Options struct {
	Config *config.Config
	Logger *logging.Logger

	// NodeID identifies the node as a maintenance participant. Defaults to
	// Config.Node.ID, then to a random UUID.
	NodeID  string
	Version string

	// Store replaces the configured backend. The node closes it on
	// shutdown.
	Store metadata.MetadataStore
	// Prober replaces the default s3/http prober router.
	Prober probe.Prober
	// Registry receives the node metrics. Defaults to a fresh registry
	// with Go and process collectors.
	Registry *prometheus.Registry
}

// Node is a running metareg node.
type Node struct {
	opts   Options
	cfg    *config.Config
	logger *logging.Logger

	registry  *prometheus.Registry
	store     metadata.MetadataStore
	engine    *engine.Engine
	reader    *engine.Reader
	mempool   *engine.Mempool
	driver    *maintenance.Driver
	scanner   *metrics.BacklogScanner
	objects   objectstore.Provider
	health    *server.HealthServer
	metricsSv *metrics.Server

	roundMu sync.Mutex

	commitMu   sync.RWMutex
	lastRound  uint64
	lastCommit time.Time
	committed  bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a node. Nothing is opened until Start.
func New(opts Options) (*Node, error) {
	if opts.Config == nil {
		return nil, errors.New("node: config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	if opts.NodeID == "" {
		opts.NodeID = opts.Config.Node.ID
	}
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
		opts.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return &Node{
		opts:     opts,
		cfg:      opts.Config,
		logger:   opts.Logger.With(map[string]any{"nodeId": opts.NodeID}),
		registry: opts.Registry,
	}, nil
}

// ID returns the participant id of the node.
func (n *Node) ID() string {
	return n.opts.NodeID
}

// Start opens the store, applies the genesis, starts the servers and the
// background loops. It returns once everything is running.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return errAlreadyStarted
	}

	cfg := n.cfg
	n.logger.Infof("starting node", map[string]any{
		"version":       n.opts.Version,
		"storeBackend":  cfg.Store.Backend,
		"roundInterval": cfg.RoundInterval().String(),
		"maintenance":   cfg.Maintenance.Enabled,
	})

	if err := n.build(ctx); err != nil {
		n.closeResources()
		return err
	}

	if cfg.Genesis.Path != "" {
		g, err := engine.LoadGenesisFile(cfg.Genesis.Path)
		if err != nil {
			n.closeResources()
			return err
		}
		if _, err := n.engine.ApplyGenesis(ctx, g); err != nil {
			n.closeResources()
			return err
		}
	}

	if err := n.startServers(); err != nil {
		n.closeResources()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	if n.driver != nil {
		n.driver.Start()
	}
	n.scanner.Start()

	n.health.RegisterLoop(loopRounds)
	n.wg.Add(1)
	go n.runRounds(loopCtx)

	n.started = true
	n.logger.Info("node started")
	return nil
}

func (n *Node) build(ctx context.Context) error {
	cfg := n.cfg
	reg := n.registry

	store := n.opts.Store
	if store == nil {
		var err error
		store, err = OpenStore(ctx, cfg.Store, n.logger)
		if err != nil {
			return err
		}
	}
	n.store = metadata.NewInstrumentedStore(store, metrics.NewStoreMetricsWithRegistry(reg))

	policy, err := authz.New(cfg.Authz.Mode, cfg.Authz.Issuers, cfg.Authz.Custodians)
	if err != nil {
		return err
	}

	engineMetrics := metrics.NewEngineMetricsWithRegistry(reg)
	lifecycle := metrics.NewLifecycleMetricsWithRegistry(reg)
	n.engine = engine.New(n.store, EngineConfig(cfg),
		engine.WithPolicy(policy),
		engine.WithLogger(n.logger),
		engine.WithMetrics(engineMetrics, lifecycle),
	)
	n.reader = n.engine.Reader()
	n.mempool = engine.NewMempool(cfg.Node.MempoolCapacity, engineMetrics)
	n.scanner = metrics.NewBacklogScanner(lifecycle, n.reader, backlogScanInterval, n.logger)

	if cfg.Maintenance.Enabled {
		prober := n.opts.Prober
		if prober == nil {
			prober, err = n.defaultProber(ctx)
			if err != nil {
				return err
			}
		}
		leases, err := lease.NewManager(n.store, n.opts.NodeID, lease.Config{
			Rounds: cfg.Maintenance.LeaseRounds,
			TTL:    cfg.LeaseTTL(),
		})
		if err != nil {
			return err
		}
		n.driver = maintenance.NewDriver(n.reader, prober, leases, n.mempool,
			maintenance.Config{Deadline: cfg.MaintenanceDeadline()},
			metrics.NewMaintenanceMetricsWithRegistry(reg), n.logger)
	}
	return nil
}

// defaultProber routes s3:// networks to the object store and http(s)://
// networks to plain HEAD requests.
func (n *Node) defaultProber(ctx context.Context) (probe.Prober, error) {
	oc := n.cfg.ObjectStore
	provider, err := s3.NewProvider(ctx, s3.Config{
		Region:          oc.Region,
		Endpoint:        oc.Endpoint,
		AccessKeyID:     oc.AccessKey,
		SecretAccessKey: oc.SecretKey,
		UsePathStyle:    oc.UsePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("node: s3 provider: %w", err)
	}
	n.objects = objectstore.NewInstrumentedProvider(provider, metrics.NewObjectStoreMetricsWithRegistry(n.registry))

	httpProber := probe.NewHTTPProber(nil)
	return probe.NewRouter().
		Handle("s3", probe.NewObjectStoreProber(n.objects)).
		Handle("http", httpProber).
		Handle("https", httpProber), nil
}

// EngineConfig maps the node configuration onto the engine settings.
func EngineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Interval: cfg.Scheduler.Interval,
		Reaper: reaper.Config{
			BatchSize:     cfg.Reaper.BatchSize,
			StepsPerRound: cfg.Reaper.StepsPerRound,
		},
		Limits: registry.Limits{
			MaxIDBytes:   cfg.Registry.MaxIDBytes,
			MaxInfoBytes: cfg.Registry.MaxInfoBytes,
			MaxURIBytes:  cfg.Registry.MaxURIBytes,
			MaxChunks:    cfg.Registry.MaxChunks,
		},
	}
}

func (n *Node) startServers() error {
	cfg := n.cfg
	interval := cfg.RoundInterval()

	n.health = server.NewHealthServer(cfg.Node.HealthAddr, n.logger)
	n.health.SetStaleAfter(max(server.DefaultStaleAfter, 5*interval))
	n.health.RegisterReadinessCheck(server.NewMetadataStoreChecker(n.store))
	n.health.RegisterReadinessCheck(server.NewRoundProgressChecker(n.LastCommit, max(minReadyLag, 10*interval)))
	if cfg.Node.HealthAddr != "" {
		if err := n.health.Start(); err != nil {
			return fmt.Errorf("node: start health server: %w", err)
		}
	}

	if cfg.Observability.MetricsAddr != "" {
		n.metricsSv = metrics.NewServerWithRegistry(cfg.Observability.MetricsAddr, n.registry, metrics.WithServerLogger(n.logger))
		if err := n.metricsSv.Start(); err != nil {
			return fmt.Errorf("node: start metrics server: %w", err)
		}
		n.logger.Infof("metrics server started", map[string]any{"addr": n.metricsSv.Addr()})
	}
	return nil
}

func (n *Node) runRounds(ctx context.Context) {
	defer n.wg.Done()
	defer n.health.UnregisterLoop(loopRounds)

	ticker := time.NewTicker(n.cfg.RoundInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n.health.Heartbeat(loopRounds)
		if _, err := n.RunRound(ctx); err != nil && ctx.Err() == nil {
			n.logger.Warnf("round failed", map[string]any{"error": err})
		}
	}
}

// RunRound executes the next round with the queued requests and notifies
// the maintenance driver once it is committed. On failure the requests go
// back to the front of the mempool, except one that broke a state
// invariant.
func (n *Node) RunRound(ctx context.Context) (*engine.RoundResult, error) {
	n.roundMu.Lock()
	defer n.roundMu.Unlock()

	last, ok, err := n.reader.LastRound(ctx)
	if err != nil {
		return nil, err
	}
	round := uint64(1)
	if ok {
		round = last + 1
	}

	reqs := n.mempool.Drain(n.cfg.Node.MaxRequestsPerRound)
	result, err := n.engine.ExecuteRound(ctx, round, reqs)
	if err != nil {
		var invariant *engine.InvariantError
		if errors.As(err, &invariant) && invariant.Index < len(reqs) {
			// the offending request would abort every later round too
			reqs = append(reqs[:invariant.Index:invariant.Index], reqs[invariant.Index+1:]...)
		}
		n.mempool.Requeue(reqs)
		return nil, err
	}

	n.commitMu.Lock()
	n.lastRound, n.lastCommit, n.committed = round, time.Now(), true
	n.commitMu.Unlock()

	if len(reqs) > 0 {
		failed := 0
		for _, r := range result.Receipts {
			if !r.OK() {
				failed++
			}
		}
		n.logger.Debugf("round committed", map[string]any{
			"round":    round,
			"requests": len(reqs),
			"failed":   failed,
			"events":   len(result.Events),
		})
	}

	if n.driver != nil {
		n.driver.Notify(round)
	}
	return result, nil
}

// Submit queues a request for the next round.
func (n *Node) Submit(req engine.Request) error {
	if n.mempool == nil {
		return errors.New("node: not started")
	}
	return n.mempool.Submit(req)
}

// LastCommit returns the last round this node committed and when.
func (n *Node) LastCommit() (uint64, time.Time, bool) {
	n.commitMu.RLock()
	defer n.commitMu.RUnlock()
	return n.lastRound, n.lastCommit, n.committed
}

// Reader returns a reader over committed state.
func (n *Node) Reader() *engine.Reader {
	return n.reader
}

// HealthAddr returns the bound address of the health server.
func (n *Node) HealthAddr() string {
	if n.health == nil {
		return ""
	}
	return n.health.Addr()
}

// MetricsAddr returns the bound address of the metrics server.
func (n *Node) MetricsAddr() string {
	if n.metricsSv == nil {
		return ""
	}
	return n.metricsSv.Addr()
}

// Shutdown stops the loops, releases the maintenance lease and closes the
// servers and the store.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return nil
	}
	n.started = false

	n.logger.Info("shutting down node")
	n.health.SetShuttingDown()

	n.cancel()
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if n.driver != nil {
		n.driver.Stop()
	}
	n.scanner.Stop()
	n.closeResources()

	n.logger.Info("node shutdown complete")
	return nil
}

// closeResources closes whatever build and startServers opened.
func (n *Node) closeResources() {
	if n.health != nil {
		if err := n.health.Close(); err != nil {
			n.logger.Warnf("error closing health server", map[string]any{"error": err})
		}
	}
	if n.metricsSv != nil {
		if err := n.metricsSv.Close(); err != nil {
			n.logger.Warnf("error closing metrics server", map[string]any{"error": err})
		}
	}
	if n.objects != nil {
		n.objects.Close()
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.Warnf("error closing metadata store", map[string]any{"error": err})
		}
	} else if n.opts.Store != nil {
		n.opts.Store.Close()
	}
}
