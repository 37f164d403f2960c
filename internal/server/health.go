// Package server serves the node's HTTP probe endpoints: /healthz for
// liveness and /readyz for readiness.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/metareg-io/metareg/internal/logging"
)

// ReadinessChecker is a dependency that takes part in /readyz.
type ReadinessChecker interface {
	// Name labels the check in the response body.
	Name() string

	// CheckReady returns nil when the component can serve, or the reason
	// it cannot.
	CheckReady(ctx context.Context) error
}

// Default timings.
const (
	DefaultReadinessTimeout = 5 * time.Second
	// DefaultStaleAfter is how long a loop may go without a heartbeat
	// before /healthz reports it as stalled.
	DefaultStaleAfter = 30 * time.Second
)

// HealthServer provides HTTP endpoints for health checks.
type HealthServer struct {
	mu               sync.RWMutex
	addr             string
	boundAddr        string
	server           *http.Server
	logger           *logging.Logger
	shutDown         atomic.Bool
	loops            map[string]*loopStatus
	readinessChecks  []ReadinessChecker
	readinessTimeout time.Duration
	staleAfter       time.Duration
	extraHandlers    map[string]http.Handler
	now              func() time.Time
}

// loopStatus tracks a long-running loop of the node.
type loopStatus struct {
	running   bool
	heartbeat time.Time
}

// HealthStatus is the JSON body of both endpoints.
type HealthStatus struct {
	Status string                 `json:"status"`
	Loops  map[string]bool        `json:"loops,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// NewHealthServer creates a HealthServer listening on addr once started.
func NewHealthServer(addr string, logger *logging.Logger) *HealthServer {
	if logger == nil {
		logger = logging.Global()
	}
	return &HealthServer{
		addr:             addr,
		logger:           logger,
		loops:            make(map[string]*loopStatus),
		readinessTimeout: DefaultReadinessTimeout,
		staleAfter:       DefaultStaleAfter,
		extraHandlers:    make(map[string]http.Handler),
		now:              time.Now,
	}
}

// RegisterHandler mounts an extra handler next to the probes. Call before
// Start.
func (h *HealthServer) RegisterHandler(pattern string, handler http.Handler) {
	if pattern == "" || handler == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.extraHandlers[pattern] = handler
}

// RegisterReadinessCheck adds a check run on every /readyz request.
func (h *HealthServer) RegisterReadinessCheck(checker ReadinessChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessChecks = append(h.readinessChecks, checker)
}

// SetReadinessTimeout bounds each readiness check.
func (h *HealthServer) SetReadinessTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessTimeout = d
}

// SetStaleAfter sets how long a registered loop may miss heartbeats.
func (h *HealthServer) SetStaleAfter(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.staleAfter = d
}

// RegisterLoop marks a loop as running. The loop must call Heartbeat more
// often than the stale interval.
func (h *HealthServer) RegisterLoop(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loops[name] = &loopStatus{running: true, heartbeat: h.now()}
}

// Heartbeat records that a loop made progress.
func (h *HealthServer) Heartbeat(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if status, ok := h.loops[name]; ok {
		status.heartbeat = h.now()
	}
}

// UnregisterLoop marks a loop as stopped.
func (h *HealthServer) UnregisterLoop(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if status, ok := h.loops[name]; ok {
		status.running = false
	}
}

// SetShuttingDown makes both endpoints report 503.
func (h *HealthServer) SetShuttingDown() {
	h.shutDown.Store(true)
}

func (h *HealthServer) IsShuttingDown() bool {
	return h.shutDown.Load()
}

// Start listens and serves in the background.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)
	h.mu.RLock()
	for pattern, handler := range h.extraHandlers {
		mux.Handle(pattern, handler)
	}
	h.mu.RUnlock()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.boundAddr = ln.Addr().String()
	h.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	srv := h.server
	h.mu.Unlock()

	h.logger.Infof("health server listening", map[string]any{"addr": ln.Addr().String()})

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Errorf("health server error", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (h *HealthServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.boundAddr != "" {
		return h.boundAddr
	}
	return h.addr
}

func (h *HealthServer) Close() error {
	h.mu.RLock()
	srv := h.server
	h.mu.RUnlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func writeStatus(w http.ResponseWriter, r *http.Request, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if r.Method != http.MethodHead {
		json.NewEncoder(w).Encode(status)
	}
}

func (h *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeStatus(w, r, h.CheckHealth())
}

func (h *HealthServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeStatus(w, r, h.CheckReadiness(r.Context()))
}

func (h *HealthServer) shutdownStatus() (HealthStatus, bool) {
	if h.shutDown.Load() {
		return HealthStatus{
			Status: "shutting_down",
			Checks: map[string]CheckResult{"shutdown": {Healthy: false, Message: "node is shutting down"}},
		}, true
	}
	return HealthStatus{
		Status: "ok",
		Checks: map[string]CheckResult{"shutdown": {Healthy: true, Message: "node is running"}},
	}, false
}

// CheckHealth reports liveness: not shutting down and every registered
// loop running with a recent heartbeat.
func (h *HealthServer) CheckHealth() HealthStatus {
	status, down := h.shutdownStatus()
	if down {
		return status
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.loops) == 0 {
		return status
	}

	status.Loops = make(map[string]bool, len(h.loops))
	allOK := true
	now := h.now()
	for name, ls := range h.loops {
		ok := ls.running && now.Sub(ls.heartbeat) < h.staleAfter
		status.Loops[name] = ok
		allOK = allOK && ok
	}
	if allOK {
		status.Checks["loops"] = CheckResult{Healthy: true, Message: "all loops are running"}
	} else {
		status.Status = "degraded"
		status.Checks["loops"] = CheckResult{Healthy: false, Message: "one or more loops stopped or stalled"}
	}
	return status
}

// CheckReadiness runs every registered readiness check.
func (h *HealthServer) CheckReadiness(ctx context.Context) HealthStatus {
	status, down := h.shutdownStatus()
	if down {
		return status
	}

	h.mu.RLock()
	checks := append([]ReadinessChecker(nil), h.readinessChecks...)
	timeout := h.readinessTimeout
	h.mu.RUnlock()

	for _, checker := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		err := checker.CheckReady(checkCtx)
		cancel()

		if err != nil {
			status.Status = "not_ready"
			status.Checks[checker.Name()] = CheckResult{Healthy: false, Message: err.Error()}
			continue
		}
		status.Checks[checker.Name()] = CheckResult{Healthy: true, Message: "healthy"}
	}
	return status
}
