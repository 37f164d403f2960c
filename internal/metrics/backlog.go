package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/metareg-io/metareg/internal/logging"
)

// BacklogProvider reports lifecycle backlog sizes read from the store.
type BacklogProvider interface {
	// PendingDeletionCount returns the number of registries waiting to be reaped.
	PendingDeletionCount(ctx context.Context) (int, error)
	// ScheduledBucketCount returns the number of non-empty inspection buckets.
	ScheduledBucketCount(ctx context.Context) (int, error)
}

// BacklogScanner periodically scans lifecycle backlogs and updates metrics.
type BacklogScanner struct {
	metrics  *LifecycleMetrics
	provider BacklogProvider
	interval time.Duration
	logger   *logging.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewBacklogScanner creates a scanner that periodically updates backlog metrics.
func NewBacklogScanner(metrics *LifecycleMetrics, provider BacklogProvider, interval time.Duration, logger *logging.Logger) *BacklogScanner {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &BacklogScanner{
		metrics:  metrics,
		provider: provider,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic backlog scanning.
func (s *BacklogScanner) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop halts periodic backlog scanning.
func (s *BacklogScanner) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *BacklogScanner) loop() {
	defer s.wg.Done()

	// Run immediately on start
	s.scanOnce()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.scanOnce()
		}
	}
}

func (s *BacklogScanner) scanOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if pending, err := s.provider.PendingDeletionCount(ctx); err != nil {
		s.logger.Warnf("backlog scan failed", map[string]any{
			"provider": "pending_deletion_count",
			"error":    err,
		})
	} else {
		s.metrics.SetPendingDeletions(pending)
	}

	if buckets, err := s.provider.ScheduledBucketCount(ctx); err != nil {
		s.logger.Warnf("backlog scan failed", map[string]any{
			"provider": "scheduled_bucket_count",
			"error":    err,
		})
	} else {
		s.metrics.SetScheduledBuckets(buckets)
	}
}

// ScanOnce triggers a single scan and updates metrics.
func (s *BacklogScanner) ScanOnce() {
	s.scanOnce()
}
