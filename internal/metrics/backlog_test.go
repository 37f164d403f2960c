package metrics

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/metareg-io/metareg/internal/logging"
)

type mockBacklogProvider struct {
	pending   int
	buckets   int
	err       error
	scanCount atomic.Int32
}

func (m *mockBacklogProvider) PendingDeletionCount(ctx context.Context) (int, error) {
	m.scanCount.Add(1)
	if m.err != nil {
		return 0, m.err
	}
	return m.pending, nil
}

func (m *mockBacklogProvider) ScheduledBucketCount(ctx context.Context) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.buckets, nil
}

func TestBacklogScanner_ScanOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewLifecycleMetricsWithRegistry(reg)
	provider := &mockBacklogProvider{pending: 4, buckets: 12}

	s := NewBacklogScanner(m, provider, time.Hour, logging.NewForTest(t))
	s.ScanOnce()

	if v := getGaugeValue(t, reg, "metareg_reaper_pending_registries"); v != 4 {
		t.Errorf("expected 4 pending registries, got %v", v)
	}
	if v := getGaugeValue(t, reg, "metareg_scheduler_scheduled_buckets"); v != 12 {
		t.Errorf("expected 12 buckets, got %v", v)
	}
}

func TestBacklogScanner_ErrorKeepsPreviousValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewLifecycleMetricsWithRegistry(reg)
	m.SetPendingDeletions(9)

	provider := &mockBacklogProvider{err: errors.New("store unavailable")}
	NewBacklogScanner(m, provider, time.Hour, logging.NewForTest(t)).ScanOnce()

	if v := getGaugeValue(t, reg, "metareg_reaper_pending_registries"); v != 9 {
		t.Errorf("expected gauge to keep 9 after a failed scan, got %v", v)
	}
}

func TestBacklogScanner_ImmediateRunOnStart(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewLifecycleMetricsWithRegistry(reg)
	provider := &mockBacklogProvider{pending: 2, buckets: 3}

	s := NewBacklogScanner(m, provider, time.Hour, logging.NewForTest(t))
	s.Start()
	deadline := time.Now().Add(2 * time.Second)
	for provider.scanCount.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if provider.scanCount.Load() == 0 {
		t.Fatal("expected a scan right after Start")
	}
	if v := getGaugeValue(t, reg, "metareg_reaper_pending_registries"); v != 2 {
		t.Errorf("expected 2 pending registries, got %v", v)
	}
}
