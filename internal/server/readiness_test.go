package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/metareg-io/metareg/internal/metadata"
)

func TestHealthServer_Readyz_OK(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.RegisterReadinessCheck(NewFuncChecker("always", func(context.Context) error { return nil }))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	h.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	status := decodeStatus(t, w)
	if check, ok := status.Checks["always"]; !ok || !check.Healthy {
		t.Errorf("expected 'always' check healthy, got %+v", status.Checks)
	}
}

func TestHealthServer_Readyz_ShuttingDown(t *testing.T) {
	h := NewHealthServer(":0", nil)
	called := false
	h.RegisterReadinessCheck(NewFuncChecker("probe", func(context.Context) error {
		called = true
		return nil
	}))
	h.SetShuttingDown()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	h.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	if called {
		t.Error("checks should not run while shutting down")
	}
}

func TestHealthServer_Readyz_MultipleChecks(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.RegisterReadinessCheck(NewFuncChecker("good", func(context.Context) error { return nil }))
	h.RegisterReadinessCheck(NewFuncChecker("bad", func(context.Context) error { return errors.New("store unreachable") }))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	h.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	status := decodeStatus(t, w)
	if status.Status != "not_ready" {
		t.Errorf("expected status 'not_ready', got %q", status.Status)
	}
	if !status.Checks["good"].Healthy {
		t.Error("expected 'good' check healthy")
	}
	if bad := status.Checks["bad"]; bad.Healthy || bad.Message != "store unreachable" {
		t.Errorf("unexpected 'bad' check result: %+v", bad)
	}
}

func TestHealthServer_Readyz_Timeout(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.SetReadinessTimeout(20 * time.Millisecond)
	h.RegisterReadinessCheck(NewFuncChecker("slow", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	}))

	start := time.Now()
	status := h.CheckReadiness(context.Background())
	if time.Since(start) > 2*time.Second {
		t.Error("readiness check was not bounded by the timeout")
	}
	if status.Checks["slow"].Healthy {
		t.Error("expected slow check to fail")
	}
}

func TestFuncChecker_NilFunc(t *testing.T) {
	checker := NewFuncChecker("noop", nil)
	if checker.Name() != "noop" {
		t.Errorf("expected name 'noop', got %q", checker.Name())
	}
	if err := checker.CheckReady(context.Background()); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestMetadataStoreChecker(t *testing.T) {
	if err := NewMetadataStoreChecker(nil).CheckReady(context.Background()); err == nil {
		t.Error("expected error for nil store")
	}

	store := metadata.NewMemoryStore()
	checker := NewMetadataStoreChecker(store)
	if err := checker.CheckReady(context.Background()); err != nil {
		t.Errorf("expected no error for open store, got %v", err)
	}

	store.Close()
	if err := checker.CheckReady(context.Background()); !errors.Is(err, metadata.ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
}

func TestRoundProgressChecker(t *testing.T) {
	var (
		round     uint64
		committed time.Time
		has       bool
	)
	checker := NewRoundProgressChecker(func() (uint64, time.Time, bool) {
		return round, committed, has
	}, time.Minute)
	now := checker.started
	checker.now = func() time.Time { return now }

	// grace period before the first commit
	now = now.Add(30 * time.Second)
	if err := checker.CheckReady(context.Background()); err != nil {
		t.Errorf("expected ready during startup, got %v", err)
	}
	now = now.Add(time.Minute)
	if err := checker.CheckReady(context.Background()); err == nil {
		t.Error("expected not ready when no round was ever committed")
	}

	round, committed, has = 7, now.Add(-10*time.Second), true
	if err := checker.CheckReady(context.Background()); err != nil {
		t.Errorf("expected ready with a recent commit, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	err := checker.CheckReady(context.Background())
	if err == nil || !strings.Contains(err.Error(), "round 7") {
		t.Errorf("expected stale round error, got %v", err)
	}
}
