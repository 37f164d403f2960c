package authz

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/metareg-io/metareg/internal/logging"
	"github.com/metareg-io/metareg/internal/registry"
)

func TestPermitAll(t *testing.T) {
	var p Policy = PermitAll{}
	if !p.CanCreate("o", "i", "anyone") || !p.CanDelete(&registry.Registry{}, "x") || !p.IsCustodian("x") {
		t.Error("PermitAll must allow everything")
	}
}

func TestAllowlist(t *testing.T) {
	a := NewAllowlist([]string{"hospital-a"}, []string{"cdn-ops", "archivist"})

	tests := []struct {
		name                  string
		owner, issuer, author string
		want                  bool
	}{
		{"issuer creates", "patient", "hospital-a", "hospital-a", true},
		{"custodian creates for issuer", "patient", "hospital-a", "cdn-ops", true},
		{"stranger creates for issuer", "patient", "hospital-a", "mallory", false},
		{"unlisted issuer", "patient", "hospital-b", "hospital-b", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := a.CanCreate(tc.owner, tc.issuer, tc.author); got != tc.want {
				t.Errorf("CanCreate = %v, want %v", got, tc.want)
			}
		})
	}

	reg := &registry.Registry{ID: "r1", Owner: "patient", Issuer: "hospital-a"}
	if !a.CanDelete(reg, "patient") || !a.CanDelete(reg, "hospital-a") {
		t.Error("owner and issuer may delete")
	}
	if a.CanDelete(reg, "cdn-ops") || a.CanDelete(nil, "patient") {
		t.Error("others may not delete")
	}

	if !a.IsCustodian("archivist") || a.IsCustodian("patient") {
		t.Error("custodian check mismatch")
	}
	if got := strings.Join(a.Custodians(), ","); got != "archivist,cdn-ops" {
		t.Errorf("Custodians = %s", got)
	}
	if got := strings.Join(a.Issuers(), ","); got != "hospital-a" {
		t.Errorf("Issuers = %s", got)
	}
}

func TestNew(t *testing.T) {
	p, err := New("", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(PermitAll); !ok {
		t.Errorf("empty mode should be PermitAll, got %T", p)
	}

	p, err = New(ModeAllowlist, []string{"i"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*Allowlist); !ok {
		t.Errorf("expected *Allowlist, got %T", p)
	}

	if _, err := New("deny_all", nil, nil); err == nil {
		t.Error("unknown mode should fail")
	}
}

func TestEnforcerLogsDenials(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Level: logging.LevelInfo, Output: &buf})
	e := NewEnforcer(NewAllowlist(nil, nil), logger)
	ctx := context.Background()

	if e.AuthorizeCustodian(ctx, "dn1", "mallory") {
		t.Fatal("expected denial")
	}
	if e.AuthorizeCreate(ctx, "r1", "o", "i", "mallory") {
		t.Fatal("expected denial")
	}
	if e.AuthorizeDelete(ctx, &registry.Registry{ID: "r1", Owner: "o"}, "mallory") {
		t.Fatal("expected denial")
	}
	out := buf.String()
	if strings.Count(out, "authorization denied") != 3 {
		t.Errorf("expected 3 denial log lines, got:\n%s", out)
	}
	if !strings.Contains(out, `"operation":"create_delivery_network"`) || !strings.Contains(out, `"actor":"mallory"`) {
		t.Errorf("denial fields missing:\n%s", out)
	}

	buf.Reset()
	if !NewEnforcer(nil, logger).AuthorizeCustodian(ctx, "dn1", "x") {
		t.Error("nil policy should permit")
	}
	if buf.Len() != 0 {
		t.Error("allowed requests must not log")
	}
}
