// Package authz decides which accounts may create, delete and host
// registries.
package authz

import (
	"context"
	"fmt"
	"sort"

	"github.com/metareg-io/metareg/internal/logging"
	"github.com/metareg-io/metareg/internal/registry"
)

// Policy mode names accepted by New.
const (
	ModePermitAll = "permit_all"
	ModeAllowlist = "allowlist"
)

// Policy answers authorization questions for the operation surface.
type Policy interface {
	// CanCreate reports whether author may create a registry with the
	// given owner and issuer.
	CanCreate(owner, issuer, author string) bool

	// CanDelete reports whether actor may delete reg.
	CanDelete(reg *registry.Registry, actor string) bool

	// IsCustodian reports whether actor may create delivery networks.
	IsCustodian(actor string) bool
}

// PermitAll allows everything. The registry store still requires the
// owner or issuer for deletion.
type PermitAll struct{}

func (PermitAll) CanCreate(_, _, _ string) bool                 { return true }
func (PermitAll) CanDelete(_ *registry.Registry, _ string) bool { return true }
func (PermitAll) IsCustodian(_ string) bool                     { return true }

// Allowlist permits creation only for listed issuers and network creation
// only for listed custodians.
type Allowlist struct {
	issuers    map[string]struct{}
	custodians map[string]struct{}
}

// NewAllowlist builds an Allowlist from account lists.
func NewAllowlist(issuers, custodians []string) *Allowlist {
	a := &Allowlist{
		issuers:    make(map[string]struct{}, len(issuers)),
		custodians: make(map[string]struct{}, len(custodians)),
	}
	for _, id := range issuers {
		a.issuers[id] = struct{}{}
	}
	for _, id := range custodians {
		a.custodians[id] = struct{}{}
	}
	return a
}

// CanCreate requires an allowlisted issuer. The author must be that issuer
// or a custodian acting on its behalf.
func (a *Allowlist) CanCreate(_, issuer, author string) bool {
	if _, ok := a.issuers[issuer]; !ok {
		return false
	}
	if author == issuer {
		return true
	}
	_, ok := a.custodians[author]
	return ok
}

// CanDelete permits the registry's owner or issuer.
func (a *Allowlist) CanDelete(reg *registry.Registry, actor string) bool {
	return reg != nil && reg.CanManage(actor)
}

func (a *Allowlist) IsCustodian(actor string) bool {
	_, ok := a.custodians[actor]
	return ok
}

// Issuers returns the allowlisted issuers in sorted order.
func (a *Allowlist) Issuers() []string {
	return sortedKeys(a.issuers)
}

// Custodians returns the allowlisted custodians in sorted order.
func (a *Allowlist) Custodians() []string {
	return sortedKeys(a.custodians)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New returns the policy for a configured mode.
func New(mode string, issuers, custodians []string) (Policy, error) {
	switch mode {
	case "", ModePermitAll:
		return PermitAll{}, nil
	case ModeAllowlist:
		return NewAllowlist(issuers, custodians), nil
	default:
		return nil, fmt.Errorf("authz: unknown mode %q", mode)
	}
}

// Enforcer wraps a Policy and logs denied requests.
type Enforcer struct {
	policy Policy
	logger *logging.Logger
}

// NewEnforcer creates an Enforcer. A nil policy means PermitAll.
func NewEnforcer(policy Policy, logger *logging.Logger) *Enforcer {
	if policy == nil {
		policy = PermitAll{}
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Enforcer{policy: policy, logger: logger}
}

// Policy returns the wrapped policy.
func (e *Enforcer) Policy() Policy {
	return e.policy
}

// AuthorizeCreate checks CanCreate and logs a denial.
func (e *Enforcer) AuthorizeCreate(ctx context.Context, registryID, owner, issuer, author string) bool {
	if e.policy.CanCreate(owner, issuer, author) {
		return true
	}
	e.logDenied(ctx, "create_registry", author, map[string]any{
		"registryId": registryID,
		"owner":      owner,
		"issuer":     issuer,
	})
	return false
}

// AuthorizeDelete checks CanDelete and logs a denial.
func (e *Enforcer) AuthorizeDelete(ctx context.Context, reg *registry.Registry, actor string) bool {
	if e.policy.CanDelete(reg, actor) {
		return true
	}
	fields := map[string]any{}
	if reg != nil {
		fields["registryId"] = reg.ID
	}
	e.logDenied(ctx, "delete_registry", actor, fields)
	return false
}

// AuthorizeCustodian checks IsCustodian and logs a denial.
func (e *Enforcer) AuthorizeCustodian(ctx context.Context, networkID, actor string) bool {
	if e.policy.IsCustodian(actor) {
		return true
	}
	e.logDenied(ctx, "create_delivery_network", actor, map[string]any{
		"deliveryNetworkId": networkID,
	})
	return false
}

func (e *Enforcer) logDenied(ctx context.Context, op, actor string, fields map[string]any) {
	fields["operation"] = op
	fields["actor"] = actor
	logging.FromCtxOr(ctx, e.logger).Warnf("authorization denied", fields)
}
