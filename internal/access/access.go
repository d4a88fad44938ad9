// Package access carries caller identity through a request and maps roles to
// the capabilities they hold.
//
// Identity is established upstream by the gateway. This package only reads
// the headers the gateway sets and refuses requests that did not come
// through it.
package access

import (
	"context"
	"slices"
	"strings"
)

// Role is a caller role.
type Role string

const (
	RoleCEO           Role = "CEO"
	RoleAdmin         Role = "ADMIN"
	RoleSecurityAdmin Role = "SECURITY_ADMIN"
	RoleSupervisor    Role = "SUPERVISOR"
	RoleKiosk         Role = "KIOSK"
)

// Capability names an operation class a role may perform.
type Capability string

const (
	CapIssueTokens        Capability = "tokens:issue"
	CapRedeemTokens       Capability = "tokens:redeem"
	CapClaimPool          Capability = "pool:claim"
	CapManagePrograms     Capability = "programs:manage"
	CapWriteRecords       Capability = "records:write"
	CapRaiseAlerts        Capability = "alerts:raise"
	CapManageAlerts       Capability = "alerts:manage"
	CapReadAudit          Capability = "audit:read"
	CapWriteVerifications Capability = "verification:write"
	CapManageAdmins       Capability = "admins:manage"
	CapModifyConfig       Capability = "config:modify"
)

var allCapabilities = []Capability{
	CapIssueTokens, CapRedeemTokens, CapClaimPool, CapManagePrograms,
	CapWriteRecords, CapRaiseAlerts, CapManageAlerts, CapReadAudit,
	CapWriteVerifications, CapManageAdmins, CapModifyConfig,
}

// roleCapabilities is never mutated after init. Callers get copies.
var roleCapabilities = map[Role][]Capability{
	RoleCEO: allCapabilities,
	RoleAdmin: {
		CapIssueTokens, CapRedeemTokens, CapClaimPool, CapManagePrograms,
		CapWriteRecords, CapRaiseAlerts, CapManageAlerts, CapReadAudit,
		CapWriteVerifications,
	},
	RoleSecurityAdmin: {
		CapRaiseAlerts, CapManageAlerts, CapReadAudit, CapManagePrograms,
	},
	RoleSupervisor: {
		CapRedeemTokens, CapClaimPool, CapRaiseAlerts, CapReadAudit,
		CapWriteVerifications,
	},
	RoleKiosk: {
		CapRedeemTokens, CapClaimPool, CapRaiseAlerts, CapWriteVerifications,
	},
}

// ParseRole normalises s and reports whether it names a known role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := roleCapabilities[r]
	return r, ok
}

// IsAdminRole reports whether r may be assigned to an admin record.
func IsAdminRole(r Role) bool {
	return r == RoleCEO || r == RoleAdmin || r == RoleSecurityAdmin
}

// CapabilitiesFor returns a sorted copy of the capabilities held by role.
// Unknown roles hold nothing.
func CapabilitiesFor(role Role) []Capability {
	caps := slices.Clone(roleCapabilities[role])
	slices.Sort(caps)
	return caps
}

// Can reports whether role holds c.
func (r Role) Can(c Capability) bool {
	return slices.Contains(roleCapabilities[r], c)
}

// Identity is the caller vouched for by the gateway.
type Identity struct {
	CallerID string `json:"callerId"`
	Role     Role   `json:"role"`
}

// Can reports whether the caller's role holds c.
func (i Identity) Can(c Capability) bool {
	return i.Role.Can(c)
}

type ctxKey struct{}

// WithIdentity stores id in ctx for services that record actors.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFrom extracts the caller identity, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// ActorID returns the caller id stored in ctx, or "system" for work that
// did not originate from a request (scheduler, sweeps).
func ActorID(ctx context.Context) string {
	if id, ok := IdentityFrom(ctx); ok && id.CallerID != "" {
		return id.CallerID
	}
	return "system"
}
