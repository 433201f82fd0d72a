// Package authz implements the authorization decision of spec.md §4.4:
// given a Principal and a Route, allow or deny with 403 forbidden.
package authz

import (
	"github.com/maltehedderich/api-gateway-go/gwcontext"
	"github.com/maltehedderich/api-gateway-go/gwerrors"
	"github.com/maltehedderich/api-gateway-go/logging"
)

// Authorizer evaluates route permission requirements against a Principal.
type Authorizer struct {
	// SufficientRoles lists roles that are unconditionally sufficient
	// regardless of the route's required permission sets (e.g. "admin").
	SufficientRoles map[string]bool
	log             logging.Logger
}

// New builds an Authorizer from the configured unconditionally-sufficient
// role list.
func New(sufficientRoles []string, log logging.Logger) *Authorizer {
	roles := make(map[string]bool, len(sufficientRoles))
	for _, r := range sufficientRoles {
		roles[r] = true
	}
	return &Authorizer{SufficientRoles: roles, log: log}
}

// Authorize implements the contract of spec.md §4.4: allow iff the route
// requires no permissions, or the principal's permission set is a
// superset of one of the route's any-of permission sets, or the
// principal holds a sufficient role. permissionSets is the route's
// configured any-of/all-of permission requirement.
func (a *Authorizer) Authorize(p *gwcontext.Principal, permissionSets [][]string, routeID string) error {
	if len(permissionSets) == 0 {
		return nil
	}
	if p == nil {
		return a.deny(routeID, "no principal")
	}

	for _, role := range p.Roles {
		if a.SufficientRoles[role] {
			return nil
		}
	}

	held := make(map[string]bool, len(p.Permissions))
	for _, perm := range p.Permissions {
		held[perm] = true
	}

	for _, set := range permissionSets {
		if hasAll(held, set) {
			return nil
		}
	}

	return a.deny(routeID, "missing required permission set")
}

func hasAll(held map[string]bool, required []string) bool {
	for _, r := range required {
		if !held[r] {
			return false
		}
	}
	return true
}

// deny logs the specific unmet requirement at the configured logger but
// never returns it to the caller, per spec.md §4.4.
func (a *Authorizer) deny(routeID, reason string) error {
	if a.log != nil {
		a.log.Warnf("authorization denied for route %s: %s", routeID, reason)
	}
	return gwerrors.NewPermissionDenied()
}
