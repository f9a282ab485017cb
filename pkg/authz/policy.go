// Package authz evaluates declarative authorization policies over verified
// token claims and provides the HTTP middleware that runs the full
// authentication pipeline for protected routes.
package authz

import (
	"fmt"

	"github.com/sistemas-fsa/authz/pkg/auth"
	autherr "github.com/sistemas-fsa/authz/pkg/errors"
)

// Policy declares the authorization requirements of a protected operation.
// The zero value allows any verified token.
type Policy struct {
	// AllowedAzp is an allow-list of calling client ids ('azp' claim).
	// Empty means any caller.
	AllowedAzp []string

	// RequiredRealmRoles must all be present in the token's realm roles.
	RequiredRealmRoles []string

	// RequiredClientRoles maps an audience (client id) to roles that must
	// all be present on that audience. An absent audience in the token is
	// an empty role set, so a typo'd audience fails closed.
	RequiredClientRoles map[string][]string

	// RequireTenantData requires both tenant-identifying claims to be
	// present and non-empty.
	RequireTenantData bool
}

// Merge combines two policies: list-valued fields union, the boolean ORs.
// Either argument may be nil.
func Merge(a, b *Policy) *Policy {
	if a == nil && b == nil {
		return &Policy{}
	}
	if a == nil {
		return b.clone()
	}
	if b == nil {
		return a.clone()
	}

	merged := a.clone()
	merged.AllowedAzp = unionStrings(merged.AllowedAzp, b.AllowedAzp)
	merged.RequiredRealmRoles = unionStrings(merged.RequiredRealmRoles, b.RequiredRealmRoles)
	for audience, roles := range b.RequiredClientRoles {
		if merged.RequiredClientRoles == nil {
			merged.RequiredClientRoles = map[string][]string{}
		}
		merged.RequiredClientRoles[audience] = unionStrings(merged.RequiredClientRoles[audience], roles)
	}
	merged.RequireTenantData = merged.RequireTenantData || b.RequireTenantData
	return merged
}

// clone returns a deep copy so merged policies never alias the original maps.
func (p *Policy) clone() *Policy {
	out := &Policy{
		AllowedAzp:         append([]string(nil), p.AllowedAzp...),
		RequiredRealmRoles: append([]string(nil), p.RequiredRealmRoles...),
		RequireTenantData:  p.RequireTenantData,
	}
	if p.RequiredClientRoles != nil {
		out.RequiredClientRoles = make(map[string][]string, len(p.RequiredClientRoles))
		for audience, roles := range p.RequiredClientRoles {
			out.RequiredClientRoles[audience] = append([]string(nil), roles...)
		}
	}
	return out
}

func unionStrings(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, s := range b {
		found := false
		for _, existing := range out {
			if existing == s {
				found = true
				break
			}
		}
		if !found {
			out = append(out, s)
		}
	}
	return out
}

// Evaluate renders an allow/deny decision for the given verified claims.
//
// Checks run in order and short-circuit on the first failure: azp allow-list,
// required realm roles, required per-audience client roles, tenant data. On
// success it produces the Identity to attach to the request. Evaluate is a
// pure function of its inputs.
func Evaluate(claims *auth.Claims, policy *Policy) (*auth.Identity, error) {
	if policy == nil {
		policy = &Policy{}
	}

	if len(policy.AllowedAzp) > 0 {
		allowed := false
		for _, azp := range policy.AllowedAzp {
			if claims.AuthorizedParty != "" && claims.AuthorizedParty == azp {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, autherr.NewForbiddenError("azp not allowed for this route", nil)
		}
	}

	for _, role := range policy.RequiredRealmRoles {
		if !claims.HasRealmRole(role) {
			return nil, autherr.NewForbiddenError("missing required realm role(s)", nil)
		}
	}

	for audience, roles := range policy.RequiredClientRoles {
		for _, role := range roles {
			if !claims.HasClientRole(audience, role) {
				return nil, autherr.NewForbiddenError(
					fmt.Sprintf("missing client role(s) on %s", audience), nil)
			}
		}
	}

	if policy.RequireTenantData && (claims.TenantID == "" || claims.TenantCode == "") {
		return nil, autherr.NewForbiddenError("missing tenant data", nil)
	}

	return &auth.Identity{
		Subject:         claims.Subject,
		AuthorizedParty: claims.AuthorizedParty,
		RealmRoles:      claims.RealmRoles,
		ClientRoles:     claims.ClientRoles,
		TenantID:        claims.TenantID,
		TenantCode:      claims.TenantCode,
	}, nil
}
