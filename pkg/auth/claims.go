// Package auth provides the authenticated-identity model and the request
// context plumbing shared by the verifier, the policy evaluator and the
// downstream transport.
package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// Default claim names for the tenant-identifying extension claims.
const (
	DefaultTenantIDClaim   = "sucursalId"
	DefaultTenantCodeClaim = "codigoExt"
)

// Claims holds the verified claims of an inbound bearer token. It is derived
// once per request from the decoded token payload and never mutated.
//
// Claims must only be constructed from a token that already passed signature,
// issuer and audience checks; see the token package.
type Claims struct {
	// Subject is the 'sub' claim.
	Subject string

	// AuthorizedParty is the 'azp' claim, the client id the token was
	// issued to.
	AuthorizedParty string

	// Issuer is the 'iss' claim.
	Issuer string

	// Audiences is the 'aud' claim, normalized to a list.
	Audiences []string

	// RealmRoles is the flat role list from 'realm_access.roles'.
	RealmRoles []string

	// ClientRoles maps a client id to its roles from 'resource_access'.
	ClientRoles map[string][]string

	// TenantID and TenantCode are the tenant-identifying extension claims.
	// The claim names are configurable on the verifier; empty when absent.
	TenantID   string
	TenantCode string

	// Raw preserves the full decoded payload for policies that need
	// non-standard claims.
	Raw jwt.MapClaims
}

// NewClaims builds a Claims object from a verified token payload.
// tenantIDClaim and tenantCodeClaim name the extension claims to extract;
// empty names fall back to the defaults.
func NewClaims(payload jwt.MapClaims, tenantIDClaim, tenantCodeClaim string) *Claims {
	if tenantIDClaim == "" {
		tenantIDClaim = DefaultTenantIDClaim
	}
	if tenantCodeClaim == "" {
		tenantCodeClaim = DefaultTenantCodeClaim
	}

	c := &Claims{
		ClientRoles: map[string][]string{},
		Raw:         payload,
	}

	if sub, ok := payload["sub"].(string); ok {
		c.Subject = sub
	}
	if azp, ok := payload["azp"].(string); ok {
		c.AuthorizedParty = azp
	}
	if iss, err := payload.GetIssuer(); err == nil {
		c.Issuer = iss
	}
	if aud, err := payload.GetAudience(); err == nil {
		c.Audiences = aud
	}
	if id, ok := payload[tenantIDClaim].(string); ok {
		c.TenantID = id
	}
	if code, ok := payload[tenantCodeClaim].(string); ok {
		c.TenantCode = code
	}

	// Keycloak realm roles: realm_access.roles
	if realmAccess, ok := payload["realm_access"].(map[string]any); ok {
		c.RealmRoles = stringList(realmAccess["roles"])
	}

	// Keycloak client roles: resource_access.<client>.roles
	if resourceAccess, ok := payload["resource_access"].(map[string]any); ok {
		for clientID, v := range resourceAccess {
			entry, ok := v.(map[string]any)
			if !ok {
				continue
			}
			c.ClientRoles[clientID] = stringList(entry["roles"])
		}
	}

	return c
}

// HasAudience reports whether the token was issued for the given audience.
func (c *Claims) HasAudience(audience string) bool {
	for _, aud := range c.Audiences {
		if aud == audience {
			return true
		}
	}
	return false
}

// HasRealmRole reports whether the realm role list contains role.
func (c *Claims) HasRealmRole(role string) bool {
	for _, r := range c.RealmRoles {
		if r == role {
			return true
		}
	}
	return false
}

// HasClientRole reports whether the token carries role on the given client.
// An absent client entry is treated as an empty role set.
func (c *Claims) HasClientRole(clientID, role string) bool {
	for _, r := range c.ClientRoles[clientID] {
		if r == role {
			return true
		}
	}
	return false
}

// stringList converts a decoded JSON array into a string slice, skipping
// non-string elements.
func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
