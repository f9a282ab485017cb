package auth

import (
	"encoding/json"
	"fmt"
)

// Identity represents the authenticated principal attached to a request
// after the authorization policy allowed it. It is the object handler code
// receives; it never carries the raw token.
type Identity struct {
	// Subject is the unique identifier of the principal ('sub' claim).
	Subject string

	// AuthorizedParty is the calling client id ('azp' claim).
	AuthorizedParty string

	// RealmRoles are the realm-level roles of the principal.
	RealmRoles []string

	// ClientRoles maps client ids to the principal's roles on them.
	ClientRoles map[string][]string

	// TenantID and TenantCode are the tenant-identifying claims, empty
	// when the token does not carry them.
	TenantID   string
	TenantCode string
}

// String returns a short representation safe for logging.
func (i *Identity) String() string {
	if i == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Identity{Subject:%q, Azp:%q}", i.Subject, i.AuthorizedParty)
}

// MarshalJSON serializes the identity with lowercase field names, matching
// the shape the original inbound token used.
func (i *Identity) MarshalJSON() ([]byte, error) {
	if i == nil {
		return []byte("null"), nil
	}

	type wireIdentity struct {
		Subject         string              `json:"sub"`
		AuthorizedParty string              `json:"azp"`
		RealmRoles      []string            `json:"roles"`
		ClientRoles     map[string][]string `json:"clientRoles,omitempty"`
		TenantID        string              `json:"sucursalId,omitempty"`
		TenantCode      string              `json:"codigoExt,omitempty"`
	}

	return json.Marshal(&wireIdentity{
		Subject:         i.Subject,
		AuthorizedParty: i.AuthorizedParty,
		RealmRoles:      i.RealmRoles,
		ClientRoles:     i.ClientRoles,
		TenantID:        i.TenantID,
		TenantCode:      i.TenantCode,
	})
}
