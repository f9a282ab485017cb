package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sistemas-fsa/authz/pkg/auth"
	autherr "github.com/sistemas-fsa/authz/pkg/errors"
)

func testClaims() *auth.Claims {
	return &auth.Claims{
		Subject:         "user-1",
		AuthorizedParty: "front-client",
		RealmRoles:      []string{"operador", "consulta"},
		ClientRoles: map[string][]string{
			"svc-bridge": {"reader"},
		},
		TenantID:   "42",
		TenantCode: "SUC042",
	}
}

func TestMerge(t *testing.T) {
	t.Parallel()

	t.Run("nil inputs", func(t *testing.T) {
		t.Parallel()
		merged := Merge(nil, nil)
		require.NotNil(t, merged)
		assert.Empty(t, merged.AllowedAzp)

		a := &Policy{AllowedAzp: []string{"front-client"}}
		assert.Equal(t, a, Merge(a, nil))
		assert.Equal(t, a, Merge(nil, a))
	})

	t.Run("lists union without duplicates", func(t *testing.T) {
		t.Parallel()
		merged := Merge(
			&Policy{AllowedAzp: []string{"front-client"}, RequiredRealmRoles: []string{"operador"}},
			&Policy{AllowedAzp: []string{"front-client", "back-office"}, RequiredRealmRoles: []string{"consulta"}},
		)
		assert.ElementsMatch(t, []string{"front-client", "back-office"}, merged.AllowedAzp)
		assert.ElementsMatch(t, []string{"operador", "consulta"}, merged.RequiredRealmRoles)
	})

	t.Run("client roles union per audience", func(t *testing.T) {
		t.Parallel()
		merged := Merge(
			&Policy{RequiredClientRoles: map[string][]string{"svc-bridge": {"reader"}}},
			&Policy{RequiredClientRoles: map[string][]string{
				"svc-bridge":  {"writer"},
				"svc-precios": {"reader"},
			}},
		)
		assert.ElementsMatch(t, []string{"reader", "writer"}, merged.RequiredClientRoles["svc-bridge"])
		assert.ElementsMatch(t, []string{"reader"}, merged.RequiredClientRoles["svc-precios"])
	})

	t.Run("tenant requirement ORs", func(t *testing.T) {
		t.Parallel()
		merged := Merge(&Policy{}, &Policy{RequireTenantData: true})
		assert.True(t, merged.RequireTenantData)
	})

	t.Run("does not alias inputs", func(t *testing.T) {
		t.Parallel()
		a := &Policy{RequiredClientRoles: map[string][]string{"svc-bridge": {"reader"}}}
		merged := Merge(a, &Policy{RequiredClientRoles: map[string][]string{"svc-bridge": {"writer"}}})
		merged.RequiredClientRoles["svc-bridge"][0] = "mutated"
		assert.Equal(t, "reader", a.RequiredClientRoles["svc-bridge"][0])
	})
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		policy     *Policy
		claims     *auth.Claims
		wantDenied string
	}{
		{
			name:   "nil policy allows any verified token",
			policy: nil,
			claims: testClaims(),
		},
		{
			name:   "empty policy allows",
			policy: &Policy{},
			claims: testClaims(),
		},
		{
			name:   "azp allowed",
			policy: &Policy{AllowedAzp: []string{"front-client", "back-office"}},
			claims: testClaims(),
		},
		{
			name:       "azp not allowed",
			policy:     &Policy{AllowedAzp: []string{"back-office"}},
			claims:     testClaims(),
			wantDenied: "azp not allowed for this route",
		},
		{
			name:       "empty azp claim never matches an allow-list",
			policy:     &Policy{AllowedAzp: []string{""}},
			claims:     &auth.Claims{Subject: "user-1"},
			wantDenied: "azp not allowed for this route",
		},
		{
			name:   "realm roles present",
			policy: &Policy{RequiredRealmRoles: []string{"operador", "consulta"}},
			claims: testClaims(),
		},
		{
			name:       "realm role missing",
			policy:     &Policy{RequiredRealmRoles: []string{"operador", "admin"}},
			claims:     testClaims(),
			wantDenied: "missing required realm role(s)",
		},
		{
			name:   "client role present",
			policy: &Policy{RequiredClientRoles: map[string][]string{"svc-bridge": {"reader"}}},
			claims: testClaims(),
		},
		{
			name:       "client role missing",
			policy:     &Policy{RequiredClientRoles: map[string][]string{"svc-bridge": {"writer"}}},
			claims:     testClaims(),
			wantDenied: "missing client role(s) on svc-bridge",
		},
		{
			name:       "unknown audience fails closed",
			policy:     &Policy{RequiredClientRoles: map[string][]string{"svc-typo": {"reader"}}},
			claims:     testClaims(),
			wantDenied: "missing client role(s) on svc-typo",
		},
		{
			name:   "tenant data present",
			policy: &Policy{RequireTenantData: true},
			claims: testClaims(),
		},
		{
			name:   "tenant data missing",
			policy: &Policy{RequireTenantData: true},
			claims: &auth.Claims{
				Subject:  "user-1",
				TenantID: "42",
			},
			wantDenied: "missing tenant data",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			identity, err := Evaluate(tt.claims, tt.policy)

			if tt.wantDenied != "" {
				require.Error(t, err)
				assert.True(t, autherr.IsForbidden(err))
				var e *autherr.Error
				require.ErrorAs(t, err, &e)
				assert.Equal(t, tt.wantDenied, e.Message)
				assert.Nil(t, identity)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, identity)
			assert.Equal(t, tt.claims.Subject, identity.Subject)
			assert.Equal(t, tt.claims.AuthorizedParty, identity.AuthorizedParty)
			assert.Equal(t, tt.claims.TenantID, identity.TenantID)
			assert.Equal(t, tt.claims.TenantCode, identity.TenantCode)
		})
	}
}

func TestResolveMeta(t *testing.T) {
	t.Parallel()

	defaults := &Policy{AllowedAzp: []string{"front-client"}}

	t.Run("public wins at either level", func(t *testing.T) {
		t.Parallel()

		op := Public()
		public, _ := resolveMeta(defaults, nil, &op, "svc-bridge")
		assert.True(t, public)

		group := Public()
		opMeta := Perms("reader")
		public, _ = resolveMeta(defaults, &group, &opMeta, "svc-bridge")
		assert.True(t, public)
	})

	t.Run("defaults apply when nothing declared", func(t *testing.T) {
		t.Parallel()
		public, policy := resolveMeta(defaults, nil, nil, "svc-bridge")
		assert.False(t, public)
		assert.Equal(t, defaults, policy)
	})

	t.Run("op policy replaces group and defaults", func(t *testing.T) {
		t.Parallel()
		group := Require(Policy{RequiredRealmRoles: []string{"operador"}})
		op := Require(Policy{RequiredRealmRoles: []string{"admin"}})
		_, policy := resolveMeta(defaults, &group, &op, "svc-bridge")
		assert.Equal(t, []string{"admin"}, policy.RequiredRealmRoles)
		assert.Empty(t, policy.AllowedAzp)
	})

	t.Run("group policy replaces defaults", func(t *testing.T) {
		t.Parallel()
		group := Require(Policy{RequiredRealmRoles: []string{"operador"}})
		_, policy := resolveMeta(defaults, &group, nil, "svc-bridge")
		assert.Equal(t, []string{"operador"}, policy.RequiredRealmRoles)
		assert.Empty(t, policy.AllowedAzp)
	})

	t.Run("permissions union and scope to own audience", func(t *testing.T) {
		t.Parallel()
		group := Perms("reader")
		op := Perms("writer", "reader")
		_, policy := resolveMeta(nil, &group, &op, "svc-bridge")
		assert.ElementsMatch(t, []string{"reader", "writer"}, policy.RequiredClientRoles["svc-bridge"])
	})

	t.Run("permissions merge into selected policy", func(t *testing.T) {
		t.Parallel()
		group := Require(Policy{AllowedAzp: []string{"front-client"}})
		op := Perms("reader")
		_, policy := resolveMeta(nil, &group, &op, "svc-bridge")
		assert.Equal(t, []string{"front-client"}, policy.AllowedAzp)
		assert.Equal(t, []string{"reader"}, policy.RequiredClientRoles["svc-bridge"])
	})

	t.Run("nil everything yields empty policy", func(t *testing.T) {
		t.Parallel()
		public, policy := resolveMeta(nil, nil, nil, "svc-bridge")
		assert.False(t, public)
		require.NotNil(t, policy)
		assert.Empty(t, policy.AllowedAzp)
	})
}
