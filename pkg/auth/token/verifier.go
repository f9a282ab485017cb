// Package token verifies inbound bearer tokens against the realm's JWKS.
package token

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/sistemas-fsa/authz/pkg/auth"
	autherr "github.com/sistemas-fsa/authz/pkg/errors"
)

const (
	// certsPath is the Keycloak JWKS endpoint below the issuer URL.
	certsPath = "/protocol/openid-connect/certs"

	// defaultClockSkew is the tolerance applied to exp/nbf checks.
	defaultClockSkew = 10 * time.Second

	// jwksRegistrationTimeout bounds the initial JWKS fetch.
	jwksRegistrationTimeout = 5 * time.Second
)

// VerifierConfig contains configuration for the token verifier.
type VerifierConfig struct {
	// Issuer is the realm issuer URL (e.g. https://kc.example.com/realms/acme)
	Issuer string

	// Audience is the expected audience for inbound tokens
	Audience string

	// JWKSURL overrides the JWKS endpoint; derived from Issuer when empty
	JWKSURL string

	// ClockSkew is the tolerance for exp/nbf validation (default 10s)
	ClockSkew time.Duration

	// TenantIDClaim and TenantCodeClaim override the tenant claim names
	TenantIDClaim   string
	TenantCodeClaim string

	// HTTPClient is the client used to fetch the JWKS; a 5s-timeout
	// client is used when nil
	HTTPClient *http.Client
}

// Verifier validates inbound bearer tokens using the realm's signing keys.
type Verifier struct {
	issuer          string
	audience        string
	jwksURL         string
	clockSkew       time.Duration
	tenantIDClaim   string
	tenantCodeClaim string
	jwksClient      *jwk.Cache

	// Lazy JWKS registration
	jwksRegistered      bool
	jwksRegistrationMu  sync.Mutex
	jwksRegistrationErr error
}

// NewVerifier creates a new token verifier for the configured realm.
func NewVerifier(ctx context.Context, config VerifierConfig) (*Verifier, error) {
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if config.Audience == "" {
		return nil, fmt.Errorf("audience is required")
	}

	jwksURL := config.JWKSURL
	if jwksURL == "" {
		jwksURL = strings.TrimSuffix(config.Issuer, "/") + certsPath
	}

	clockSkew := config.ClockSkew
	if clockSkew <= 0 {
		clockSkew = defaultClockSkew
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: jwksRegistrationTimeout}
	}

	// JWKS cache with asynchronous refresh; key-id misses are served by
	// the cache's own refresh machinery.
	httprcClient := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &Verifier{
		issuer:          config.Issuer,
		audience:        config.Audience,
		jwksURL:         jwksURL,
		clockSkew:       clockSkew,
		tenantIDClaim:   config.TenantIDClaim,
		tenantCodeClaim: config.TenantCodeClaim,
		jwksClient:      cache,
	}, nil
}

// ensureJWKSRegistered ensures that the JWKS URL is registered with the cache.
func (v *Verifier) ensureJWKSRegistered(ctx context.Context) error {
	v.jwksRegistrationMu.Lock()
	defer v.jwksRegistrationMu.Unlock()

	if v.jwksRegistered {
		return v.jwksRegistrationErr
	}

	registrationCtx, cancel := context.WithTimeout(ctx, jwksRegistrationTimeout)
	defer cancel()

	err := v.jwksClient.Register(registrationCtx, v.jwksURL)
	if err != nil {
		v.jwksRegistrationErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	} else {
		v.jwksRegistrationErr = nil
	}

	v.jwksRegistered = true
	return v.jwksRegistrationErr
}

// getKeyFromJWKS resolves the signing key for the token's kid.
func (v *Verifier) getKeyFromJWKS(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureJWKSRegistered(ctx); err != nil {
		return nil, fmt.Errorf("JWKS registration failed: %w", err)
	}

	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := v.jwksClient.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}

	return rawKey, nil
}

// Verify validates a raw bearer token and returns its verified claims.
//
// Signature, issuer, expiry and not-before failures return an
// unauthenticated error; an audience mismatch on an otherwise valid token
// returns a forbidden error, consumed differently upstream (401 vs 403).
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*auth.Claims, error) {
	if rawToken == "" {
		return nil, autherr.NewUnauthenticatedError("missing bearer token", nil)
	}

	token, err := jwt.Parse(rawToken,
		func(token *jwt.Token) (any, error) {
			return v.getKeyFromJWKS(ctx, token)
		},
		jwt.WithLeeway(v.clockSkew),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, autherr.NewUnauthenticatedError("invalid token", err)
	}
	if !token.Valid {
		return nil, autherr.NewUnauthenticatedError("invalid token", nil)
	}

	payload, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, autherr.NewUnauthenticatedError("failed to get claims from token", nil)
	}

	issuer, err := payload.GetIssuer()
	if err != nil || strings.TrimSpace(issuer) != strings.TrimSpace(v.issuer) {
		return nil, autherr.NewUnauthenticatedError("invalid issuer", err)
	}

	audiences, err := payload.GetAudience()
	if err != nil {
		return nil, autherr.NewForbiddenError("invalid audience for API", err)
	}
	found := false
	for _, aud := range audiences {
		if aud == v.audience {
			found = true
			break
		}
	}
	if !found {
		return nil, autherr.NewForbiddenError("invalid audience for API", nil)
	}

	return auth.NewClaims(payload, v.tenantIDClaim, v.tenantCodeClaim), nil
}

// Audience returns the audience inbound tokens are checked against. It is
// also the audience that implicitly scopes declared permission names.
func (v *Verifier) Audience() string {
	return v.audience
}

// JWKSURL returns the JWKS URL used by the verifier.
func (v *Verifier) JWKSURL() string {
	return v.jwksURL
}
