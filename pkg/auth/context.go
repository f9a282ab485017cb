package auth

import (
	"context"
)

// IdentityContextKey is the key used to store the Identity in the request
// context.
//
// Using an empty struct as the key prevents collisions with other context
// keys, as each empty struct type is distinct even if they have the same
// name in different packages.
type IdentityContextKey struct{}

// ClaimsContextKey is the key used to store the verified Claims in the
// request context.
type ClaimsContextKey struct{}

// SubjectTokenContextKey is the key used to store the inbound subject token
// in the request context.
type SubjectTokenContextKey struct{}

// SubjectToken carries the raw inbound bearer token and, when the caller
// supplied one, its refresh token. It is scoped strictly to the lifetime of
// the originating request: it travels on the request context, so any work
// spawned with that context (including goroutines that outlive the handler)
// observes the same token, and a concurrently handled request never does.
type SubjectToken struct {
	// AccessToken is the raw bearer token from the Authorization header.
	AccessToken string

	// RefreshToken is the optional refresh token, empty when not supplied.
	RefreshToken string
}

// WithIdentity stores an Identity in the context.
// If identity is nil, the original context is returned unchanged.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, IdentityContextKey{}, identity)
}

// IdentityFromContext retrieves the Identity from the context.
// Returns the identity and true if present, nil and false otherwise.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey{}).(*Identity)
	return identity, ok
}

// WithClaims stores the verified Claims in the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	if claims == nil {
		return ctx
	}
	return context.WithValue(ctx, ClaimsContextKey{}, claims)
}

// ClaimsFromContext retrieves the verified Claims from the context.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey{}).(*Claims)
	return claims, ok
}

// WithSubjectToken stores the inbound subject token in the context.
// An empty access token leaves the context unchanged.
func WithSubjectToken(ctx context.Context, token SubjectToken) context.Context {
	if token.AccessToken == "" {
		return ctx
	}
	return context.WithValue(ctx, SubjectTokenContextKey{}, token)
}

// SubjectTokenFromContext retrieves the inbound subject token from the
// context. Returns the token and true if present.
func SubjectTokenFromContext(ctx context.Context) (SubjectToken, bool) {
	token, ok := ctx.Value(SubjectTokenContextKey{}).(SubjectToken)
	return token, ok
}
