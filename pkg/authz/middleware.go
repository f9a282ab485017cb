package authz

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sistemas-fsa/authz/pkg/auth"
	"github.com/sistemas-fsa/authz/pkg/auth/token"
	autherr "github.com/sistemas-fsa/authz/pkg/errors"
	"github.com/sistemas-fsa/authz/pkg/logger"
)

// RefreshTokenHeader carries the caller's refresh token, when the surrounding
// layer chooses to forward one for downstream token renewal.
const RefreshTokenHeader = "X-Refresh-Token"

// Middleware runs the authentication pipeline for protected routes:
// bearer extraction, JWKS verification, policy evaluation and identity
// propagation on the request context.
type Middleware struct {
	verifier *token.Verifier
	defaults *Policy
}

// NewMiddleware creates the authentication middleware. defaults is the
// policy applied to operations that declare nothing; nil means allow any
// verified token.
func NewMiddleware(verifier *token.Verifier, defaults *Policy) *Middleware {
	return &Middleware{
		verifier: verifier,
		defaults: defaults,
	}
}

// Group binds group-level route metadata. Operations registered through the
// returned group resolve their effective policy against it.
func (m *Middleware) Group(meta RouteMeta) *Group {
	return &Group{middleware: m, meta: meta}
}

// Handler protects a single operation with the given metadata.
func (m *Middleware) Handler(meta RouteMeta) func(http.Handler) http.Handler {
	return m.protect(nil, &meta)
}

// Group is a set of operations sharing group-level route metadata.
type Group struct {
	middleware *Middleware
	meta       RouteMeta
}

// Handler protects one operation of the group; op-level metadata is resolved
// against the group's.
func (g *Group) Handler(op RouteMeta) func(http.Handler) http.Handler {
	return g.middleware.protect(&g.meta, &op)
}

// Default protects an operation that declares nothing of its own.
func (g *Group) Default() func(http.Handler) http.Handler {
	return g.middleware.protect(&g.meta, nil)
}

func (m *Middleware) protect(group, op *RouteMeta) func(http.Handler) http.Handler {
	// Resolved once at registration time; requests only evaluate.
	public, policy := resolveMeta(m.defaults, group, op, m.verifier.Audience())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Public routes skip the entire pipeline, including
			// signature verification.
			if public {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeError(w, autherr.NewUnauthenticatedError("missing bearer token", nil))
				return
			}
			rawToken := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

			claims, err := m.verifier.Verify(r.Context(), rawToken)
			if err != nil {
				logger.Debugw("token verification failed", "path", r.URL.Path, "error", err)
				writeError(w, err)
				return
			}

			identity, err := Evaluate(claims, policy)
			if err != nil {
				logger.Debugw("authorization denied",
					"path", r.URL.Path, "sub", claims.Subject, "azp", claims.AuthorizedParty, "error", err)
				writeError(w, err)
				return
			}

			ctx := auth.WithClaims(r.Context(), claims)
			ctx = auth.WithIdentity(ctx, identity)
			ctx = auth.WithSubjectToken(ctx, auth.SubjectToken{
				AccessToken:  rawToken,
				RefreshToken: r.Header.Get(RefreshTokenHeader),
			})

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeError renders the pipeline error as a JSON body with the status code
// the error taxonomy maps to.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	message := "unauthenticated"

	var e *autherr.Error
	if errors.As(err, &e) {
		status = e.HTTPStatus()
		message = e.Message
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
