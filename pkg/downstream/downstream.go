// Package downstream builds the outbound HTTP clients that carry exchanged
// credentials to dependent services.
package downstream

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sistemas-fsa/authz/pkg/auth"
	"github.com/sistemas-fsa/authz/pkg/tokenexchange"
)

const (
	// defaultTimeout bounds a downstream call unless the definition
	// overrides it.
	defaultTimeout = 5 * time.Second

	// HeaderAuthSub and HeaderAuthAzp carry identity hints derived from
	// the original inbound token, for downstream audit correlation.
	HeaderAuthSub = "x-auth-sub"
	HeaderAuthAzp = "x-auth-azp"

	// HeaderRequestID carries the correlation id of the outbound call.
	HeaderRequestID = "x-request-id"
)

// Retry is the bounded fixed-backoff retry policy of a dependency.
type Retry struct {
	// Attempts is the total number of tries, including the first.
	Attempts int `mapstructure:"attempts" yaml:"attempts"`

	// Backoff is the fixed delay between tries.
	Backoff time.Duration `mapstructure:"backoff" yaml:"backoff"`
}

// Definition is the static configuration of one downstream dependency.
type Definition struct {
	// Name identifies the dependency.
	Name string `mapstructure:"name" yaml:"name"`

	// BaseURL is the dependency's base URL.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// Audience is the target audience tokens are exchanged for.
	Audience string `mapstructure:"audience" yaml:"audience"`

	// Timeout bounds each call (default 5s).
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// Retry is the bounded retry policy; zero means a single attempt.
	Retry Retry `mapstructure:"retry" yaml:"retry"`

	// DefaultHeaders are added to every request.
	DefaultHeaders map[string]string `mapstructure:"default_headers" yaml:"default_headers"`

	// FallbackClientCredentials permits a client-credentials token when no
	// subject identity is available or exchange fails.
	FallbackClientCredentials bool `mapstructure:"fallback_client_credentials" yaml:"fallback_client_credentials"`
}

// Validate checks the definition before a transport is built from it.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("downstream name is required")
	}
	if d.BaseURL == "" {
		return fmt.Errorf("downstream %s: base URL is required", d.Name)
	}
	if _, err := url.Parse(d.BaseURL); err != nil {
		return fmt.Errorf("downstream %s: invalid base URL: %w", d.Name, err)
	}
	if d.Audience == "" {
		return fmt.Errorf("downstream %s: audience is required", d.Name)
	}
	return nil
}

// Factory builds authenticated HTTP clients for downstream dependencies.
type Factory struct {
	exchange *tokenexchange.Service
	base     http.RoundTripper
}

// NewFactory creates a transport factory backed by the token exchange
// service. base overrides the underlying RoundTripper; nil uses
// http.DefaultTransport.
func NewFactory(exchange *tokenexchange.Service, base http.RoundTripper) *Factory {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Factory{exchange: exchange, base: base}
}

// Build returns an HTTP client for the dependency. Before every request its
// transport resolves an auth mode (pass-through, exchange or client
// credentials), injects the credential and identity hint headers, escalates
// a 401 to client credentials once when permitted, and applies the
// definition's bounded retry policy.
func (f *Factory) Build(def Definition) (*Client, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	base, err := url.Parse(def.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("downstream %s: invalid base URL: %w", def.Name, err)
	}

	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &transport{
			def:      def,
			exchange: f.exchange,
			base:     f.base,
		},
	}

	return &Client{
		name:    def.Name,
		baseURL: base,
		http:    httpClient,
	}, nil
}

// subjectHints extracts the sub and azp claims from the original inbound
// token without re-verifying it; verification already happened at the
// inbound boundary.
func subjectHints(subjectToken string) (sub, azp string) {
	payload := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(subjectToken, payload); err != nil {
		return "", ""
	}
	sub, _ = payload["sub"].(string)
	azp, _ = payload["azp"].(string)
	return sub, azp
}

// tokenHasAudience reports whether the raw token's aud claim contains
// audience, without re-verifying the token.
func tokenHasAudience(rawToken, audience string) bool {
	payload := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawToken, payload); err != nil {
		return false
	}
	audiences, err := payload.GetAudience()
	if err != nil {
		return false
	}
	for _, aud := range audiences {
		if aud == audience {
			return true
		}
	}
	return false
}

// subjectFromContext is a nil-safe wrapper over the request identity context.
func subjectFromContext(req *http.Request) (auth.SubjectToken, bool) {
	if req == nil {
		return auth.SubjectToken{}, false
	}
	return auth.SubjectTokenFromContext(req.Context())
}
