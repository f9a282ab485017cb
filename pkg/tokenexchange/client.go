// Package tokenexchange implements the token broker: the client for the
// identity provider's token endpoint, the exchanged-token caches and the
// orchestrating service that supplies outbound credentials.
package tokenexchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	autherr "github.com/sistemas-fsa/authz/pkg/errors"
	"github.com/sistemas-fsa/authz/pkg/logger"
)

const (
	// grantTypeTokenExchange is the OAuth 2.0 Token Exchange grant type (RFC 8693)
	//nolint:gosec // G101: OAuth2 URN identifiers, not credentials
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"

	// grantTypeClientCredentials is the OAuth 2.0 client credentials grant type
	grantTypeClientCredentials = "client_credentials"

	// grantTypeRefreshToken is the OAuth 2.0 refresh token grant type
	grantTypeRefreshToken = "refresh_token"

	// tokenTypeAccessToken indicates an OAuth 2.0 access token
	//nolint:gosec // G101: OAuth2 URN identifiers, not credentials
	tokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

	// tokenPath is the Keycloak token endpoint below the realm URL
	tokenPath = "/protocol/openid-connect/token"

	// defaultHTTPTimeout bounds every token endpoint call
	defaultHTTPTimeout = 5 * time.Second

	// maxResponseBodySize is the maximum size for reading response bodies (1 MB)
	maxResponseBodySize = 1 << 20
)

// oAuthError represents an OAuth 2.0 error response as defined in RFC 6749 Section 5.2.
type oAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
	StatusCode       int    `json:"-"`
}

func (e *oAuthError) String() string {
	if e.ErrorDescription != "" {
		return fmt.Sprintf("OAuth error %q (status %d): %s", e.Error, e.StatusCode, e.ErrorDescription)
	}
	return fmt.Sprintf("OAuth error %q (status %d)", e.Error, e.StatusCode)
}

// parseOAuthError attempts to parse an OAuth error response from the given response body.
func parseOAuthError(statusCode int, body []byte) *oAuthError {
	var oauthErr oAuthError
	if err := json.Unmarshal(body, &oauthErr); err != nil {
		return nil
	}
	if oauthErr.Error == "" {
		return nil
	}
	oauthErr.StatusCode = statusCode
	return &oauthErr
}

// tokenResponse is used to decode the token endpoint response.
type tokenResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Scope           string `json:"scope"`
	RefreshToken    string `json:"refresh_token"`
}

// ClientConfig holds the configuration for the token endpoint client.
type ClientConfig struct {
	// RealmURL is the realm base URL (e.g. https://kc.example.com/realms/acme)
	RealmURL string

	// ClientID is the OAuth 2.0 client identifier
	ClientID string

	// ClientSecret is the OAuth 2.0 client secret
	ClientSecret string

	// HTTPClient overrides the HTTP client used for token endpoint
	// requests; a client with a 5s timeout is used when nil.
	HTTPClient *http.Client
}

// Client talks to the identity provider's token endpoint using the
// token-exchange, client-credentials and refresh-token grants. It is
// stateless; every method is a pure request/response call.
type Client struct {
	endpoint     string
	clientID     string
	clientSecret string
	client       *http.Client
}

// NewClient creates a token endpoint client for the configured realm.
func NewClient(config ClientConfig) (*Client, error) {
	if config.RealmURL == "" {
		return nil, fmt.Errorf("realm URL is required")
	}
	if _, err := url.Parse(config.RealmURL); err != nil {
		return nil, fmt.Errorf("realm URL is not a valid URL: %w", err)
	}
	if config.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return &Client{
		endpoint:     strings.TrimSuffix(config.RealmURL, "/") + tokenPath,
		clientID:     config.ClientID,
		clientSecret: config.ClientSecret,
		client:       httpClient,
	}, nil
}

// Exchange trades a subject token for an access token scoped to audience
// using the RFC 8693 token-exchange grant.
func (c *Client) Exchange(ctx context.Context, subjectToken, audience string) (*oauth2.Token, error) {
	if subjectToken == "" {
		return nil, fmt.Errorf("subject token is required")
	}

	data := url.Values{}
	data.Set("grant_type", grantTypeTokenExchange)
	data.Set("subject_token", subjectToken)
	data.Set("subject_token_type", tokenTypeAccessToken)
	data.Set("requested_token_type", tokenTypeAccessToken)
	data.Set("audience", audience)

	return c.post(ctx, data)
}

// ClientCredentials obtains a service-account token, optionally scoped to
// audience.
func (c *Client) ClientCredentials(ctx context.Context, audience string) (*oauth2.Token, error) {
	data := url.Values{}
	data.Set("grant_type", grantTypeClientCredentials)
	if audience != "" {
		data.Set("audience", audience)
	}

	return c.post(ctx, data)
}

// Refresh renews an access token with the refresh-token grant. The provider
// may rotate the refresh token; when the response omits one, the returned
// token carries an empty RefreshToken and the caller retains the original.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}

	data := url.Values{}
	data.Set("grant_type", grantTypeRefreshToken)
	data.Set("refresh_token", refreshToken)

	return c.post(ctx, data)
}

// post sends a form-encoded request to the token endpoint and normalizes the
// response. Client credentials travel in the body, the convention Keycloak
// uses for confidential clients.
func (c *Client) post(ctx context.Context, data url.Values) (*oauth2.Token, error) {
	data.Set("client_id", c.clientID)
	if c.clientSecret != "" {
		data.Set("client_secret", c.clientSecret)
	}

	encoded := data.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", strconv.Itoa(len(encoded)))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, autherr.NewTransportError("token endpoint request failed", 0, "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, autherr.NewTransportError("failed to read token endpoint response", resp.StatusCode, "", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := fmt.Sprintf("token endpoint returned status %d", resp.StatusCode)
		if oauthErr := parseOAuthError(resp.StatusCode, body); oauthErr != nil {
			logger.Debugw("token endpoint OAuth error",
				"error", oauthErr.Error, "description", oauthErr.ErrorDescription)
			message = oauthErr.String()
		}
		return nil, autherr.NewTransportError(message, resp.StatusCode, string(body), nil)
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, autherr.NewTransportError("failed to parse token endpoint response", resp.StatusCode, "", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, autherr.NewTransportError("token endpoint returned empty access_token", resp.StatusCode, "", nil)
	}

	tok := &oauth2.Token{
		AccessToken:  tokenResp.AccessToken,
		TokenType:    tokenResp.TokenType,
		RefreshToken: tokenResp.RefreshToken,
	}
	if tokenResp.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}
	return tok, nil
}
