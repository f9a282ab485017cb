// Package admin drives the identity provider's admin REST API to keep realm
// and client roles in sync with a declarative manifest. It is glue around
// the broker, not part of the request pipeline.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	autherr "github.com/sistemas-fsa/authz/pkg/errors"
	"github.com/sistemas-fsa/authz/pkg/tokenexchange"
)

const defaultAdminTimeout = 10 * time.Second

// ClientConfig configures the admin API client.
type ClientConfig struct {
	// BaseURL is the Keycloak base URL (e.g. https://kc.example.com).
	BaseURL string

	// Realm is the realm to administer.
	Realm string

	// ClientID and ClientSecret identify a service account with realm
	// management permissions.
	ClientID     string
	ClientSecret string

	// Timeout bounds each admin call (default 10s).
	Timeout time.Duration

	// HTTPClient overrides the HTTP client used for admin calls.
	HTTPClient *http.Client
}

// RoleRepresentation mirrors the admin API's role resource.
type RoleRepresentation struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ClientRole  bool   `json:"clientRole,omitempty"`
	ContainerID string `json:"containerId,omitempty"`
}

// clientRepresentation mirrors the fields of the client resource we consume.
type clientRepresentation struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId"`
}

// Client calls the Keycloak admin REST API, authenticating with a
// client-credentials token obtained through the token broker.
type Client struct {
	baseURL  string
	realm    string
	tokens   *tokenexchange.Service
	client   *http.Client
	clientID string
}

// NewClient creates an admin API client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if config.Realm == "" {
		return nil, fmt.Errorf("realm is required")
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultAdminTimeout
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	realmURL := strings.TrimSuffix(config.BaseURL, "/") + "/realms/" + url.PathEscape(config.Realm)
	tokenClient, err := tokenexchange.NewClient(tokenexchange.ClientConfig{
		RealmURL:     realmURL,
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		HTTPClient:   httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build token client: %w", err)
	}

	return &Client{
		baseURL:  strings.TrimSuffix(config.BaseURL, "/"),
		realm:    config.Realm,
		tokens:   tokenexchange.NewService(tokenClient, 0),
		client:   httpClient,
		clientID: config.ClientID,
	}, nil
}

// Realm returns the administered realm name.
func (c *Client) Realm() string {
	return c.realm
}

// LookupClientUUID resolves a clientId to its internal UUID.
func (c *Client) LookupClientUUID(ctx context.Context, clientID string) (string, error) {
	var clients []clientRepresentation
	path := fmt.Sprintf("/clients?clientId=%s", url.QueryEscape(clientID))
	if err := c.do(ctx, http.MethodGet, path, nil, &clients); err != nil {
		return "", err
	}
	for _, client := range clients {
		if client.ClientID == clientID {
			return client.ID, nil
		}
	}
	return "", fmt.Errorf("client %q not found in realm %s", clientID, c.realm)
}

// ListRealmRoles lists the realm-level roles.
func (c *Client) ListRealmRoles(ctx context.Context) ([]RoleRepresentation, error) {
	var roles []RoleRepresentation
	if err := c.do(ctx, http.MethodGet, "/roles", nil, &roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// ListClientRoles lists the roles of a client by UUID.
func (c *Client) ListClientRoles(ctx context.Context, clientUUID string) ([]RoleRepresentation, error) {
	var roles []RoleRepresentation
	path := fmt.Sprintf("/clients/%s/roles", url.PathEscape(clientUUID))
	if err := c.do(ctx, http.MethodGet, path, nil, &roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// CreateClientRole creates a role on a client.
func (c *Client) CreateClientRole(ctx context.Context, clientUUID string, role RoleRepresentation) error {
	path := fmt.Sprintf("/clients/%s/roles", url.PathEscape(clientUUID))
	return c.do(ctx, http.MethodPost, path, role, nil)
}

// GetCompositeRoles lists the composite roles of a realm role by id.
func (c *Client) GetCompositeRoles(ctx context.Context, roleID string) ([]RoleRepresentation, error) {
	var roles []RoleRepresentation
	path := fmt.Sprintf("/roles-by-id/%s/composites", url.PathEscape(roleID))
	if err := c.do(ctx, http.MethodGet, path, nil, &roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// AddCompositeRoles attaches client roles as composites of a realm role.
func (c *Client) AddCompositeRoles(ctx context.Context, roleID string, roles []RoleRepresentation) error {
	path := fmt.Sprintf("/roles-by-id/%s/composites", url.PathEscape(roleID))
	return c.do(ctx, http.MethodPost, path, roles, nil)
}

// do performs one admin API call under the realm's admin prefix.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	accessToken, err := c.tokens.ClientCredentials(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to obtain admin token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	endpoint := fmt.Sprintf("%s/admin/realms/%s%s", c.baseURL, url.PathEscape(c.realm), path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build admin request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return autherr.NewTransportError("admin API request failed", 0, "", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return autherr.NewTransportError("failed to read admin API response", resp.StatusCode, "", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return autherr.NewTransportError(
			fmt.Sprintf("admin API returned status %d for %s %s", resp.StatusCode, method, path),
			resp.StatusCode, string(payload), nil)
	}

	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("failed to decode admin API response: %w", err)
		}
	}
	return nil
}
