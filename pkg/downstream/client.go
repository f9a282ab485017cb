package downstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Client is the outbound HTTP client of one downstream dependency. Relative
// paths resolve against the dependency's base URL; every request goes
// through the auth-injecting transport.
type Client struct {
	name    string
	baseURL *url.URL
	http    *http.Client
}

// Name returns the dependency name the client was built for.
func (c *Client) Name() string {
	return c.name
}

// HTTPClient exposes the underlying client for callers that build requests
// themselves. The transport still authorizes every request.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// NewRequest builds a request for the dependency, resolving path against the
// base URL.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	ref, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("downstream %s: invalid path %q: %w", c.name, path, err)
	}

	base := *c.baseURL
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	req, err := http.NewRequestWithContext(ctx, method, base.ResolveReference(ref).String(), body)
	if err != nil {
		return nil, fmt.Errorf("downstream %s: failed to build request: %w", c.name, err)
	}
	return req, nil
}

// Do sends a request through the authorized transport.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}

// Get issues a GET against the dependency.
func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := c.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

// Post issues a POST against the dependency.
func (c *Client) Post(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := c.NewRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.http.Do(req)
}
