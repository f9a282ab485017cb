package downstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sistemas-fsa/authz/pkg/auth"
	autherr "github.com/sistemas-fsa/authz/pkg/errors"
	"github.com/sistemas-fsa/authz/pkg/tokenexchange"
)

const targetAudience = "svc-clientes"

func mintToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return signed
}

// brokerFixture wires a fake token endpoint into a real exchange service.
type brokerFixture struct {
	service *tokenexchange.Service

	exchanges int64
	ccs       int64

	exchangedToken string
	ccToken        string
}

func newBrokerFixture(t *testing.T) *brokerFixture {
	t.Helper()

	exp := time.Now().Add(time.Hour).Unix()
	f := &brokerFixture{
		exchangedToken: mintToken(t, jwt.MapClaims{"typ": "exchanged", "exp": exp}),
		ccToken:        mintToken(t, jwt.MapClaims{"typ": "cc", "exp": exp}),
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())

		token := ""
		switch r.Form.Get("grant_type") {
		case "urn:ietf:params:oauth:grant-type:token-exchange":
			atomic.AddInt64(&f.exchanges, 1)
			token = f.exchangedToken
		case "client_credentials":
			atomic.AddInt64(&f.ccs, 1)
			token = f.ccToken
		default:
			t.Errorf("unexpected grant_type %q", r.Form.Get("grant_type"))
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": token, "expires_in": 3600})
	}))
	t.Cleanup(server.Close)

	client, err := tokenexchange.NewClient(tokenexchange.ClientConfig{
		RealmURL: server.URL,
		ClientID: "test-client-id",
	})
	require.NoError(t, err)
	f.service = tokenexchange.NewService(client, 0)
	return f
}

// subjectContext returns a context carrying a fresh inbound token for the
// given audiences.
func subjectContext(t *testing.T, audiences ...string) context.Context {
	t.Helper()

	auds := make([]any, 0, len(audiences))
	for _, aud := range audiences {
		auds = append(auds, aud)
	}
	access := mintToken(t, jwt.MapClaims{
		"sub": "user-1",
		"azp": "front-client",
		"aud": auds,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	return auth.WithSubjectToken(context.Background(), auth.SubjectToken{AccessToken: access})
}

type recordedRequest struct {
	authorization string
	sub           string
	azp           string
	requestID     string
}

func recordRequest(r *http.Request) recordedRequest {
	return recordedRequest{
		authorization: r.Header.Get("Authorization"),
		sub:           r.Header.Get(HeaderAuthSub),
		azp:           r.Header.Get(HeaderAuthAzp),
		requestID:     r.Header.Get(HeaderRequestID),
	}
}

func buildClient(t *testing.T, broker *brokerFixture, def Definition) *Client {
	t.Helper()
	client, err := NewFactory(broker.service, nil).Build(def)
	require.NoError(t, err)
	return client
}

func TestTransport_SubjectPassThrough(t *testing.T) {
	t.Parallel()

	broker := newBrokerFixture(t)
	var got recordedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = recordRequest(r)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	client := buildClient(t, broker, Definition{
		Name:     "clientes",
		BaseURL:  server.URL,
		Audience: targetAudience,
	})

	// Inbound token already carries the target audience.
	ctx := subjectContext(t, "svc-bridge", targetAudience)
	resp, err := client.Get(ctx, "/clientes/1")
	require.NoError(t, err)
	defer resp.Body.Close()

	subject, _ := auth.SubjectTokenFromContext(ctx)
	assert.Equal(t, "Bearer "+subject.AccessToken, got.authorization)
	assert.Equal(t, "user-1", got.sub)
	assert.Equal(t, "front-client", got.azp)
	assert.NotEmpty(t, got.requestID)
	assert.EqualValues(t, 0, atomic.LoadInt64(&broker.exchanges))
	assert.EqualValues(t, 0, atomic.LoadInt64(&broker.ccs))
}

func TestTransport_ExchangesAndCaches(t *testing.T) {
	t.Parallel()

	broker := newBrokerFixture(t)
	var got recordedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = recordRequest(r)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	client := buildClient(t, broker, Definition{
		Name:     "clientes",
		BaseURL:  server.URL,
		Audience: targetAudience,
	})

	ctx := subjectContext(t, "svc-bridge")
	resp, err := client.Get(ctx, "/clientes/1")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer "+broker.exchangedToken, got.authorization)
	assert.Equal(t, "user-1", got.sub)
	assert.EqualValues(t, 1, atomic.LoadInt64(&broker.exchanges))

	// Second call with the same subject reuses the cached exchange.
	resp, err = client.Get(ctx, "/clientes/2")
	require.NoError(t, err)
	resp.Body.Close()
	assert.EqualValues(t, 1, atomic.LoadInt64(&broker.exchanges))
}

func TestTransport_NoSubject(t *testing.T) {
	t.Parallel()

	broker := newBrokerFixture(t)
	var got recordedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = recordRequest(r)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	t.Run("fallback disabled", func(t *testing.T) {
		t.Parallel()
		client := buildClient(t, broker, Definition{
			Name:     "clientes",
			BaseURL:  server.URL,
			Audience: targetAudience,
		})

		_, err := client.Get(context.Background(), "/clientes/1")
		require.Error(t, err)
		assert.True(t, autherr.IsExchangeFailed(err))
	})

	t.Run("fallback enabled", func(t *testing.T) {
		t.Parallel()
		client := buildClient(t, broker, Definition{
			Name:                      "clientes",
			BaseURL:                   server.URL,
			Audience:                  targetAudience,
			FallbackClientCredentials: true,
		})

		resp, err := client.Get(context.Background(), "/clientes/1")
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, "Bearer "+broker.ccToken, got.authorization)
		assert.Empty(t, got.sub, "no identity hints without a subject")
		assert.Empty(t, got.azp)
	})
}

func TestTransport_EscalatesUnauthorizedOnce(t *testing.T) {
	t.Parallel()

	broker := newBrokerFixture(t)

	var calls []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		calls = append(calls, authz)
		if authz != "Bearer "+broker.ccToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	client := buildClient(t, broker, Definition{
		Name:                      "clientes",
		BaseURL:                   server.URL,
		Audience:                  targetAudience,
		FallbackClientCredentials: true,
	})

	resp, err := client.Get(subjectContext(t, "svc-bridge"), "/clientes/1")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, calls, 2)
	assert.Equal(t, "Bearer "+broker.exchangedToken, calls[0])
	assert.Equal(t, "Bearer "+broker.ccToken, calls[1])
	assert.EqualValues(t, 1, atomic.LoadInt64(&broker.ccs))
}

func TestTransport_RepeatedUnauthorizedReturnedAsIs(t *testing.T) {
	t.Parallel()

	broker := newBrokerFixture(t)

	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	client := buildClient(t, broker, Definition{
		Name:                      "clientes",
		BaseURL:                   server.URL,
		Audience:                  targetAudience,
		FallbackClientCredentials: true,
	})

	resp, err := client.Get(subjectContext(t, "svc-bridge"), "/clientes/1")
	require.NoError(t, err)
	resp.Body.Close()

	// One escalation, then the second 401 surfaces to the caller.
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

func TestTransport_NoEscalationWithoutFallback(t *testing.T) {
	t.Parallel()

	broker := newBrokerFixture(t)

	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	client := buildClient(t, broker, Definition{
		Name:     "clientes",
		BaseURL:  server.URL,
		Audience: targetAudience,
	})

	resp, err := client.Get(subjectContext(t, "svc-bridge"), "/clientes/1")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))
	assert.EqualValues(t, 0, atomic.LoadInt64(&broker.ccs))
}

func TestTransport_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	broker := newBrokerFixture(t)

	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	client := buildClient(t, broker, Definition{
		Name:     "clientes",
		BaseURL:  server.URL,
		Audience: targetAudience,
		Retry:    Retry{Attempts: 3, Backoff: time.Millisecond},
	})

	resp, err := client.Get(subjectContext(t, "svc-bridge"), "/clientes/1")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, atomic.LoadInt64(&calls))
}

func TestTransport_LastAttemptReturnsServerError(t *testing.T) {
	t.Parallel()

	broker := newBrokerFixture(t)

	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	client := buildClient(t, broker, Definition{
		Name:     "clientes",
		BaseURL:  server.URL,
		Audience: targetAudience,
		Retry:    Retry{Attempts: 2, Backoff: time.Millisecond},
	})

	resp, err := client.Get(subjectContext(t, "svc-bridge"), "/clientes/1")
	require.NoError(t, err)
	resp.Body.Close()

	// The final response is handed back, not swallowed by the retry loop.
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

func TestTransport_SessionExpiredNotRetried(t *testing.T) {
	t.Parallel()

	broker := newBrokerFixture(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	client := buildClient(t, broker, Definition{
		Name:     "clientes",
		BaseURL:  server.URL,
		Audience: targetAudience,
		Retry:    Retry{Attempts: 3, Backoff: time.Millisecond},
	})

	expired := mintToken(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})
	ctx := auth.WithSubjectToken(context.Background(), auth.SubjectToken{AccessToken: expired})

	_, err := client.Get(ctx, "/clientes/1")
	require.Error(t, err)
	assert.True(t, autherr.IsSessionExpired(err))
	assert.EqualValues(t, 0, atomic.LoadInt64(&broker.exchanges))
}

func TestTransport_DefaultHeaders(t *testing.T) {
	t.Parallel()

	broker := newBrokerFixture(t)

	var gotCanal, gotAccept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCanal = r.Header.Get("X-Canal")
		gotAccept = r.Header.Get("Accept")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	client := buildClient(t, broker, Definition{
		Name:     "clientes",
		BaseURL:  server.URL,
		Audience: targetAudience,
		DefaultHeaders: map[string]string{
			"X-Canal": "bridge",
			"Accept":  "application/json",
		},
	})

	req, err := client.NewRequest(subjectContext(t, targetAudience), http.MethodGet, "/clientes/1", nil)
	require.NoError(t, err)
	// Explicit headers win over the definition's defaults.
	req.Header.Set("Accept", "application/xml")

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "bridge", gotCanal)
	assert.Equal(t, "application/xml", gotAccept)
}

func TestDefinition_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		def  Definition
		ok   bool
	}{
		{name: "valid", def: Definition{Name: "clientes", BaseURL: "http://svc", Audience: "svc-clientes"}, ok: true},
		{name: "missing name", def: Definition{BaseURL: "http://svc", Audience: "svc-clientes"}},
		{name: "missing base url", def: Definition{Name: "clientes", Audience: "svc-clientes"}},
		{name: "missing audience", def: Definition{Name: "clientes", BaseURL: "http://svc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.def.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
