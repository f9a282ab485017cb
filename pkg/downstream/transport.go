package downstream

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	autherr "github.com/sistemas-fsa/authz/pkg/errors"
	"github.com/sistemas-fsa/authz/pkg/logger"
	"github.com/sistemas-fsa/authz/pkg/tokenexchange"
)

// Auth modes resolved per request.
const (
	modeSubject           = "subject"
	modeExchange          = "exchange"
	modeClientCredentials = "cc"
)

// transport is the auth-injecting RoundTripper behind every downstream
// client.
type transport struct {
	def      Definition
	exchange *tokenexchange.Service
	base     http.RoundTripper
}

// RoundTrip authorizes and sends the request, applying the definition's
// bounded fixed-backoff retry policy. Network failures and 5xx responses are
// retried up to the configured attempt count; terminal broker errors
// (session expired, exchange failed without fallback) are never retried.
func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	attempts := t.def.Retry.Attempts
	if attempts < 1 {
		attempts = 1
	}

	if attempts == 1 {
		return t.send(req)
	}

	tries := 0
	operation := func() (*http.Response, error) {
		tries++
		resp, err := t.send(req)
		if err != nil {
			if autherr.IsSessionExpired(err) || autherr.IsExchangeFailed(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError && tries < attempts {
			drainBody(resp)
			return nil, autherr.NewTransportError(
				fmt.Sprintf("downstream %s returned status %d", t.def.Name, resp.StatusCode),
				resp.StatusCode, "", nil)
		}
		return resp, nil
	}

	resp, err := backoff.Retry(req.Context(), operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(t.def.Retry.Backoff)),
		backoff.WithMaxTries(uint(attempts)), // #nosec G115 -- attempts is a small positive config value
		backoff.WithNotify(func(err error, _ time.Duration) {
			logger.Debugw("retrying downstream call", "downstream", t.def.Name, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// send performs one authorized call, escalating a 401 response to client
// credentials exactly once when permitted.
func (t *transport) send(req *http.Request) (*http.Response, error) {
	outReq, mode, err := t.authorize(req)
	if err != nil {
		return nil, err
	}

	resp, err := t.base.RoundTrip(outReq)
	if err != nil {
		return nil, autherr.NewTransportError(
			fmt.Sprintf("downstream %s call failed", t.def.Name), 0, "", err)
	}

	if resp.StatusCode != http.StatusUnauthorized ||
		mode == modeClientCredentials ||
		!t.def.FallbackClientCredentials {
		return resp, nil
	}

	// Single escalation per call; a repeated 401 is returned as is.
	logger.Debugw("downstream returned 401, escalating to client credentials",
		"downstream", t.def.Name, "mode", mode)
	drainBody(resp)

	cc, err := t.exchange.ClientCredentials(req.Context(), t.def.Audience)
	if err != nil {
		return nil, err
	}

	escalated, err := cloneRequest(outReq)
	if err != nil {
		return nil, err
	}
	escalated.Header.Set("Authorization", "Bearer "+cc)

	resp, err = t.base.RoundTrip(escalated)
	if err != nil {
		return nil, autherr.NewTransportError(
			fmt.Sprintf("downstream %s call failed", t.def.Name), 0, "", err)
	}
	return resp, nil
}

// authorize clones the request and resolves its auth mode: a cached
// client-credentials token when no subject identity is present, the inbound
// token unchanged when it already carries the target audience, the exchange
// service otherwise.
func (t *transport) authorize(req *http.Request) (*http.Request, string, error) {
	outReq, err := cloneRequest(req)
	if err != nil {
		return nil, "", err
	}

	for name, value := range t.def.DefaultHeaders {
		if outReq.Header.Get(name) == "" {
			outReq.Header.Set(name, value)
		}
	}
	if outReq.Header.Get(HeaderRequestID) == "" {
		outReq.Header.Set(HeaderRequestID, uuid.NewString())
	}

	subject, ok := subjectFromContext(req)
	if !ok || subject.AccessToken == "" {
		if !t.def.FallbackClientCredentials {
			return nil, "", autherr.NewExchangeFailedError("missing subject bearer for token exchange", nil)
		}
		cc, err := t.exchange.ClientCredentials(req.Context(), t.def.Audience)
		if err != nil {
			return nil, "", err
		}
		outReq.Header.Set("Authorization", "Bearer "+cc)
		return outReq, modeClientCredentials, nil
	}

	// Identity hints always come from the original inbound token, not the
	// exchanged one.
	sub, azp := subjectHints(subject.AccessToken)
	if sub != "" {
		outReq.Header.Set(HeaderAuthSub, sub)
	}
	if azp != "" {
		outReq.Header.Set(HeaderAuthAzp, azp)
	}

	if tokenHasAudience(subject.AccessToken, t.def.Audience) {
		outReq.Header.Set("Authorization", "Bearer "+subject.AccessToken)
		return outReq, modeSubject, nil
	}

	exchanged, err := t.exchange.ForAudience(req.Context(), subject, t.def.Audience, tokenexchange.Options{
		FallbackClientCredentials: t.def.FallbackClientCredentials,
	})
	if err != nil {
		return nil, "", err
	}
	outReq.Header.Set("Authorization", "Bearer "+exchanged)
	return outReq, modeExchange, nil
}

// cloneRequest clones the request with a replayable body, so retries and the
// 401 escalation can resend it.
func cloneRequest(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.Body != nil {
		if req.GetBody == nil {
			return nil, fmt.Errorf("request body is not replayable")
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		out.Body = body
	}
	return out, nil
}

// drainBody discards and closes a response body so the connection can be
// reused.
func drainBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
