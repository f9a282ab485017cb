package tokenexchange

import (
	"context"
	"time"

	"github.com/sistemas-fsa/authz/pkg/auth"
	autherr "github.com/sistemas-fsa/authz/pkg/errors"
	"github.com/sistemas-fsa/authz/pkg/logger"
)

// Options controls one ForAudience call.
type Options struct {
	// FallbackClientCredentials permits falling back to a
	// client-credentials token when the exchange fails.
	FallbackClientCredentials bool
}

// Service orchestrates the token broker: it keeps the subject token fresh,
// consults the exchange cache, calls the exchange client on a miss and falls
// back to client credentials when permitted.
//
// The exchange cache is keyed by (subject token, audience); the
// client-credentials cache by audience alone. Both apply the configured
// clock skew on lookup.
type Service struct {
	client *Client
	skew   time.Duration

	exchangeCache *tokenCache
	ccCache       *tokenCache

	// now is replaceable for tests.
	now func() time.Time
}

// NewService creates the token exchange service. skew defaults to 30s when
// non-positive.
func NewService(client *Client, skew time.Duration) *Service {
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	return &Service{
		client:        client,
		skew:          skew,
		exchangeCache: newTokenCache(skew),
		ccCache:       newTokenCache(skew),
		now:           time.Now,
	}
}

// ForAudience returns an access token scoped to audience on behalf of the
// given subject.
//
// When the subject's access token is expiring within the clock skew, the
// service renews it with the refresh token first; a missing or rejected
// refresh path is terminal and returns a session-expired error that callers
// must not retry. The exchange cache is keyed by the original subject access
// token, so a renewed subject still hits entries produced before renewal.
func (s *Service) ForAudience(ctx context.Context, subject auth.SubjectToken, audience string, opts Options) (string, error) {
	subjectAccess := subject.AccessToken
	if subjectAccess == "" {
		return "", autherr.NewExchangeFailedError("missing subject bearer for token exchange", nil)
	}

	exchangeToken := subjectAccess
	if tokenExpiresWithin(subjectAccess, s.skew, s.now()) {
		if subject.RefreshToken == "" {
			return "", autherr.NewSessionExpiredError("subject token expired and no refresh token available", nil)
		}
		refreshed, err := s.client.Refresh(ctx, subject.RefreshToken)
		countResult(refreshesTotal, err)
		if err != nil {
			return "", autherr.NewSessionExpiredError("refresh token rejected by provider", err)
		}
		exchangeToken = refreshed.AccessToken
	}

	key := exchangeKey(subjectAccess, audience)
	if cached, ok := s.exchangeCache.get(key); ok {
		cacheEventsTotal.WithLabelValues(cacheExchange, eventHit).Inc()
		return cached, nil
	}
	cacheEventsTotal.WithLabelValues(cacheExchange, eventMiss).Inc()

	exchanged, err := s.client.Exchange(ctx, exchangeToken, audience)
	countResult(exchangesTotal, err)
	if err == nil {
		s.exchangeCache.put(key, exchanged.AccessToken)
		return exchanged.AccessToken, nil
	}

	if opts.FallbackClientCredentials {
		logger.Debugw("token exchange failed, falling back to client credentials",
			"audience", audience, "error", err)
		fallbacksTotal.Inc()
		return s.ClientCredentials(ctx, audience)
	}

	return "", autherr.NewExchangeFailedError("token exchange failed", err)
}

// ClientCredentials returns a service-account token for audience, consulting
// and populating the client-credentials cache. It is the entry point for
// background and job calls that have no end-user subject.
func (s *Service) ClientCredentials(ctx context.Context, audience string) (string, error) {
	key := audienceKey(audience)
	if cached, ok := s.ccCache.get(key); ok {
		cacheEventsTotal.WithLabelValues(cacheClientCredentials, eventHit).Inc()
		return cached, nil
	}
	cacheEventsTotal.WithLabelValues(cacheClientCredentials, eventMiss).Inc()

	tok, err := s.client.ClientCredentials(ctx, audience)
	if err != nil {
		return "", err
	}
	s.ccCache.put(key, tok.AccessToken)
	return tok.AccessToken, nil
}
