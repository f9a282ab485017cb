package tokenexchange

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultClockSkew is the safety margin subtracted from a cached
	// token's expiry on lookup.
	DefaultClockSkew = 30 * time.Second

	// fallbackTokenLifetime is assumed when a token's exp claim cannot be
	// decoded.
	fallbackTokenLifetime = 60 * time.Second

	// noAudienceKey keys client-credentials tokens requested without an
	// audience.
	noAudienceKey = "-"
)

type cacheEntry struct {
	token  string
	expiry time.Time
}

// tokenCache maps a cache key to an access token with absolute expiry.
// Lookup treats an entry as valid iff now < expiry - skew and evicts expired
// entries lazily; there is no background cleanup. Safe for concurrent use;
// put has last-writer-wins semantics.
type tokenCache struct {
	mu      sync.Mutex
	skew    time.Duration
	entries map[string]cacheEntry

	// now is replaceable for expiry tests.
	now func() time.Time
}

func newTokenCache(skew time.Duration) *tokenCache {
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	return &tokenCache{
		skew:    skew,
		entries: map[string]cacheEntry{},
		now:     time.Now,
	}
}

func (c *tokenCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if !c.now().Before(entry.expiry.Add(-c.skew)) {
		delete(c.entries, key)
		return "", false
	}
	return entry.token, true
}

func (c *tokenCache) put(key, accessToken string) {
	expiry := tokenExpiry(accessToken, c.now())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{token: accessToken, expiry: expiry}
}

// exchangeKey keys an exchanged token by subject token and target audience.
// Intentionally audience-scoped, not dependency-scoped: dependencies sharing
// an audience reuse the same entry.
func exchangeKey(subjectToken, audience string) string {
	return audience + "::" + subjectToken
}

// audienceKey keys a client-credentials token by audience alone.
func audienceKey(audience string) string {
	if audience == "" {
		return noAudienceKey
	}
	return audience
}

// tokenExpiry derives the absolute expiry from the token's own exp claim,
// falling back to a conservative default lifetime when undecodable.
func tokenExpiry(accessToken string, now time.Time) time.Time {
	payload := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, payload); err == nil {
		if exp, err := payload.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return now.Add(fallbackTokenLifetime)
}

// tokenExpiresWithin reports whether the token's exp claim falls within skew
// from now. Tokens without a decodable exp are treated as not expiring; the
// provider remains the authority on their validity.
func tokenExpiresWithin(accessToken string, skew time.Duration, now time.Time) bool {
	payload := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, payload); err != nil {
		return false
	}
	exp, err := payload.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !now.Before(exp.Time.Add(-skew))
}
