package wecom

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// Tokens are treated as expired 60s early so in-flight requests never
	// race the real expiry.
	tokenExpiryBuffer = 60 * time.Second

	// WeCom's documented default when gettoken omits expires_in.
	defaultTokenTTLSeconds = 7200
)

// RefreshFunc fetches a fresh access token, returning the token and its
// lifetime in seconds (0 = use the WeCom default).
type RefreshFunc func(ctx context.Context) (token string, expiresIn int, err error)

type tokenEntry struct {
	token  string
	expiry time.Time
}

// TokenCache caches access tokens per (corp id, app id). Concurrent
// refreshes of one key collapse into a single upstream call; the in-flight
// marker is dropped when the call completes, success or not, so a failed
// refresh is retried by the next caller.
type TokenCache struct {
	mu     sync.Mutex
	tokens map[string]tokenEntry
	group  singleflight.Group
	now    func() time.Time
}

func NewTokenCache() *TokenCache {
	return &TokenCache{tokens: make(map[string]tokenEntry), now: time.Now}
}

func tokenKey(corpID, appID string) string { return corpID + "|" + appID }

// Get returns a cached token still valid for more than the expiry buffer,
// refreshing through refresh otherwise.
func (tc *TokenCache) Get(ctx context.Context, corpID, appID string, refresh RefreshFunc) (string, error) {
	key := tokenKey(corpID, appID)
	if token, ok := tc.cached(key); ok {
		return token, nil
	}

	v, err, _ := tc.group.Do(key, func() (interface{}, error) {
		// A waiter that queued behind the first refresh may land here after
		// it already completed.
		if token, ok := tc.cached(key); ok {
			return token, nil
		}
		token, expiresIn, err := refresh(ctx)
		if err != nil {
			return nil, err
		}
		if expiresIn <= 0 {
			expiresIn = defaultTokenTTLSeconds
		}
		tc.mu.Lock()
		tc.tokens[key] = tokenEntry{
			token:  token,
			expiry: tc.now().Add(time.Duration(expiresIn) * time.Second),
		}
		tc.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (tc *TokenCache) cached(key string) (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	e, ok := tc.tokens[key]
	if !ok || !tc.now().Add(tokenExpiryBuffer).Before(e.expiry) {
		return "", false
	}
	return e.token, true
}

// Invalidate drops the cached token so the next Get refreshes. Called when
// WeCom reports the token stale ahead of its advertised expiry.
func (tc *TokenCache) Invalidate(corpID, appID string) {
	tc.mu.Lock()
	delete(tc.tokens, tokenKey(corpID, appID))
	tc.mu.Unlock()
}
