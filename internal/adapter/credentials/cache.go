package credentials

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/user/league-discovery/internal/repository"
)

const cacheKey = "portal"

// Cached keeps the cookies of an upstream provider for ttl so expensive
// providers (a browser session) are not asked on every probe.
type Cached struct {
	next  repository.CredentialProvider
	cache *expirable.LRU[string, []*http.Cookie]
}

func NewCached(next repository.CredentialProvider, ttl time.Duration) *Cached {
	return &Cached{
		next:  next,
		cache: expirable.NewLRU[string, []*http.Cookie](1, nil, ttl),
	}
}

func (c *Cached) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	if cookies, hit := c.cache.Get(cacheKey); hit {
		return cookies, nil
	}
	cookies, err := c.next.Cookies(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.Add(cacheKey, cookies)
	return cookies, nil
}

// Invalidate drops the cached cookies, e.g. after the portal rejected them.
func (c *Cached) Invalidate() {
	c.cache.Purge()
}
