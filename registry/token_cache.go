package registry

import (
	"container/list"
	"sync"
	"time"
)

const (
	defaultTokenCacheMaxSize = 100

	// tokenExpirySkew is subtracted from a token's lifetime so a cached token
	// is never handed out just before the registry would reject it.
	tokenExpirySkew = 5 * time.Second
)

// tokenCache is an LRU cache of bearer tokens keyed by repository scope.
// Every entry carries its own expiry taken from the token response.
type tokenCache struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	now     func() time.Time
}

type cachedToken struct {
	scope   string
	token   string
	expires time.Time
}

// newTokenCache returns a cache bounded to maxSize entries, or nil when
// maxSize is negative (caching disabled). Zero selects the default size.
func newTokenCache(maxSize int) *tokenCache {
	if maxSize < 0 {
		return nil
	}
	if maxSize == 0 {
		maxSize = defaultTokenCacheMaxSize
	}
	return &tokenCache{
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// get returns the unexpired token for scope and promotes it.
func (c *tokenCache) get(scope string) (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[scope]
	if !ok {
		return "", false
	}
	entry := elem.Value.(*cachedToken) //nolint:errcheck // type is guaranteed by set
	if !c.now().Before(entry.expires) {
		c.removeLocked(elem, scope)
		return "", false
	}
	c.order.MoveToFront(elem)
	return entry.token, true
}

// set stores token for scope with the given lifetime. Lifetimes too short
// to survive the expiry skew are not cached.
func (c *tokenCache) set(scope, token string, ttl time.Duration) {
	if c == nil {
		return
	}
	ttl -= tokenExpirySkew
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(ttl)
	if elem, ok := c.entries[scope]; ok {
		entry := elem.Value.(*cachedToken) //nolint:errcheck // type is guaranteed
		entry.token = token
		entry.expires = expires
		c.order.MoveToFront(elem)
		return
	}

	for c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest, oldest.Value.(*cachedToken).scope) //nolint:errcheck // type is guaranteed
	}

	c.entries[scope] = c.order.PushFront(&cachedToken{scope: scope, token: token, expires: expires})
}

// invalidate drops the token for scope, if any.
func (c *tokenCache) invalidate(scope string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[scope]; ok {
		c.removeLocked(elem, scope)
	}
}

func (c *tokenCache) len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// removeLocked removes an element from both the list and map.
// Caller must hold c.mu.
func (c *tokenCache) removeLocked(elem *list.Element, scope string) {
	c.order.Remove(elem)
	delete(c.entries, scope)
}
