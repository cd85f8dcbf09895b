package connector

import (
	"encoding/json"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

type cachedResponse struct {
	result  json.RawMessage
	expires time.Time
}

// responseCache holds results of cacheable requests for a fixed lifetime.
// Entries are copied in and out so callers may mutate what they get.
type responseCache struct {
	entries *lru.Cache
	ttl     time.Duration
	now     func() time.Time
}

// newResponseCache returns nil when size is not positive.
func newResponseCache(size int, ttl time.Duration) (*responseCache, error) {
	if size <= 0 {
		return nil, nil
	}
	entries, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &responseCache{entries: entries, ttl: ttl, now: time.Now}, nil
}

func cacheKey(chainID, method string, params json.RawMessage) string {
	return strings.Join([]string{chainID, method, string(params)}, "\x00")
}

func (c *responseCache) get(key string) (json.RawMessage, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	entry := v.(cachedResponse)
	if c.now().After(entry.expires) {
		c.entries.Remove(key)
		return nil, false
	}
	return append(json.RawMessage(nil), entry.result...), true
}

func (c *responseCache) add(key string, result json.RawMessage) {
	if c == nil {
		return
	}
	c.entries.Add(key, cachedResponse{
		result:  append(json.RawMessage(nil), result...),
		expires: c.now().Add(c.ttl),
	})
}

func (c *responseCache) len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}
