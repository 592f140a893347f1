package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/arieshq/aries/internal/domain/entity"
)

// ResponseCache memoizes non-streaming completions. Entries expire after
// the TTL and the cache evicts in insertion order once full, so a burst of
// distinct prompts cannot pin old entries forever.
type ResponseCache struct {
	mu       sync.Mutex
	entries  map[string]*cacheEntry
	order    []string // insertion order, may contain keys already expired
	ttl      time.Duration
	capacity int
}

// CachedResponse is the replayable result of one non-streaming completion.
// ID and Created are kept so a hit reproduces the original wire response
// byte for byte.
type CachedResponse struct {
	Response  *entity.ChatResponse
	UsedModel string
	Fallback  bool
	Requested string
	ID        string
	Created   int64
}

type cacheEntry struct {
	value     *CachedResponse
	expiresAt time.Time
}

// NewResponseCache creates a cache with the given capacity and TTL.
func NewResponseCache(capacity int, ttl time.Duration) *ResponseCache {
	if capacity <= 0 {
		capacity = 256
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ResponseCache{
		entries:  make(map[string]*cacheEntry),
		ttl:      ttl,
		capacity: capacity,
	}
}

// Fingerprint hashes the fields that determine a completion: model,
// message sequence, and temperature. Stream flag and token limits are
// deliberately excluded.
func Fingerprint(req *entity.ChatRequest) string {
	h := sha256.New()
	h.Write([]byte(req.Model))
	for _, m := range req.Messages {
		h.Write([]byte{0})
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
	}
	if req.Temperature != nil {
		fmt.Fprintf(h, "\x00temp=%g", *req.Temperature)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached completion. Expired entries are removed on access.
func (c *ResponseCache) Get(key string) (*CachedResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Put stores a completion. When full, the oldest surviving insertion is
// evicted first.
func (c *ResponseCache) Put(key string, value *CachedResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		for len(c.entries) >= c.capacity {
			c.evictOldestLocked()
		}
		if len(c.order) > c.capacity*2 {
			c.compactLocked()
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = &cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Size returns the number of live entries.
func (c *ResponseCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldestLocked pops insertion-order heads until one maps to a live
// entry. Heads whose entries already expired out of the map are skipped.
func (c *ResponseCache) evictOldestLocked() {
	for len(c.order) > 0 {
		key := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[key]; ok {
			delete(c.entries, key)
			return
		}
	}
}

// compactLocked drops stale keys left behind by TTL expiry so the order
// queue stays proportional to the live set.
func (c *ResponseCache) compactLocked() {
	live := c.order[:0]
	for _, key := range c.order {
		if _, ok := c.entries[key]; ok {
			live = append(live, key)
		}
	}
	c.order = live
}
