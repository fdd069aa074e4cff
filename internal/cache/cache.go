package cache

import (
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/groupcache/lru"

	"github.com/vnmchuo/model-orchestrator/internal/provider"
)

// Cache stores generated text under a request fingerprint.
type Cache interface {
	Get(key string) (string, bool)
	Put(key, text string)
	Clear()
}

// Key fingerprints a request for deduplication. It is not collision
// resistant and must not be used for anything security related.
func Key(p provider.Identity, model, prompt string) string {
	return string(p) + ":" + model + ":" + strconv.FormatUint(xxhash.Sum64String(prompt), 16)
}

type Stats struct {
	Size      int    `json:"size"`
	MaxSize   int    `json:"max_size"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

type entry struct {
	text      string
	expiresAt time.Time
}

// LRU is a size and TTL bounded Cache safe for concurrent use.
type LRU struct {
	mu        sync.Mutex
	items     *lru.Cache
	maxSize   int
	ttl       time.Duration
	now       func() time.Time
	hits      uint64
	misses    uint64
	evictions uint64
}

// NewLRU returns a cache holding at most maxEntries entries (0 = unbounded)
// that expire after ttl (0 = never).
func NewLRU(maxEntries int, ttl time.Duration) *LRU {
	c := &LRU{
		items:   lru.New(maxEntries),
		maxSize: maxEntries,
		ttl:     ttl,
		now:     time.Now,
	}
	c.items.OnEvicted = func(lru.Key, interface{}) {
		c.evictions++
	}
	return c
}

func (c *LRU) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.items.Get(key)
	if !ok {
		c.misses++
		return "", false
	}
	e := v.(entry)
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.quietly(func() { c.items.Remove(key) })
		c.misses++
		return "", false
	}
	c.hits++
	return e.text, true
}

func (c *LRU) Put(key, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := entry{text: text}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}
	c.items.Add(key, e)
}

func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.quietly(c.items.Clear)
}

// quietly runs fn with the eviction counter detached. Expiry and Clear
// remove entries through the LRU too, but only capacity evictions count.
func (c *LRU) quietly(fn func()) {
	onEvicted := c.items.OnEvicted
	c.items.OnEvicted = nil
	fn()
	c.items.OnEvicted = onEvicted
}

func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}

func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      c.items.Len(),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
