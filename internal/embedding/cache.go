package embedding

import (
	"container/list"
	"sync"

	"github.com/hyperjump/kioku/pkg/utils"
)

// EmbeddingCache is a bounded LRU of embeddings keyed by the SHA-256 of the text.
type EmbeddingCache struct {
	capacity int
	cache    map[string]*list.Element
	lru      *list.List
	hits     uint64
	misses   uint64
	mu       sync.Mutex
}

type cacheEntry struct {
	key   string
	value []float32
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Entries  int    `json:"entries"`
	Capacity int    `json:"capacity"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
}

// NewEmbeddingCache creates a cache holding at most capacity entries (minimum 1).
func NewEmbeddingCache(capacity int) *EmbeddingCache {
	if capacity < 1 {
		capacity = 1
	}
	return &EmbeddingCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Get returns the cached embedding for text if present and marks it recently used.
func (c *EmbeddingCache) Get(text string) ([]float32, bool) {
	key := utils.ContentHash(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		return elem.Value.(*cacheEntry).value, true
	}
	c.misses++
	return nil, false
}

// Set stores the embedding for text, evicting the least recently used entry when full.
func (c *EmbeddingCache) Set(text string, value []float32) {
	key := utils.ContentHash(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}

	elem := c.lru.PushFront(&cacheEntry{key: key, value: value})
	c.cache[key] = elem

	if c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		if oldest != nil {
			c.lru.Remove(oldest)
			delete(c.cache, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Len returns the number of cached entries.
func (c *EmbeddingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns current counters.
func (c *EmbeddingCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: c.lru.Len(), Capacity: c.capacity, Hits: c.hits, Misses: c.misses}
}
