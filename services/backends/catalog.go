package backends

import (
	"container/list"
	"sync"
	"time"
)

type catalogEntry struct {
	models     []ModelInfo
	insertedAt time.Time
	element    *list.Element
}

// Catalog is an LRU cache with TTL for model listings, keyed by backend.
// Listing models can be slow (remote API calls), while status and model
// endpoints ask for them often.
type Catalog struct {
	mu      sync.Mutex
	entries map[Key]*catalogEntry
	lruList *list.List
	maxSize int
	ttl     time.Duration
	hits    uint64
	misses  uint64
	now     func() time.Time
}

// CatalogStats represents cache statistics
type CatalogStats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// NewCatalog creates a Catalog holding at most maxSize listings for ttl.
func NewCatalog(maxSize int, ttl time.Duration) *Catalog {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Catalog{
		entries: make(map[Key]*catalogEntry),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns a cached listing. Expired entries count as misses.
func (c *Catalog) Get(key Key) ([]ModelInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists || c.now().Sub(entry.insertedAt) > c.ttl {
		c.misses++
		if exists {
			c.removeEntry(key)
		}
		return nil, false
	}

	c.lruList.MoveToFront(entry.element)
	c.hits++
	return append([]ModelInfo(nil), entry.models...), true
}

// Set stores a listing, evicting the least recently used one when full.
func (c *Catalog) Set(key Key, models []ModelInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	models = append([]ModelInfo(nil), models...)

	if entry, exists := c.entries[key]; exists {
		entry.models = models
		entry.insertedAt = c.now()
		c.lruList.MoveToFront(entry.element)
		return
	}

	if c.lruList.Len() >= c.maxSize {
		if back := c.lruList.Back(); back != nil {
			c.removeEntry(back.Value.(Key))
		}
	}

	entry := &catalogEntry{models: models, insertedAt: c.now()}
	entry.element = c.lruList.PushFront(key)
	c.entries[key] = entry
}

// Invalidate drops the listing for key.
func (c *Catalog) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeEntry(key)
}

// Stats returns cache statistics
func (c *Catalog) Stats() CatalogStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CatalogStats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// removeEntry must be called with the lock held
func (c *Catalog) removeEntry(key Key) {
	if entry, exists := c.entries[key]; exists {
		c.lruList.Remove(entry.element)
		delete(c.entries, key)
	}
}
