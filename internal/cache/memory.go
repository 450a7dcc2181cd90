package cache

import (
	"sync"
	"time"

	"cadenza/pkg/models"
)

// entry is a cached value with its expiry
type entry struct {
	value     interface{}
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// MemoryCache is an in-memory key/value cache with a fixed TTL. Expired
// entries are swept periodically until Close is called.
type MemoryCache struct {
	items map[string]*entry
	mutex sync.RWMutex
	ttl   time.Duration
	now   func() time.Time

	stop      chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache creates a cache whose entries live for ttl
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	c := &MemoryCache{
		items: make(map[string]*entry),
		ttl:   ttl,
		now:   time.Now,
		stop:  make(chan struct{}),
	}

	go c.sweep(5 * time.Minute)

	return c
}

// Set stores value under key
func (c *MemoryCache) Set(key string, value interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items[key] = &entry{value: value, expiresAt: c.now().Add(c.ttl)}
}

// Get returns the live value under key
func (c *MemoryCache) Get(key string) (interface{}, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	e, ok := c.items[key]
	if !ok || e.expired(c.now()) {
		return nil, false
	}
	return e.value, true
}

// Delete removes key
func (c *MemoryCache) Delete(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.items, key)
}

// Size returns the number of entries, expired or not
func (c *MemoryCache) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return len(c.items)
}

// Close stops the background sweeper
func (c *MemoryCache) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
}

func (c *MemoryCache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *MemoryCache) removeExpired() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	for key, e := range c.items {
		if e.expired(now) {
			delete(c.items, key)
		}
	}
}

// ArtworkCache stores resolved cover art keyed by audio filename
type ArtworkCache struct {
	*MemoryCache
}

// NewArtworkCache creates an artwork cache with the given TTL
func NewArtworkCache(ttl time.Duration) *ArtworkCache {
	return &ArtworkCache{MemoryCache: NewMemoryCache(ttl)}
}

// SetArtwork caches art for filename
func (ac *ArtworkCache) SetArtwork(filename string, art models.Artwork) {
	ac.Set(filename, art)
}

// GetArtwork returns cached art for filename
func (ac *ArtworkCache) GetArtwork(filename string) (models.Artwork, bool) {
	value, ok := ac.Get(filename)
	if !ok {
		return models.Artwork{}, false
	}

	art, ok := value.(models.Artwork)
	return art, ok
}
