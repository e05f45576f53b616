// Package artifactcache holds processed sketch buffers between ingest and
// the first read. Entries have no expiry: they live until taken, evicted
// or overwritten by a later artifact that reuses the same container id.
package artifactcache

import "sync"

// Cache maps container ids to resized image buffers.
// It is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[int][]byte
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[int][]byte)}
}

// Put stores buf under id, silently replacing any previous entry.
func (c *Cache) Put(id int, buf []byte) {
	c.mu.Lock()
	c.entries[id] = buf
	c.mu.Unlock()
}

// Take returns the buffer stored under id and removes it.
// A second Take for the same id reports false.
func (c *Cache) Take(id int) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.entries[id]
	if ok {
		delete(c.entries, id)
	}
	return buf, ok
}

// Evict removes the entry for id. Idempotent.
func (c *Cache) Evict(id int) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// EvictAll drops every entry.
func (c *Cache) EvictAll() {
	c.mu.Lock()
	c.entries = make(map[int][]byte)
	c.mu.Unlock()
}

// Len reports the number of cached buffers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
