package mapper

import (
	"container/list"
	"time"

	"github.com/dshills/marksync/internal/schedule"
)

// mappingCache is a TTL-bounded, size-bounded cache of computed mappings.
//
// Entries older than the TTL are treated as absent: a document rarely holds
// still for a second, and a stale mapping is worse than a recomputed one.
// When the size bound is exceeded the oldest-inserted entry is evicted
// (FIFO; reinsertion counts as a fresh insert). Lookup is O(1).
//
// The cache is owned by the Mapper and is not safe for concurrent use on its
// own; the Mapper's lock serializes access.
type mappingCache struct {
	entries map[uint32]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	clock   schedule.Clock

	hits      uint64
	misses    uint64
	evictions uint64
}

// cacheEntry is one cached mapping with its insertion time.
type cacheEntry struct {
	line       uint32
	mapping    Mapping
	insertedAt time.Time
}

// newMappingCache creates a cache.
func newMappingCache(ttl time.Duration, maxSize int, clock schedule.Clock) *mappingCache {
	return &mappingCache{
		entries: make(map[uint32]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clock,
	}
}

// get returns the cached mapping for line if present and fresh.
func (c *mappingCache) get(line uint32) (Mapping, bool) {
	el, ok := c.entries[line]
	if !ok {
		c.misses++
		return Mapping{}, false
	}
	entry := el.Value.(*cacheEntry)
	if c.clock.Now().Sub(entry.insertedAt) >= c.ttl {
		// Expired entries are removed on sight.
		c.order.Remove(el)
		delete(c.entries, line)
		c.misses++
		return Mapping{}, false
	}
	c.hits++
	return entry.mapping, true
}

// put stores a mapping, evicting the oldest entry when over the size bound.
func (c *mappingCache) put(line uint32, m Mapping) {
	if el, ok := c.entries[line]; ok {
		c.order.Remove(el)
		delete(c.entries, line)
	}

	entry := &cacheEntry{line: line, mapping: m, insertedAt: c.clock.Now()}
	c.entries[line] = c.order.PushBack(entry)

	for c.maxSize > 0 && c.order.Len() > c.maxSize {
		front := c.order.Front()
		c.order.Remove(front)
		delete(c.entries, front.Value.(*cacheEntry).line)
		c.evictions++
	}
}

// clear drops every entry. Prior mappings are meaningless after a document
// or index change.
func (c *mappingCache) clear() {
	c.entries = make(map[uint32]*list.Element)
	c.order.Init()
}

// len returns the number of cached entries, expired or not.
func (c *mappingCache) len() int {
	return c.order.Len()
}
