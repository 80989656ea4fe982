// Package cache provides the capacity-bounded, TTL-aware query cache that
// sits in front of expensive recomputation (similarity searches, clustering
// runs). Entries carry invalidation tags, one per node that contributed to
// the cached result, so a mutation can evict exactly the results it could
// have changed.
//
// The cache is synchronized independently from the content/graph/vector
// stores. A miss that races a concurrent recomputation is acceptable;
// staleness past one mutation is not, because every mutation invalidates the
// affected tags before it returns.
package cache

import (
	"container/list"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Cache is a combined LRU+TTL cache with tag-based invalidation.
type Cache struct {
	mu         sync.Mutex
	capacity   int
	defaultTTL time.Duration
	entries    map[string]*list.Element
	lru        *list.List // front is most recently used
	tags       map[string]map[string]struct{}

	// epochs count invalidations per tag, independent of whether any entry
	// carried the tag at the time; generation counts Clear calls. Together
	// they back VersionOf/PutChecked.
	epochs     map[string]uint64
	generation uint64

	hits   uint64
	misses uint64

	stopCh  chan struct{}
	stopped sync.Once
}

type entry struct {
	key       string
	value     any
	expiresAt time.Time
	tags      []string
}

// New creates a cache. A sweepInterval of zero disables the background
// reclamation sweep; expired entries are then dropped lazily on access.
func New(capacity int, defaultTTL, sweepInterval time.Duration) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	c := &Cache{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		tags:       make(map[string]map[string]struct{}),
		epochs:     make(map[string]uint64),
		stopCh:     make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.sweep(sweepInterval)
	}
	return c
}

// Key builds a deterministic cache key from an operation name and its
// normalized arguments.
func Key(operation string, args ...string) string {
	sum := md5.Sum([]byte(operation + "\x00" + strings.Join(args, "\x00")))
	return operation + ":" + hex.EncodeToString(sum[:])
}

// Get returns the cached value for key. An entry past its TTL is treated as
// a miss and removed.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := elem.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.removeLocked(elem)
		c.misses++
		return nil, false
	}
	c.lru.MoveToFront(elem)
	c.hits++
	return e.value, true
}

// Put stores a value under key with the given TTL (the default TTL when
// ttl <= 0) and invalidation tags. At capacity the least-recently-used entry
// is evicted first.
func (c *Cache) Put(key string, value any, ttl time.Duration, tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value, ttl, tags)
}

// Version is an invalidation stamp over a set of tags. Callers capture one
// with VersionOf before an expensive computation and present it to
// PutChecked when storing the result.
type Version struct {
	tags  []string
	value uint64
}

// VersionOf captures the current invalidation version of the given tags.
func (c *Cache) VersionOf(tags ...string) Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Version{tags: tags, value: c.versionLocked(tags)}
}

// PutChecked stores the entry only if none of the version's tags have been
// invalidated since the version was captured, and reports whether the entry
// landed. The cache is locked independently of the stores it fronts, so a
// result computed under a store lock can be overtaken by a mutation before
// the cache write; the version check keeps that write from resurrecting the
// invalidated result.
func (c *Cache) PutChecked(v Version, key string, value any, ttl time.Duration, tags ...string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.versionLocked(v.tags) != v.value {
		return false
	}
	c.putLocked(key, value, ttl, tags)
	return true
}

func (c *Cache) versionLocked(tags []string) uint64 {
	v := c.generation
	for _, tag := range tags {
		v += c.epochs[tag]
	}
	return v
}

func (c *Cache) putLocked(key string, value any, ttl time.Duration, tags []string) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
	for c.lru.Len() >= c.capacity {
		c.removeLocked(c.lru.Back())
	}

	e := &entry{key: key, value: value, expiresAt: time.Now().Add(ttl), tags: tags}
	c.entries[key] = c.lru.PushFront(e)
	for _, tag := range tags {
		set, ok := c.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			c.tags[tag] = set
		}
		set[key] = struct{}{}
	}
}

// InvalidateTag removes every entry tagged with tag and returns how many
// entries were dropped.
func (c *Cache) InvalidateTag(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Bump the epoch even with no entries under the tag: an in-flight
	// computation may be about to store one.
	c.epochs[tag]++

	set, ok := c.tags[tag]
	if !ok {
		return 0
	}
	dropped := 0
	for key := range set {
		if elem, ok := c.entries[key]; ok {
			c.removeLocked(elem)
			dropped++
		}
	}
	return dropped
}

// Invalidate removes a single entry by key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.tags = make(map[string]map[string]struct{})
	c.lru.Init()
	c.generation++
}

// Len returns the number of cached entries, including any not yet swept
// expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Close stops the background sweeper, if one is running.
func (c *Cache) Close() {
	c.stopped.Do(func() { close(c.stopCh) })
}

func (c *Cache) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	c.lru.Remove(elem)
	delete(c.entries, e.key)
	for _, tag := range e.tags {
		if set, ok := c.tags[tag]; ok {
			delete(set, e.key)
			if len(set) == 0 {
				delete(c.tags, tag)
			}
		}
	}
}

// sweep periodically reclaims expired entries so long-idle caches don't pin
// memory until the next access.
func (c *Cache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for elem := c.lru.Back(); elem != nil; {
				prev := elem.Prev()
				if now.After(elem.Value.(*entry).expiresAt) {
					c.removeLocked(elem)
				}
				elem = prev
			}
			c.mu.Unlock()
		}
	}
}
