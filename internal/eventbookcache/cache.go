// Package eventbookcache is the read-mostly EventBook cache keyed by
// (domain, root) described in spec §5 (a TTL cache: entries expire by age,
// with no size bound and no LRU eviction): "writers invalidate on successful
// append before returning to the caller. Readers tolerate a stale entry by
// comparing the cached tail sequence against the returned append sequence
// and retrying load on mismatch."
//
// Donated by other_examples' leptonai/gpud, which reaches for
// patrickmn/go-cache for exactly this shape: a single-purpose TTL cache
// with no need for the generality (or ceremony) of a full LRU package.
package eventbookcache

import (
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
)

// Cache holds recently loaded EventBooks, keyed by "<domain>/<root-hex>".
type Cache struct {
	inner *cache.Cache
}

// New builds a cache with the given default entry TTL and cleanup
// interval.
func New(ttl, cleanupInterval time.Duration) *Cache {
	return &Cache{inner: cache.New(ttl, cleanupInterval)}
}

// Get returns the cached EventBook for key, if present and unexpired.
func (c *Cache) Get(key string) (*angzarrpb.EventBook, bool) {
	v, ok := c.inner.Get(key)
	if !ok {
		return nil, false
	}
	book, ok := v.(*angzarrpb.EventBook)
	return book, ok
}

// Set stores book under key using the cache's default TTL.
func (c *Cache) Set(key string, book *angzarrpb.EventBook) {
	c.inner.SetDefault(key, book)
}

// Invalidate drops key, called by a writer immediately after a successful
// append so the next reader misses and reloads the authoritative tail.
func (c *Cache) Invalidate(key string) {
	c.inner.Delete(key)
}

// Tail returns the sequence number one past the last page in book (the
// value a reader compares its cached entry's tail against).
func Tail(book *angzarrpb.EventBook) uint32 {
	pages := book.GetPages()
	if len(pages) == 0 {
		if s := book.GetSnapshot(); s != nil {
			return s.GetSequence() + 1
		}
		return 0
	}
	return pages[len(pages)-1].GetSequence() + 1
}
