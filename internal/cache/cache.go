// Package cache implements the fallback read-through cache: a
// fingerprint-keyed map of last-known-good, already-encoded TCP responses,
// evicted on a TTL sweep followed by an oldest-first capacity sweep.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kestrelgrid/invbridge/internal/serialcodec"
)

// Entry is a single cache record, returned by Get and enumerated by
// Snapshot. EncodedResponse is a complete, CRC-valid encoded TCP response
// ready to transmit verbatim.
type Entry struct {
	Fingerprint     serialcodec.Fingerprint
	EncodedResponse []byte
	CreatedAt       time.Time
	LastAccessedAt  time.Time
	HitCount        int
}

type entryRef struct {
	fingerprint serialcodec.Fingerprint
	entry       Entry
}

// Cache is a fallback cache for read responses. It is safe for concurrent
// use. Writes are never stored here — §4.6 reserves the cache for reads
// only, so there is no Put-for-write method at all.
type Cache struct {
	mu          sync.Mutex
	clock       clock.Clock
	maxEntries  int
	ttl         time.Duration
	byKey       map[serialcodec.Fingerprint]*list.Element
	order       *list.List // oldest-insertion-order elements of *entryRef, front = oldest
}

// New constructs a cache bounded to maxEntries entries, each valid for ttl
// since creation. clk lets tests control the passage of time deterministically.
func New(clk clock.Clock, maxEntries int, ttl time.Duration) *Cache {
	return &Cache{
		clock:      clk,
		maxEntries: maxEntries,
		ttl:        ttl,
		byKey:      make(map[serialcodec.Fingerprint]*list.Element),
		order:      list.New(),
	}
}

// Put stores or replaces the entry for fingerprint, then performs
// maintenance: a TTL sweep removes all expired entries, and if the table
// then holds more than maxEntries, a second sweep evicts the entry with the
// smallest CreatedAt.
func (c *Cache) Put(fp serialcodec.Fingerprint, encoded []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.removeLocked(fp)

	ref := &entryRef{fingerprint: fp, entry: Entry{
		Fingerprint:     fp,
		EncodedResponse: append([]byte{}, encoded...),
		CreatedAt:       now,
		LastAccessedAt:  now,
	}}
	el := c.order.PushBack(ref)
	c.byKey[fp] = el

	c.evictExpiredLocked(now)
	c.evictOldestIfOverCapacityLocked()
}

// Get reports the cached entry for fingerprint, if any, bumping its hit
// count and last-accessed time on a hit.
func (c *Cache) Get(fp serialcodec.Fingerprint) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.byKey[fp]
	if !ok {
		return Entry{}, false
	}
	ref := el.Value.(*entryRef)
	ref.entry.HitCount++
	ref.entry.LastAccessedAt = c.clock.Now()
	return ref.entry, true
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey = make(map[serialcodec.Fingerprint]*list.Element)
	c.order = list.New()
}

// Size reports the current entry count.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Snapshot enumerates all entries, for diagnostics. The returned slice is
// not live: later mutation of the cache does not affect it.
func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entryRef).entry)
	}
	return out
}

func (c *Cache) removeLocked(fp serialcodec.Fingerprint) {
	if el, ok := c.byKey[fp]; ok {
		c.order.Remove(el)
		delete(c.byKey, fp)
	}
}

func (c *Cache) evictExpiredLocked(now time.Time) {
	var next *list.Element
	for el := c.order.Front(); el != nil; el = next {
		next = el.Next()
		ref := el.Value.(*entryRef)
		if now.Sub(ref.entry.CreatedAt) > c.ttl {
			c.order.Remove(el)
			delete(c.byKey, ref.fingerprint)
		}
	}
}

// evictOldestIfOverCapacityLocked evicts a single entry — the one with the
// smallest CreatedAt — if the table now holds more than maxEntries. A
// single put ever adds at most one entry over capacity, so one eviction is
// always sufficient to restore the bound.
func (c *Cache) evictOldestIfOverCapacityLocked() {
	if c.order.Len() <= c.maxEntries {
		return
	}
	oldest := c.order.Front()
	for el := c.order.Front(); el != nil; el = el.Next() {
		if el.Value.(*entryRef).entry.CreatedAt.Before(oldest.Value.(*entryRef).entry.CreatedAt) {
			oldest = el
		}
	}
	ref := oldest.Value.(*entryRef)
	c.order.Remove(oldest)
	delete(c.byKey, ref.fingerprint)
}
