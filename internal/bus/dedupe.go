package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen keys so webhook retries and
// double-taps don't trigger duplicate processing. Entries expire after
// a TTL; when the cache grows past its cap the oldest entries are evicted.
type DedupeCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	seen  map[string]time.Time
	order []string // insertion order, for cap eviction

	now func() time.Time // test hook
}

// NewDedupeCache creates a cache holding at most max keys for ttl each.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	return &DedupeCache{
		ttl:  ttl,
		max:  max,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// IsDuplicate reports whether key was seen within the TTL, and records it
// either way. The first call for a key returns false, subsequent calls
// within the TTL return true.
func (d *DedupeCache) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return true
	}
	if _, exists := d.seen[key]; !exists {
		d.order = append(d.order, key)
	}
	d.seen[key] = now

	d.evictLocked(now)
	return false
}

// evictLocked drops expired entries from the front of the order list,
// then trims oldest entries down to the cap. Expired keys interior to
// the list are dropped lazily once they reach the front.
func (d *DedupeCache) evictLocked(now time.Time) {
	for len(d.order) > 0 {
		head := d.order[0]
		at, ok := d.seen[head]
		if ok && now.Sub(at) < d.ttl {
			break
		}
		d.order = d.order[1:]
		if ok {
			delete(d.seen, head)
		}
	}
	for len(d.order) > d.max {
		head := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, head)
	}
}

// Len reports the number of live keys, pruning expired ones first.
func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, k)
		}
	}
	return len(d.seen)
}
