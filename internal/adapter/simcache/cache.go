// Package simcache memoizes similarity computations behind a fingerprinted,
// single-flight cache with TTL, an LRU entry cap, and a soft byte budget.
package simcache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/JoseStud/LoraAPIBackend-sub002/internal/adapter/observability"
	"github.com/JoseStud/LoraAPIBackend-sub002/internal/domain"
)

// Request identifies one recommendation computation. Weights are rounded to
// three decimals before hashing so float noise does not defeat the cache.
type Request struct {
	Kind       string
	TargetID   string
	PromptHash string
	K          int
	Weights    map[string]float64
	Flags      []string
}

// Fingerprint returns a stable hex digest of the request.
func (r Request) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "kind=%s\n", r.Kind)
	fmt.Fprintf(h, "target=%s\n", r.TargetID)
	fmt.Fprintf(h, "prompt=%s\n", r.PromptHash)
	fmt.Fprintf(h, "k=%d\n", r.K)
	keys := make([]string, 0, len(r.Weights))
	for k := range r.Weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "w:%s=%s\n", k, strconv.FormatFloat(round3(r.Weights[k]), 'f', 3, 64))
	}
	flags := append([]string(nil), r.Flags...)
	sort.Strings(flags)
	for _, f := range flags {
		fmt.Fprintf(h, "f:%s\n", f)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}

type entry struct {
	fingerprint string
	value       domain.Recommendations
	size        int
	expires     time.Time
	elem        *list.Element
}

// Cache is safe for concurrent use.
type Cache struct {
	ttl        time.Duration
	maxEntries int
	maxBytes   int

	group singleflight.Group

	mu       sync.Mutex
	entries  map[string]*entry
	lru      *list.List // front = most recent
	sumBytes int
	inflight map[string]int
}

// New constructs a Cache. Zero values fall back to 10 min, 1024 entries,
// and 64 MiB.
func New(ttl time.Duration, maxEntries, maxBytes int) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	return &Cache{
		ttl:        ttl,
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		entries:    make(map[string]*entry),
		lru:        list.New(),
		inflight:   make(map[string]int),
	}
}

// GetOrBuild returns the cached value for the request, or runs compute once
// for all concurrent callers sharing the fingerprint. Expired entries are
// rebuilt, never served stale.
func (c *Cache) GetOrBuild(ctx domain.Context, req Request, compute func(domain.Context) (domain.Recommendations, error)) (domain.Recommendations, error) {
	fp := req.Fingerprint()
	if v, ok := c.lookup(fp); ok {
		observability.CacheHitsTotal.Inc()
		return v, nil
	}
	observability.CacheMissesTotal.Inc()

	c.markInflight(fp, 1)
	defer c.markInflight(fp, -1)

	v, err, shared := c.group.Do(fp, func() (any, error) {
		// A build may have finished between lookup and Do.
		if v, ok := c.lookup(fp); ok {
			return v, nil
		}
		value, err := compute(ctx)
		if err != nil {
			return domain.Recommendations{}, err
		}
		c.store(fp, value)
		return value, nil
	})
	if err != nil {
		return domain.Recommendations{}, err
	}
	if shared {
		slog.Debug("coalesced recommendation build", slog.String("fingerprint", fp[:12]))
	}
	return v.(domain.Recommendations), nil
}

// Invalidate removes entries whose fingerprint matches the predicate and
// returns how many were dropped. Entries with an inflight build survive.
func (c *Cache) Invalidate(match func(fingerprint string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for fp, e := range c.entries {
		if !match(fp) || c.inflight[fp] > 0 {
			continue
		}
		c.removeLocked(e)
		n++
	}
	return n
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) lookup(fp string) (domain.Recommendations, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fp]
	if !ok {
		return domain.Recommendations{}, false
	}
	if time.Now().After(e.expires) {
		c.removeLocked(e)
		return domain.Recommendations{}, false
	}
	c.lru.MoveToFront(e.elem)
	return e.value, true
}

func (c *Cache) store(fp string, v domain.Recommendations) {
	size := approxSize(v)
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[fp]; ok {
		c.removeLocked(old)
	}
	e := &entry{fingerprint: fp, value: v, size: size, expires: time.Now().Add(c.ttl)}
	e.elem = c.lru.PushFront(e)
	c.entries[fp] = e
	c.sumBytes += size
	c.evictLocked()
}

// evictLocked drops LRU entries while either budget is exceeded, skipping
// fingerprints with inflight builds.
func (c *Cache) evictLocked() {
	el := c.lru.Back()
	for el != nil && (len(c.entries) > c.maxEntries || c.sumBytes > c.maxBytes) {
		prev := el.Prev()
		e := el.Value.(*entry)
		if c.inflight[e.fingerprint] == 0 {
			c.removeLocked(e)
			observability.CacheEvictionsTotal.Inc()
		}
		el = prev
	}
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.fingerprint)
	c.lru.Remove(e.elem)
	c.sumBytes -= e.size
}

func (c *Cache) markInflight(fp string, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[fp] += delta
	if c.inflight[fp] <= 0 {
		delete(c.inflight, fp)
	}
}

func approxSize(v domain.Recommendations) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}
