// Package cache holds analysis results keyed by a content fingerprint of the image.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/anime-shed/image-orchestrator/internal/telemetry"
	"github.com/anime-shed/image-orchestrator/pkg/models"
)

// KeyLength is the number of hex characters kept from the digest
const KeyLength = 32

// Fingerprint derives the cache key for an image
func Fingerprint(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])[:KeyLength]
}

// Entry is one cached result
type Entry struct {
	Key       string
	Result    models.AnalysisResult
	CreatedAt time.Time
	TTL       time.Duration
	Hits      int64
}

func (e *Entry) stale(now time.Time) bool {
	return now.After(e.CreatedAt.Add(e.TTL))
}

// Stats summarises cache activity since creation or the last Clear
type Stats struct {
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// ResultCache is a bounded TTL cache. When full, the entry created
// earliest is evicted; reads do not refresh an entry's position.
type ResultCache struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries map[string]*list.Element
	order   *list.List // front is the oldest creation
	maxSize int
	ttl     time.Duration

	hits      int64
	misses    int64
	evictions int64
}

// New creates a cache holding at most maxSize entries for ttl each
func New(clock clockwork.Clock, maxSize int, ttl time.Duration) *ResultCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ResultCache{
		clock:   clock,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get returns a copy of the cached result. Stale and corrupt entries are
// evicted and reported as a miss.
func (c *ResultCache) Get(ctx context.Context, key string) (models.AnalysisResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		telemetry.RecordCacheMiss(ctx, "absent")
		return models.AnalysisResult{}, false
	}

	entry := elem.Value.(*Entry)
	if entry.stale(c.clock.Now()) {
		c.removeLocked(ctx, elem, "expired")
		c.misses++
		telemetry.RecordCacheMiss(ctx, "expired")
		return models.AnalysisResult{}, false
	}
	if corrupt(entry.Result) {
		c.removeLocked(ctx, elem, "corrupt")
		c.misses++
		telemetry.RecordCacheMiss(ctx, "corrupt")
		return models.AnalysisResult{}, false
	}

	entry.Hits++
	c.hits++
	telemetry.RecordCacheHit(ctx)
	return entry.Result.Clone(), true
}

// Put stores a copy of result under key. A repeated key replaces the old
// entry and restarts its lifetime.
func (c *ResultCache) Put(ctx context.Context, key string, result models.AnalysisResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}
	for c.order.Len() >= c.maxSize && c.order.Len() > 0 {
		c.removeLocked(ctx, c.order.Front(), "capacity")
	}

	entry := &Entry{
		Key:       key,
		Result:    result.Clone(),
		CreatedAt: c.clock.Now(),
		TTL:       c.ttl,
	}
	c.entries[key] = c.order.PushBack(entry)
}

// MostPopular returns the live entry with the highest hit count. Ties go
// to the most recently created entry.
func (c *ResultCache) MostPopular(ctx context.Context) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	var best *Entry
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*Entry)
		if entry.stale(now) || corrupt(entry.Result) {
			c.removeLocked(ctx, elem, "expired")
		} else if best == nil || entry.Hits >= best.Hits {
			best = entry
		}
		elem = next
	}
	if best == nil {
		return Entry{}, false
	}
	out := *best
	out.Result = best.Result.Clone()
	return out, true
}

// PurgeExpired drops every stale entry and reports how many were removed
func (c *ResultCache) PurgeExpired(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*Entry).stale(now) {
			c.removeLocked(ctx, elem, "expired")
			removed++
		}
		elem = next
	}
	return removed
}

// Resize applies new bounds. The TTL only affects entries stored afterwards.
func (c *ResultCache) Resize(ctx context.Context, maxSize int, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maxSize = maxSize
	c.ttl = ttl
	for c.order.Len() > c.maxSize {
		c.removeLocked(ctx, c.order.Front(), "capacity")
	}
}

// Clear drops every entry and resets the counters
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.hits, c.misses, c.evictions = 0, 0, 0
}

func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *ResultCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:      c.order.Len(),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

func (c *ResultCache) removeLocked(ctx context.Context, elem *list.Element, reason string) {
	entry := c.order.Remove(elem).(*Entry)
	delete(c.entries, entry.Key)
	c.evictions++
	telemetry.RecordCacheEviction(ctx, reason)
}

func corrupt(r models.AnalysisResult) bool {
	return math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1
}
