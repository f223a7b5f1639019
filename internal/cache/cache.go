// Package cache implements the sharded response cache: TTL plus LRU within
// 16 shards selected by fingerprint prefix, so concurrent queries rarely
// contend on one lock.
//
// A fingerprint covers everything that changes an answer: the normalized
// query text, mode, tier, the retrieved context (as the ordered chunk ids),
// the temperature bucket, and the token limit. Entries remember which models
// produced them so per-model config changes can evict exactly the stale
// subset.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/synapsehq/synapse/internal/embeddings"
	"github.com/synapsehq/synapse/internal/metrics"
	"github.com/synapsehq/synapse/pkg/models"
)

const shardCount = 16

// Fingerprint derives the cache key for a query outcome.
func Fingerprint(text string, mode models.QueryMode, tier models.Tier, chunkIDs []string, temperature float64, maxTokens int) string {
	h := sha256.New()
	fmt.Fprintf(h, "q:%s\n", strings.ToLower(embeddings.Normalize(text)))
	fmt.Fprintf(h, "m:%s\n", mode)
	fmt.Fprintf(h, "t:%s\n", tier)
	fmt.Fprintf(h, "c:%s\n", strings.Join(chunkIDs, ","))
	// Temperatures within the same 0.1 bucket share an entry.
	fmt.Fprintf(h, "p:%d\n", int(temperature*10+0.5))
	fmt.Fprintf(h, "n:%d\n", maxTokens)
	return hex.EncodeToString(h.Sum(nil))
}

// Entry is one cached query outcome.
type Entry struct {
	Result   models.QueryResult
	ModelIDs []string // models that produced the result
	StoredAt time.Time
}

type item struct {
	fp      string
	entry   Entry
	expires time.Time
}

type shard struct {
	mu    sync.Mutex
	ll    *list.List // front = most recent
	items map[string]*list.Element
}

// Cache is the sharded response cache.
type Cache struct {
	shards      [shardCount]*shard
	ttl         time.Duration
	maxPerShard int
}

// New creates a cache bounded at maxEntries total with the given TTL.
func New(maxEntries int, ttl time.Duration) *Cache {
	perShard := maxEntries / shardCount
	if perShard < 1 {
		perShard = 1
	}
	c := &Cache{ttl: ttl, maxPerShard: perShard}
	for i := range c.shards {
		c.shards[i] = &shard{
			ll:    list.New(),
			items: make(map[string]*list.Element),
		}
	}
	return c
}

func (c *Cache) shard(fp string) *shard {
	if len(fp) == 0 {
		return c.shards[0]
	}
	// First hex nibble of the fingerprint selects the shard.
	n := strings.IndexByte("0123456789abcdef", fp[0])
	if n < 0 {
		n = 0
	}
	return c.shards[n]
}

// Get returns the cached entry for fp. Expired entries count as misses and
// are evicted in place.
func (c *Cache) Get(fp string) (Entry, bool) {
	s := c.shard(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[fp]
	if !ok {
		metrics.CacheOps.WithLabelValues("miss").Inc()
		return Entry{}, false
	}
	it := el.Value.(*item)
	if time.Now().After(it.expires) {
		s.ll.Remove(el)
		delete(s.items, fp)
		metrics.CacheOps.WithLabelValues("miss").Inc()
		return Entry{}, false
	}
	s.ll.MoveToFront(el)
	metrics.CacheOps.WithLabelValues("hit").Inc()
	return it.entry, true
}

// Put stores an entry, evicting the shard's least-recently-used entry when
// full.
func (c *Cache) Put(fp string, e Entry) {
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now().UTC()
	}

	s := c.shard(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[fp]; ok {
		it := el.Value.(*item)
		it.entry = e
		it.expires = time.Now().Add(c.ttl)
		s.ll.MoveToFront(el)
		return
	}

	for s.ll.Len() >= c.maxPerShard {
		oldest := s.ll.Back()
		if oldest == nil {
			break
		}
		s.ll.Remove(oldest)
		delete(s.items, oldest.Value.(*item).fp)
	}

	s.items[fp] = s.ll.PushFront(&item{
		fp:      fp,
		entry:   e,
		expires: time.Now().Add(c.ttl),
	})
	metrics.CacheOps.WithLabelValues("put").Inc()
}

// InvalidateModel evicts every entry produced by the given model.
func (c *Cache) InvalidateModel(modelID string) {
	evicted := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for el := s.ll.Front(); el != nil; {
			next := el.Next()
			it := el.Value.(*item)
			for _, id := range it.entry.ModelIDs {
				if id == modelID {
					s.ll.Remove(el)
					delete(s.items, it.fp)
					evicted++
					break
				}
			}
			el = next
		}
		s.mu.Unlock()
	}
	if evicted > 0 {
		metrics.CacheOps.WithLabelValues("invalidate").Add(float64(evicted))
		log.Info().Str("model", modelID).Int("evicted", evicted).Msg("cache entries invalidated")
	}
}

// Flush drops every entry (index rebuilds invalidate all cached context).
func (c *Cache) Flush() {
	evicted := 0
	for _, s := range c.shards {
		s.mu.Lock()
		evicted += s.ll.Len()
		s.ll.Init()
		s.items = make(map[string]*list.Element)
		s.mu.Unlock()
	}
	if evicted > 0 {
		metrics.CacheOps.WithLabelValues("invalidate").Add(float64(evicted))
		log.Info().Int("evicted", evicted).Msg("cache flushed")
	}
}

// Len returns the total entry count across shards.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.ll.Len()
		s.mu.Unlock()
	}
	return n
}
