// Package patterncache memoises filter-document lowerings. Stored
// filters and list endpoints re-issue the same documents on every call,
// so translations are kept until a write to a referenced model
// invalidates them or the TTL expires.
package patterncache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/stratumhq/stratum-backend/pkg/config"
	"github.com/stratumhq/stratum-backend/pkg/logger"
)

// Translation is a cached lowering of one filter document. Strip lists
// columns the lowering added for its own bookkeeping; callers remove them
// from rows before returning results.
type Translation struct {
	SQL    string
	Params []any
	Strip  []string
}

type entry struct {
	key     string
	models  []string
	value   Translation
	addedAt time.Time
}

// Cache is a bounded LRU with TTL expiry and a per-model key index for
// targeted invalidation.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	byModel map[string]map[string]struct{}

	max int
	ttl time.Duration
	log *logger.Logger
}

func New(cfg *config.Config, log *logger.Logger) *Cache {
	max := cfg.Cache.PatternMaxEntries
	if max <= 0 {
		max = 1000
	}
	return &Cache{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		byModel: make(map[string]map[string]struct{}),
		max:     max,
		ttl:     cfg.Cache.PatternTTL,
		log:     log.WithComponent("patterncache"),
	}
}

// Key derives the cache key for one document against one model. The raw
// document text participates, so any change to the filter produces a new
// key.
func Key(tenant, model, doc string) string {
	h := sha256.Sum256([]byte(tenant + "\x00" + model + "\x00" + doc))
	return hex.EncodeToString(h[:])
}

// ModelKey names the index bucket writes invalidate.
func ModelKey(tenant, model string) string {
	return tenant + "/" + model
}

// Get returns the cached translation for key, refreshing its LRU
// position. Expired entries are dropped on access.
func (c *Cache) Get(key string) (Translation, bool) {
	if c.ttl <= 0 {
		return Translation{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return Translation{}, false
	}
	e := el.Value.(*entry)
	if time.Since(e.addedAt) > c.ttl {
		c.remove(el)
		return Translation{}, false
	}
	c.lru.MoveToFront(el)
	return e.value, true
}

// Put stores a translation under key, indexed by the model keys it
// references. The oldest entry is evicted when the cache is full.
func (c *Cache) Put(key string, models []string, value Translation) {
	if c.ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}

	e := &entry{key: key, models: models, value: value, addedAt: time.Now()}
	c.entries[key] = c.lru.PushFront(e)
	for _, m := range models {
		set, ok := c.byModel[m]
		if !ok {
			set = make(map[string]struct{})
			c.byModel[m] = set
		}
		set[key] = struct{}{}
	}

	for c.lru.Len() > c.max {
		c.remove(c.lru.Back())
	}
}

// InvalidateModel drops every translation that references the model.
func (c *Cache) InvalidateModel(tenant, model string) {
	mk := ModelKey(tenant, model)

	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.byModel[mk]
	if !ok {
		return
	}
	n := len(set)
	for key := range set {
		if el, ok := c.entries[key]; ok {
			c.remove(el)
		}
	}
	c.log.Debug().Str("model", mk).Int("entries", n).Msg("pattern cache invalidated")
}

// InvalidateTenant drops every translation for the tenant.
func (c *Cache) InvalidateTenant(tenant string) {
	prefix := tenant + "/"

	c.mu.Lock()
	defer c.mu.Unlock()

	for mk, set := range c.byModel {
		if len(mk) < len(prefix) || mk[:len(prefix)] != prefix {
			continue
		}
		for key := range set {
			if el, ok := c.entries[key]; ok {
				c.remove(el)
			}
		}
	}
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.byModel = make(map[string]map[string]struct{})
	c.lru.Init()
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// remove unlinks an element from the LRU, the key map and the model
// index. Callers hold the lock.
func (c *Cache) remove(el *list.Element) {
	e := el.Value.(*entry)
	c.lru.Remove(el)
	delete(c.entries, e.key)
	for _, m := range e.models {
		if set, ok := c.byModel[m]; ok {
			delete(set, e.key)
			if len(set) == 0 {
				delete(c.byModel, m)
			}
		}
	}
}
