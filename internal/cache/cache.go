// Package cache memoizes retrieval results keyed on query, plan, and the
// store's current generation, so any ingest or delete transparently
// invalidates every entry without an explicit purge.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// defaultTTL is the default retrieval cache window.
const defaultTTL = 60 * time.Second

// Cache memoizes arbitrary retrieval results.
type Cache struct {
	inner *gocache.Cache
}

// New creates a Cache with the default 60s TTL and a cleanup sweep at the
// same interval.
func New() *Cache {
	return &Cache{inner: gocache.New(defaultTTL, defaultTTL)}
}

// Key derives the cache key from the query text, the plan's serialized
// form, and the store's generation counter — a hit is only valid while
// all three are unchanged.
func Key(query, planHash string, storeGeneration int64) string {
	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte{0})
	h.Write([]byte(planHash))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", storeGeneration)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache) Get(key string) (interface{}, bool) {
	return c.inner.Get(key)
}

// Set stores value under key with the default TTL.
func (c *Cache) Set(key string, value interface{}) {
	c.inner.Set(key, value, gocache.DefaultExpiration)
}

// Len returns the number of live entries, mainly for diagnostics/tests.
func (c *Cache) Len() int {
	return c.inner.ItemCount()
}
