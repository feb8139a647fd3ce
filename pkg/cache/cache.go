// Package cache is a small TTL cache over ristretto for per-token lookups
// that rarely change, such as the deposit wallet addresses.
package cache

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

type Config struct {
	NumCounters int64
	MaxCost     int64
	TTL         time.Duration
}

type Cache struct {
	c   *ristretto.Cache
	ttl time.Duration
}

func New(cfg Config) (*Cache, error) {
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = 1e4
	}
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = 1000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c, ttl: cfg.TTL}, nil
}

func (c *Cache) Get(key string) (any, bool) { return c.c.Get(key) }

// Set stores val with cost 1 and waits until it is visible to Get.
// Ristretto may still reject the item under pressure.
func (c *Cache) Set(key string, val any) bool {
	ok := c.c.SetWithTTL(key, val, 1, c.ttl)
	c.c.Wait()
	return ok
}

func (c *Cache) Del(key string) { c.c.Del(key) }

func (c *Cache) Close() { c.c.Close() }

// Lookup is a typed Get.
func Lookup[T any](c *Cache, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}
