package idem

import (
	"context"
	"sync"
	"time"

	"main/internal/adapter"
	"main/internal/adapter/enum"
)

const (
	DefaultTTL       = 24 * time.Hour
	DefaultRejectTTL = time.Hour
	DefaultSweep     = time.Minute
)

// CacheConfig controls entry lifetimes.
type CacheConfig struct {
	TTL       time.Duration // resolved entries
	RejectTTL time.Duration // terminal rejections, kept shorter
	Sweep     time.Duration // reaper interval
}

// Cache maps client order ids to submission outcomes. Acquire hands exactly
// one concurrent caller per key an owner claim; everyone else waits on the
// owner's result. A plain contains-then-insert sequence would leave a window
// for a second dispatch, so the pending entry itself is the lock.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	cfg     CacheConfig
}

type entry struct {
	done      chan struct{}
	order     adapter.Order
	err       error
	expiresAt time.Time // zero while the owner is still in flight
}

// NewCache creates a cache with the given lifetimes, zero values defaulted.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RejectTTL <= 0 {
		cfg.RejectTTL = DefaultRejectTTL
	}
	if cfg.Sweep <= 0 {
		cfg.Sweep = DefaultSweep
	}
	return &Cache{
		entries: make(map[string]*entry),
		cfg:     cfg,
	}
}

// Claim is the handle returned by Acquire. The owner must call exactly one of
// Complete or Abandon; followers call Wait.
type Claim struct {
	cache *Cache
	key   string
	e     *entry
	owner bool
}

// Acquire returns a claim for the key. The boolean is true for the single
// caller that became the owner and must perform the dispatch.
func (c *Cache) Acquire(key string) (*Claim, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if e.expiresAt.IsZero() || time.Now().Before(e.expiresAt) {
			return &Claim{cache: c, key: key, e: e}, false
		}
		delete(c.entries, key)
	}

	e := &entry{done: make(chan struct{})}
	c.entries[key] = e
	return &Claim{cache: c, key: key, e: e, owner: true}, true
}

// Complete resolves the claim with the final order. Rejections stay cached
// for the shorter lifetime.
func (cl *Claim) Complete(order adapter.Order) {
	ttl := cl.cache.cfg.TTL
	if order.Status == enum.OrderStatusRejected {
		ttl = cl.cache.cfg.RejectTTL
	}

	cl.cache.mu.Lock()
	cl.e.order = order
	cl.e.expiresAt = time.Now().Add(ttl)
	cl.cache.mu.Unlock()
	close(cl.e.done)
}

// Abandon resolves the claim with an error and drops the entry, so a retry
// with the same key claims it again and re-dispatches.
func (cl *Claim) Abandon(err error) {
	cl.cache.mu.Lock()
	cl.e.err = err
	if cl.cache.entries[cl.key] == cl.e {
		delete(cl.cache.entries, cl.key)
	}
	cl.cache.mu.Unlock()
	close(cl.e.done)
}

// Resolved reports whether the owner already finished. A follower on an
// unresolved claim is about to block in Wait.
func (cl *Claim) Resolved() bool {
	select {
	case <-cl.e.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the owner resolves the claim or ctx is done.
func (cl *Claim) Wait(ctx context.Context) (adapter.Order, error) {
	select {
	case <-cl.e.done:
		cl.cache.mu.Lock()
		order, err := cl.e.order, cl.e.err
		cl.cache.mu.Unlock()
		return order, err
	case <-ctx.Done():
		return adapter.Order{}, ctx.Err()
	}
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run sweeps expired entries until ctx is done. Lookups never wait on the
// sweeper; Acquire also drops expired entries lazily.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for key, e := range c.entries {
				if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
