// Package tiered implements a two-level (L1 + L2) cache adapter.
package tiered

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/sentry-webhooks/internal/port/cache"
)

// Cache combines an L1 (in-process) and an optional L2 (shared) cache.
// Get checks L1 first, then L2 (backfilling L1 on L2 hit). Set and Delete
// operate on both levels. L2 failures are logged and treated as misses so an
// unavailable KV bucket only costs a database read.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration
}

// New creates a tiered cache. l2 may be nil. With an l2, l1Expire caps how
// long any entry lives in L1: a Delete only reaches this replica's L1, so
// other replicas serve their copy until it expires. Without one, L1 is the
// only copy and keeps the caller's ttl.
func New(l1, l2 cache.Cache, l1Expire time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire}
}

// Get checks L1, then L2. On L2 hit, backfills L1.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found || c.l2 == nil {
		return val, found, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "l2 cache get failed", "key", key, "error", err)
		return nil, false, nil
	}
	if found {
		_ = c.l1.Set(ctx, key, val, c.l1Expire)
		return val, true, nil
	}

	return nil, false, nil
}

// Set writes to both L1 and L2. The L1 copy expires after at most l1Expire.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l1.Set(ctx, key, value, c.l1TTL(ttl)); err != nil {
		return err
	}
	if c.l2 == nil {
		return nil
	}
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		slog.WarnContext(ctx, "l2 cache set failed", "key", key, "error", err)
	}
	return nil
}

func (c *Cache) l1TTL(ttl time.Duration) time.Duration {
	if c.l2 != nil && c.l1Expire > 0 && (ttl <= 0 || ttl > c.l1Expire) {
		return c.l1Expire
	}
	return ttl
}

// Delete removes from both L1 and L2. Unlike Get and Set, an L2 failure is
// returned: a stale shared entry would outlive the write that invalidated it.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	if c.l2 == nil {
		return nil
	}
	return c.l2.Delete(ctx, key)
}
