// Package optcache fronts an options.Store with a cache.Cache so the event
// pipeline does not query PostgreSQL for every processed event.
package optcache

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/sentry-webhooks/internal/port/cache"
	"github.com/Strob0t/sentry-webhooks/internal/port/options"
)

// Entry markers. Absent options are cached too so unconfigured projects
// stay cheap.
const (
	markPresent = '1'
	markAbsent  = '0'
)

// Store is a read-through, write-invalidate options.Store decorator.
type Store struct {
	next  options.Store
	cache cache.Cache
	ttl   time.Duration
	keys  []string
}

var _ options.Store = (*Store)(nil)

// New wraps next. keys lists the option keys DeleteOptions must invalidate.
func New(next options.Store, c cache.Cache, ttl time.Duration, keys ...string) *Store {
	return &Store{next: next, cache: c, ttl: ttl, keys: keys}
}

func cacheKey(projectID, plugin, key string) string {
	return "opt:" + projectID + ":" + plugin + ":" + key
}

// GetOption serves from the cache and falls back to the wrapped store.
func (s *Store) GetOption(ctx context.Context, projectID, plugin, key string) (string, bool, error) {
	ck := cacheKey(projectID, plugin, key)

	if raw, ok, err := s.cache.Get(ctx, ck); err == nil && ok && len(raw) > 0 {
		return string(raw[1:]), raw[0] == markPresent, nil
	} else if err != nil {
		slog.WarnContext(ctx, "options cache get failed", "key", ck, "error", err)
	}

	value, found, err := s.next.GetOption(ctx, projectID, plugin, key)
	if err != nil {
		return "", false, err
	}

	entry := []byte{markAbsent}
	if found {
		entry = append([]byte{markPresent}, value...)
	}
	if err := s.cache.Set(ctx, ck, entry, s.ttl); err != nil {
		slog.WarnContext(ctx, "options cache set failed", "key", ck, "error", err)
	}
	return value, found, nil
}

// SetOption writes through and invalidates the cached entry.
func (s *Store) SetOption(ctx context.Context, projectID, plugin, key, value string) error {
	if err := s.next.SetOption(ctx, projectID, plugin, key, value); err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey(projectID, plugin, key))
}

// DeleteOptions deletes from the wrapped store and invalidates every known key.
func (s *Store) DeleteOptions(ctx context.Context, projectID, plugin string) error {
	if err := s.next.DeleteOptions(ctx, projectID, plugin); err != nil {
		return err
	}
	for _, key := range s.keys {
		if err := s.cache.Delete(ctx, cacheKey(projectID, plugin, key)); err != nil {
			return err
		}
	}
	return nil
}
