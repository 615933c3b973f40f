package swcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jellydator/ttlcache/v3"
)

// boundedCache caps a cache at limit entries. The least recently matched or
// stored entry is evicted from the underlying cache before a new one is
// written.
type boundedCache struct {
	Cache
	limit  int
	logger *slog.Logger

	mu    sync.Mutex
	index *ttlcache.Cache[string, struct{}]
}

// Bounded wraps c with an LRU bound. A limit <= 0 returns c unchanged.
func Bounded(ctx context.Context, c Cache, limit int, logger *slog.Logger) (Cache, error) {
	if limit <= 0 {
		return c, nil
	}
	b := &boundedCache{
		Cache:  c,
		limit:  limit,
		logger: logger,
		index:  ttlcache.New[string, struct{}](ttlcache.WithTTL[string, struct{}](ttlcache.NoTTL)),
	}
	keys, err := c.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("index cache entries: %w", err)
	}
	for _, key := range keys {
		b.index.Set(key, struct{}{}, ttlcache.NoTTL)
	}
	for b.index.Len() > limit {
		if err := b.evictOldest(ctx); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *boundedCache) Match(ctx context.Context, url string) (*Response, bool, error) {
	resp, ok, err := b.Cache.Match(ctx, url)
	if ok {
		b.mu.Lock()
		if b.index.Get(url) == nil {
			b.index.Set(url, struct{}{}, ttlcache.NoTTL)
		}
		b.mu.Unlock()
	}
	return resp, ok, err
}

func (b *boundedCache) Put(ctx context.Context, resp *Response) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.index.Has(resp.URL) {
		for b.index.Len() >= b.limit {
			if err := b.evictOldest(ctx); err != nil {
				return err
			}
		}
	}
	if err := b.Cache.Put(ctx, resp); err != nil {
		return err
	}
	b.index.Set(resp.URL, struct{}{}, ttlcache.NoTTL)
	return nil
}

func (b *boundedCache) Delete(ctx context.Context, url string) (bool, error) {
	b.mu.Lock()
	b.index.Delete(url)
	b.mu.Unlock()
	return b.Cache.Delete(ctx, url)
}

func (b *boundedCache) evictOldest(ctx context.Context) error {
	var oldest string
	b.index.RangeBackwards(func(item *ttlcache.Item[string, struct{}]) bool {
		oldest = item.Key()
		return false
	})
	if oldest == "" {
		return nil
	}
	if _, err := b.Cache.Delete(ctx, oldest); err != nil {
		return fmt.Errorf("evict %s: %w", oldest, err)
	}
	b.index.Delete(oldest)
	if b.logger != nil {
		b.logger.Debug("evicted dynamic entry", "url", oldest, "limit", b.limit)
	}
	return nil
}
