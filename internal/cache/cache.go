// Package cache is the agent's persistent key-value cache: a memory tier in
// front of a durable kv.Store, TTL-based expiry, and a version stamp that
// purges every namespaced entry when the build version changes.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"angkor/offline/internal/kv"
	"angkor/offline/internal/logging"
)

const (
	// Prefix namespaces every cache key inside the shared durable store.
	Prefix = "angkor_compliance_"
	// VersionKey holds the build version the namespaced entries were written under.
	VersionKey     = "angkor_cache_version"
	DefaultVersion = "1.0.1"
	DefaultTTL     = 300000 * time.Millisecond

	// sweepInterval bounds how long an expired, never re-read entry can
	// occupy the memory tier.
	sweepInterval = time.Minute
)

// EssentialKeys survive Clear because they gate session UX.
var EssentialKeys = []string{"userRole", "userDisplayName", "language", "preferredLanguage"}

// IsEssential reports whether a raw or namespaced durable key is on the
// allow-list.
func IsEssential(key string) bool {
	name := strings.TrimPrefix(key, Prefix)
	for _, essential := range EssentialKeys {
		if name == essential {
			return true
		}
	}
	return false
}

type envelope struct {
	Data   json.RawMessage `json:"data"`
	Expiry int64           `json:"expiry"`
}

type entry struct {
	data      json.RawMessage
	expiresAt time.Time
}

// Cache is safe for concurrent use. The durable tier is best-effort: when a
// durable write fails the memory tier stays authoritative for the process.
type Cache struct {
	durable    kv.Store
	memory     *ttlcache.Cache[string, entry]
	version    string
	defaultTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger

	sweepMu   sync.Mutex
	lastSweep time.Time
}

type Option func(*Cache)

func WithVersion(version string) Option {
	return func(c *Cache) {
		if version != "" {
			c.version = version
		}
	}
}

func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logging.For(logger, logging.ChannelCache) }
}

// New builds a cache over durable and runs the version check before
// returning, so no read can observe entries written by another build. It only
// fails when the durable store cannot be read at all.
func New(ctx context.Context, durable kv.Store, opts ...Option) (*Cache, error) {
	c := &Cache{
		durable:    durable,
		memory:     ttlcache.New[string, entry](ttlcache.WithDisableTouchOnHit[string, entry]()),
		version:    DefaultVersion,
		defaultTTL: DefaultTTL,
		now:        time.Now,
		logger:     logging.For(nil, logging.ChannelCache),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastSweep = c.now()

	stamp, err := durable.Get(ctx, VersionKey)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, err
	}
	if stamp != c.version {
		c.logger.Info("cache version changed, clearing entries", "from", stamp, "to", c.version)
		c.Clear(ctx)
		if err := durable.Set(ctx, VersionKey, c.version); err != nil {
			c.logger.Warn("write cache version failed", "error", err)
		}
	}
	return c, nil
}

func (c *Cache) Version() string {
	return c.version
}

func key(name string) string {
	return Prefix + name
}

// Set stores value under key for ttl (DefaultTTL when ttl <= 0). It reports
// whether the durable write succeeded; the memory tier is always written.
func (c *Cache) Set(ctx context.Context, name string, value any, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Error("encode cache value", "key", name, "error", err)
		return false
	}

	c.maybeSweep()
	full := key(name)
	expiresAt := c.now().Add(ttl)
	c.memory.Set(full, entry{data: data, expiresAt: expiresAt}, ttl)

	raw, err := json.Marshal(envelope{Data: data, Expiry: expiresAt.UnixMilli()})
	if err != nil {
		c.logger.Error("encode cache envelope", "key", name, "error", err)
		return false
	}
	if err := c.durable.Set(ctx, full, string(raw)); err != nil {
		c.logger.Warn("durable cache write failed, keeping memory copy", "key", name, "error", err)
		return false
	}
	c.logger.Debug("cache set", "key", name, "ttl", ttl)
	return true
}

// Get returns the live value for key. Expired entries are evicted from both
// tiers; a live durable entry is copied into the memory tier.
func (c *Cache) Get(ctx context.Context, name string) (json.RawMessage, bool) {
	full := key(name)
	now := c.now()

	if item := c.memory.Get(full); item != nil {
		cached := item.Value()
		if now.Before(cached.expiresAt) {
			c.logger.Debug("cache hit", "key", name, "tier", "memory")
			return cached.data, true
		}
		c.evict(ctx, full)
		return nil, false
	}

	raw, err := c.durable.Get(ctx, full)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("durable cache read failed", "key", name, "error", err)
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.Expiry == 0 {
		c.logger.Warn("unreadable cache entry", "key", name)
		return nil, false
	}
	expiresAt := time.UnixMilli(env.Expiry)
	if !now.Before(expiresAt) {
		c.evict(ctx, full)
		return nil, false
	}

	c.memory.Set(full, entry{data: env.Data, expiresAt: expiresAt}, expiresAt.Sub(now))
	c.logger.Debug("cache hit", "key", name, "tier", "durable")
	return env.Data, true
}

// Lookup decodes the cached value for key into T.
func Lookup[T any](ctx context.Context, c *Cache, name string) (T, bool) {
	var out T
	data, ok := c.Get(ctx, name)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(data, &out); err != nil {
		c.logger.Warn("decode cache value", "key", name, "error", err)
		return out, false
	}
	return out, true
}

func (c *Cache) evict(ctx context.Context, full string) {
	c.memory.Delete(full)
	if err := c.durable.Delete(ctx, full); err != nil {
		c.logger.Warn("evict expired entry", "key", strings.TrimPrefix(full, Prefix), "error", err)
		return
	}
	c.logger.Debug("cache entry expired", "key", strings.TrimPrefix(full, Prefix))
}

// Invalidate removes key from both tiers. Removing a missing key is a no-op.
func (c *Cache) Invalidate(ctx context.Context, name string) {
	full := key(name)
	c.memory.Delete(full)
	if err := c.durable.Delete(ctx, full); err != nil {
		c.logger.Warn("invalidate cache entry", "key", name, "error", err)
	}
}

// Clear removes every namespaced entry except the essential keys and returns
// how many durable entries were deleted.
func (c *Cache) Clear(ctx context.Context) int {
	c.sweep()
	for _, full := range c.memory.Keys() {
		if !IsEssential(full) {
			c.memory.Delete(full)
		}
	}

	keys, err := c.durable.Keys(ctx)
	if err != nil {
		c.logger.Warn("list durable keys", "error", err)
		return 0
	}
	removed := 0
	for _, full := range keys {
		if !strings.HasPrefix(full, Prefix) || IsEssential(full) {
			continue
		}
		if err := c.durable.Delete(ctx, full); err != nil {
			c.logger.Warn("clear cache entry", "key", full, "error", err)
			continue
		}
		removed++
	}
	c.logger.Info("cache cleared", "removed", removed)
	return removed
}

func (c *Cache) maybeSweep() {
	c.sweepMu.Lock()
	due := c.now().Sub(c.lastSweep) >= sweepInterval
	c.sweepMu.Unlock()
	if due {
		c.sweep()
	}
}

// sweep drops expired entries from the memory tier. Durable copies are left
// for Get to evict on the next read.
func (c *Cache) sweep() int {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	now := c.now()
	c.lastSweep = now

	c.memory.DeleteExpired()
	dropped := 0
	for _, full := range c.memory.Keys() {
		item := c.memory.Get(full)
		if item != nil && !now.Before(item.Value().expiresAt) {
			c.memory.Delete(full)
			dropped++
		}
	}
	if dropped > 0 {
		c.logger.Debug("memory tier swept", "dropped", dropped)
	}
	return dropped
}

// ResetMemory drops the memory tier; the next read refills from durable
// storage.
func (c *Cache) ResetMemory() {
	c.memory.DeleteAll()
	c.logger.Info("memory tier reset")
}

// Reload satisfies diagnostics.Reloader.
func (c *Cache) Reload(context.Context) error {
	c.ResetMemory()
	return nil
}
