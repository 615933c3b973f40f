package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"angkor/offline/internal/kv"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestCache(t *testing.T, store kv.Store, clock *fakeClock, opts ...Option) *Cache {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	c, err := New(context.Background(), store, opts...)
	require.NoError(t, err)
	return c
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, kv.NewMemory(), clock)

	require.True(t, c.Set(ctx, "profile", map[string]any{"name": "Sokha"}, time.Minute))

	profile, ok := Lookup[map[string]string](ctx, c, "profile")
	require.True(t, ok)
	assert.Equal(t, "Sokha", profile["name"])
}

func TestExpiredEntryIsEvictedAndNotResurrected(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := kv.NewMemory()
	c := newTestCache(t, store, clock)

	c.Set(ctx, "audit_7", "draft", 10*time.Second)
	clock.Advance(11 * time.Second)

	_, ok := c.Get(ctx, "audit_7")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "audit_7")
	assert.False(t, ok, "second read must not resurrect the entry")

	_, err := store.Get(ctx, Prefix+"audit_7")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestExpiredDurableEntryAfterReload(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := kv.NewMemory()

	first := newTestCache(t, store, clock)
	first.Set(ctx, "audit_9", "draft", time.Second)

	clock.Advance(2 * time.Second)
	second := newTestCache(t, store, clock)
	_, ok := second.Get(ctx, "audit_9")
	assert.False(t, ok)

	_, err := store.Get(ctx, Prefix+"audit_9")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestDefaultTTLApplied(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, kv.NewMemory(), clock)

	c.Set(ctx, "k", 1, 0)
	clock.Advance(DefaultTTL - time.Millisecond)
	_, ok := c.Get(ctx, "k")
	assert.True(t, ok)

	clock.Advance(time.Millisecond)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestClearKeepsEssentialKeys(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := kv.NewMemory()
	c := newTestCache(t, store, clock)

	for _, essential := range EssentialKeys {
		require.NoError(t, store.Set(ctx, essential, "raw-"+essential))
		c.Set(ctx, essential, "cached-"+essential, time.Hour)
	}
	c.Set(ctx, "user_42", "profile", time.Hour)
	c.Set(ctx, "grievances", []int{1, 2}, time.Hour)
	require.NoError(t, store.Set(ctx, "unrelated", "stays"))

	removed := c.Clear(ctx)
	assert.Equal(t, 2, removed)

	for _, essential := range EssentialKeys {
		raw, err := store.Get(ctx, essential)
		require.NoError(t, err)
		assert.Equal(t, "raw-"+essential, raw)

		cached, ok := Lookup[string](ctx, c, essential)
		require.True(t, ok, essential)
		assert.Equal(t, "cached-"+essential, cached)
	}
	_, ok := c.Get(ctx, "user_42")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "grievances")
	assert.False(t, ok)

	value, err := store.Get(ctx, "unrelated")
	require.NoError(t, err)
	assert.Equal(t, "stays", value)
}

func TestVersionBumpPurgesNamespace(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := kv.NewMemory()

	old := newTestCache(t, store, clock, WithVersion("1.0.0"))
	old.Set(ctx, "user_42", "profile", time.Hour)
	old.Set(ctx, "permits", "list", time.Hour)

	newTestCache(t, store, clock, WithVersion("1.0.1"))

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	for _, k := range keys {
		if k != VersionKey {
			assert.True(t, IsEssential(k), "unexpected key %s survived", k)
		}
	}
	stamp, err := store.Get(ctx, VersionKey)
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", stamp)
}

func TestColdStartAfterDeploy(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	require.NoError(t, store.Set(ctx, "angkor_compliance_user_42", `{"data":"x","expiry":9999999999999}`))
	require.NoError(t, store.Set(ctx, "userRole", "factory_admin"))
	require.NoError(t, store.Set(ctx, VersionKey, "1.0.0"))

	_, err := New(ctx, store, WithVersion("1.0.1"))
	require.NoError(t, err)

	role, err := store.Get(ctx, "userRole")
	require.NoError(t, err)
	assert.Equal(t, "factory_admin", role)

	_, err = store.Get(ctx, "angkor_compliance_user_42")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	stamp, err := store.Get(ctx, VersionKey)
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", stamp)
}

func TestSameVersionKeepsEntries(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := kv.NewMemory()

	first := newTestCache(t, store, clock)
	first.Set(ctx, "user_42", "profile", time.Hour)

	second := newTestCache(t, store, clock)
	value, ok := Lookup[string](ctx, second, "user_42")
	require.True(t, ok)
	assert.Equal(t, "profile", value)
}

func TestReadThroughPopulatesMemoryTier(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	base := kv.NewMemory()

	writer := newTestCache(t, base, clock)
	writer.Set(ctx, "user_42", "profile", time.Hour)

	spy := kv.Counting(base)
	reader := newTestCache(t, spy, clock)
	spy.Reset()

	_, ok := reader.Get(ctx, "user_42")
	require.True(t, ok)
	assert.EqualValues(t, 1, spy.Gets())

	_, ok = reader.Get(ctx, "user_42")
	require.True(t, ok)
	assert.EqualValues(t, 1, spy.Gets(), "second read must be served from memory")
}

func TestDurableFailureKeepsMemoryCopy(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := kv.WithQuota(kv.NewMemory(), 64)
	c := newTestCache(t, store, clock)

	persisted := c.Set(ctx, "report", string(make([]byte, 256)), time.Hour)
	assert.False(t, persisted)

	_, ok := c.Get(ctx, "report")
	assert.True(t, ok, "memory tier stays authoritative")
}

func TestCorruptedDurableEntryIsAbsentButKept(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := kv.NewMemory()
	c := newTestCache(t, store, clock)

	require.NoError(t, store.Set(ctx, Prefix+"broken", "{not json"))
	_, ok := c.Get(ctx, "broken")
	assert.False(t, ok)

	raw, err := store.Get(ctx, Prefix+"broken")
	require.NoError(t, err)
	assert.Equal(t, "{not json", raw)
}

func TestInvalidateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := kv.NewMemory()
	c := newTestCache(t, store, clock)

	c.Set(ctx, "k", "v", time.Hour)
	c.Invalidate(ctx, "k")
	c.Invalidate(ctx, "k")

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	_, err := store.Get(ctx, Prefix+"k")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestResetMemoryFallsBackToDurable(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	spy := kv.Counting(kv.NewMemory())
	c := newTestCache(t, spy, clock)

	c.Set(ctx, "k", "v", time.Hour)
	spy.Reset()
	require.NoError(t, c.Reload(ctx))

	_, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.EqualValues(t, 1, spy.Gets())
}

func TestUnreadExpiredEntriesLeaveMemoryTier(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := kv.NewMemory()
	c := newTestCache(t, store, clock)

	for _, name := range []string{"a", "b", "c"} {
		c.Set(ctx, name, name, time.Second)
	}
	require.Equal(t, 3, c.memory.Len())

	clock.Advance(sweepInterval)
	c.Set(ctx, "fresh", "x", time.Hour)
	assert.Equal(t, 1, c.memory.Len(), "expired entries are swept on a later write")

	_, err := store.Get(ctx, Prefix+"a")
	require.NoError(t, err, "durable copy is evicted on read, not by the sweep")
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
}

func TestClearSweepsExpiredEssentialEntries(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, kv.NewMemory(), clock)

	c.Set(ctx, "userRole", "auditor", time.Second)
	clock.Advance(2 * time.Second)
	c.Clear(ctx)
	assert.Zero(t, c.memory.Len())
}
