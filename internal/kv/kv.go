// Package kv provides the durable string key-value stores the agent keeps its
// cache envelopes, sync queue and session keys in.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrNotFound reports a missing key.
	ErrNotFound = errors.New("key not found")
	// ErrQuotaExceeded reports a write rejected because the store is full.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// Store is a string-keyed, string-valued durable store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Size returns the total number of bytes held in keys and values.
func Size(ctx context.Context, s Store) (int64, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list keys: %w", err)
	}
	var total int64
	for _, key := range keys {
		value, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", key, err)
		}
		total += int64(len(key) + len(value))
	}
	return total, nil
}

type quotaStore struct {
	Store
	limit int64
}

// WithQuota rejects writes that would grow the store past limit bytes.
func WithQuota(s Store, limit int64) Store {
	if limit <= 0 {
		return s
	}
	return &quotaStore{Store: s, limit: limit}
}

func (q *quotaStore) Set(ctx context.Context, key, value string) error {
	size, err := Size(ctx, q.Store)
	if err != nil {
		return err
	}
	existing, err := q.Store.Get(ctx, key)
	switch {
	case err == nil:
		size -= int64(len(key) + len(existing))
	case !errors.Is(err, ErrNotFound):
		return err
	}
	if size+int64(len(key)+len(value)) > q.limit {
		return fmt.Errorf("set %s: %w", key, ErrQuotaExceeded)
	}
	return q.Store.Set(ctx, key, value)
}

// Counter wraps a Store and counts calls per operation.
type Counter struct {
	Store
	gets    atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
}

func Counting(s Store) *Counter {
	return &Counter{Store: s}
}

func (c *Counter) Get(ctx context.Context, key string) (string, error) {
	c.gets.Add(1)
	return c.Store.Get(ctx, key)
}

func (c *Counter) Set(ctx context.Context, key, value string) error {
	c.sets.Add(1)
	return c.Store.Set(ctx, key, value)
}

func (c *Counter) Delete(ctx context.Context, key string) error {
	c.deletes.Add(1)
	return c.Store.Delete(ctx, key)
}

func (c *Counter) Gets() int64    { return c.gets.Load() }
func (c *Counter) Sets() int64    { return c.sets.Load() }
func (c *Counter) Deletes() int64 { return c.deletes.Load() }

// Reset zeroes the counters.
func (c *Counter) Reset() {
	c.gets.Store(0)
	c.sets.Store(0)
	c.deletes.Store(0)
}
