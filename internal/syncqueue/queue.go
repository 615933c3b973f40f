// Package syncqueue holds mutations made while offline and delivers them to
// the sync API once connectivity returns. Delivery is at-least-once; every
// item carries an idempotency key so the server can drop duplicates.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"angkor/offline/internal/kv"
	"angkor/offline/internal/logging"
	"angkor/offline/internal/telemetry"
)

// DefaultKey is the durable key the queue is written under. It lives outside
// the cache namespace so a cache clear never drops pending mutations.
const DefaultKey = "syncQueue"

const DefaultConcurrency = 8

type Item struct {
	ID             int64           `json:"id"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Data           json.RawMessage `json:"data"`
	Timestamp      time.Time       `json:"timestamp"`
	Retries        int             `json:"retries"`
}

// Transport delivers one item. A nil error means the server confirmed it.
type Transport interface {
	Deliver(ctx context.Context, item Item) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, item Item) error

func (f TransportFunc) Deliver(ctx context.Context, item Item) error { return f(ctx, item) }

type Policy string

const (
	// PerItem removes every item the server confirmed and keeps the rest.
	PerItem Policy = "per-item"
	// WholeBatch clears the queue only when every delivery succeeded.
	WholeBatch Policy = "whole-batch"
)

// ParsePolicy accepts the config spellings of a policy.
func ParsePolicy(value string) (Policy, error) {
	switch Policy(value) {
	case "", PerItem:
		return PerItem, nil
	case WholeBatch:
		return WholeBatch, nil
	default:
		return "", fmt.Errorf("unknown sync policy %q", value)
	}
}

type Status string

const (
	StatusReady    Status = "ready"
	StatusSyncing  Status = "syncing"
	StatusDegraded Status = "degraded"
)

type Result struct {
	Attempted int  `json:"attempted"`
	Delivered int  `json:"delivered"`
	Failed    int  `json:"failed"`
	Remaining int  `json:"remaining"`
	Skipped   bool `json:"skipped,omitempty"`
}

type Options struct {
	Key         string
	Policy      Policy
	Concurrency int
	// Online reports connectivity. Nil means always online.
	Online func() bool
	// OnStatus observes every status transition.
	OnStatus func(Status)
	Now      func() time.Time
	Logger   *slog.Logger
}

type AddOption func(*Item)

// WithIdempotencyKey sets the key the server deduplicates on. Without it a
// ULID is generated.
func WithIdempotencyKey(key string) AddOption {
	return func(item *Item) {
		if key != "" {
			item.IdempotencyKey = key
		}
	}
}

type Queue struct {
	store     kv.Store
	transport Transport
	opts      Options
	logger    *slog.Logger

	mu       sync.Mutex
	items    []Item
	lastID   int64
	status   Status
	flushing bool
}

// New loads any queue persisted by a previous process. An unreadable durable
// copy is logged and replaced by an empty queue.
func New(ctx context.Context, store kv.Store, transport Transport, opts Options) *Queue {
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.Policy == "" {
		opts.Policy = PerItem
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Online == nil {
		opts.Online = func() bool { return true }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	q := &Queue{
		store:     store,
		transport: transport,
		opts:      opts,
		logger:    logging.For(opts.Logger, logging.ChannelSync),
		status:    StatusReady,
	}
	q.load(ctx)
	return q
}

func (q *Queue) load(ctx context.Context) {
	raw, err := q.store.Get(ctx, q.opts.Key)
	if errors.Is(err, kv.ErrNotFound) {
		return
	}
	if err != nil {
		q.logger.Warn("load sync queue", "error", err)
		return
	}
	var items []Item
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		q.logger.Warn("decode sync queue", "error", err)
		return
	}
	for i := range items {
		if items[i].IdempotencyKey == "" {
			items[i].IdempotencyKey = ulid.Make().String()
		}
		if items[i].ID > q.lastID {
			q.lastID = items[i].ID
		}
	}
	q.items = items
	q.logger.Info("sync queue restored", "items", len(items))
}

// Add appends a mutation and writes the whole queue through to the durable
// store. The returned item is queued even if the durable write failed.
func (q *Queue) Add(ctx context.Context, data any, opts ...AddOption) (Item, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Item{}, fmt.Errorf("encode sync item: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	id := now.UnixMilli()
	if id <= q.lastID {
		id = q.lastID + 1
	}
	q.lastID = id

	item := Item{
		ID:             id,
		IdempotencyKey: ulid.Make().String(),
		Data:           payload,
		Timestamp:      now.UTC(),
	}
	for _, opt := range opts {
		opt(&item)
	}
	q.items = append(q.items, item)
	q.persistLocked(ctx)
	q.logger.Debug("queued mutation", "id", item.ID, "idempotency_key", item.IdempotencyKey, "pending", len(q.items))
	return item, nil
}

// Pending returns a copy of the queued items in insertion order.
func (q *Queue) Pending() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// Flush delivers every pending item concurrently and waits for all outcomes.
// It makes no network call when offline or empty. A flush already in progress
// makes this call return a skipped result.
func (q *Queue) Flush(ctx context.Context) Result {
	q.mu.Lock()
	if q.flushing {
		remaining := len(q.items)
		q.mu.Unlock()
		q.logger.Debug("flush already running")
		return Result{Skipped: true, Remaining: remaining}
	}
	if !q.opts.Online() || len(q.items) == 0 {
		remaining := len(q.items)
		q.mu.Unlock()
		return Result{Remaining: remaining}
	}
	q.flushing = true
	snapshot := append([]Item(nil), q.items...)
	q.setStatusLocked(StatusSyncing)
	q.mu.Unlock()

	ctx, span := telemetry.Tracer("syncqueue").Start(ctx, "syncqueue.flush")
	defer span.End()

	delivered := make([]bool, len(snapshot))
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(q.opts.Concurrency)
	for i, item := range snapshot {
		g.Go(func() error {
			if err := q.transport.Deliver(gctx, item); err != nil {
				q.logger.Warn("deliver sync item", "id", item.ID, "idempotency_key", item.IdempotencyKey, "error", err)
				return nil
			}
			delivered[i] = true
			return nil
		})
	}
	_ = g.Wait()

	result := Result{Attempted: len(snapshot)}
	attempted := make(map[int64]bool, len(snapshot))
	for i, ok := range delivered {
		attempted[snapshot[i].ID] = ok
		if ok {
			result.Delivered++
		} else {
			result.Failed++
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushing = false

	// A failed whole batch stays exactly as it was, successes included.
	if q.opts.Policy != WholeBatch || result.Failed == 0 {
		q.items = settle(q.items, attempted)
		q.persistLocked(ctx)
	}
	result.Remaining = len(q.items)

	if result.Failed > 0 {
		q.setStatusLocked(StatusDegraded)
		span.SetStatus(codes.Error, "delivery failures")
	} else {
		q.setStatusLocked(StatusReady)
	}
	span.SetAttributes(
		attribute.Int("attempted", result.Attempted),
		attribute.Int("delivered", result.Delivered),
		attribute.Int("failed", result.Failed),
	)
	q.logger.Info("flush complete", "attempted", result.Attempted, "delivered", result.Delivered, "failed", result.Failed, "remaining", result.Remaining, "policy", q.opts.Policy)
	return result
}

// settle drops confirmed items and bumps the retry counter of attempted
// items that failed. Items queued while the flush ran were not attempted and
// stay untouched.
func settle(items []Item, attempted map[int64]bool) []Item {
	kept := make([]Item, 0, len(items))
	for _, item := range items {
		delivered, ok := attempted[item.ID]
		switch {
		case ok && delivered:
			continue
		case ok:
			item.Retries++
		}
		kept = append(kept, item)
	}
	return kept
}

func (q *Queue) setStatusLocked(status Status) {
	if q.status == status {
		return
	}
	q.status = status
	if q.opts.OnStatus != nil {
		q.opts.OnStatus(status)
	}
}

// persistLocked writes the queue through, or removes the durable key when the
// queue is empty. Failures are logged; the in-memory queue stays
// authoritative for this process.
func (q *Queue) persistLocked(ctx context.Context) {
	if len(q.items) == 0 {
		if err := q.store.Delete(ctx, q.opts.Key); err != nil && !errors.Is(err, kv.ErrNotFound) {
			q.logger.Warn("remove durable sync queue", "error", err)
		}
		return
	}
	raw, err := json.Marshal(q.items)
	if err != nil {
		q.logger.Error("encode sync queue", "error", err)
		return
	}
	if err := q.store.Set(ctx, q.opts.Key, string(raw)); err != nil {
		q.logger.Warn("persist sync queue", "error", err, "items", len(q.items))
	}
}
