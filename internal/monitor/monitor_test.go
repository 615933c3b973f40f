package monitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (l *noticeLog) record(n Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notices = append(l.notices, n)
}

func (l *noticeLog) events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, 0, len(l.notices))
	for _, n := range l.notices {
		out = append(out, n.Event)
	}
	return out
}

func (l *noticeLog) last() Notice {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notices[len(l.notices)-1]
}

func TestOnlineTransitionFlushesThenHidesIndicator(t *testing.T) {
	log := &noticeLog{}
	var flushes, diagnoses, repairs atomic.Int32
	m := New(Options{
		Online:          false,
		Flush:           func(context.Context) { flushes.Add(1) },
		Diagnose:        func(context.Context) { diagnoses.Add(1) },
		Repair:          func(context.Context) { repairs.Add(1) },
		BackOnlineDelay: 20 * time.Millisecond,
		OnNotice:        log.record,
	})
	require.False(t, m.Online())

	m.SetOnline(context.Background())

	assert.True(t, m.Online())
	assert.Equal(t, int32(1), flushes.Load())
	assert.Equal(t, int32(1), diagnoses.Load())
	assert.Equal(t, int32(1), repairs.Load())
	require.Eventually(t, func() bool {
		return len(log.events()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Event{EventBackOnline, EventBackOnlineHidden}, log.events())

	m.SetOnline(context.Background())
	assert.Equal(t, int32(1), flushes.Load(), "already online")
}

func TestOfflineTransitionShowsBanner(t *testing.T) {
	log := &noticeLog{}
	m := New(Options{Online: true, OnNotice: log.record})

	m.SetOffline()
	m.SetOffline()

	assert.Equal(t, StateOffline, m.State())
	assert.Equal(t, []Event{EventOffline}, log.events())
}

func TestVisibilityFlushesOnlyWhenOnline(t *testing.T) {
	flushes := 0
	m := New(Options{Online: false, Flush: func(context.Context) { flushes++ }})

	m.VisibilityChanged(context.Background(), true)
	assert.Zero(t, flushes)

	m = New(Options{Online: true, Flush: func(context.Context) { flushes++ }})
	m.VisibilityChanged(context.Background(), false)
	assert.Zero(t, flushes)
	m.VisibilityChanged(context.Background(), true)
	assert.Equal(t, 1, flushes)
}

func TestRetryFailureCountsAttempts(t *testing.T) {
	log := &noticeLog{}
	m := New(Options{
		Online:   false,
		Prober:   ProberFunc(func(context.Context) error { return &ServerError{Status: http.StatusBadGateway} }),
		OnNotice: log.record,
	})

	err := m.Retry(context.Background())
	require.ErrorIs(t, err, ErrStillOffline)
	err = m.Retry(context.Background())
	require.ErrorIs(t, err, ErrStillOffline)

	last := log.last()
	assert.Equal(t, EventStillOffline, last.Event)
	assert.Equal(t, 2, last.Attempt)
	assert.Equal(t, ReasonServer, last.Reason)
	assert.Equal(t, []Event{EventChecking, EventStillOffline, EventChecking, EventStillOffline}, log.events())
}

func TestRetrySuccessGoesOnline(t *testing.T) {
	flushed := false
	m := New(Options{
		Online: false,
		Prober: ProberFunc(func(context.Context) error { return nil }),
		Flush:  func(context.Context) { flushed = true },
	})

	require.NoError(t, m.Retry(context.Background()))
	assert.True(t, m.Online())
	assert.True(t, flushed)
}

func TestRetryProbeIsBounded(t *testing.T) {
	log := &noticeLog{}
	m := New(Options{
		Online: false,
		Prober: ProberFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}),
		ProbeTimeout: 20 * time.Millisecond,
		OnNotice:     log.record,
	})

	start := time.Now()
	err := m.Retry(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)
	require.ErrorIs(t, err, ErrStillOffline)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, ReasonNetwork, log.last().Reason)
}

func TestHTTPProber(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, "/api/health", r.URL.Path)
		assert.Equal(t, "no-cache", r.Header.Get("Cache-Control"))
		w.WriteHeader(status)
	}))
	defer srv.Close()

	prober := NewHTTPProber(srv.URL + "/")
	require.NoError(t, prober.Probe(context.Background()))

	status = http.StatusServiceUnavailable
	err := prober.Probe(context.Background())
	var serverErr *ServerError
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, ReasonServer, ReasonOf(err))

	srv.Close()
	err = prober.Probe(context.Background())
	require.Error(t, err)
	assert.Equal(t, ReasonNetwork, ReasonOf(err))
}

func TestRunDrivesTransitions(t *testing.T) {
	var up atomic.Bool
	m := New(Options{
		Online: true,
		Prober: ProberFunc(func(context.Context) error {
			if up.Load() {
				return nil
			}
			return errors.New("dial tcp: connection refused")
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return m.State() == StateOffline }, time.Second, 5*time.Millisecond)
	up.Store(true)
	require.Eventually(t, func() bool { return m.State() == StateOnline }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestSeedSetsStateWithoutTransition(t *testing.T) {
	log := &noticeLog{}
	var flushes atomic.Int32
	var up atomic.Bool
	m := New(Options{
		Online: true,
		Prober: ProberFunc(func(context.Context) error {
			if up.Load() {
				return nil
			}
			return errors.New("dial tcp: connection refused")
		}),
		Flush:    func(context.Context) { flushes.Add(1) },
		OnNotice: log.record,
	})

	assert.Equal(t, StateOffline, m.Seed(context.Background()))
	assert.False(t, m.Online())

	up.Store(true)
	assert.Equal(t, StateOnline, m.Seed(context.Background()))
	assert.True(t, m.Online())

	assert.Zero(t, flushes.Load())
	assert.Empty(t, log.events())
}
