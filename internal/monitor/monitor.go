// Package monitor tracks connectivity to the sync API and drives the
// transitions that flush the sync queue when the agent comes back online.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"angkor/offline/internal/logging"
)

type State string

const (
	StateOnline  State = "online"
	StateOffline State = "offline"
)

type Event string

const (
	EventOffline          Event = "offline"
	EventBackOnline       Event = "back_online"
	EventBackOnlineHidden Event = "back_online_hidden"
	EventChecking         Event = "checking"
	EventStillOffline     Event = "still_offline"
)

// Notice is what pages render: the offline banner, the transient back online
// indicator, and the retry states.
type Notice struct {
	Event   Event     `json:"event"`
	Attempt int       `json:"attempt,omitempty"`
	Reason  Reason    `json:"reason,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

var ErrStillOffline = errors.New("still offline")

const (
	DefaultProbeTimeout    = 5 * time.Second
	DefaultBackOnlineDelay = 3 * time.Second
)

type Options struct {
	// Online is the state at construction.
	Online   bool
	Prober   Prober
	Flush    func(ctx context.Context)
	Diagnose func(ctx context.Context)
	// Repair runs after every offline to online transition.
	Repair func(ctx context.Context)

	ProbeTimeout    time.Duration
	BackOnlineDelay time.Duration

	OnNotice func(Notice)
	Now      func() time.Time
	Logger   *slog.Logger
}

type Monitor struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	attempts int
	hide     *time.Timer
}

func New(opts Options) *Monitor {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.BackOnlineDelay <= 0 {
		opts.BackOnlineDelay = DefaultBackOnlineDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	state := StateOffline
	if opts.Online {
		state = StateOnline
	}
	return &Monitor{
		opts:   opts,
		logger: logging.For(opts.Logger, logging.ChannelMonitor),
		state:  state,
	}
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the last observed state is online.
func (m *Monitor) Online() bool {
	return m.State() == StateOnline
}

func (m *Monitor) notify(n Notice) {
	n.At = m.opts.Now()
	if m.opts.OnNotice != nil {
		m.opts.OnNotice(n)
	}
}

// SetOffline records an online to offline transition and shows the banner.
// Repeated calls while already offline do nothing.
func (m *Monitor) SetOffline() {
	m.mu.Lock()
	if m.state == StateOffline {
		m.mu.Unlock()
		return
	}
	m.state = StateOffline
	if m.hide != nil {
		m.hide.Stop()
		m.hide = nil
	}
	m.mu.Unlock()

	m.logger.Warn("connection lost")
	m.notify(Notice{Event: EventOffline, Message: "You are offline. Changes will sync when the connection returns."})
}

// SetOnline records an offline to online transition: the back online
// indicator is shown and hidden after a delay, then the queue is flushed.
// Repeated calls while already online do nothing.
func (m *Monitor) SetOnline(ctx context.Context) {
	m.mu.Lock()
	if m.state == StateOnline {
		m.mu.Unlock()
		return
	}
	m.state = StateOnline
	m.attempts = 0
	if m.hide != nil {
		m.hide.Stop()
	}
	m.hide = time.AfterFunc(m.opts.BackOnlineDelay, func() {
		m.notify(Notice{Event: EventBackOnlineHidden})
	})
	m.mu.Unlock()

	m.logger.Info("connection restored")
	m.notify(Notice{Event: EventBackOnline, Message: "Back online"})

	if m.opts.Flush != nil {
		m.opts.Flush(ctx)
	}
	if m.opts.Diagnose != nil {
		m.opts.Diagnose(ctx)
	}
	if m.opts.Repair != nil {
		m.opts.Repair(ctx)
	}
}

// VisibilityChanged flushes when a page becomes visible while online.
func (m *Monitor) VisibilityChanged(ctx context.Context, visible bool) {
	if !visible || !m.Online() {
		return
	}
	m.logger.Debug("page visible, flushing")
	if m.opts.Flush != nil {
		m.opts.Flush(ctx)
	}
}

// Retry is the user's try again action. It probes once under the probe
// timeout and re-drives the transition. A failed probe returns an error
// wrapping ErrStillOffline.
func (m *Monitor) Retry(ctx context.Context) error {
	m.notify(Notice{Event: EventChecking})
	err := m.probe(ctx)
	if err == nil {
		m.SetOnline(ctx)
		return nil
	}

	m.mu.Lock()
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	reason := ReasonOf(err)
	m.logger.Info("still offline", "attempt", attempt, "reason", reason, "error", err)
	m.SetOffline()
	m.notify(Notice{Event: EventStillOffline, Attempt: attempt, Reason: reason, Message: reason.Message()})
	return fmt.Errorf("%w: %w", ErrStillOffline, err)
}

func (m *Monitor) probe(ctx context.Context) error {
	if m.opts.Prober == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	return m.opts.Prober.Probe(ctx)
}

// Seed probes once and records the result as the starting state. Unlike
// Check it fires no transition: no notices, no flush.
func (m *Monitor) Seed(ctx context.Context) State {
	state := StateOnline
	if err := m.probe(ctx); err != nil {
		m.logger.Info("starting offline", "reason", ReasonOf(err), "error", err)
		state = StateOffline
	}
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	return state
}

// Check probes once and applies the resulting transition.
func (m *Monitor) Check(ctx context.Context) State {
	if err := m.probe(ctx); err != nil {
		m.logger.Debug("probe failed", "reason", ReasonOf(err), "error", err)
		m.SetOffline()
	} else {
		m.SetOnline(ctx)
	}
	return m.State()
}

// Run probes every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			if m.hide != nil {
				m.hide.Stop()
			}
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
