package swcache

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"angkor/offline/internal/logging"
)

// Registry tracks the active worker and at most one waiting worker.
type Registry struct {
	clients *Clients
	logger  *slog.Logger

	mu      sync.RWMutex
	active  *Worker
	waiting *Worker
}

func NewRegistry(clients *Clients, logger *slog.Logger) *Registry {
	r := &Registry{clients: clients, logger: logging.For(logger, logging.ChannelWorker)}
	if clients != nil {
		clients.OnControl(r.HandleControl)
	}
	return r
}

func (r *Registry) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *Registry) Waiting() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// Update installs w. It takes over immediately when nothing is active or
// when it does not wait for clients; otherwise it waits and the pages are
// told an update is available. An incomplete install is reported but does
// not stop the worker.
func (r *Registry) Update(ctx context.Context, w *Worker) error {
	installErr := w.Install(ctx)
	if w.State() == StateRedundant {
		return installErr
	}

	r.mu.Lock()
	takeOver := r.active == nil || !w.opts.WaitForClients
	if !takeOver {
		if r.waiting != nil && r.waiting != w {
			r.waiting.setState(StateRedundant)
		}
		r.waiting = w
	}
	r.mu.Unlock()

	if !takeOver {
		r.logger.Info("worker waiting", "version", w.Version())
		if r.clients != nil {
			r.clients.Broadcast(Message{Type: MessageUpdateAvailable, Version: w.Version()})
		}
		return installErr
	}
	return errors.Join(installErr, r.promote(ctx, w))
}

// SkipWaiting promotes the waiting worker, if any.
func (r *Registry) SkipWaiting(ctx context.Context) error {
	r.mu.RLock()
	w := r.waiting
	r.mu.RUnlock()
	if w == nil {
		return nil
	}
	return r.promote(ctx, w)
}

func (r *Registry) promote(ctx context.Context, w *Worker) error {
	r.mu.Lock()
	previous := r.active
	r.active = w
	if r.waiting == w {
		r.waiting = nil
	}
	r.mu.Unlock()

	if previous != nil && previous != w {
		previous.setState(StateRedundant)
	}
	return w.Activate(ctx)
}

// HandleControl applies a control message sent by a page.
func (r *Registry) HandleControl(ctx context.Context, msg ControlMessage) {
	switch msg.Action {
	case "skipWaiting":
		if err := r.SkipWaiting(ctx); err != nil {
			r.logger.Warn("skip waiting", "error", err)
		}
	default:
		r.logger.Debug("unhandled control message", "action", msg.Action)
	}
}

// ServeHTTP routes fetches to the active worker.
func (r *Registry) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	w := r.Active()
	if w == nil {
		http.Error(rw, "no active worker", http.StatusServiceUnavailable)
		return
	}
	w.ServeHTTP(rw, req)
}
