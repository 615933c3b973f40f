package swcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"angkor/offline/internal/logging"
	"angkor/offline/internal/telemetry"
)

type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// BackgroundSyncTag is the only sync tag the worker acts on.
const BackgroundSyncTag = "background-sync"

const (
	DefaultDynamicLimit = 200
	DefaultOfflinePage  = "/offline.html"
	maxBodyBytes        = 16 << 20
)

// Header set on every response the worker writes.
const CacheStatusHeader = "X-Angkor-Cache"

type Options struct {
	App     string
	Version string
	// Origin is the web application the worker sits in front of.
	Origin *url.URL
	// Static lists the shell URLs cached at install, relative to Origin.
	Static       []string
	OfflinePage  string
	DynamicLimit int
	// WaitForClients keeps an installed worker waiting while another one is
	// active instead of taking over immediately.
	WaitForClients bool

	Client  *http.Client
	Clients *Clients
	// Sync runs the data-sync routine for background sync events.
	Sync func(ctx context.Context) error

	Now    func() time.Time
	Logger *slog.Logger
}

type Worker struct {
	storage Storage
	opts    Options
	logger  *slog.Logger

	mu      sync.RWMutex
	state   State
	static  Cache
	dynamic Cache
	missing []string
}

func NewWorker(storage Storage, opts Options) (*Worker, error) {
	if opts.Origin == nil {
		return nil, errors.New("worker origin is required")
	}
	if opts.App == "" || opts.Version == "" {
		return nil, errors.New("worker app and version are required")
	}
	if opts.OfflinePage == "" {
		opts.OfflinePage = DefaultOfflinePage
	}
	if opts.DynamicLimit == 0 {
		opts.DynamicLimit = DefaultDynamicLimit
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Worker{
		storage: storage,
		opts:    opts,
		logger:  logging.For(opts.Logger, logging.ChannelWorker).With("version", opts.Version),
		state:   StateParsed,
	}, nil
}

func (w *Worker) StaticCacheName() string  { return w.opts.App + "-static-" + w.opts.Version }
func (w *Worker) DynamicCacheName() string { return w.opts.App + "-dynamic-" + w.opts.Version }
func (w *Worker) Version() string          { return w.opts.Version }

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
	w.logger.Info("worker state", "state", state)
}

// Missing returns the static URLs that failed to cache during install or the
// last repair.
func (w *Worker) Missing() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.missing...)
}

func (w *Worker) openCaches(ctx context.Context) error {
	w.mu.RLock()
	ready := w.static != nil && w.dynamic != nil
	w.mu.RUnlock()
	if ready {
		return nil
	}
	static, err := w.storage.Open(ctx, w.StaticCacheName())
	if err != nil {
		return fmt.Errorf("open static cache: %w", err)
	}
	dynamic, err := w.storage.Open(ctx, w.DynamicCacheName())
	if err != nil {
		return fmt.Errorf("open dynamic cache: %w", err)
	}
	dynamic, err = Bounded(ctx, dynamic, w.opts.DynamicLimit, w.logger)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.static, w.dynamic = static, dynamic
	w.mu.Unlock()
	return nil
}

// Install opens the static cache and stores every shell URL. Failed URLs are
// left out, remembered for RepairStatic and reported in the returned error.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	if err := w.openCaches(ctx); err != nil {
		w.setState(StateRedundant)
		return err
	}
	missing, err := w.cacheStatic(ctx, w.opts.Static)
	w.mu.Lock()
	w.missing = missing
	w.mu.Unlock()
	w.setState(StateInstalled)
	if err != nil {
		w.logger.Warn("static cache incomplete", "missing", len(missing), "error", err)
		return fmt.Errorf("install %s: %w", w.opts.Version, err)
	}
	return nil
}

// RepairStatic re-fetches only the static URLs missing from the cache and
// returns how many it stored.
func (w *Worker) RepairStatic(ctx context.Context) (int, error) {
	if err := w.openCaches(ctx); err != nil {
		return 0, err
	}
	w.mu.RLock()
	static := w.static
	w.mu.RUnlock()

	var absent []string
	for _, path := range w.opts.Static {
		target := w.resolve(path)
		if _, ok, err := static.Match(ctx, target.String()); err == nil && ok {
			continue
		}
		absent = append(absent, path)
	}
	if len(absent) == 0 {
		return 0, nil
	}
	missing, err := w.cacheStatic(ctx, absent)
	w.mu.Lock()
	w.missing = missing
	w.mu.Unlock()
	repaired := len(absent) - len(missing)
	w.logger.Info("static cache repaired", "repaired", repaired, "missing", len(missing))
	return repaired, err
}

func (w *Worker) cacheStatic(ctx context.Context, paths []string) ([]string, error) {
	w.mu.RLock()
	static := w.static
	w.mu.RUnlock()

	var (
		missing []string
		errs    []error
	)
	for _, path := range paths {
		target := w.resolve(path)
		resp, err := w.fetch(ctx, http.MethodGet, target, nil)
		if err == nil && resp.Status != http.StatusOK {
			err = fmt.Errorf("status %d", resp.Status)
		}
		if err == nil {
			err = static.Put(ctx, shareable(resp.Response))
		}
		if err != nil {
			missing = append(missing, path)
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	return missing, errors.Join(errs...)
}

// Activate deletes every cache that belongs to another version and claims the
// connected pages.
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)
	if err := w.openCaches(ctx); err != nil {
		return err
	}
	names, err := w.storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}
	current := map[string]bool{w.StaticCacheName(): true, w.DynamicCacheName(): true}
	for _, name := range names {
		if current[name] {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.logger.Warn("delete old cache", "cache", name, "error", err)
			continue
		}
		w.logger.Info("deleted old cache", "cache", name)
	}
	w.setState(StateActivated)
	if w.opts.Clients != nil {
		w.opts.Clients.Claim(w.opts.Version)
	}
	return nil
}

func (w *Worker) resolve(path string) *url.URL {
	ref, err := url.Parse(path)
	if err != nil {
		return w.opts.Origin
	}
	return w.opts.Origin.ResolveReference(ref)
}

func (w *Worker) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, w.opts.Origin.Scheme) && strings.EqualFold(u.Host, w.opts.Origin.Host)
}

// ServeHTTP is the fetch handler. Same-origin GETs are answered cache-first;
// everything else is forwarded untouched.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer("swcache").Start(r.Context(), "swcache.fetch")
	defer span.End()

	if r.URL.IsAbs() && !w.sameOrigin(r.URL) {
		span.SetAttributes(attribute.String("cache", "passthrough"))
		w.forward(ctx, rw, r, r.URL)
		return
	}
	target := w.resolve(r.URL.RequestURI())
	if r.Method != http.MethodGet {
		span.SetAttributes(attribute.String("cache", "passthrough"))
		w.forward(ctx, rw, r, target)
		return
	}

	if err := w.openCaches(ctx); err != nil {
		w.logger.Error("open caches", "error", err)
		http.Error(rw, "cache unavailable", http.StatusServiceUnavailable)
		return
	}
	w.mu.RLock()
	static, dynamic := w.static, w.dynamic
	w.mu.RUnlock()

	key := target.String()
	for _, c := range []Cache{static, dynamic} {
		cached, ok, err := c.Match(ctx, key)
		if err != nil {
			w.logger.Warn("cache match", "url", key, "error", err)
			continue
		}
		if ok {
			span.SetAttributes(attribute.String("cache", "hit"))
			writeResponse(rw, cached, "hit")
			return
		}
	}

	resp, err := w.fetch(ctx, http.MethodGet, target, r.Header)
	if err != nil {
		w.logger.Info("network fetch failed", "url", key, "error", err)
		span.SetAttributes(attribute.String("cache", "offline"))
		w.offline(ctx, rw, r, static)
		return
	}
	if resp.Status == http.StatusOK && resp.sameOrigin && storable(r.Header, resp.Header) {
		if err := dynamic.Put(ctx, shareable(resp.Response)); err != nil {
			w.logger.Warn("store dynamic entry", "url", key, "error", err)
		}
	}
	span.SetAttributes(attribute.String("cache", "miss"), attribute.Int("status", resp.Status))
	writeResponse(rw, resp.Response, "miss")
}

func (w *Worker) offline(ctx context.Context, rw http.ResponseWriter, r *http.Request, static Cache) {
	if isNavigation(r) {
		page, ok, err := static.Match(ctx, w.resolve(w.opts.OfflinePage).String())
		if err == nil && ok {
			writeResponse(rw, page, "offline")
			return
		}
	}
	rw.Header().Set(CacheStatusHeader, "offline")
	http.Error(rw, "Offline", http.StatusServiceUnavailable)
}

func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// storable reports whether a response may be shared with every page behind
// this agent. Credentialed requests and private responses stay per user.
func storable(reqHeader, respHeader http.Header) bool {
	if reqHeader.Get("Authorization") != "" || reqHeader.Get("Cookie") != "" {
		return false
	}
	if len(respHeader.Values("Set-Cookie")) > 0 {
		return false
	}
	for _, value := range respHeader.Values("Cache-Control") {
		for _, directive := range strings.Split(value, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(name) {
			case "private", "no-store":
				return false
			}
		}
	}
	for _, value := range respHeader.Values("Vary") {
		for _, field := range strings.Split(value, ",") {
			switch strings.ToLower(strings.TrimSpace(field)) {
			case "*", "authorization", "cookie":
				return false
			}
		}
	}
	return true
}

// shareable drops per-user headers before a response is stored.
func shareable(resp *Response) *Response {
	if len(resp.Header.Values("Set-Cookie")) == 0 {
		return resp
	}
	out := *resp
	out.Header = resp.Header.Clone()
	out.Header.Del("Set-Cookie")
	return &out
}

type fetched struct {
	*Response
	sameOrigin bool
}

func (w *Worker) fetch(ctx context.Context, method string, target *url.URL, header http.Header) (*fetched, error) {
	req, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"Accept", "Accept-Language", "Authorization", "Cookie"} {
		if value := header.Get(name); value != "" {
			req.Header.Set(name, value)
		}
	}
	resp, err := w.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	return &fetched{
		Response: &Response{
			URL:      target.String(),
			Status:   resp.StatusCode,
			Header:   resp.Header.Clone(),
			Body:     body,
			StoredAt: w.opts.Now().UTC(),
		},
		sameOrigin: w.sameOrigin(resp.Request.URL),
	}, nil
}

// forward relays a request to target without touching either cache.
func (w *Worker) forward(ctx context.Context, rw http.ResponseWriter, r *http.Request, target *url.URL) {
	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}
	out.Header = r.Header.Clone()
	out.ContentLength = r.ContentLength
	resp, err := w.opts.Client.Do(out)
	if err != nil {
		w.logger.Info("passthrough failed", "method", r.Method, "url", target.String(), "error", err)
		http.Error(rw, "Offline", http.StatusServiceUnavailable)
		return
	}
	defer resp.Body.Close()
	for name, values := range resp.Header {
		for _, value := range values {
			rw.Header().Add(name, value)
		}
	}
	rw.Header().Set(CacheStatusHeader, "passthrough")
	rw.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(rw, resp.Body)
}

func writeResponse(rw http.ResponseWriter, resp *Response, status string) {
	for name, values := range resp.Header {
		if strings.EqualFold(name, "Content-Length") {
			continue
		}
		for _, value := range values {
			rw.Header().Add(name, value)
		}
	}
	rw.Header().Set(CacheStatusHeader, status)
	rw.WriteHeader(resp.Status)
	_, _ = io.Copy(rw, bytes.NewReader(resp.Body))
}

// Sync handles a background sync event.
func (w *Worker) Sync(ctx context.Context, tag string) error {
	if tag != BackgroundSyncTag {
		w.logger.Debug("ignoring sync tag", "tag", tag)
		return nil
	}
	if w.opts.Sync == nil {
		return nil
	}
	if err := w.opts.Sync(ctx); err != nil {
		return fmt.Errorf("background sync: %w", err)
	}
	return nil
}

type pushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// Push shows a notification on every controlled page.
func (w *Worker) Push(_ context.Context, payload []byte) int {
	msg := Message{Type: MessageNotification, Title: "Angkor Compliance", URL: "/"}
	var p pushPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			msg.Body = string(payload)
		} else {
			if p.Title != "" {
				msg.Title = p.Title
			}
			if p.URL != "" {
				msg.URL = p.URL
			}
			msg.Body = p.Body
		}
	}
	if w.opts.Clients == nil {
		return 0
	}
	return w.opts.Clients.Broadcast(msg)
}

// NotificationClick opens url on the controlled pages unless the action
// dismissed the notification.
func (w *Worker) NotificationClick(_ context.Context, action, target string) int {
	if action == "close" || w.opts.Clients == nil {
		return 0
	}
	if target == "" {
		target = "/"
	}
	return w.opts.Clients.Broadcast(Message{Type: MessageNavigate, URL: target})
}
