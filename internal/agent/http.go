package agent

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"angkor/offline/internal/cache"
	"angkor/offline/internal/diagnostics"
	"angkor/offline/internal/httpapi"
	"angkor/offline/internal/logging"
	"angkor/offline/internal/monitor"
	"angkor/offline/internal/swcache"
	"angkor/offline/internal/syncqueue"
)

// APIPrefix is where the agent's own endpoints live. Every other path is a
// fetch handled by the active worker.
const APIPrefix = "/__agent/"

const maxAPIBody = 1 << 20

// Handler serves the local API and the worker fetches.
func (a *Agent) Handler() http.Handler {
	return httpapi.Middleware(logging.For(a.root, logging.ChannelHTTP), "", http.HandlerFunc(a.handle))
}

func (a *Agent) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, APIPrefix) {
		a.Registry.ServeHTTP(w, r)
		return
	}
	parts := httpapi.SplitPath(strings.TrimPrefix(r.URL.Path, APIPrefix))
	if len(parts) == 0 {
		httpapi.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	switch {
	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "status":
		httpapi.WriteJSON(w, http.StatusOK, a.status())

	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "events":
		a.Clients.ServeHTTP(w, r)

	case r.Method == http.MethodPost && len(parts) == 2 && parts[0] == "session" && parts[1] == "login":
		a.handleLogin(w, r)

	case parts[0] == "cache":
		a.handleCache(w, r, parts[1:])

	case parts[0] == "queue":
		a.handleQueue(w, r, parts[1:])

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "flush":
		httpapi.WriteJSON(w, http.StatusOK, a.Queue.Flush(r.Context()))

	case parts[0] == "diagnostics":
		a.handleDiagnostics(w, r, parts[1:])

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "retry":
		err := a.Monitor.Retry(r.Context())
		response := map[string]any{"online": err == nil, "state": a.Monitor.State()}
		if err != nil {
			response["reason"] = monitor.ReasonOf(err)
			response["error"] = err.Error()
		}
		httpapi.WriteJSON(w, http.StatusOK, response)

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "visibility":
		var body struct {
			Visible bool `json:"visible"`
		}
		if err := httpapi.DecodeBody(r, &body); err != nil {
			httpapi.WriteError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		a.Monitor.VisibilityChanged(r.Context(), body.Visible)
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "navigation":
		var body struct {
			Type diagnostics.NavigationType `json:"type"`
		}
		if err := httpapi.DecodeBody(r, &body); err != nil {
			httpapi.WriteError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		a.navigation.Report(body.Type)
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "push":
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxAPIBody))
		if err != nil {
			httpapi.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "Could not read body", nil)
			return
		}
		delivered := a.activeWorker().Push(r.Context(), payload)
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{"delivered": delivered})

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "notification-click":
		var body struct {
			Action string `json:"action"`
			URL    string `json:"url"`
		}
		if err := httpapi.DecodeBody(r, &body); err != nil {
			httpapi.WriteError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		delivered := a.activeWorker().NotificationClick(r.Context(), body.Action, body.URL)
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{"delivered": delivered})

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "sync-event":
		var body struct {
			Tag string `json:"tag"`
		}
		if err := httpapi.DecodeBody(r, &body); err != nil {
			httpapi.WriteError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := a.activeWorker().Sync(r.Context(), body.Tag); err != nil {
			httpapi.WriteError(w, http.StatusBadGateway, "SYNC_FAILED", err.Error(), nil)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "skip-waiting":
		if err := a.Registry.SkipWaiting(r.Context()); err != nil {
			httpapi.WriteError(w, http.StatusInternalServerError, "ACTIVATE_FAILED", err.Error(), nil)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		httpapi.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (a *Agent) activeWorker() *swcache.Worker {
	if w := a.Registry.Active(); w != nil {
		return w
	}
	return a.Worker
}

func (a *Agent) status() map[string]any {
	worker := map[string]any{"active": nil, "waiting": nil}
	if w := a.Registry.Active(); w != nil {
		worker["active"] = map[string]any{
			"version": w.Version(),
			"state":   w.State(),
			"missing": w.Missing(),
			"static":  w.StaticCacheName(),
			"dynamic": w.DynamicCacheName(),
		}
	}
	if w := a.Registry.Waiting(); w != nil {
		worker["waiting"] = map[string]any{"version": w.Version(), "state": w.State()}
	}
	return map[string]any{
		"online":       a.Monitor.Online(),
		"state":        a.Monitor.State(),
		"cacheVersion": a.Cache.Version(),
		"agentId":      a.creds.AgentID(),
		"queue": map[string]any{
			"pending": a.Queue.Len(),
			"status":  a.Queue.Status(),
		},
		"worker":  worker,
		"clients": a.Clients.Len(),
	}
}

// handleLogin writes the essential session keys and the login timestamp the
// stale session check reads.
func (a *Agent) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := httpapi.DecodeBody(r, &body); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	ctx := r.Context()
	written := []string{}
	for _, key := range cache.EssentialKeys {
		value, ok := body[key]
		if !ok {
			continue
		}
		if err := a.local.Set(ctx, key, value); err != nil {
			httpapi.WriteError(w, http.StatusInsufficientStorage, "STORAGE_FULL", err.Error(), nil)
			return
		}
		written = append(written, key)
	}
	now := time.Now()
	if err := a.local.Set(ctx, diagnostics.DefaultLastLoginKey, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		httpapi.WriteError(w, http.StatusInsufficientStorage, "STORAGE_FULL", err.Error(), nil)
		return
	}
	if err := a.session.Set(ctx, "sessionStart", now.UTC().Format(time.RFC3339)); err != nil {
		a.logger.Warn("record session start", "error", err)
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "written": written, "lastLogin": now.UnixMilli()})
}

func (a *Agent) handleCache(w http.ResponseWriter, r *http.Request, parts []string) {
	ctx := r.Context()
	if len(parts) == 0 {
		if r.Method != http.MethodDelete {
			httpapi.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		removed := a.Cache.Clear(ctx)
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{"removed": removed})
		return
	}
	if len(parts) != 1 {
		httpapi.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	name := parts[0]

	switch r.Method {
	case http.MethodGet:
		value, ok := a.Cache.Get(ctx, name)
		if !ok {
			httpapi.WriteError(w, http.StatusNotFound, "CACHE_MISS", "No live entry", map[string]any{"key": name})
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{"key": name, "value": value})
	case http.MethodPut:
		var body struct {
			Value json.RawMessage `json:"value"`
			TTLMs int64           `json:"ttlMs"`
		}
		if err := httpapi.DecodeBody(r, &body); err != nil {
			httpapi.WriteError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if len(body.Value) == 0 {
			httpapi.WriteError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "value is required", map[string]any{"field": "value"})
			return
		}
		durable := a.Cache.Set(ctx, name, body.Value, time.Duration(body.TTLMs)*time.Millisecond)
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "durable": durable})
	case http.MethodDelete:
		a.Cache.Invalidate(ctx, name)
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		httpapi.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (a *Agent) handleQueue(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) != 0 {
		httpapi.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	switch r.Method {
	case http.MethodGet:
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{"items": a.Queue.Pending(), "status": a.Queue.Status()})
	case http.MethodPost:
		data, err := io.ReadAll(io.LimitReader(r.Body, maxAPIBody))
		if err != nil || !json.Valid(data) {
			httpapi.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
			return
		}
		item, err := a.Queue.Add(r.Context(), json.RawMessage(data), syncqueue.WithIdempotencyKey(r.Header.Get("Idempotency-Key")))
		if err != nil {
			httpapi.WriteError(w, http.StatusInternalServerError, "QUEUE_FAILED", err.Error(), nil)
			return
		}
		httpapi.WriteJSON(w, http.StatusAccepted, item)
	default:
		httpapi.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (a *Agent) handleDiagnostics(w http.ResponseWriter, r *http.Request, parts []string) {
	if r.Method != http.MethodPost {
		httpapi.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	switch {
	case len(parts) == 0:
		httpapi.WriteJSON(w, http.StatusOK, a.Diagnostics.Run(r.Context()))
	case len(parts) == 1 && parts[0] == "fix":
		report := a.Diagnostics.Run(r.Context())
		report.Fixes = a.Diagnostics.ApplyFixes(r.Context())
		httpapi.WriteJSON(w, http.StatusOK, report)
	default:
		httpapi.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}
