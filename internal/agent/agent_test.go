package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"angkor/offline/internal/config"
	"angkor/offline/internal/diagnostics"
	"angkor/offline/internal/kv"
	"angkor/offline/internal/swcache"
	"angkor/offline/internal/syncqueue"
)

type fakeSyncAPI struct {
	*httptest.Server
	enrollments atomic.Int32
	rejectFirst atomic.Bool

	mu        sync.Mutex
	tokens    []string
	received  map[string]string
	authSeen  []string
	healthErr bool
}

func newFakeSyncAPI(t *testing.T) *fakeSyncAPI {
	t.Helper()
	f := &fakeSyncAPI{received: make(map[string]string)}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/health":
			f.mu.Lock()
			down := f.healthErr
			f.mu.Unlock()
			if down {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/api/agents/token":
			if r.Header.Get("X-Angkor-Enroll-Token") != "enroll-me" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			n := f.enrollments.Add(1)
			token := "tok-" + string(rune('0'+n))
			f.mu.Lock()
			f.tokens = append(f.tokens, token)
			f.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"token":     token,
				"agentId":   "agt_test",
				"expiresAt": time.Now().Add(time.Hour),
			})
		case r.Method == http.MethodPost && r.URL.Path == "/api/sync":
			auth := r.Header.Get("Authorization")
			f.mu.Lock()
			f.authSeen = append(f.authSeen, auth)
			f.mu.Unlock()
			if auth == "Bearer tok-1" && f.rejectFirst.Load() {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if !strings.HasPrefix(auth, "Bearer tok-") {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			body, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			f.received[r.Header.Get("Idempotency-Key")] = string(body)
			f.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeSyncAPI) receivedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "page "+r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testAgentConfig(originURL, syncURL string) config.AgentConfig {
	return config.AgentConfig{
		OriginURL:         originURL,
		SyncURL:           syncURL,
		EnrollToken:       "enroll-me",
		Name:              "line-3",
		Site:              "phnom-penh",
		Role:              "worker",
		StorageQuota:      5 * 1024 * 1024,
		CacheVersion:      "1.0.1",
		CacheTTL:          5 * time.Minute,
		DynamicCacheLimit: 50,
		SyncPolicy:        "per-item",
		SyncConcurrency:   4,
		ProbeInterval:     time.Hour,
		ProbeTimeout:      time.Second,
		BackOnlineDelay:   10 * time.Millisecond,
	}
}

func testManifest() config.Manifest {
	return config.Manifest{
		App:         "angkor",
		Version:     "1.0.1",
		OfflinePage: "/offline.html",
		Static:      []string{"/", "/index.html", "/offline.html"},
	}
}

func newTestAgent(t *testing.T, cfg config.AgentConfig, local kv.Store) *Agent {
	t.Helper()
	if local == nil {
		local = kv.NewMemory()
	}
	a, err := New(context.Background(), cfg, testManifest(), Deps{Local: local, Storage: swcache.NewMemoryStorage()})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.NoError(t, a.Registry.Update(context.Background(), a.Worker))
	return a
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestQueueFlushEnrollsOnce(t *testing.T) {
	api := newFakeSyncAPI(t)
	origin := newOrigin(t)
	local := kv.NewMemory()
	a := newTestAgent(t, testAgentConfig(origin.URL, api.URL), local)
	h := a.Handler()

	for _, body := range []string{`{"type":"inspection","id":1}`, `{"type":"inspection","id":2}`, `{"type":"audit","id":3}`} {
		rr := doRequest(t, h, http.MethodPost, "/__agent/queue", body)
		require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	}

	rr := doRequest(t, h, http.MethodPost, "/__agent/flush", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var result syncqueue.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))

	assert.Equal(t, 3, result.Delivered)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, int32(1), api.enrollments.Load())
	assert.Equal(t, 3, api.receivedCount())

	stored, err := local.Get(context.Background(), CredentialsKey)
	require.NoError(t, err)
	assert.Contains(t, stored, "tok-1")
	_, err = local.Get(context.Background(), syncqueue.DefaultKey)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestRejectedTokenReenrolls(t *testing.T) {
	api := newFakeSyncAPI(t)
	api.rejectFirst.Store(true)
	origin := newOrigin(t)
	a := newTestAgent(t, testAgentConfig(origin.URL, api.URL), nil)

	_, err := a.Queue.Add(context.Background(), map[string]any{"type": "inspection"})
	require.NoError(t, err)

	first := a.Queue.Flush(context.Background())
	assert.Equal(t, 1, first.Failed)
	assert.Equal(t, syncqueue.StatusDegraded, a.Queue.Status())

	second := a.Queue.Flush(context.Background())
	assert.Equal(t, 1, second.Delivered)
	assert.Equal(t, int32(2), api.enrollments.Load())
	assert.Equal(t, syncqueue.StatusReady, a.Queue.Status())
}

func TestStoredCredentialsSkipEnrollment(t *testing.T) {
	api := newFakeSyncAPI(t)
	origin := newOrigin(t)
	local := kv.NewMemory()
	creds, _ := json.Marshal(credentials{AgentID: "agt_test", Token: "tok-9", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, local.Set(context.Background(), CredentialsKey, string(creds)))

	a := newTestAgent(t, testAgentConfig(origin.URL, api.URL), local)
	_, err := a.Queue.Add(context.Background(), map[string]any{"type": "inspection"})
	require.NoError(t, err)

	result := a.Queue.Flush(context.Background())
	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, int32(0), api.enrollments.Load())
	assert.Equal(t, "agt_test", a.creds.AgentID())
}

func TestWorkerServesShellWhenOriginDown(t *testing.T) {
	api := newFakeSyncAPI(t)
	origin := newOrigin(t)
	a := newTestAgent(t, testAgentConfig(origin.URL, api.URL), nil)
	h := a.Handler()

	origin.Close()

	rr := doRequest(t, h, http.MethodGet, "/index.html", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "hit", rr.Header().Get(swcache.CacheStatusHeader))
	assert.Equal(t, "page /index.html", rr.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/reports/42", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	nav := httptest.NewRecorder()
	h.ServeHTTP(nav, req)
	assert.Equal(t, "offline", nav.Header().Get(swcache.CacheStatusHeader))
	assert.Equal(t, "page /offline.html", nav.Body.String())
}

func TestCacheEndpoints(t *testing.T) {
	api := newFakeSyncAPI(t)
	origin := newOrigin(t)
	a := newTestAgent(t, testAgentConfig(origin.URL, api.URL), nil)
	h := a.Handler()

	rr := doRequest(t, h, http.MethodPut, "/__agent/cache/factories", `{"value":[{"id":"f1"}],"ttlMs":60000}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = doRequest(t, h, http.MethodGet, "/__agent/cache/factories", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var got struct {
		Value json.RawMessage `json:"value"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.JSONEq(t, `[{"id":"f1"}]`, string(got.Value))

	rr = doRequest(t, h, http.MethodDelete, "/__agent/cache/factories", "")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = doRequest(t, h, http.MethodGet, "/__agent/cache/factories", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doRequest(t, h, http.MethodPut, "/__agent/cache/a", `{"value":1}`)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = doRequest(t, h, http.MethodDelete, "/__agent/cache", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"removed":1}`, rr.Body.String())
}

func TestLoginSurvivesDiagnosticsFix(t *testing.T) {
	api := newFakeSyncAPI(t)
	origin := newOrigin(t)
	local := kv.NewMemory()
	a := newTestAgent(t, testAgentConfig(origin.URL, api.URL), local)
	h := a.Handler()
	ctx := context.Background()

	rr := doRequest(t, h, http.MethodPost, "/__agent/session/login", `{"userRole":"auditor","language":"km"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.NoError(t, local.Set(ctx, "brokenDraft", "{not json"))

	rr = doRequest(t, h, http.MethodPost, "/__agent/diagnostics/fix", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var report diagnostics.Report
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))

	var corrupted bool
	for _, issue := range report.Issues {
		if issue.Type == diagnostics.TypeCorruptedData && issue.Key == "brokenDraft" {
			corrupted = true
		}
		assert.NotEqual(t, "userRole", issue.Key)
	}
	assert.True(t, corrupted, "corrupted entry should be reported")
	require.NotEmpty(t, report.Fixes)

	_, err := local.Get(ctx, "brokenDraft")
	assert.ErrorIs(t, err, kv.ErrNotFound)
	role, err := local.Get(ctx, "userRole")
	require.NoError(t, err)
	assert.Equal(t, "auditor", role)
}

func TestRetryReportsServerDown(t *testing.T) {
	api := newFakeSyncAPI(t)
	api.mu.Lock()
	api.healthErr = true
	api.mu.Unlock()
	origin := newOrigin(t)
	a := newTestAgent(t, testAgentConfig(origin.URL, api.URL), nil)

	rr := doRequest(t, a.Handler(), http.MethodPost, "/__agent/retry", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, false, body["online"])
	assert.Equal(t, "server", body["reason"])
	assert.False(t, a.Monitor.Online())

	_, err := a.Queue.Add(context.Background(), map[string]any{"type": "inspection"})
	require.NoError(t, err)
	result := a.Queue.Flush(context.Background())
	assert.Equal(t, 0, result.Attempted)
	assert.Equal(t, 1, a.Queue.Len())
}

func TestStatusEndpoint(t *testing.T) {
	api := newFakeSyncAPI(t)
	origin := newOrigin(t)
	a := newTestAgent(t, testAgentConfig(origin.URL, api.URL), nil)

	rr := doRequest(t, a.Handler(), http.MethodGet, "/__agent/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Online bool `json:"online"`
		Worker struct {
			Active struct {
				Version string `json:"version"`
				State   string `json:"state"`
			} `json:"active"`
		} `json:"worker"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.True(t, body.Online)
	assert.Equal(t, "1.0.1", body.Worker.Active.Version)
	assert.Equal(t, string(swcache.StateActivated), body.Worker.Active.State)
}

func TestNewRejectsUnknownPolicy(t *testing.T) {
	cfg := testAgentConfig("http://localhost:3000", "http://localhost:8787")
	cfg.SyncPolicy = "sometimes"
	_, err := New(context.Background(), cfg, testManifest(), Deps{Local: kv.NewMemory(), Storage: swcache.NewMemoryStorage()})
	assert.Error(t, err)
}

func TestStartOfflineLeavesQueueUntouched(t *testing.T) {
	api := newFakeSyncAPI(t)
	api.mu.Lock()
	api.healthErr = true
	api.mu.Unlock()
	origin := newOrigin(t)

	local := kv.NewMemory()
	a, err := New(context.Background(), testAgentConfig(origin.URL, api.URL), testManifest(), Deps{Local: local, Storage: swcache.NewMemoryStorage()})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	_, err = a.Queue.Add(context.Background(), map[string]any{"type": "inspection"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a.Start(ctx)

	assert.False(t, a.Monitor.Online(), "starting state comes from the health probe")
	assert.Equal(t, 1, a.Queue.Len())
	assert.Zero(t, api.enrollments.Load(), "no delivery is attempted while the API is down")

	api.mu.Lock()
	api.healthErr = false
	api.mu.Unlock()
	require.NoError(t, a.Monitor.Retry(context.Background()))
	require.Eventually(t, func() bool { return api.receivedCount() == 1 && a.Queue.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
