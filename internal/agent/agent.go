// Package agent assembles the offline components into one process: the
// durable store, the persistent cache, diagnostics, the worker caches, the
// sync queue and the connectivity monitor, plus the local HTTP API pages use
// to reach them.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"angkor/offline/internal/cache"
	"angkor/offline/internal/config"
	"angkor/offline/internal/diagnostics"
	"angkor/offline/internal/kv"
	"angkor/offline/internal/logging"
	"angkor/offline/internal/monitor"
	"angkor/offline/internal/swcache"
	"angkor/offline/internal/syncqueue"
)

// Deps overrides the backends built from config. Nil fields are built.
type Deps struct {
	Local   kv.Store
	Storage swcache.Storage
	Client  *http.Client
	Logger  *slog.Logger
}

type Agent struct {
	cfg      config.AgentConfig
	manifest config.Manifest
	root     *slog.Logger
	logger   *slog.Logger
	closers  []io.Closer

	local      kv.Store
	session    *kv.Memory
	navigation *diagnostics.ReportedNavigation
	creds      *credentialSource

	Cache       *cache.Cache
	Diagnostics *diagnostics.Runner
	Queue       *syncqueue.Queue
	Clients     *swcache.Clients
	Registry    *swcache.Registry
	Worker      *swcache.Worker
	Monitor     *monitor.Monitor
}

// New builds every component. The cache version check has completed when New
// returns, so the first request already sees a consistent cache.
func New(ctx context.Context, cfg config.AgentConfig, manifest config.Manifest, deps Deps) (*Agent, error) {
	a := &Agent{
		cfg:        cfg,
		manifest:   manifest,
		root:       deps.Logger,
		logger:     logging.For(deps.Logger, logging.ChannelSystem),
		session:    kv.NewMemory(),
		navigation: &diagnostics.ReportedNavigation{},
	}
	client := deps.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	local := deps.Local
	if local == nil {
		opened, closer, err := openLocalStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		local = opened
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}
	a.local = kv.WithQuota(local, cfg.StorageQuota)

	c, err := cache.New(ctx, a.local,
		cache.WithVersion(cfg.CacheVersion),
		cache.WithDefaultTTL(cfg.CacheTTL),
		cache.WithLogger(deps.Logger),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init cache: %w", err)
	}
	a.Cache = c

	a.creds = newCredentialSource(ctx, a.local, client, cfg.SyncURL, cfg.Token, cfg.EnrollToken, cfg.Name, cfg.Site, cfg.Role, logging.For(deps.Logger, logging.ChannelSync))
	prober := monitor.NewHTTPProber(cfg.SyncURL)
	prober.Client = client

	a.Diagnostics = diagnostics.New(a.local, a.session, diagnostics.Options{
		Remote:       &remoteDataLayer{prober: prober, client: client, creds: a.creds},
		Navigation:   a.navigation,
		Heap:         diagnostics.RuntimeHeap{},
		Reloader:     a.Cache,
		Preserve:     append(diagnostics.DefaultPreserve(), syncqueue.DefaultKey, CredentialsKey),
		Quota:        cfg.StorageQuota,
		ProbeTimeout: cfg.ProbeTimeout,
		Logger:       deps.Logger,
	})

	policy, err := syncqueue.ParsePolicy(cfg.SyncPolicy)
	if err != nil {
		a.Close()
		return nil, err
	}
	transport := syncqueue.NewHTTPTransport(cfg.SyncURL, a.creds.Token)
	transport.Client = client
	a.Clients = swcache.NewClients(deps.Logger)
	a.Queue = syncqueue.New(ctx, a.local, a.deliverer(transport), syncqueue.Options{
		Policy:      policy,
		Concurrency: cfg.SyncConcurrency,
		Online:      a.online,
		OnStatus:    a.broadcastQueueStatus,
		Logger:      deps.Logger,
	})

	storage := deps.Storage
	if storage == nil {
		storage, err = openStorage(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	origin, err := url.Parse(cfg.OriginURL)
	if err != nil || origin.Host == "" {
		a.Close()
		return nil, fmt.Errorf("parse origin url %q: invalid", cfg.OriginURL)
	}
	a.Registry = swcache.NewRegistry(a.Clients, deps.Logger)
	a.Clients.OnControl(a.handleControl)
	a.Worker, err = swcache.NewWorker(storage, swcache.Options{
		App:            manifest.App,
		Version:        manifest.Version,
		Origin:         origin,
		Static:         manifest.Static,
		OfflinePage:    manifest.OfflinePage,
		DynamicLimit:   cfg.DynamicCacheLimit,
		WaitForClients: true,
		Client:         client,
		Clients:        a.Clients,
		Sync:           a.syncNow,
		Logger:         deps.Logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := monitor.Options{
		Online:          true,
		Prober:          prober,
		Flush:           func(ctx context.Context) { a.Queue.Flush(ctx) },
		Repair:          a.repairStatic,
		ProbeTimeout:    cfg.ProbeTimeout,
		BackOnlineDelay: cfg.BackOnlineDelay,
		OnNotice:        a.broadcastNotice,
		Logger:          deps.Logger,
	}
	if cfg.DiagnoseOnline {
		opts.Diagnose = a.diagnose
	}
	a.Monitor = monitor.New(opts)
	return a, nil
}

func openLocalStore(ctx context.Context, cfg config.AgentConfig) (kv.Store, io.Closer, error) {
	switch strings.ToLower(cfg.StoreDriver) {
	case "sqlite":
		s, err := kv.OpenSQLite(ctx, cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "redis":
		s, err := kv.NewRedis(cfg.RedisURL, "angkor:"+cfg.Name+":")
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "memory":
		return kv.NewMemory(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func openStorage(ctx context.Context, cfg config.AgentConfig) (swcache.Storage, error) {
	switch strings.ToLower(cfg.CacheBackend) {
	case "memory":
		return swcache.NewMemoryStorage(), nil
	case "minio":
		return swcache.NewMinIOStorage(ctx, swcache.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

// Start installs the worker, probes the sync API for the starting state,
// flushes whatever a previous run left queued when online and runs the
// connectivity loop until ctx ends. An incomplete install is logged;
// the missing entries are retried on the next online transition.
func (a *Agent) Start(ctx context.Context) {
	if err := a.Registry.Update(ctx, a.Worker); err != nil {
		a.logger.Warn("worker install incomplete", "error", err, "missing", a.Worker.Missing())
	}
	if a.Monitor.Seed(ctx) == monitor.StateOnline && a.Queue.Len() > 0 {
		go a.Queue.Flush(ctx)
	}
	interval := a.cfg.ProbeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go a.Monitor.Run(ctx, interval)
}

// Close releases the durable store and disconnects the pages.
func (a *Agent) Close() {
	if a.Clients != nil {
		a.Clients.Close()
	}
	for _, closer := range a.closers {
		if err := closer.Close(); err != nil {
			a.logger.Warn("close store", "error", err)
		}
	}
	a.closers = nil
}

func (a *Agent) online() bool {
	if a.Monitor == nil {
		return true
	}
	return a.Monitor.Online()
}

// deliverer drops a token the sync API refused so the next flush enrolls
// again.
func (a *Agent) deliverer(transport *syncqueue.HTTPTransport) syncqueue.Transport {
	return syncqueue.TransportFunc(func(ctx context.Context, item syncqueue.Item) error {
		err := transport.Deliver(ctx, item)
		var delivery *syncqueue.DeliveryError
		if errors.As(err, &delivery) && delivery.Status == http.StatusUnauthorized {
			creds, _ := a.creds.snapshot()
			a.creds.Invalidate(creds.Token)
		}
		return err
	})
}

func (a *Agent) syncNow(ctx context.Context) error {
	result := a.Queue.Flush(ctx)
	if result.Failed > 0 {
		return fmt.Errorf("%d of %d items failed", result.Failed, result.Attempted)
	}
	return nil
}

func (a *Agent) repairStatic(ctx context.Context) {
	w := a.Registry.Active()
	if w == nil {
		return
	}
	repaired, err := w.RepairStatic(ctx)
	if err != nil {
		a.logger.Warn("static repair incomplete", "repaired", repaired, "error", err)
		return
	}
	if repaired > 0 {
		a.logger.Info("static cache repaired", "repaired", repaired)
	}
}

func (a *Agent) diagnose(ctx context.Context) {
	report := a.Diagnostics.Run(ctx)
	if report.Summary.High > 0 {
		a.logger.Warn("diagnostics found high severity issues", "high", report.Summary.High, "status", report.Summary.Status)
	}
}

func (a *Agent) broadcastNotice(n monitor.Notice) {
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	a.Clients.Broadcast(swcache.Message{Type: swcache.MessageStatus, Data: data})
}

func (a *Agent) broadcastQueueStatus(status syncqueue.Status) {
	data, err := json.Marshal(map[string]any{"sync": status})
	if err != nil {
		return
	}
	a.Clients.Broadcast(swcache.Message{Type: swcache.MessageStatus, Data: data})
}

func (a *Agent) handleControl(ctx context.Context, msg swcache.ControlMessage) {
	switch msg.Action {
	case "visibility":
		if msg.Visible != nil {
			a.Monitor.VisibilityChanged(ctx, *msg.Visible)
		}
	case "retry":
		if err := a.Monitor.Retry(ctx); err != nil {
			a.logger.Debug("retry from page", "error", err)
		}
	default:
		a.Registry.HandleControl(ctx, msg)
	}
}

// remoteDataLayer is the sync API as diagnostics sees it.
type remoteDataLayer struct {
	prober *monitor.HTTPProber
	client *http.Client
	creds  *credentialSource
}

func (r *remoteDataLayer) Probe(ctx context.Context) error {
	return r.prober.Probe(ctx)
}

// Reset drops pooled connections and any cached token so the next request
// starts fresh.
func (r *remoteDataLayer) Reset(context.Context) error {
	r.client.CloseIdleConnections()
	creds, _ := r.creds.snapshot()
	r.creds.Invalidate(creds.Token)
	return nil
}
