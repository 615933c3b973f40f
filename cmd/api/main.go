package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"angkor/offline/internal/app"
	"angkor/offline/internal/config"
	"angkor/offline/internal/logging"
	"angkor/offline/internal/store"
	"angkor/offline/internal/telemetry"
)

func main() {
	rollback := flag.Int("rollback", 0, "revert the newest N migrations and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.New(logging.Options{JSON: true}).Error("config failed", "error", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})
	sys := logging.For(logger, logging.ChannelSystem)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "angkor-sync-api")
	if err != nil {
		sys.Warn("tracing disabled", "error", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	dbCtx, cancelDB := context.WithTimeout(ctx, 60*time.Second)
	db, err := store.Open(dbCtx, cfg.DatabaseURL)
	cancelDB()
	if err != nil {
		sys.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if *rollback > 0 {
		if err := store.RollbackMigrations(ctx, db, cfg.MigrationsDir, *rollback); err != nil {
			sys.Error("rollback failed", "error", err)
			os.Exit(1)
		}
		sys.Info("migrations rolled back", "steps", *rollback)
		return
	}

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		sys.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	service := app.New(cfg, store.NewPostgresStore(db), logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		sys.Info("sync api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sys.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		sys.Warn("shutdown error", "error", err)
	}
}
