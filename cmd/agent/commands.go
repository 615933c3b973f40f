package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"angkor/offline/internal/config"
	"angkor/offline/internal/diagnostics"
	"angkor/offline/internal/logging"
	"angkor/offline/internal/telemetry"
)

func init() {
	diagnoseCmd.Flags().Bool("fix", false, "apply every available fix after the run")
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(serveCmd, diagnoseCmd, flushCmd, cacheCmd, versionCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the local API and the worker caches",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, cfg, logger, err := loadAgent(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		sys := logging.For(logger, logging.ChannelSystem)

		shutdownTracing, err := telemetry.Setup(ctx, "angkor-agent")
		if err != nil {
			sys.Warn("tracing disabled", "error", err)
		}
		defer func() { _ = shutdownTracing(context.Background()) }()

		a.Start(ctx)

		server := &http.Server{
			Addr:              cfg.Addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			sys.Info("agent listening", "addr", cfg.Addr, "origin", cfg.OriginURL, "sync", cfg.SyncURL)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			return fmt.Errorf("serve: %w", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Inspect the local stores and the sync API for problems",
	RunE: func(cmd *cobra.Command, args []string) error {
		fix, _ := cmd.Flags().GetBool("fix")
		a, _, _, err := loadAgent(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		report := a.Diagnostics.Run(cmd.Context())
		if fix {
			report.Fixes = a.Diagnostics.ApplyFixes(cmd.Context())
		}
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
		if report.Summary.Status == diagnostics.HealthCritical && !fix {
			return errors.New("critical issues found, rerun with --fix")
		}
		return nil
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Deliver the queued mutations once",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, _, err := loadAgent(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		state := a.Monitor.Seed(cmd.Context())
		result := a.Queue.Flush(cmd.Context())
		if err := printJSON(cmd.OutOrStdout(), map[string]any{"connection": state, "result": result}); err != nil {
			return err
		}
		if result.Failed > 0 {
			return fmt.Errorf("%d of %d items failed", result.Failed, result.Attempted)
		}
		return nil
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the persistent cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cache entry except the essential keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, _, err := loadAgent(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		removed := a.Cache.Clear(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", removed)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent and shell versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadAgent()
		if err != nil {
			return err
		}
		manifest, err := config.LoadManifest(cfg.ManifestPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "agent %s\nshell %s %s\ncache %s\n", version, manifest.App, manifest.Version, cfg.CacheVersion)
		return nil
	},
}
