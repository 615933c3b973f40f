package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"angkor/offline/internal/agent"
	"angkor/offline/internal/config"
	"angkor/offline/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "angkor-agent",
	Short:         "Angkor Compliance offline agent",
	Long:          "Runs the per-site offline agent: persistent cache, worker caches, sync queue and connectivity monitor.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadAgent builds an agent from the environment without starting it.
func loadAgent(ctx context.Context) (*agent.Agent, config.AgentConfig, *slog.Logger, error) {
	cfg, err := config.LoadAgent()
	if err != nil {
		return nil, config.AgentConfig{}, nil, err
	}
	manifest, err := config.LoadManifest(cfg.ManifestPath)
	if err != nil {
		return nil, config.AgentConfig{}, nil, err
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON, Output: os.Stderr})
	a, err := agent.New(ctx, cfg, manifest, agent.Deps{Logger: logger})
	if err != nil {
		return nil, config.AgentConfig{}, nil, fmt.Errorf("build agent: %w", err)
	}
	return a, cfg, logger, nil
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
