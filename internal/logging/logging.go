// Package logging builds the slog loggers used across the agent and the sync
// API. Every component logs through a named channel so the console output can
// be filtered the way the browser console channels were.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Channel names a logical logging stream.
type Channel string

const (
	ChannelSystem      Channel = "system"
	ChannelHTTP        Channel = "http"
	ChannelCache       Channel = "cache"
	ChannelDiagnostics Channel = "diagnostics"
	ChannelWorker      Channel = "worker"
	ChannelSync        Channel = "sync"
	ChannelMonitor     Channel = "monitor"
	ChannelStore       Channel = "store"
)

// Options controls handler selection.
type Options struct {
	Level  string
	JSON   bool
	Output io.Writer
}

// New returns a root logger configured from opts.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	return slog.New(handler)
}

// For returns a child logger tagged with the channel. A nil logger yields a
// discarding logger so components can be constructed without one.
func For(logger *slog.Logger, channel Channel) *slog.Logger {
	if logger == nil {
		logger = Discard()
	}
	return logger.With("channel", string(channel))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
