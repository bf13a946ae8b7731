// Package common holds cross-cutting helpers shared by the command-line
// entrypoints: logger setup and the build version string.
package common

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// LoggingOpts configures SetupLogger.
type LoggingOpts struct {
	// Debug lowers the log level to debug.
	Debug bool
	// JSON switches to JSON output instead of human-readable text.
	JSON bool
	// Service is added as a "service" attribute to all records.
	Service string
	// Version is added as a "version" attribute to all records.
	Version string
}

// SetupLogger creates a structured logger for a command-line process:
// tinted text on a terminal, JSON when requested.
func SetupLogger(opts *LoggingOpts) (log *slog.Logger) {
	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	if opts.JSON {
		log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	} else {
		log = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: logLevel}))
	}

	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}
	if opts.Version != "" {
		log = log.With("version", opts.Version)
	}
	return log
}
