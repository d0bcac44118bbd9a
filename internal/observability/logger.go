// Package observability provides logging, metrics, and tracing for the
// worker host.
package observability

import (
	"log/slog"
	"os"

	"github.com/cacophony-monitoring/processing/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields. Workers
// log through the process-wide default logger; the single consumer writes to
// standard error.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stderr, opts)
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}

// WorkerLogger returns a child logger carrying the pipeline and recording
// fields every worker log line should have.
func WorkerLogger(pipeline string, recordingID int64) *slog.Logger {
	return slog.Default().With(
		slog.String("pipeline", pipeline),
		slog.Int64("recording_id", recordingID),
	)
}
