// Package logging configures the process-wide slog logger and provides
// shared attribute helpers.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Setup builds the root logger for the given environment. local and dev
// log at debug level to stderr; prod logs at info level, to logPath when
// set. The returned logger is also installed as slog's default.
func Setup(env, logPath string) *slog.Logger {
	level := slog.LevelDebug
	if env == "prod" {
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if env == "prod" && logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			out = f
		}
	}

	log := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log
}

// Err wraps an error as a slog attribute under the "error" key.
func Err(err error) slog.Attr {
	return slog.Attr{Key: "error", Value: slog.StringValue(err.Error())}
}

// Module tags log lines with the subsystem that emitted them.
func Module(name string) slog.Attr {
	return slog.String("module", name)
}

// Secret masks a sensitive value, keeping only a short prefix for
// correlation in logs.
func Secret(key, value string) slog.Attr {
	masked := "***"
	if len(value) > 8 {
		masked = value[:4] + "***"
	}
	return slog.String(key, masked)
}
