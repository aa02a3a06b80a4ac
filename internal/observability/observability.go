// Package observability provides structured logging and metrics helpers
// for the event distribution layer.
//
// Logging uses slog (Go stdlib). Metrics use OpenTelemetry and are no-op
// until a meter provider is configured via otel.SetMeterProvider. All
// helpers are nil-safe so callers never guard their observability calls.
package observability

import "log/slog"

// ComponentLogger returns a logger tagged with the component name.
// Returns nil when the base logger is nil; slog helpers below tolerate
// nil loggers.
func ComponentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		return nil
	}
	return base.With(slog.String("component", component))
}

// LogError logs an error with a message when the logger is non-nil.
// Args follow slog conventions: alternating key/value pairs or Attrs.
func LogError(logger *slog.Logger, msg string, err error, args ...any) {
	if logger == nil {
		return
	}
	all := make([]any, 0, len(args)+1)
	all = append(all, slog.Any("error", err))
	all = append(all, args...)
	logger.Error(msg, all...)
}

// LogInfo logs an informational message when the logger is non-nil.
func LogInfo(logger *slog.Logger, msg string, args ...any) {
	if logger == nil {
		return
	}
	logger.Info(msg, args...)
}

// LogDebug logs a debug message when the logger is non-nil.
func LogDebug(logger *slog.Logger, msg string, args ...any) {
	if logger == nil {
		return
	}
	logger.Debug(msg, args...)
}

// LogWarn logs a warning message when the logger is non-nil.
func LogWarn(logger *slog.Logger, msg string, args ...any) {
	if logger == nil {
		return
	}
	logger.Warn(msg, args...)
}
