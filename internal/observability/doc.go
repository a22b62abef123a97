// Package observability provides structured logging, Prometheus metrics
// and OpenTelemetry tracing for the bot.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts secrets before
// records are written. Matrix access tokens, access_token query parameters
// and attributes with sensitive keys never reach the output:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "debug",
//	    Format: "text",
//	})
//	logger.Info("logged in", "access_token", token) // access_token=[REDACTED]
//
// # Metrics
//
// Metrics implements syncstore.Recorder and provides a dispatcher observer:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	dispatcher.AddObserver(metrics.CommandObserver())
//
// # Tracing
//
// Tracer exports spans over OTLP/gRPC when an endpoint is configured and
// is a no-op otherwise. Its CommandObserver records one span per command.
package observability
