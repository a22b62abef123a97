package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"maunium.net/go/mautrix/id"

	"github.com/haasonsaas/mxbot/internal/commands"
	"github.com/haasonsaas/mxbot/internal/config"
	"github.com/haasonsaas/mxbot/internal/matrix"
	"github.com/haasonsaas/mxbot/internal/observability"
	"github.com/haasonsaas/mxbot/internal/syncstore"
)

const shutdownTimeout = 30 * time.Second

// runServe loads the configuration and runs the bot until a shutdown signal.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:          level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
	slog.SetDefault(logger)

	logger.Info("starting mxbot",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	traceCfg := observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	}
	if cfg.Observability.Tracing.Enabled {
		traceCfg.Endpoint = cfg.Observability.Tracing.Endpoint
	}
	tracer, shutdownTracing := observability.NewTracer(traceCfg)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.StartMaintenance(ctx); err != nil {
		return fmt.Errorf("failed to schedule store maintenance: %w", err)
	}

	bot, err := matrix.NewBot(matrix.Config{
		Homeserver:       cfg.Matrix.Homeserver,
		UserID:           cfg.Matrix.UserID,
		AccessToken:      cfg.Matrix.AccessToken,
		DeviceID:         cfg.Matrix.DeviceID,
		AllowedRooms:     cfg.Matrix.AllowedRooms,
		AllowedUsers:     cfg.Matrix.AllowedUsers,
		JoinOnInvite:     cfg.Matrix.JoinOnInvite,
		ReconnectBackoff: cfg.Matrix.ReconnectBackoff,
		Logger:           logger,
	}, matrix.WithStore(store), matrix.WithMetrics(metrics), matrix.WithTracer(tracer))
	if err != nil {
		return fmt.Errorf("failed to create matrix client: %w", err)
	}

	dispatcher, err := newDispatcher(bot, cfg.Commands, logger)
	if err != nil {
		return err
	}
	dispatcher.AddObserver(metrics.CommandObserver())
	dispatcher.AddObserver(tracer.CommandObserver())
	bot.SetHandler(dispatcher)

	var metricsServer *http.Server
	if cfg.Metrics.Listen != "" {
		metricsServer = startMetricsServer(cfg.Metrics, logger)
	}

	if err := bot.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bot: %w", err)
	}
	logger.Info("mxbot started",
		"user_id", cfg.Matrix.UserID,
		"prefix", dispatcher.Prefix().String(),
		"commands", len(dispatcher.Registry().List()),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	var errs []error
	if err := bot.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) (*syncstore.Store, error) {
	storeCfg := syncstore.Config{
		Path:                cfg.Store.Path,
		ImportantEvents:     cfg.Store.ImportantEvents,
		ResolveState:        cfg.Store.ResolveState,
		TimelineLimit:       cfg.Store.TimelineLimit,
		Compress:            cfg.Store.Compress,
		MaintenanceSchedule: cfg.Store.MaintenanceSchedule,
		Logger:              logger,
	}
	if metrics != nil {
		storeCfg.Metrics = metrics
	}
	store, err := syncstore.Open(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open sync store: %w", err)
	}
	return store, nil
}

// newDispatcher builds the command registry, prefix and dispatcher for session.
func newDispatcher(session commands.Session, cfg config.CommandsConfig, logger *slog.Logger) (*commands.Dispatcher, error) {
	registry := commands.NewRegistryWithOptions(logger, commands.RegistryOptions{
		CaseSensitive: cfg.CaseSensitive,
	})
	if err := commands.RegisterBuiltins(registry); err != nil {
		return nil, fmt.Errorf("failed to register builtin commands: %w", err)
	}
	if err := registerCommands(registry); err != nil {
		return nil, fmt.Errorf("failed to register commands: %w", err)
	}

	var (
		prefix *commands.Prefix
		err    error
	)
	if cfg.PrefixPattern != "" {
		prefix, err = commands.NewPatternPrefix(logger, cfg.PrefixPattern)
	} else {
		prefix, err = commands.NewPrefix(logger, cfg.Prefixes...)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid command prefix: %w", err)
	}

	return commands.NewDispatcher(session, registry, commands.NewBinder(commands.NewParserRegistry(), logger), commands.DispatcherConfig{
		Prefix:           prefix,
		OwnerID:          id.UserID(cfg.Owner),
		ProcessSelf:      cfg.ProcessSelf,
		ProcessOldEvents: cfg.ProcessOldEvents,
		ReplyOnError:     cfg.ReplyOnErrorEnabled(),
		DedupSize:        cfg.DedupSize,
		Logger:           logger,
	})
}

func startMetricsServer(cfg config.MetricsConfig, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "addr", cfg.Listen, "path", cfg.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return server
}
