package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"gpcore/internal/config"
	"gpcore/internal/httpapi"
	"gpcore/internal/liveness"
	"gpcore/internal/metrics"
	"gpcore/internal/observer"
	"gpcore/internal/operation"
	"gpcore/internal/registry"
	"gpcore/internal/shutdown"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the game server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file (YAML or JSON)")
	return cmd
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func runServe(ctx context.Context, cfg config.Config) error {
	log := newLogger(cfg)
	slog.SetDefault(log)

	m := metrics.New()
	obs := observer.Multi{observer.NewSlog(log), m}
	obs.Emit(observer.EventServerStarting, observer.Context{Extra: map[string]any{"version": version}})

	router := operation.NewRouter(operation.Config{
		DefaultEmptyRoomTTL: cfg.EmptyRoomTTL,
		DefaultPlayerTTL:    cfg.PlayerTTL,
		MaxCachedEvents:     cfg.MaxCachedEventsPerRoom,
		OpRateLimitPerSec:   cfg.OpRateLimitPerSec,
		OpRateLimitBurst:    cfg.OpRateLimitBurst,
	}, obs, log)

	reg := registry.New(registry.Config{
		MaxConnections:  cfg.MaxConnections,
		SendQueueDepth:  cfg.SendQueueDepth,
		CleanupInterval: cfg.CleanupInterval,
	}, router, obs, log)
	router.BindRegistry(reg)
	m.BindSource(reg)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go liveness.New(liveness.Config{
		PingInterval:      cfg.PingInterval,
		ConnectionTimeout: cfg.ConnectionTimeout,
	}, reg, log).Run(serveCtx)
	go reg.RunCleanupTicker(serveCtx, cfg.CleanupInterval)

	if cfg.AdminListenAddr != "" {
		api := httpapi.New(reg, m.Handler(), log)
		go api.Run(serveCtx, cfg.AdminListenAddr)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- reg.ListenAndServe(serveCtx, cfg.Addr()) }()

	select {
	case err := <-errCh:
		// Accept loop failed before any shutdown was requested.
		return err
	case <-ctx.Done():
	}

	shutdown.New(reg, obs, log, cfg.GracefulShutdown).Shutdown(context.Background())
	cancel()
	<-errCh
	return nil
}
