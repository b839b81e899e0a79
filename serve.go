package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	go2tvadapters "go2tv.app/avsession/internal/adapters/go2tv"
	"go2tv.app/avsession/internal/avsession"
	"go2tv.app/avsession/internal/buildinfo"
	"go2tv.app/avsession/internal/cast"
	"go2tv.app/avsession/internal/config"
	"go2tv.app/avsession/internal/discovery"
	"go2tv.app/avsession/internal/lifecycle"
	"go2tv.app/avsession/internal/mcpserver"
	"go2tv.app/avsession/internal/store"
)

const (
	shutdownTimeout  = 5 * time.Second
	redisPingTimeout = 3 * time.Second
)

func runServe(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logLevel := parseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	runCtx, stopSignals := lifecycle.NotifyContext(ctx, logger)
	defer stopSignals()
	logger.Info(
		"mcp_server_start",
		slog.String("server", serverName),
		slog.String("version", buildinfo.Version),
		slog.String("log_level", logLevel.String()),
		slog.String("history_backend", cfg.History.Backend),
	)

	history, closeHistory, err := openHistory(runCtx, cfg.History)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeHistory(); err != nil {
			logger.Warn("history_close_failed", slog.String("error", err.Error()))
		}
	}()

	bundle := go2tvadapters.NewBundle()
	scanner := discovery.NewScanner(bundle.Discovery,
		discovery.WithLoopContext(runCtx),
		discovery.WithScannerLogger(logger),
	)
	svc := avsession.New(avsession.Config{
		Logger:        logger,
		History:       history,
		MaxSessions:   cfg.MaxSessions,
		QueueCapacity: cfg.CommandQueueCapacity,
		Players:       cast.NewGo2TVPlayers(bundle.CastFactory, bundle.DLNAFactory),
		Devices:       scanner,
		CastOptions: []cast.Option{
			cast.WithPollInterval(cfg.Cast.PollInterval),
			cast.WithDiscoveryTimeout(cfg.Discovery.TimeoutMS),
			cast.WithRetryPolicy(cast.RetryPolicy{
				Attempts:    cfg.Cast.ConnectAttempts,
				BaseBackoff: cfg.Cast.RetryBaseBackoff,
				MaxBackoff:  cfg.Cast.RetryMaxBackoff,
			}),
		},
		WatchOptions: []discovery.WatcherOption{
			discovery.WithWatchInterval(cfg.Discovery.Interval),
			discovery.WithScanTimeout(cfg.Discovery.TimeoutMS),
		},
	})
	if err := svc.StartCastDeviceDiscovery(runCtx); err != nil {
		logger.Warn("device_discovery_unavailable", slog.String("error", err.Error()))
	}

	srv := mcpserver.New(os.Stdin, os.Stdout, mcpserver.Config{
		ServerName:    serverName,
		ServerVersion: buildinfo.Version,
		Logger:        logger,
		Broker:        svc,
	})

	// The stdio stream ending is a clean stop for everything else.
	serveCtx, stopServing := context.WithCancel(runCtx)
	defer stopServing()
	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error {
		defer stopServing()
		// Run only notices cancellation between messages, so a signal
		// must not wait for the next read.
		runErrCh := make(chan error, 1)
		go func() {
			runErrCh <- srv.Run(gctx)
		}()
		select {
		case err := <-runErrCh:
			return err
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	if addr := cfg.Metrics.ListenAddr; addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, addr, logger)
		})
	}

	runErr := g.Wait()
	switch {
	case runErr == nil:
		logger.Info("mcp_server_stopping", slog.String("reason", "clean_eof"))
	case errors.Is(runErr, context.Canceled):
		reason := "canceled"
		var sigErr *lifecycle.SignalError
		if errors.As(context.Cause(runCtx), &sigErr) {
			reason = sigErr.Signal.String()
		}
		logger.Info("mcp_server_stopping", slog.String("reason", reason))
	default:
		logger.Warn("mcp_server_stopping", slog.String("reason", runErr.Error()))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := svc.Close(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down broker: %w", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics_listen", slog.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}

// openHistory builds the configured history backend. The returned close
// func is never nil.
func openHistory(ctx context.Context, cfg config.HistoryConfig) (store.HistoryStore, func() error, error) {
	if cfg.Backend != config.HistoryRedis {
		return store.NewMemoryHistory(cfg.Capacity), func() error { return nil }, nil
	}

	rdb, err := store.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	history := store.NewRedisHistory(rdb, cfg.RedisKey, cfg.Capacity)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := history.Ping(pingCtx); err != nil {
		_ = history.Close()
		return nil, nil, fmt.Errorf("failed to reach redis history at %s: %w", cfg.RedisURL, err)
	}
	return history, history.Close, nil
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "invalid log_level=%q; defaulting to info\n", raw)
		return slog.LevelInfo
	}
}
