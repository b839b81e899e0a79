package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	go2tvadapters "go2tv.app/avsession/internal/adapters/go2tv"
	"go2tv.app/avsession/internal/buildinfo"
	"go2tv.app/avsession/internal/config"
	"go2tv.app/avsession/internal/diagnostics"
	"go2tv.app/avsession/internal/store"
)

func runSelfTest(ctx context.Context, out io.Writer) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	bundle := go2tvadapters.NewBundle()
	checks := []diagnostics.Check{
		diagnostics.Wired("go2tv_discovery", bundle.Discovery != nil),
		diagnostics.Wired("go2tv_chromecast", bundle.CastFactory != nil),
		diagnostics.Wired("go2tv_dlna", bundle.DLNAFactory != nil),
	}

	switch cfg.History.Backend {
	case config.HistoryRedis:
		rdb, err := store.NewRedisClient(cfg.History.RedisURL)
		if err != nil {
			return err
		}
		history := store.NewRedisHistory(rdb, cfg.History.RedisKey, cfg.History.Capacity)
		defer func() { _ = history.Close() }()
		checks = append(checks, diagnostics.Reachable("history_redis", history, redisPingTimeout))
	default:
		checks = append(checks, diagnostics.Static("history_memory",
			fmt.Sprintf("in-memory ring of %d record(s)", cfg.History.Capacity)))
	}

	metricsDetail := "disabled"
	if cfg.Metrics.ListenAddr != "" {
		metricsDetail = "listening on " + cfg.Metrics.ListenAddr
	}
	checks = append(checks, diagnostics.Static("metrics", metricsDetail))

	report := diagnostics.Run(ctx, diagnostics.ServerInfo{Name: serverName, Version: buildinfo.Version}, checks...)

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return err
	}
	if !report.AllPassed {
		return errors.New("self-test failed")
	}
	return nil
}
