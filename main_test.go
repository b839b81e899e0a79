package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go2tv.app/avsession/internal/buildinfo"
	"go2tv.app/avsession/internal/config"
	"go2tv.app/avsession/internal/store"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for raw, want := range tests {
		if got := parseLogLevel(raw); got != want {
			t.Fatalf("parseLogLevel(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestOpenHistoryMemory(t *testing.T) {
	history, closeFn, err := openHistory(context.Background(), config.HistoryConfig{
		Backend:  config.HistoryMemory,
		Capacity: 7,
	})
	if err != nil {
		t.Fatalf("openHistory: %v", err)
	}
	if _, ok := history.(*store.MemoryHistory); !ok {
		t.Fatalf("expected a memory history, got %T", history)
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestOpenHistoryRejectsBadRedisURL(t *testing.T) {
	_, _, err := openHistory(context.Background(), config.HistoryConfig{
		Backend:  config.HistoryRedis,
		Capacity: 10,
		RedisURL: "not a url",
	})
	if err == nil {
		t.Fatal("expected an error for an invalid redis URL")
	}
}

func TestVersionCommand(t *testing.T) {
	out := bytes.NewBuffer(nil)
	rootCmd.SetOut(out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(out.String()) != buildinfo.Version {
		t.Fatalf("unexpected version output: %q", out.String())
	}
}
