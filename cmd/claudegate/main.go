package main

import (
	"log/slog"
	"os"

	"github.com/claudegate/claudegate/internal/account"
	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/events"
	"github.com/claudegate/claudegate/internal/server"
	"github.com/claudegate/claudegate/internal/stats"
	"github.com/claudegate/claudegate/internal/transport"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	bus := events.NewBus(200)
	logHandler := events.NewLogHandler(level, 1000, bus)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("claudegate starting", "version", version)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		slog.Error("data dir unavailable", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	settings, err := config.OpenSettings(cfg.DataDir)
	if err != nil {
		slog.Error("settings init failed", "error", err)
		os.Exit(1)
	}

	secret := os.Getenv("CG_ENCRYPTION_KEY")
	if secret == "" {
		slog.Error("missing required env: CG_ENCRYPTION_KEY")
		os.Exit(1)
	}
	crypto := account.NewCrypto(secret)

	accounts := account.NewStore(cfg.DataDir, crypto)
	if err := accounts.Load(); err != nil {
		slog.Error("account store load failed", "error", err)
		os.Exit(1)
	}
	slog.Info("accounts loaded", "count", len(accounts.List()))

	statsStore, err := stats.Open(cfg.DataDir)
	if err != nil {
		slog.Error("stats store init failed", "error", err)
		os.Exit(1)
	}
	defer statsStore.Close()

	opts := transport.Options{
		ProxyURL:       cfg.ProxyURL,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		OverallTimeout: cfg.RequestTimeout,
	}
	plainClient, err := transport.NewPlain(opts)
	if err != nil {
		slog.Error("transport init failed", "error", err)
		os.Exit(1)
	}
	webClient, err := transport.NewFingerprinted(opts)
	if err != nil {
		// No per-request fallback: the web transport is off for the whole
		// process when the fingerprinted variant cannot be built.
		slog.Warn("fingerprinted transport unavailable, web transport disabled", "error", err)
		webClient = nil
	}

	srv, err := server.New(cfg, settings, accounts, statsStore, plainClient, webClient, bus, logHandler, version)
	if err != nil {
		slog.Error("server init failed", "error", err)
		os.Exit(1)
	}
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
