// Polyarb — an automated dip-arbitrage bot for Polymarket short-duration
// UP/DOWN markets.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go      — composition root: wires bus → strategy → orders, rotates markets
//	strategy/diparb.go    — two-leg arbitrage: buys a dipping side, hedges the opposite side
//	order/manager.go      — per-order lifecycle supervision over WS events + REST polling
//	rotation/scheduler.go — market rotation and post-resolution redemption queue
//	ws/                   — venue WebSocket transport, event demux, per-subject fan-out
//	market/               — Gamma market scanner and the UP/DOWN pair book
//	exchange/             — REST client, L1/L2 auth, EIP-712 order signing, rate limiting
//	chain/ctf.go          — on-chain merge/redeem/balance calls against the CTF contract
//	store/store.go        — JSON persistence for the redemption queue and round history
//
// How it makes money:
//
//	In a binary UP/DOWN market the two outcome prices sum to ~$1. When one
//	side's ask drops sharply, the bot buys it, then waits for the opposite
//	ask to fall far enough that both legs together cost under $1. The hedged
//	pair is merged back to exactly $1 of collateral on-chain, locking in the
//	difference regardless of which side wins.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"polyarb/internal/api"
	"polyarb/internal/config"
	"polyarb/internal/engine"
)

func main() {
	// A .env file is optional; deployments set POLY_* variables directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, eng, eng.Emitter(), *cfg, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(context.Background()); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("polyarb started",
		"underlyings", cfg.Rotate.Underlyings,
		"duration", cfg.Rotate.Duration,
		"dip_threshold", cfg.DipArb.DipThreshold,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
