// Rollup simulator.
// Derives accounts, funds them, submits operations to the rollup at the
// configured rate and reports how they settled.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gateway-fm/rollupsim/internal/account"
	"github.com/gateway-fm/rollupsim/internal/config"
	"github.com/gateway-fm/rollupsim/internal/metrics"
	"github.com/gateway-fm/rollupsim/internal/rollup"
	"github.com/gateway-fm/rollupsim/internal/rpc"
	"github.com/gateway-fm/rollupsim/internal/simulation"
	"github.com/gateway-fm/rollupsim/internal/storage"
	"github.com/gateway-fm/rollupsim/internal/transport"
)

func main() {
	os.Exit(run())
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 2
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	l1Cfg := rpc.DefaultClientConfig(cfg.L1URL)
	l1Cfg.MaxRetries = cfg.L1Retries
	l1Cfg.Logger = logger
	l1 := rpc.NewHTTPClient(l1Cfg)
	provider := rollup.NewClient(rollup.ClientConfig{URL: cfg.RollupURL, Logger: logger})

	var cache account.ActivationCache
	if cfg.DatabasePath != "" {
		store, cached, err := storage.OpenCache(context.Background(), cfg.DatabasePath, cfg.ChainID, cfg.ResetCache, logger)
		if err != nil {
			logger.Error("failed to initialize storage", slog.String("path", cfg.DatabasePath), slog.String("error", err.Error()))
			return 1
		}
		defer store.Close()
		cache = store
		logger.Info("initialized activation cache", slog.String("path", cfg.DatabasePath), slog.Int("cached", cached))
	}

	collector := metrics.NewCollector(metrics.NewPrometheusMetrics(nil))
	coord := simulation.New(cfg, simulation.Dependencies{
		L1:      l1,
		Rollup:  provider,
		Cache:   cache,
		Metrics: collector,
		Logger:  logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.ListenAddr != "" {
		api := transport.NewServer(transport.ServerConfig{
			API:    coord,
			Health: &transport.ClientHealth{L1: l1, Rollup: provider},
			Logger: logger,
		})
		srv := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("status API listening", slog.String("addr", cfg.ListenAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status API failed", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			api.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("status API shutdown", slog.String("error", err.Error()))
			}
		}()
	}

	report, err := coord.Run(ctx)
	if err != nil {
		logger.Error("simulation aborted", slog.String("error", err.Error()))
		return 1
	}

	s := report.Summary
	logger.Info("summary",
		slog.String("scenario", string(s.Scenario)),
		slog.Int("operations", s.TxCount),
		slog.Int("succeeded", s.Succeeded),
		slog.Int("failed", s.Failed),
		slog.Float64("target_rate", s.TargetRate),
		slog.Float64("achieved_rate", s.AchievedRate),
		slog.Int64("submission_ms", s.SubmissionMs),
		slog.Int64("resolution_ms", s.ResolutionMs),
		slog.Any("kinds", s.Kinds),
		slog.Any("failure_reasons", s.FailureReasons),
	)
	return 0
}
