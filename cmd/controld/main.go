// Command controld runs the license control core as a long-lived daemon:
// it wires the in-memory stores, the license manager, the machine tracker
// and the risk engine together, drives the periodic sweeps on timers and
// exposes Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"licensectl/internal/alert"
	"licensectl/internal/config"
	"licensectl/internal/infrastructure"
	"licensectl/internal/license"
	"licensectl/internal/machine"
	"licensectl/internal/risk"
	"licensectl/internal/store/memory"
)

func main() {
	configFile := flag.String("config", "", "path to YAML config file (optional, env overrides apply)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to initialize logger", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer infrastructure.CloseLogger()

	if err := run(cfg, logger); err != nil {
		logger.Error("controld exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := promclient.NewRegistry()
	provider, err := infrastructure.InitializeMetrics(registry)
	if err != nil {
		return err
	}
	defer provider.Shutdown(context.Background())

	licenses := memory.NewLicenseStore()
	machines := memory.NewMachineStore(cfg.Risk.Retention)

	dispatcher := alert.NewDispatcher(alert.NewLogSink(), cfg.Alerts)
	defer dispatcher.Close()

	clock := infrastructure.SystemClock{}
	manager := license.NewManager(cfg, licenses, machines, dispatcher, clock, nil)
	tracker := machine.NewTracker(cfg, machines, dispatcher, clock, nil)
	engine := risk.NewEngine(cfg, licenses, machines, dispatcher, clock)

	if licMetrics, err := license.InitMetrics(provider.Meter(license.MeterName)); err != nil {
		logger.Warn("license metrics unavailable", slog.String("error", err.Error()))
	} else {
		manager.SetMetrics(licMetrics)
	}
	if riskMetrics, err := risk.InitMetrics(provider.Meter(risk.MeterName)); err != nil {
		logger.Warn("risk metrics unavailable", slog.String("error", err.Error()))
	} else {
		engine.SetMetrics(riskMetrics)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", slog.String("addr", cfg.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	logger.Info("controld started",
		slog.Duration("offline_sweep", cfg.Sweep.Offline),
		slog.Duration("expiry_sweep", cfg.Sweep.Expiry),
		slog.Duration("risk_sweep", cfg.Sweep.Risk),
	)

	offlineTicker := time.NewTicker(cfg.Sweep.Offline)
	defer offlineTicker.Stop()
	expiryTicker := time.NewTicker(cfg.Sweep.Expiry)
	defer expiryTicker.Stop()
	riskTicker := time.NewTicker(cfg.Sweep.Risk)
	defer riskTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			if metricsServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := metricsServer.Shutdown(shutdownCtx); err != nil {
					logger.Warn("metrics server shutdown failed", slog.String("error", err.Error()))
				}
				cancel()
			}
			return nil

		case <-offlineTicker.C:
			sweepCtx := infrastructure.ContextWithTraceID(ctx)
			if _, err := tracker.SweepOffline(sweepCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("offline sweep failed", slog.String("error", err.Error()))
			}

		case <-expiryTicker.C:
			sweepCtx := infrastructure.ContextWithTraceID(ctx)
			if _, err := manager.SweepExpiring(sweepCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("expiry sweep failed", slog.String("error", err.Error()))
			}

		case <-riskTicker.C:
			sweepCtx := infrastructure.ContextWithTraceID(ctx)
			if _, err := engine.EvaluateAll(sweepCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("risk evaluation cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}
