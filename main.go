package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	ipfslog "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miguelrdp/iron/pkg/log"
)

func main() {
	var logConf log.Config
	if err := cleanenv.ReadEnv(&logConf); err != nil {
		logConf = log.Config{Format: "console", Level: log.LevelInfo}
	}
	logger := log.NewZapLogger(logConf).WithName("root")
	if len(os.Args) > 1 {
		// If a CLI command is provided, run it and exit
		runCli(logger, os.Args[1])
		return
	}

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}
	logger = log.NewZapLogger(config.Log).WithName("root")
	if err := ipfslog.SetLogLevel("forwarder", string(config.Log.Level)); err != nil {
		logger.Warn("failed to set retry log level", "error", err)
	}

	db, err := ConnectToDB(config.Database)
	if err != nil {
		logger.Fatal("failed to setup database", "error", err)
	}

	ctx := context.Background()
	metrics := NewMetrics()
	app, err := NewApp(ctx, config, NewSettingsStore(db), metrics, logger)
	if err != nil {
		logger.Fatal("failed to initialise application", "error", err)
	}

	verifyCtx, cancelVerify := context.WithTimeout(ctx, 10*time.Second)
	if err := app.VerifyEndpoint(verifyCtx); errors.Is(err, ErrChainIDMismatch) {
		logger.Fatal("network endpoint serves another chain", "error", err)
	} else if err != nil {
		logger.Warn("network endpoint verification failed", "error", err)
	}
	cancelVerify()

	rpcServer := &http.Server{
		Addr:    config.ListenAddr,
		Handler: app.Host.Router(),
	}

	metricsEndpoint := "/metrics"
	// Set up a separate mux for metrics
	metricsMux := http.NewServeMux()
	metricsMux.Handle(metricsEndpoint, promhttp.Handler())

	// Start metrics server on a separate port
	metricsServer := &http.Server{
		Addr:    config.MetricsAddr,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("Prometheus metrics available", "listenAddr", config.MetricsAddr, "endpoint", metricsEndpoint)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failure", "error", err)
		}
	}()

	go func() {
		logger.Info("bridge host available", "listenAddr", config.ListenAddr, "endpoint", hostListenEndpoint,
			"network", app.Networks.Current().Name)
		if err := rpcServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("bridge host failure", "error", err)
		}
	}()

	// Wait for shutdown signal.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")

	// Shutdown metrics server
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down metrics server", "error", err)
	}

	// Websocket connections are hijacked, so Shutdown does not wait for them.
	shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down bridge host", "error", err)
	}
	app.Close()

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	logger.Info("shutdown complete")
}
