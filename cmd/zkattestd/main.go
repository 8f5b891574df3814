// Command zkattestd runs the attestation node: it loads the proving keys,
// keeps the allowed issuers root in step with the issuer list and serves
// Prometheus metrics.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/oraculo/zkattest/internal/config"
	"github.com/oraculo/zkattest/internal/node"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML configuration file")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	ledgerBackend := flag.String("ledger", "", "Ledger backend: memory, badger, sql (overrides config)")
	metricsListen := flag.String("metrics", "", "Metrics listen address (overrides config)")
	initPolicy := flag.Bool("init", false, "Create the verifier config from the admin key and issuer list if missing")

	flag.Parse()

	path := *configPath
	if path == "" {
		path = config.DefaultPaths().ConfigFile
	}
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *ledgerBackend != "" {
		cfg.Ledger.Backend = *ledgerBackend
	}
	if *metricsListen != "" {
		cfg.Metrics.Listen = *metricsListen
	}

	logger, logCloser := node.NewLogger(cfg.Log, os.Stdout)
	defer logCloser.Close()

	if err := ensureDataDirs(cfg); err != nil {
		logger.Error("failed to create directories", "error", err)
		os.Exit(1)
	}

	daemon, err := NewDaemon(cfg, logger, DaemonOptions{InitPolicy: *initPolicy})
	if err != nil {
		logger.Error("failed to create daemon", "error", err)
		os.Exit(1)
	}

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	logger.Info("starting zkattestd",
		"config", path,
		"ledger", cfg.Ledger.Backend,
		"key_dir", cfg.ZK.KeyDir,
		"metrics", cfg.Metrics.Listen,
	)

	if err := daemon.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("daemon error", "error", err)
		logCloser.Close()
		os.Exit(1)
	}

	logger.Info("daemon stopped gracefully")
}
