package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oraculo/zkattest/internal/config"
	"github.com/oraculo/zkattest/internal/issuerwatch"
	"github.com/oraculo/zkattest/internal/metrics"
	"github.com/oraculo/zkattest/internal/node"
	"github.com/oraculo/zkattest/pkg/attest"
	"github.com/oraculo/zkattest/pkg/issuers"
)

// Daemon states.
const (
	StateStarting = "starting"
	StateReady    = "ready"
	StateStopping = "stopping"
)

// DaemonOptions control startup behaviour.
type DaemonOptions struct {
	// InitPolicy creates the verifier config from the admin key and issuer
	// list when none exists.
	InitPolicy bool
	// SkipCircuits leaves proving keys unloaded.
	SkipCircuits bool
}

// Daemon keeps the attestation node open: it owns the proving keys, follows
// the issuer list and serves metrics.
type Daemon struct {
	cfg      *config.Config
	opts     DaemonOptions
	node     *node.Node
	registry *prometheus.Registry
	watcher  *issuerwatch.Watcher
	server   *http.Server
	logger   *slog.Logger

	// metricsAddr is the bound metrics address once listening.
	metricsAddr string

	state   string
	stateMu sync.RWMutex
}

// NewDaemon opens the node described by cfg.
func NewDaemon(cfg *config.Config, logger *slog.Logger, opts DaemonOptions) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Verification, compression and revocation run in the client; the daemon
	// only rotates the issuers root.
	n, err := node.Open(cfg, node.Options{
		Logger:           logger,
		Registerer:       registry,
		MetricSubsystems: []string{metrics.SubsystemPolicy},
	})
	if err != nil {
		return nil, err
	}

	return &Daemon{
		cfg:      cfg,
		opts:     opts,
		node:     n,
		registry: registry,
		logger:   logger,
		state:    StateStarting,
	}, nil
}

// Run starts the daemon and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.opts.SkipCircuits {
		if err := d.node.LoadCircuits(); err != nil {
			d.shutdown()
			return err
		}
	}

	if d.opts.InitPolicy {
		if err := d.initPolicy(ctx); err != nil {
			d.shutdown()
			return err
		}
	}

	if d.cfg.Policy.Watch {
		d.startWatcher(ctx)
	}

	serverErr := make(chan error, 1)
	if d.cfg.Metrics.Listen != "" {
		if err := d.startMetrics(serverErr); err != nil {
			d.shutdown()
			return err
		}
	}

	d.setState(StateReady)
	d.logger.Info("daemon ready", "ledger", d.cfg.Ledger.Backend)

	select {
	case <-ctx.Done():
		d.logger.Info("shutting down daemon")
	case err := <-serverErr:
		d.logger.Error("metrics server error", "error", err)
	}

	return d.shutdown()
}

// initPolicy creates the verifier config unless one exists.
func (d *Daemon) initPolicy(ctx context.Context) error {
	admin, created, err := node.LoadOrCreateKeypair(d.cfg.Policy.AdminKey)
	if err != nil {
		return err
	}
	if created {
		d.logger.Info("created admin keypair", "path", d.cfg.Policy.AdminKey, "admin", admin.Public.String())
	}

	set, err := issuers.LoadFile(d.cfg.Policy.IssuersFile)
	if err != nil {
		return err
	}

	cfg, err := d.node.EnsurePolicy(ctx, admin.Public, set.Root())
	if err != nil {
		return fmt.Errorf("initialize verifier config: %w", err)
	}
	d.logger.Info("verifier config",
		"admin", cfg.Admin.String(),
		"root", cfg.AllowedIssuersRoot.String(),
		"version", cfg.Version,
	)
	return nil
}

// startWatcher follows the issuer list. Failures disable watching but do not
// stop the daemon.
func (d *Daemon) startWatcher(ctx context.Context) {
	admin, err := node.LoadKeypair(d.cfg.Policy.AdminKey)
	if err != nil {
		d.logger.Warn("issuer list watch disabled", "reason", "no admin key", "error", err)
		return
	}

	w, err := issuerwatch.New(d.cfg.Policy.IssuersFile, admin.Public, d.node.Policy, d.logger)
	if err != nil {
		d.logger.Warn("issuer list watch disabled", "path", d.cfg.Policy.IssuersFile, "error", err)
		return
	}
	w.SetErrorCallback(func(err error) {
		d.logger.Error("issuer watcher error", "error", err)
	})

	if _, err := w.Sync(ctx); err != nil {
		switch {
		case errors.Is(err, attest.ErrNotFound):
			d.logger.Warn("verifier config not initialized; issuer list applies after init")
		case errors.Is(err, attest.ErrUnauthorized):
			d.logger.Warn("admin key does not match verifier config; issuer list ignored")
		default:
			d.logger.Warn("initial issuer list sync failed", "error", err)
		}
	}

	d.watcher = w
	go func() {
		d.logger.Info("watching issuer list", "path", d.cfg.Policy.IssuersFile)
		w.Start(ctx)
	}()
}

func (d *Daemon) startMetrics(serverErr chan<- error) error {
	ln, err := net.Listen("tcp", d.cfg.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("listen metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", d.handleHealth)

	d.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	addr := ln.Addr().String()
	d.stateMu.Lock()
	d.metricsAddr = addr
	d.stateMu.Unlock()

	go func() {
		d.logger.Info("serving metrics", "addr", addr)
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	return nil
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if d.State() != StateReady {
		http.Error(w, d.State(), http.StatusServiceUnavailable)
		return
	}
	fmt.Fprintln(w, StateReady)
}

// shutdown stops the watcher and metrics server and closes the node.
func (d *Daemon) shutdown() error {
	d.setState(StateStopping)
	var errs []error

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}

	if err := d.node.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (d *Daemon) setState(state string) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.state = state
}

// State returns the daemon state.
func (d *Daemon) State() string {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.state
}

// MetricsAddr returns the address the metrics server listens on.
func (d *Daemon) MetricsAddr() string {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.metricsAddr
}

// ensureDataDirs creates the XDG directories and the badger directory.
func ensureDataDirs(cfg *config.Config) error {
	paths := config.DefaultPaths()
	if err := paths.EnsureDirectories(); err != nil {
		return err
	}
	if cfg.Ledger.Backend == "badger" && cfg.Ledger.Path != "" {
		if err := os.MkdirAll(cfg.Ledger.Path, 0700); err != nil {
			return err
		}
	}
	return nil
}
