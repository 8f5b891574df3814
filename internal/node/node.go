// Package node assembles the attestation core from configuration: ledger,
// stores, proving keys, engine, events and metrics. Both binaries build on it.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oraculo/zkattest/internal/attestation"
	"github.com/oraculo/zkattest/internal/config"
	"github.com/oraculo/zkattest/internal/engine"
	"github.com/oraculo/zkattest/internal/events"
	"github.com/oraculo/zkattest/internal/ledger"
	"github.com/oraculo/zkattest/internal/metrics"
	"github.com/oraculo/zkattest/internal/nonce"
	"github.com/oraculo/zkattest/internal/policy"
	"github.com/oraculo/zkattest/pkg/address"
	"github.com/oraculo/zkattest/pkg/attest"
	"github.com/oraculo/zkattest/pkg/compress"
	"github.com/oraculo/zkattest/pkg/issuers"
	"github.com/oraculo/zkattest/pkg/zkproof"
)

// Node is a wired attestation core.
type Node struct {
	Config       *config.Config
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Store        ledger.Store
	Addr         *address.Deriver
	Policy       *policy.Store
	Nonces       *nonce.Ledger
	Attestations *attestation.Store
	Events       events.Publisher
	Keys         *zkproof.Registry
	Engine       *engine.Engine

	// Set by LoadCircuits.
	AgeCircuit   *zkproof.CompiledAgeCircuit
	BatchCircuit *zkproof.CompiledBatchCircuit

	closers []func() error
}

// Options are optional collaborators of a Node.
type Options struct {
	Logger *slog.Logger
	// Registerer receives the collectors. Nil keeps them private.
	Registerer prometheus.Registerer
	// MetricSubsystems limits the collectors given to Registerer. Empty
	// exports all of them.
	MetricSubsystems []string
	// Publisher replaces the configured event publisher.
	Publisher events.Publisher
}

// Open wires a node from cfg. It does not load circuits; call LoadCircuits
// before verifying or proving.
func Open(cfg *config.Config, opts Options) (_ *Node, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	n := &Node{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(opts.Registerer, opts.MetricSubsystems...),
		Keys:    zkproof.NewRegistry(),
	}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	n.Addr, err = address.NewDeriver(cfg.Program.ID)
	if err != nil {
		return nil, fmt.Errorf("program id: %w", err)
	}

	n.Store, err = ledger.Open(ledger.Options{
		Backend: cfg.Ledger.Backend,
		Path:    cfg.Ledger.Path,
		Driver:  cfg.Ledger.Driver,
		DSN:     cfg.Ledger.DSN,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	n.closers = append(n.closers, n.Store.Close)

	n.Events = opts.Publisher
	if n.Events == nil {
		n.Events, err = n.openPublisher()
		if err != nil {
			return nil, err
		}
	}

	n.Policy, err = policy.New(n.Store, n.Addr, policy.Options{
		Publisher: n.Events,
		Metrics:   n.Metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	n.Nonces = nonce.New(n.Store, n.Addr)
	n.Attestations = attestation.New(n.Store, n.Addr, attestation.Options{
		Publisher: n.Events,
		Metrics:   n.Metrics,
		Logger:    logger,
	})

	n.Engine, err = engine.New(engine.Config{
		Store:          n.Store,
		Policy:         n.Policy,
		Nonces:         n.Nonces,
		Attestations:   n.Attestations,
		Backend:        n.Keys,
		Issuers:        issuers.MerkleVerifier{},
		Publisher:      n.Events,
		Metrics:        n.Metrics,
		Logger:         logger,
		CommitAttempts: cfg.Engine.CommitAttempts,
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) openPublisher() (events.Publisher, error) {
	logPub := events.LogPublisher{Logger: n.Logger}
	if n.Config.Events.AMQPURL == "" {
		return logPub, nil
	}

	amqpPub, err := events.NewAMQPPublisher(n.Config.Events.AMQPURL, n.Config.Events.Exchange)
	if err != nil {
		return nil, fmt.Errorf("connect event broker: %w", err)
	}
	n.closers = append(n.closers, amqpPub.Close)
	n.Logger.Info("publishing events to broker", "exchange", n.Config.Events.Exchange)
	return events.Multi{logPub, amqpPub}, nil
}

// LoadCircuits loads or sets up both circuits from the configured key
// directory and registers their verifying keys.
func (n *Node) LoadCircuits() error {
	dir := n.Config.ZK.KeyDir

	age, err := zkproof.LoadOrSetupAgeCircuit(dir)
	if err != nil {
		return fmt.Errorf("age circuit: %w", err)
	}
	batch, err := zkproof.LoadOrSetupBatchCircuit(dir)
	if err != nil {
		return fmt.Errorf("batch circuit: %w", err)
	}

	n.AgeCircuit = age
	n.BatchCircuit = batch
	n.Keys.RegisterAge(age)
	n.Keys.RegisterBatch(batch)

	n.Logger.Info("circuits loaded",
		"key_dir", dir,
		"age_vk_id", age.VKID.String(),
		"batch_vk_id", batch.VKID.String(),
	)
	return nil
}

// Compressor returns a batch compressor. Without loaded circuits it returns
// placeholders.
func (n *Node) Compressor() *compress.Compressor {
	if n.BatchCircuit == nil {
		return compress.New(nil, n.Logger, n.Metrics)
	}
	return compress.New(zkproof.NewBatchProver(n.BatchCircuit), n.Logger, n.Metrics)
}

// EnsurePolicy initializes the verifier config unless one exists and
// returns the config in force. An existing config is left untouched.
func (n *Node) EnsurePolicy(ctx context.Context, admin attest.Identity, root attest.Hash256) (*attest.VerifierConfig, error) {
	cfg, err := n.Policy.Init(ctx, admin, root, n.Config.Policy.Version)
	if errors.Is(err, attest.ErrAlreadyInitialized) {
		return n.Policy.Get(ctx)
	}
	return cfg, err
}

// Close releases the ledger and event broker.
func (n *Node) Close() error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}
