// Package policy stores the singleton verifier configuration: the admin,
// the allowed issuers root and the policy version.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oraculo/zkattest/internal/events"
	"github.com/oraculo/zkattest/internal/ledger"
	"github.com/oraculo/zkattest/internal/metrics"
	"github.com/oraculo/zkattest/pkg/address"
	"github.com/oraculo/zkattest/pkg/attest"
)

// Store reads and mutates the verifier configuration.
type Store struct {
	store     ledger.Store
	key       ledger.Key
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Options are optional collaborators of a Store.
type Options struct {
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// New creates a policy store. The configuration lives at addr.Config().
func New(store ledger.Store, addr *address.Deriver, opts Options) (*Store, error) {
	pda, err := addr.Config()
	if err != nil {
		return nil, fmt.Errorf("derive config address: %w", err)
	}

	s := &Store{
		store:     store,
		key:       ledger.Key(pda),
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
	if s.publisher == nil {
		s.publisher = events.Nop{}
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Init creates the configuration. It never overwrites: a second call fails
// with attest.ErrAlreadyInitialized. Version 0 is reserved for "no config".
func (s *Store) Init(ctx context.Context, admin attest.Identity, root attest.Hash256, version uint32) (*attest.VerifierConfig, error) {
	if version == 0 {
		return nil, fmt.Errorf("policy version must be non-zero")
	}
	if admin.IsZero() {
		return nil, fmt.Errorf("%w: admin must be set", attest.ErrUnauthorized)
	}

	cfg := &attest.VerifierConfig{
		Admin:              admin,
		AllowedIssuersRoot: root,
		Version:            version,
	}
	data, err := attest.EncodeConfig(cfg)
	if err != nil {
		return nil, err
	}

	err = ledger.UpdateRetry(ctx, s.store, ledger.DefaultAttempts, func(tx ledger.Txn) error {
		return tx.Create(s.key, data)
	})
	switch {
	case errors.Is(err, ledger.ErrExists):
		return nil, attest.ErrAlreadyInitialized
	case errors.Is(err, ledger.ErrConflict):
		return nil, fmt.Errorf("%w: init config: %v", attest.ErrStorageConflict, err)
	case err != nil:
		return nil, fmt.Errorf("init config: %w", err)
	}

	s.logger.Info("verifier config initialized",
		"admin", admin.String(),
		"root", root.String(),
		"version", version,
	)
	return cfg, nil
}

// Get returns the configuration, or attest.ErrNotFound before Init.
func (s *Store) Get(ctx context.Context) (*attest.VerifierConfig, error) {
	var cfg *attest.VerifierConfig
	err := s.store.View(ctx, func(r ledger.Reader) error {
		var err error
		cfg, err = s.get(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Store) get(r ledger.Reader) (*attest.VerifierConfig, error) {
	data, err := r.Get(s.key)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, attest.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return attest.DecodeConfig(data)
}

// RotateIssuersRoot replaces the allowed issuers root. Only the admin may
// rotate. Existing attestations stay valid; the new root applies to
// verifications that start afterwards. The version is unchanged.
func (s *Store) RotateIssuersRoot(ctx context.Context, caller attest.Identity, newRoot attest.Hash256) (*attest.VerifierConfig, error) {
	var (
		updated *attest.VerifierConfig
		oldRoot attest.Hash256
	)
	err := ledger.UpdateRetry(ctx, s.store, ledger.DefaultAttempts, func(tx ledger.Txn) error {
		cfg, err := s.get(tx)
		if err != nil {
			return err
		}
		if !cfg.Admin.Equals(caller) {
			return attest.ErrUnauthorized
		}

		oldRoot = cfg.AllowedIssuersRoot
		cfg.AllowedIssuersRoot = newRoot
		data, err := attest.EncodeConfig(cfg)
		if err != nil {
			return err
		}
		if err := tx.Put(s.key, data); err != nil {
			return err
		}
		updated = cfg
		return nil
	})
	if errors.Is(err, ledger.ErrConflict) {
		return nil, fmt.Errorf("%w: rotate issuers root: %v", attest.ErrStorageConflict, err)
	}
	if err != nil {
		return nil, err
	}

	s.metrics.Rotations.Inc()
	s.logger.Info("issuers root rotated",
		"old_root", oldRoot.String(),
		"new_root", newRoot.String(),
		"version", updated.Version,
	)
	if err := s.publisher.Publish(ctx, events.IssuersRootRotated(updated, oldRoot)); err != nil {
		s.logger.Warn("failed to publish rotation event", "error", err)
	}
	return updated, nil
}
