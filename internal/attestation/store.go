// Package attestation stores the attestation record of each
// (subject, predicate_hash) pair at PDA("attest", subject, predicate_hash).
package attestation

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

// Handle identifies a stored attestation.
type Handle struct {
	Address       ledger.Key
	Subject       attest.Identity
	PredicateHash attest.Hash256
}

// Store reads and writes attestation records.
type Store struct {
	store     ledger.Store
	addr      *address.Deriver
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

// New creates an attestation store.
func New(store ledger.Store, addr *address.Deriver, opts Options) *Store {
	s := &Store{
		store:     store,
		addr:      addr,
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
	return s
}

// Key returns the ledger key of the (subject, predicate) record.
func (s *Store) Key(subject attest.Identity, predicate attest.Hash256) (ledger.Key, error) {
	pda, err := s.addr.Attestation(subject, predicate)
	if err != nil {
		return ledger.Key{}, err
	}
	return ledger.Key(pda), nil
}

// Upsert writes rec, replacing any previous record for the same key.
func (s *Store) Upsert(ctx context.Context, rec *attest.Attestation) (Handle, error) {
	var h Handle
	err := ledger.UpdateRetry(ctx, s.store, ledger.DefaultAttempts, func(tx ledger.Txn) error {
		var err error
		h, err = s.UpsertTx(tx, rec)
		return err
	})
	if errors.Is(err, ledger.ErrConflict) {
		return Handle{}, fmt.Errorf("%w: upsert attestation: %v", attest.ErrStorageConflict, err)
	}
	return h, err
}

// UpsertTx writes rec inside tx.
func (s *Store) UpsertTx(tx ledger.Txn, rec *attest.Attestation) (Handle, error) {
	if rec.ExpiresAt != 0 && rec.IssuedAt >= rec.ExpiresAt {
		return Handle{}, fmt.Errorf("attestation issued at %d does not precede expiry %d", rec.IssuedAt, rec.ExpiresAt)
	}

	key, err := s.Key(rec.Subject, rec.PredicateHash)
	if err != nil {
		return Handle{}, err
	}
	data, err := attest.EncodeAttestation(rec)
	if err != nil {
		return Handle{}, err
	}
	if err := tx.Put(key, data); err != nil {
		return Handle{}, err
	}
	return Handle{Address: key, Subject: rec.Subject, PredicateHash: rec.PredicateHash}, nil
}

// Fetch returns the record for (subject, predicate), or attest.ErrNotFound.
// Expired and revoked records are returned as stored; use IsLive.
func (s *Store) Fetch(ctx context.Context, subject attest.Identity, predicate attest.Hash256) (*attest.Attestation, error) {
	var rec *attest.Attestation
	err := s.store.View(ctx, func(r ledger.Reader) error {
		var err error
		rec, err = s.FetchTx(r, subject, predicate)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// FetchTx reads the record through r.
func (s *Store) FetchTx(r ledger.Reader, subject attest.Identity, predicate attest.Hash256) (*attest.Attestation, error) {
	key, err := s.Key(subject, predicate)
	if err != nil {
		return nil, err
	}
	data, err := r.Get(key)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, attest.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return attest.DecodeAttestation(data)
}

// IsLive reports whether att is unexpired at now (unix seconds).
func IsLive(att *attest.Attestation, now uint64) bool {
	return att != nil && att.IsLive(now)
}

// Revoke marks the caller's attestation for predicate as expired. Only the
// subject may revoke its own attestation.
func (s *Store) Revoke(ctx context.Context, caller attest.Identity, predicate attest.Hash256) error {
	err := ledger.UpdateRetry(ctx, s.store, ledger.DefaultAttempts, func(tx ledger.Txn) error {
		rec, err := s.FetchTx(tx, caller, predicate)
		if err != nil {
			return err
		}
		if !rec.Subject.Equals(caller) {
			return attest.ErrUnauthorized
		}
		rec.ExpiresAt = 0
		_, err = s.UpsertTx(tx, rec)
		return err
	})
	if errors.Is(err, ledger.ErrConflict) {
		return fmt.Errorf("%w: revoke attestation: %v", attest.ErrStorageConflict, err)
	}
	if err != nil {
		return err
	}

	s.metrics.Revocations.Inc()
	s.logger.Info("attestation revoked",
		"subject", caller.String(),
		"predicate_hash", predicate.String(),
	)
	if err := s.publisher.Publish(ctx, events.AttestationRevoked(caller, predicate)); err != nil {
		s.logger.Warn("failed to publish revocation event", "error", err)
	}
	return nil
}
