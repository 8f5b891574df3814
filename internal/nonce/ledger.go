// Package nonce records consumed (subject, nonce) pairs so that a proof can
// never be accepted twice.
//
// Each pair owns one account at PDA("nonce", subject, nonce). The account is
// written with an insert-only Create, so the ledger host's per-key atomicity
// is the mutual-exclusion point: of any number of concurrent consumers of the
// same pair, exactly one succeeds.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oraculo/zkattest/internal/ledger"
	"github.com/oraculo/zkattest/pkg/address"
	"github.com/oraculo/zkattest/pkg/attest"
)

type pair struct {
	subject attest.Identity
	nonce   attest.Nonce
}

// Ledger is the nonce ledger. It is safe for concurrent use.
type Ledger struct {
	store    ledger.Store
	addr     *address.Deriver
	attempts int
	now      func() time.Time

	mu       sync.Mutex
	reserved map[pair]struct{}
}

// New creates a nonce ledger over store.
func New(store ledger.Store, addr *address.Deriver) *Ledger {
	return &Ledger{
		store:    store,
		addr:     addr,
		attempts: ledger.DefaultAttempts,
		now:      time.Now,
		reserved: make(map[pair]struct{}),
	}
}

// Key returns the ledger key of the (subject, nonce) record.
func (l *Ledger) Key(subject attest.Identity, nonce attest.Nonce) (ledger.Key, error) {
	addr, err := l.addr.Nonce(subject, nonce)
	if err != nil {
		return ledger.Key{}, err
	}
	return ledger.Key(addr), nil
}

// CheckAndConsume atomically records nonce as used by subject, failing with
// attest.ErrNonceReused if it already was.
func (l *Ledger) CheckAndConsume(ctx context.Context, subject attest.Identity, nonce attest.Nonce) error {
	now := attest.Unix(l.now())
	err := ledger.UpdateRetry(ctx, l.store, l.attempts, func(tx ledger.Txn) error {
		return l.ConsumeTx(tx, subject, nonce, attest.Hash256{}, now)
	})
	if errors.Is(err, ledger.ErrConflict) {
		return fmt.Errorf("%w: consume nonce: %v", attest.ErrStorageConflict, err)
	}
	return err
}

// ConsumeTx records the nonce inside tx. predicate names the attestation
// being committed with it.
func (l *Ledger) ConsumeTx(tx ledger.Txn, subject attest.Identity, nonce attest.Nonce, predicate attest.Hash256, now uint64) error {
	key, err := l.Key(subject, nonce)
	if err != nil {
		return err
	}

	data, err := attest.EncodeNonce(&attest.NonceRecord{
		Subject:       subject,
		Nonce:         nonce,
		PredicateHash: predicate,
		ConsumedAt:    now,
	})
	if err != nil {
		return err
	}

	err = tx.Create(key, data)
	if errors.Is(err, ledger.ErrExists) {
		return &attest.ReplayError{Subject: subject, Nonce: nonce}
	}
	return err
}

// Lookup returns the consumption record, or attest.ErrNotFound.
func (l *Ledger) Lookup(ctx context.Context, subject attest.Identity, nonce attest.Nonce) (*attest.NonceRecord, error) {
	key, err := l.Key(subject, nonce)
	if err != nil {
		return nil, err
	}

	var rec *attest.NonceRecord
	err = l.store.View(ctx, func(r ledger.Reader) error {
		data, err := r.Get(key)
		if err != nil {
			return err
		}
		rec, err = attest.DecodeNonce(data)
		return err
	})
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, attest.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Reserve claims (subject, nonce) in this process until release is called,
// so identical concurrent submissions never reach proof verification twice.
// It fails with attest.ErrNonceReused while another reservation is held.
// Reservation is advisory; ConsumeTx remains the authority.
func (l *Ledger) Reserve(subject attest.Identity, nonce attest.Nonce) (release func(), err error) {
	p := pair{subject: subject, nonce: nonce}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.reserved[p]; held {
		return nil, &attest.ReplayError{Subject: subject, Nonce: nonce}
	}
	l.reserved[p] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.reserved, p)
			l.mu.Unlock()
		})
	}, nil
}
