package nonce

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oraculo/zkattest/internal/ledger"
	"github.com/oraculo/zkattest/pkg/address"
	"github.com/oraculo/zkattest/pkg/attest"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l := New(ledger.NewMemory(), address.MustDefault())
	l.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return l
}

func mustNonce(t *testing.T) attest.Nonce {
	t.Helper()
	n, err := attest.NewNonce()
	require.NoError(t, err)
	return n
}

func TestCheckAndConsume_FirstUseSucceeds(t *testing.T) {
	l := newTestLedger(t)
	subject := solana.NewWallet().PublicKey()
	n := mustNonce(t)

	require.NoError(t, l.CheckAndConsume(context.Background(), subject, n))

	rec, err := l.Lookup(context.Background(), subject, n)
	require.NoError(t, err)
	assert.Equal(t, subject, rec.Subject)
	assert.Equal(t, n, rec.Nonce)
	assert.Equal(t, uint64(1_700_000_000), rec.ConsumedAt)
}

func TestCheckAndConsume_ReplayRejected(t *testing.T) {
	l := newTestLedger(t)
	subject := solana.NewWallet().PublicKey()
	n := mustNonce(t)

	require.NoError(t, l.CheckAndConsume(context.Background(), subject, n))
	err := l.CheckAndConsume(context.Background(), subject, n)
	assert.ErrorIs(t, err, attest.ErrNonceReused)
}

func TestCheckAndConsume_ScopedPerSubject(t *testing.T) {
	l := newTestLedger(t)
	n := mustNonce(t)

	require.NoError(t, l.CheckAndConsume(context.Background(), solana.NewWallet().PublicKey(), n))
	assert.NoError(t, l.CheckAndConsume(context.Background(), solana.NewWallet().PublicKey(), n),
		"the same nonce is independent for another subject")
}

func TestCheckAndConsume_ConcurrentSingleWinner(t *testing.T) {
	l := newTestLedger(t)
	subject := solana.NewWallet().PublicKey()
	n := mustNonce(t)

	const workers = 32
	var wins, replays atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.CheckAndConsume(context.Background(), subject, n)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, attest.ErrNonceReused):
				replays.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(workers-1), replays.Load())
}

func TestCheckAndConsume_Badger(t *testing.T) {
	store, err := ledger.OpenBadger("", slog.Default())
	require.NoError(t, err)
	defer store.Close()

	l := New(store, address.MustDefault())
	subject := solana.NewWallet().PublicKey()
	n := mustNonce(t)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.CheckAndConsume(context.Background(), subject, n) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestConsumeTx_RollsBackWithTransaction(t *testing.T) {
	store := ledger.NewMemory()
	l := New(store, address.MustDefault())
	subject := solana.NewWallet().PublicKey()
	n := mustNonce(t)
	boom := errors.New("attestation write failed")

	err := store.Update(context.Background(), func(tx ledger.Txn) error {
		if err := l.ConsumeTx(tx, subject, n, attest.HashString("age>=18"), 1); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = l.Lookup(context.Background(), subject, n)
	assert.ErrorIs(t, err, attest.ErrNotFound, "nonce must stay unconsumed")
	assert.NoError(t, l.CheckAndConsume(context.Background(), subject, n))
}

func TestLookup_NotFound(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Lookup(context.Background(), solana.NewWallet().PublicKey(), mustNonce(t))
	assert.ErrorIs(t, err, attest.ErrNotFound)
}

func TestReserve(t *testing.T) {
	l := newTestLedger(t)
	subject := solana.NewWallet().PublicKey()
	n := mustNonce(t)

	release, err := l.Reserve(subject, n)
	require.NoError(t, err)

	_, err = l.Reserve(subject, n)
	assert.ErrorIs(t, err, attest.ErrNonceReused)

	other, err := l.Reserve(solana.NewWallet().PublicKey(), n)
	require.NoError(t, err)
	other()

	release()
	release() // idempotent

	again, err := l.Reserve(subject, n)
	require.NoError(t, err)
	again()
}
