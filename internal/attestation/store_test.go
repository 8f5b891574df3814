package attestation

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oraculo/zkattest/internal/events"
	"github.com/oraculo/zkattest/internal/ledger"
	"github.com/oraculo/zkattest/internal/metrics"
	"github.com/oraculo/zkattest/pkg/address"
	"github.com/oraculo/zkattest/pkg/attest"
)

type recorder struct {
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.events = append(r.events, e)
	return nil
}

func sample(subject attest.Identity) *attest.Attestation {
	return &attest.Attestation{
		Subject:       subject,
		PredicateHash: attest.HashString("age>=18"),
		IssuerHash:    attest.HashString("gov-issuer"),
		VKID:          attest.HashString("vk"),
		IssuedAt:      1_000,
		ExpiresAt:     2_000,
		LastNonce:     attest.Nonce{1, 2, 3},
	}
}

func TestFetch_NotFound(t *testing.T) {
	s := New(ledger.NewMemory(), address.MustDefault(), Options{})
	_, err := s.Fetch(context.Background(), solana.NewWallet().PublicKey(), attest.HashString("p"))
	assert.ErrorIs(t, err, attest.ErrNotFound)
}

func TestUpsert_Overwrites(t *testing.T) {
	s := New(ledger.NewMemory(), address.MustDefault(), Options{})
	ctx := context.Background()
	subject := solana.NewWallet().PublicKey()

	first := sample(subject)
	h, err := s.Upsert(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, subject, h.Subject)

	second := sample(subject)
	second.IssuedAt = 1_500
	second.ExpiresAt = 3_000
	second.LastNonce = attest.Nonce{9}
	h2, err := s.Upsert(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, h.Address, h2.Address, "one record per (subject, predicate)")

	got, err := s.Fetch(ctx, subject, second.PredicateHash)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestUpsert_DistinctPredicates(t *testing.T) {
	s := New(ledger.NewMemory(), address.MustDefault(), Options{})
	ctx := context.Background()
	subject := solana.NewWallet().PublicKey()

	a := sample(subject)
	b := sample(subject)
	b.PredicateHash = attest.HashString("resident")

	ha, err := s.Upsert(ctx, a)
	require.NoError(t, err)
	hb, err := s.Upsert(ctx, b)
	require.NoError(t, err)
	assert.NotEqual(t, ha.Address, hb.Address)
}

func TestUpsert_RejectsInvertedWindow(t *testing.T) {
	s := New(ledger.NewMemory(), address.MustDefault(), Options{})
	rec := sample(solana.NewWallet().PublicKey())
	rec.IssuedAt = rec.ExpiresAt

	_, err := s.Upsert(context.Background(), rec)
	assert.Error(t, err)
}

func TestIsLive(t *testing.T) {
	rec := sample(solana.NewWallet().PublicKey())

	tests := []struct {
		name string
		att  *attest.Attestation
		now  uint64
		want bool
	}{
		{"before expiry", rec, 1_999, true},
		{"at expiry", rec, 2_000, false},
		{"after expiry", rec, 5_000, false},
		{"nil record", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsLive(tt.att, tt.now))
		})
	}
}

func TestRevoke(t *testing.T) {
	rec := &recorder{}
	m := metrics.New(nil)
	s := New(ledger.NewMemory(), address.MustDefault(), Options{Publisher: rec, Metrics: m})
	ctx := context.Background()
	subject := solana.NewWallet().PublicKey()
	att := sample(subject)

	_, err := s.Upsert(ctx, att)
	require.NoError(t, err)

	require.NoError(t, s.Revoke(ctx, subject, att.PredicateHash))

	got, err := s.Fetch(ctx, subject, att.PredicateHash)
	require.NoError(t, err)
	assert.True(t, got.Revoked())
	assert.False(t, IsLive(got, 1_500))

	require.Len(t, rec.events, 1)
	assert.Equal(t, events.TypeAttestationRevoked, rec.events[0].Type)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Revocations))
}

func TestRevoke_OtherCallerCannotReach(t *testing.T) {
	s := New(ledger.NewMemory(), address.MustDefault(), Options{})
	ctx := context.Background()
	subject := solana.NewWallet().PublicKey()
	att := sample(subject)

	_, err := s.Upsert(ctx, att)
	require.NoError(t, err)

	err = s.Revoke(ctx, solana.NewWallet().PublicKey(), att.PredicateHash)
	assert.ErrorIs(t, err, attest.ErrNotFound)

	got, err := s.Fetch(ctx, subject, att.PredicateHash)
	require.NoError(t, err)
	assert.False(t, got.Revoked())
}

func TestRevoke_Missing(t *testing.T) {
	s := New(ledger.NewMemory(), address.MustDefault(), Options{})
	err := s.Revoke(context.Background(), solana.NewWallet().PublicKey(), attest.HashString("p"))
	assert.ErrorIs(t, err, attest.ErrNotFound)
}
