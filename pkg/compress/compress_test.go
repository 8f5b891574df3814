package compress

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oraculo/zkattest/pkg/attest"
	"github.com/oraculo/zkattest/pkg/zkproof"
)

type fakeProver struct {
	mu    sync.Mutex
	calls int
	ages  []uint64
	ths   []uint64
	err   error
}

func (f *fakeProver) Prove(_ context.Context, ages, thresholds []uint64) (*zkproof.BatchProof, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ages, f.ths = ages, thresholds
	if f.err != nil {
		return nil, f.err
	}
	return &zkproof.BatchProof{
		Proof:         []byte("proof"),
		PublicInputs:  []byte("public"),
		PublicSignals: []string{"18", "0", "0", "0"},
		VKID:          attest.HashString("batch-vk"),
	}, nil
}

func (f *fakeProver) System() string { return zkproof.SystemGroth16 }

func TestCompress_BatchSizeBounds(t *testing.T) {
	prover := &fakeProver{}
	c := New(prover, nil, nil)

	_, err := c.Compress(context.Background(), nil)
	assert.ErrorIs(t, err, attest.ErrEmptyBatch)

	five := make([]Claim, 5)
	_, err = c.Compress(context.Background(), five)
	assert.ErrorIs(t, err, attest.ErrBatchTooLarge)
	assert.Zero(t, prover.calls, "backend must not be invoked for invalid batches")

	for n := 1; n <= MaxBatch; n++ {
		claims := make([]Claim, n)
		for i := range claims {
			claims[i] = Claim{Age: 30, Threshold: 18}
		}
		b, err := c.Compress(context.Background(), claims)
		require.NoError(t, err)
		assert.Equal(t, n, b.BatchSize, "batch size is the unpadded length")
		assert.Len(t, b.Claims, n)
	}
}

func TestCompress_ClaimPreconditionIndex(t *testing.T) {
	prover := &fakeProver{}
	c := New(prover, nil, nil)

	claims := []Claim{
		{Age: 25, Threshold: 18},
		{Age: 30, Threshold: 21},
		{Age: 16, Threshold: 18},
	}
	_, err := c.Compress(context.Background(), claims)
	require.Error(t, err)
	assert.ErrorIs(t, err, attest.ErrInvalidClaim)

	var ce *attest.ClaimError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 2, ce.Index)
	assert.Zero(t, prover.calls)
}

func TestCompress_NegativeValue(t *testing.T) {
	c := New(&fakeProver{}, nil, nil)
	_, err := c.Compress(context.Background(), []Claim{{Age: 20, Threshold: 18}, {Age: -1, Threshold: -5}})

	var ce *attest.ClaimError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 1, ce.Index)
}

func TestCompress_Padding(t *testing.T) {
	prover := &fakeProver{}
	c := New(prover, nil, nil)

	b, err := c.Compress(context.Background(), []Claim{{Age: 40, Threshold: 21}})
	require.NoError(t, err)

	assert.Equal(t, []uint64{40, 0, 0, 0}, prover.ages)
	assert.Equal(t, []uint64{21, 0, 0, 0}, prover.ths)
	assert.Equal(t, zkproof.SystemGroth16, b.ProofSystem)
	assert.False(t, b.Placeholder)
	assert.True(t, ValidateBundleShape(b))
}

func TestCompress_OrderSensitivity(t *testing.T) {
	c := New(&fakeProver{}, nil, nil)
	a := Claim{Age: 25, Threshold: 18}
	b := Claim{Age: 30, Threshold: 21}

	ab, err := c.Compress(context.Background(), []Claim{a, b})
	require.NoError(t, err)
	ba, err := c.Compress(context.Background(), []Claim{b, a})
	require.NoError(t, err)

	assert.NotEqual(t, ab.CompressedHash, ba.CompressedHash)
	assert.True(t, ValidateBundleShape(ab))
	assert.True(t, ValidateBundleShape(ba))
}

func TestHashClaims_Deterministic(t *testing.T) {
	claims := []Claim{{Age: 25, Threshold: 18}, {Age: 30, Threshold: 21}}
	assert.Equal(t, HashClaims(claims), HashClaims(claims))

	// issuer is not part of the commitment
	withIssuer := []Claim{{Age: 25, Threshold: 18, Issuer: "dmv"}, {Age: 30, Threshold: 21}}
	assert.Equal(t, HashClaims(claims), HashClaims(withIssuer))
}

func TestCompress_BackendUnavailable(t *testing.T) {
	tests := []struct {
		name   string
		prover Prover
	}{
		{"no prover", nil},
		{"prover failure", &fakeProver{err: errors.New("setup files missing")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.prover, nil, nil)
			b, err := c.Compress(context.Background(), []Claim{{Age: 30, Threshold: 18}})
			assert.Nil(t, b, "no indistinguishable success")
			assert.ErrorIs(t, err, attest.ErrBackendUnavailable)

			var bu *BackendUnavailableError
			require.True(t, errors.As(err, &bu))
			require.NotNil(t, bu.Placeholder)
			assert.True(t, bu.Placeholder.Placeholder)
			assert.Equal(t, SystemPlaceholder, bu.Placeholder.ProofSystem)
			assert.Equal(t, 1, bu.Placeholder.BatchSize)
			assert.False(t, ValidateBundleShape(bu.Placeholder))
		})
	}
}

type recordedBatch struct {
	result string
	size   int
}

type fakeRecorder struct {
	batches []recordedBatch
}

func (f *fakeRecorder) ObserveBatch(result string, size int) {
	f.batches = append(f.batches, recordedBatch{result, size})
}

func TestCompress_RecordsOutcomes(t *testing.T) {
	rec := &fakeRecorder{}
	c := New(&fakeProver{}, nil, rec)

	_, err := c.Compress(context.Background(), []Claim{{Age: 30, Threshold: 18}, {Age: 40, Threshold: 21}})
	require.NoError(t, err)
	_, err = c.Compress(context.Background(), []Claim{{Age: 16, Threshold: 18}})
	require.Error(t, err)

	unavailable := New(nil, nil, rec)
	_, err = unavailable.Compress(context.Background(), []Claim{{Age: 30, Threshold: 18}})
	require.Error(t, err)

	assert.Equal(t, []recordedBatch{
		{ResultAccepted, 2},
		{ResultRejected, 1},
		{ResultError, 1},
	}, rec.batches)
}

func TestCompress_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(&fakeProver{err: context.Canceled}, nil, nil)
	_, err := c.Compress(ctx, []Claim{{Age: 30, Threshold: 18}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, attest.ErrBackendUnavailable)
}

func TestValidateBundleShape(t *testing.T) {
	good := func() *Bundle {
		claims := []Claim{{Age: 30, Threshold: 18}}
		return &Bundle{
			Claims:         claims,
			Proof:          []byte{1},
			PublicSignals:  []string{"18"},
			CompressedHash: HashClaims(claims),
			BatchSize:      1,
		}
	}

	tests := []struct {
		name   string
		mutate func(b *Bundle)
		want   bool
	}{
		{"valid", func(*Bundle) {}, true},
		{"zero batch", func(b *Bundle) { b.BatchSize = 0 }, false},
		{"oversized batch", func(b *Bundle) { b.BatchSize = 5 }, false},
		{"size mismatch", func(b *Bundle) { b.BatchSize = 2 }, false},
		{"no proof", func(b *Bundle) { b.Proof = nil }, false},
		{"no signals", func(b *Bundle) { b.PublicSignals = nil }, false},
		{"zero hash", func(b *Bundle) { b.CompressedHash = attest.Hash256{} }, false},
		{"wrong hash", func(b *Bundle) { b.CompressedHash = attest.HashString("x") }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := good()
			tt.mutate(b)
			assert.Equal(t, tt.want, ValidateBundleShape(b))
		})
	}
	assert.False(t, ValidateBundleShape(nil))
}

func TestEstimateSavings(t *testing.T) {
	tests := []struct {
		size    int
		savings int64
		pct     float64
	}{
		{1, -50_000, -50},
		{2, 50_000, 25},
		{4, 250_000, 62.5},
	}
	for _, tt := range tests {
		s := EstimateSavings(tt.size)
		assert.Equal(t, int64(tt.size)*IndividualProofCost, s.IndividualCost)
		assert.Equal(t, int64(CompressedProofCost), s.CompressedCost)
		assert.Equal(t, tt.savings, s.Savings)
		assert.InDelta(t, tt.pct, s.SavingsPct, 1e-9)
	}

	zero := EstimateSavings(0)
	assert.Zero(t, zero.SavingsPct)
}

func TestCompress_RealProver(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping circuit compilation in short mode")
	}
	compiled, err := zkproof.GetBatchCircuit()
	require.NoError(t, err)

	reg := zkproof.NewRegistry()
	reg.RegisterBatch(compiled)
	c := New(zkproof.NewBatchProver(compiled), nil, nil)

	b, err := c.Compress(context.Background(), []Claim{{Age: 25, Threshold: 18}, {Age: 70, Threshold: 65}})
	require.NoError(t, err)
	assert.True(t, ValidateBundleShape(b))
	assert.Equal(t, compiled.VKID, b.VKID)

	ok, err := reg.Verify(context.Background(), b.VKID, b.PublicInputs, b.Proof)
	require.NoError(t, err)
	assert.True(t, ok)
}
