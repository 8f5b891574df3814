package address

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oraculo/zkattest/pkg/attest"
)

func TestNewDeriver_Default(t *testing.T) {
	d, err := NewDeriver("")
	require.NoError(t, err)
	assert.Equal(t, DefaultProgramID, d.ProgramID.String())
	assert.Equal(t, d.ProgramID, MustDefault().ProgramID)
}

func TestNewDeriver_Invalid(t *testing.T) {
	_, err := NewDeriver("not-base58-!!")
	assert.Error(t, err)
}

func TestDeriver_Deterministic(t *testing.T) {
	d := MustDefault()
	subject := solana.NewWallet().PublicKey()
	pred := attest.HashString("age>=18")

	a1, err := d.Attestation(subject, pred)
	require.NoError(t, err)
	a2, err := d.Attestation(subject, pred)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	cfg, err := d.Config()
	require.NoError(t, err)
	assert.NotEqual(t, cfg, a1)
}

func TestDeriver_DistinctKeys(t *testing.T) {
	d := MustDefault()
	alice := solana.NewWallet().PublicKey()
	bob := solana.NewWallet().PublicKey()
	pred := attest.HashString("age>=18")

	aa, err := d.Attestation(alice, pred)
	require.NoError(t, err)
	ba, err := d.Attestation(bob, pred)
	require.NoError(t, err)
	assert.NotEqual(t, aa, ba)

	other, err := d.Attestation(alice, attest.HashString("age>=21"))
	require.NoError(t, err)
	assert.NotEqual(t, aa, other)

	var n1, n2 attest.Nonce
	n2[0] = 1
	k1, err := d.Nonce(alice, n1)
	require.NoError(t, err)
	k2, err := d.Nonce(alice, n2)
	require.NoError(t, err)
	k3, err := d.Nonce(bob, n1)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestDeriver_OffCurve(t *testing.T) {
	d := MustDefault()
	addr, err := d.Config()
	require.NoError(t, err)
	assert.False(t, addr.IsOnCurve())
}
