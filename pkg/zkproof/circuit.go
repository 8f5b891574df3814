// Package zkproof provides the zero-knowledge proof toolkit behind attestation:
// an age-threshold circuit bound to a subject and nonce, a fixed-arity batch
// circuit used for compression, and a registry of verifying keys.
//
// The single-claim circuit proves:
//
// "I know Age and Salt such that MiMC(Age, Salt) = Commitment and Age >= Threshold"
//
// with the subject and nonce carried as public inputs so a proof cannot be
// replayed for another subject or nonce.
package zkproof

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

const (
	// ValueBits bounds ages and thresholds to 64-bit unsigned integers.
	ValueBits = 64

	// BatchArity is the fixed number of claims in a batch proof.
	BatchArity = 4
)

// AgeCircuit proves an age bound without revealing the age.
type AgeCircuit struct {
	// Private witness
	Age  frontend.Variable `gnark:",secret"`
	Salt frontend.Variable `gnark:",secret"`

	// Public inputs
	Threshold  frontend.Variable `gnark:",public"`
	Commitment frontend.Variable `gnark:",public"` // MiMC(Age, Salt)
	Subject    frontend.Variable `gnark:",public"`
	Nonce      frontend.Variable `gnark:",public"`
}

// Define implements frontend.Circuit.
func (c *AgeCircuit) Define(api frontend.API) error {
	api.ToBinary(c.Age, ValueBits)
	api.ToBinary(c.Threshold, ValueBits)
	api.AssertIsLessOrEqual(c.Threshold, c.Age)

	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	h.Write(c.Age, c.Salt)
	api.AssertIsEqual(h.Sum(), c.Commitment)

	// Subject and Nonce take part in no arithmetic. Squaring them puts both
	// into the constraint system so the proof is bound to their values.
	api.Mul(c.Subject, c.Subject)
	api.Mul(c.Nonce, c.Nonce)

	return nil
}

// BatchAgeCircuit proves BatchArity age bounds at once. Unused slots are
// padded with Age = Threshold = 0.
type BatchAgeCircuit struct {
	Ages       [BatchArity]frontend.Variable `gnark:",secret"`
	Thresholds [BatchArity]frontend.Variable `gnark:",public"`
}

// Define implements frontend.Circuit.
func (c *BatchAgeCircuit) Define(api frontend.API) error {
	for i := 0; i < BatchArity; i++ {
		api.ToBinary(c.Ages[i], ValueBits)
		api.ToBinary(c.Thresholds[i], ValueBits)
		api.AssertIsLessOrEqual(c.Thresholds[i], c.Ages[i])
	}
	return nil
}
