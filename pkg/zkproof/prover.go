package zkproof

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/plonk"
	"github.com/consensys/gnark/backend/witness"
	"github.com/consensys/gnark/frontend"

	"github.com/oraculo/zkattest/pkg/attest"
)

var (
	// ErrAgeBelowThreshold is returned when the witness cannot satisfy the circuit.
	ErrAgeBelowThreshold = errors.New("zkproof: age below threshold")

	// ErrArity is returned when a batch does not have exactly BatchArity slots.
	ErrArity = errors.New("zkproof: wrong batch arity")
)

// AgeStatement is everything the prover needs for one age proof.
type AgeStatement struct {
	Age       uint64
	Salt      *big.Int
	Threshold uint64
	Subject   attest.Identity
	Nonce     attest.Nonce
}

// AgeProof is a serialized single-claim proof ready for a VerifyRequest.
type AgeProof struct {
	Proof        []byte
	PublicInputs []byte
	Commitment   *big.Int
	VKID         attest.Hash256
}

// AgeProver generates PLONK proofs for AgeCircuit.
type AgeProver struct {
	compiled *CompiledAgeCircuit
}

// NewAgeProver creates a prover sharing the given compiled circuit.
func NewAgeProver(compiled *CompiledAgeCircuit) *AgeProver {
	return &AgeProver{compiled: compiled}
}

// Prove creates a proof that st.Age >= st.Threshold bound to st.Subject and st.Nonce.
// A nil salt is replaced by a random one.
func (p *AgeProver) Prove(st AgeStatement) (*AgeProof, error) {
	if st.Age < st.Threshold {
		return nil, fmt.Errorf("%w: %d < %d", ErrAgeBelowThreshold, st.Age, st.Threshold)
	}
	if st.Salt == nil {
		salt, err := RandomSalt()
		if err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		st.Salt = salt
	}

	commitment := ComputeCommitment(st.Age, st.Salt)
	binding := BindingFor(st.Subject, st.Nonce)

	assignment := AgeCircuit{
		Age:        st.Age,
		Salt:       st.Salt,
		Threshold:  st.Threshold,
		Commitment: commitment,
		Subject:    binding.Subject.BigInt(new(big.Int)),
		Nonce:      binding.Nonce.BigInt(new(big.Int)),
	}
	full, err := frontend.NewWitness(&assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("build witness: %w", err)
	}

	proof, err := plonk.Prove(p.compiled.ConstraintSystem, p.compiled.ProvingKey, full)
	if err != nil {
		return nil, fmt.Errorf("generate proof: %w", err)
	}

	var proofBuf bytes.Buffer
	if _, err := proof.WriteTo(&proofBuf); err != nil {
		return nil, fmt.Errorf("serialize proof: %w", err)
	}

	public, err := marshalPublic(full)
	if err != nil {
		return nil, err
	}

	return &AgeProof{
		Proof:        proofBuf.Bytes(),
		PublicInputs: public,
		Commitment:   commitment,
		VKID:         p.compiled.VKID,
	}, nil
}

// BatchProof is a serialized batch proof.
type BatchProof struct {
	Proof        []byte
	PublicInputs []byte
	// PublicSignals are the public inputs as decimal strings, in circuit order.
	PublicSignals []string
	VKID          attest.Hash256
}

// BatchProver generates Groth16 proofs for BatchAgeCircuit. It is safe for
// concurrent use: only the immutable compiled circuit is shared.
type BatchProver struct {
	compiled *CompiledBatchCircuit
}

// NewBatchProver creates a prover sharing the given compiled circuit.
func NewBatchProver(compiled *CompiledBatchCircuit) *BatchProver {
	return &BatchProver{compiled: compiled}
}

// System returns the proof system name.
func (p *BatchProver) System() string {
	return SystemGroth16
}

// Prove creates a batch proof over exactly BatchArity (age, threshold) slots.
func (p *BatchProver) Prove(ctx context.Context, ages, thresholds []uint64) (*BatchProof, error) {
	if len(ages) != BatchArity || len(thresholds) != BatchArity {
		return nil, fmt.Errorf("%w: got %d ages and %d thresholds", ErrArity, len(ages), len(thresholds))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var assignment BatchAgeCircuit
	for i := 0; i < BatchArity; i++ {
		if ages[i] < thresholds[i] {
			return nil, fmt.Errorf("%w: slot %d", ErrAgeBelowThreshold, i)
		}
		assignment.Ages[i] = ages[i]
		assignment.Thresholds[i] = thresholds[i]
	}

	full, err := frontend.NewWitness(&assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("build witness: %w", err)
	}

	proof, err := groth16.Prove(p.compiled.ConstraintSystem, p.compiled.ProvingKey, full)
	if err != nil {
		return nil, fmt.Errorf("generate proof: %w", err)
	}

	var proofBuf bytes.Buffer
	if _, err := proof.WriteTo(&proofBuf); err != nil {
		return nil, fmt.Errorf("serialize proof: %w", err)
	}

	public, err := marshalPublic(full)
	if err != nil {
		return nil, err
	}
	signals, err := PublicSignals(public)
	if err != nil {
		return nil, err
	}

	return &BatchProof{
		Proof:         proofBuf.Bytes(),
		PublicInputs:  public,
		PublicSignals: signals,
		VKID:          p.compiled.VKID,
	}, nil
}

func marshalPublic(full witness.Witness) ([]byte, error) {
	public, err := full.Public()
	if err != nil {
		return nil, fmt.Errorf("extract public witness: %w", err)
	}
	data, err := public.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize public witness: %w", err)
	}
	return data, nil
}

// PublicVector decodes a serialized public witness into field elements.
func PublicVector(publicInputs []byte) (fr.Vector, error) {
	w, err := witness.New(ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("new witness: %w", err)
	}
	if err := w.UnmarshalBinary(publicInputs); err != nil {
		return nil, fmt.Errorf("decode public witness: %w", err)
	}
	vec, ok := w.Vector().(fr.Vector)
	if !ok {
		return nil, fmt.Errorf("decode public witness: unexpected vector type %T", w.Vector())
	}
	return vec, nil
}

// PublicSignals renders a serialized public witness as decimal strings.
func PublicSignals(publicInputs []byte) ([]string, error) {
	vec, err := PublicVector(publicInputs)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(vec))
	for i := range vec {
		out[i] = vec[i].String()
	}
	return out, nil
}
