package zkproof

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/plonk"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/consensys/gnark/frontend/cs/scs"
	"github.com/consensys/gnark/test/unsafekzg"

	"github.com/oraculo/zkattest/pkg/attest"
)

// Proof system names as reported in bundles.
const (
	SystemPlonk   = "plonk"
	SystemGroth16 = "groth16"
)

var (
	ageCircuit   *CompiledAgeCircuit
	batchCircuit *CompiledBatchCircuit
	compileMu    sync.Mutex
)

// CompiledAgeCircuit contains the compiled single-claim constraint system and
// its PLONK keys. It is immutable after compilation and safe to share.
type CompiledAgeCircuit struct {
	ConstraintSystem constraint.ConstraintSystem
	ProvingKey       plonk.ProvingKey
	VerifyingKey     plonk.VerifyingKey

	// VKID is sha256 of the serialized verifying key.
	VKID attest.Hash256
}

// CompiledBatchCircuit contains the compiled batch constraint system and its
// Groth16 keys.
type CompiledBatchCircuit struct {
	ConstraintSystem constraint.ConstraintSystem
	ProvingKey       groth16.ProvingKey
	VerifyingKey     groth16.VerifyingKey
	VKID             attest.Hash256
}

// CompileAgeCircuit compiles AgeCircuit and runs PLONK setup over BN254.
// This is expensive and should be done once at startup.
//
// The SRS comes from unsafekzg and is only suitable for development and
// testing. Production deployments load keys from a ceremony.
func CompileAgeCircuit() (*CompiledAgeCircuit, error) {
	var circuit AgeCircuit

	cs, err := frontend.Compile(ecc.BN254.ScalarField(), scs.NewBuilder, &circuit)
	if err != nil {
		return nil, fmt.Errorf("compile age circuit: %w", err)
	}

	srs, srsLagrange, err := unsafekzg.NewSRS(cs)
	if err != nil {
		return nil, fmt.Errorf("generate SRS: %w", err)
	}

	pk, vk, err := plonk.Setup(cs, srs, srsLagrange)
	if err != nil {
		return nil, fmt.Errorf("setup keys: %w", err)
	}

	id, err := KeyID(vk)
	if err != nil {
		return nil, err
	}

	return &CompiledAgeCircuit{
		ConstraintSystem: cs,
		ProvingKey:       pk,
		VerifyingKey:     vk,
		VKID:             id,
	}, nil
}

// CompileBatchCircuit compiles BatchAgeCircuit and runs Groth16 setup over BN254.
func CompileBatchCircuit() (*CompiledBatchCircuit, error) {
	var circuit BatchAgeCircuit

	cs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &circuit)
	if err != nil {
		return nil, fmt.Errorf("compile batch circuit: %w", err)
	}

	pk, vk, err := groth16.Setup(cs)
	if err != nil {
		return nil, fmt.Errorf("setup keys: %w", err)
	}

	id, err := KeyID(vk)
	if err != nil {
		return nil, err
	}

	return &CompiledBatchCircuit{
		ConstraintSystem: cs,
		ProvingKey:       pk,
		VerifyingKey:     vk,
		VKID:             id,
	}, nil
}

// GetAgeCircuit returns the cached age circuit, compiling it on first call.
func GetAgeCircuit() (*CompiledAgeCircuit, error) {
	compileMu.Lock()
	defer compileMu.Unlock()

	if ageCircuit != nil {
		return ageCircuit, nil
	}

	compiled, err := CompileAgeCircuit()
	if err != nil {
		return nil, err
	}

	ageCircuit = compiled
	return ageCircuit, nil
}

// GetBatchCircuit returns the cached batch circuit, compiling it on first call.
func GetBatchCircuit() (*CompiledBatchCircuit, error) {
	compileMu.Lock()
	defer compileMu.Unlock()

	if batchCircuit != nil {
		return batchCircuit, nil
	}

	compiled, err := CompileBatchCircuit()
	if err != nil {
		return nil, err
	}

	batchCircuit = compiled
	return batchCircuit, nil
}

// ResetCompiledCircuits clears both caches. Mainly useful for testing.
func ResetCompiledCircuits() {
	compileMu.Lock()
	defer compileMu.Unlock()
	ageCircuit = nil
	batchCircuit = nil
}

// KeyID returns sha256 over the binary encoding of a verifying key.
func KeyID(vk io.WriterTo) (attest.Hash256, error) {
	var buf bytes.Buffer
	if _, err := vk.WriteTo(&buf); err != nil {
		return attest.Hash256{}, fmt.Errorf("serialize verifying key: %w", err)
	}
	return sha256.Sum256(buf.Bytes()), nil
}
