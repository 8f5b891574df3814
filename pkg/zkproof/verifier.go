package zkproof

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/plonk"
	"github.com/consensys/gnark/backend/witness"

	"github.com/oraculo/zkattest/pkg/attest"
)

// Age circuit public witness layout.
const (
	agePublicThreshold = iota
	agePublicCommitment
	agePublicSubject
	agePublicNonce
	agePublicCount
)

type registered struct {
	system  string
	plonk   plonk.VerifyingKey
	groth16 groth16.VerifyingKey
	// binding is set for keys whose public inputs carry subject and nonce.
	binding bool
}

// Registry verifies proofs against verifying keys addressed by vk_id.
// Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	keys map[attest.Hash256]registered
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[attest.Hash256]registered)}
}

// RegisterAge registers the verifying key of a compiled age circuit.
func (r *Registry) RegisterAge(c *CompiledAgeCircuit) attest.Hash256 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[c.VKID] = registered{system: SystemPlonk, plonk: c.VerifyingKey, binding: true}
	return c.VKID
}

// RegisterBatch registers the verifying key of a compiled batch circuit.
func (r *Registry) RegisterBatch(c *CompiledBatchCircuit) attest.Hash256 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[c.VKID] = registered{system: SystemGroth16, groth16: c.VerifyingKey}
	return c.VKID
}

// Has reports whether vkID is registered.
func (r *Registry) Has(vkID attest.Hash256) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.keys[vkID]
	return ok
}

// System returns the proof system of a registered key.
func (r *Registry) System(vkID attest.Hash256) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[vkID]
	return k.system, ok
}

// Verify checks proof against the public inputs under the key vkID.
// It returns false with a nil error for any proof that does not verify,
// including malformed encodings and unknown keys. A non-nil error means
// verification did not complete, for example because ctx was cancelled.
// Verify has no side effects.
func (r *Registry) Verify(ctx context.Context, vkID attest.Hash256, publicInputs, proof []byte) (bool, error) {
	r.mu.RLock()
	key, ok := r.keys[vkID]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	public, err := witness.New(ecc.BN254.ScalarField())
	if err != nil {
		return false, fmt.Errorf("new witness: %w", err)
	}
	if err := public.UnmarshalBinary(publicInputs); err != nil {
		return false, nil
	}

	done := make(chan error, 1)
	go func() {
		done <- verifyWith(key, public, proof)
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case err := <-done:
		return err == nil, nil
	}
}

func verifyWith(key registered, public witness.Witness, proofBytes []byte) error {
	switch key.system {
	case SystemPlonk:
		proof := plonk.NewProof(ecc.BN254)
		if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
			return fmt.Errorf("deserialize proof: %w", err)
		}
		return plonk.Verify(proof, key.plonk, public)
	case SystemGroth16:
		proof := groth16.NewProof(ecc.BN254)
		if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
			return fmt.Errorf("deserialize proof: %w", err)
		}
		return groth16.Verify(proof, key.groth16, public)
	default:
		return fmt.Errorf("unsupported proof system %q", key.system)
	}
}

// Binding decodes the subject, nonce and threshold carried by the public
// inputs of a binding key. ok is false when vkID has no binding or the
// inputs cannot be decoded.
func (r *Registry) Binding(vkID attest.Hash256, publicInputs []byte) (b Binding, ok bool) {
	r.mu.RLock()
	key, found := r.keys[vkID]
	r.mu.RUnlock()
	if !found || !key.binding {
		return Binding{}, false
	}

	vec, err := PublicVector(publicInputs)
	if err != nil {
		return Binding{}, false
	}
	threshold, err := ageThreshold(vec)
	if err != nil {
		return Binding{}, false
	}
	return Binding{
		Subject:   vec[agePublicSubject],
		Nonce:     vec[agePublicNonce],
		Threshold: threshold,
	}, true
}

// Threshold returns the threshold public input of an age proof.
func Threshold(publicInputs []byte) (uint64, error) {
	vec, err := PublicVector(publicInputs)
	if err != nil {
		return 0, err
	}
	return ageThreshold(vec)
}

func ageThreshold(vec fr.Vector) (uint64, error) {
	if len(vec) != agePublicCount {
		return 0, fmt.Errorf("age public inputs: got %d values, expected %d", len(vec), agePublicCount)
	}
	if !vec[agePublicThreshold].IsUint64() {
		return 0, fmt.Errorf("age public inputs: threshold out of range")
	}
	return vec[agePublicThreshold].Uint64(), nil
}
