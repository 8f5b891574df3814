package zkproof

import (
	"crypto/rand"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"golang.org/x/crypto/sha3"

	"github.com/oraculo/zkattest/pkg/attest"
)

// ComputeCommitment computes MiMC(age, salt) outside the circuit, matching
// the constraint in AgeCircuit.
func ComputeCommitment(age uint64, salt *big.Int) *big.Int {
	var ageElem, saltElem fr.Element
	ageElem.SetUint64(age)
	saltElem.SetBigInt(salt)

	h := mimc.NewMiMC()
	b := ageElem.Bytes()
	h.Write(b[:])
	b = saltElem.Bytes()
	h.Write(b[:])

	var result fr.Element
	result.SetBytes(h.Sum(nil))
	return result.BigInt(new(big.Int))
}

// RandomSalt returns a uniformly random field element.
func RandomSalt() (*big.Int, error) {
	return rand.Int(rand.Reader, fr.Modulus())
}

// Binding is the set of public inputs that ties an age proof to one subject,
// one nonce and the threshold it proves.
type Binding struct {
	Subject fr.Element
	Nonce   fr.Element
	// Threshold is the proven age bound. Equal does not compare it.
	Threshold uint64
}

// Predicate returns the hash of the predicate the proof establishes.
func (b Binding) Predicate() attest.Hash256 {
	return attest.AgePredicateHash(b.Threshold)
}

// SubjectElement maps a subject to a field element as keccak256(subject) mod r.
// A raw 32-byte key may exceed the BN254 scalar modulus.
func SubjectElement(subject attest.Identity) fr.Element {
	h := sha3.NewLegacyKeccak256()
	h.Write(subject.Bytes())
	var e fr.Element
	e.SetBytes(h.Sum(nil))
	return e
}

// NonceElement maps a 16-byte nonce to a field element. It always fits.
func NonceElement(nonce attest.Nonce) fr.Element {
	var e fr.Element
	e.SetBytes(nonce[:])
	return e
}

// BindingFor returns the binding a valid proof for (subject, nonce) carries.
func BindingFor(subject attest.Identity, nonce attest.Nonce) Binding {
	return Binding{
		Subject: SubjectElement(subject),
		Nonce:   NonceElement(nonce),
	}
}

// Equal reports whether subject and nonce match.
func (b Binding) Equal(other Binding) bool {
	return b.Subject.Equal(&other.Subject) && b.Nonce.Equal(&other.Nonce)
}
