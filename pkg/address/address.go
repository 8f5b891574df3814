// Package address derives the deterministic ledger addresses of every record.
// Addresses are Solana program-derived addresses so that a record written by
// this module lives at the same key an on-chain verifier program would use.
package address

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/oraculo/zkattest/pkg/attest"
)

// DefaultProgramID is the program the addresses are derived under unless configured otherwise.
const DefaultProgramID = "GjRYbLkypR51mhWpYEj5py7tfi1b3VPR3Hk51yYytSvd"

// Seed prefixes.
var (
	SeedConfig      = []byte("config")
	SeedAttestation = []byte("attest")
	SeedNonce       = []byte("nonce")
)

// Deriver computes addresses under one program id.
type Deriver struct {
	ProgramID solana.PublicKey
}

// NewDeriver parses programID; an empty string selects DefaultProgramID.
func NewDeriver(programID string) (*Deriver, error) {
	if programID == "" {
		programID = DefaultProgramID
	}
	pid, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		return nil, fmt.Errorf("parse program id: %w", err)
	}
	return &Deriver{ProgramID: pid}, nil
}

// MustDefault returns a Deriver for DefaultProgramID.
func MustDefault() *Deriver {
	return &Deriver{ProgramID: solana.MustPublicKeyFromBase58(DefaultProgramID)}
}

func (d *Deriver) derive(seeds ...[]byte) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(seeds, d.ProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive address: %w", err)
	}
	return addr, nil
}

// Config returns the address of the singleton VerifierConfig.
func (d *Deriver) Config() (solana.PublicKey, error) {
	return d.derive(SeedConfig)
}

// Attestation returns the address of the attestation for (subject, predicate).
func (d *Deriver) Attestation(subject attest.Identity, predicate attest.Hash256) (solana.PublicKey, error) {
	return d.derive(SeedAttestation, subject.Bytes(), predicate[:])
}

// Nonce returns the address of the consumption record for (subject, nonce).
func (d *Deriver) Nonce(subject attest.Identity, nonce attest.Nonce) (solana.PublicKey, error) {
	return d.derive(SeedNonce, subject.Bytes(), nonce[:])
}
