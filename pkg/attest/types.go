package attest

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

const (
	// HashLength is the length of every commitment hash in bytes.
	HashLength = 32

	// NonceLength is the length of caller-supplied nonces in bytes.
	NonceLength = 16
)

// Identity is a principal: an ed25519 public key as used by the ledger host.
type Identity = solana.PublicKey

// ParseIdentity decodes a base58 identity.
func ParseIdentity(s string) (Identity, error) {
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return Identity{}, fmt.Errorf("parse identity %q: %w", s, err)
	}
	return pk, nil
}

// Hash256 is a 32-byte commitment (predicate, issuer, verifying key, Merkle root).
type Hash256 [HashLength]byte

// HashString returns sha256(s). It is how predicate and issuer strings are committed.
func HashString(s string) Hash256 {
	return sha256.Sum256([]byte(s))
}

// AgePredicate is the canonical predicate string of an age proof with the
// given public threshold.
func AgePredicate(threshold uint64) string {
	return fmt.Sprintf("age>=%d", threshold)
}

// AgePredicateHash returns HashString(AgePredicate(threshold)).
func AgePredicateHash(threshold uint64) Hash256 {
	return HashString(AgePredicate(threshold))
}

// ParseHash256 decodes a 64-character hex string.
func ParseHash256(s string) (Hash256, error) {
	var h Hash256
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse hash: %w", err)
	}
	if len(b) != HashLength {
		return h, fmt.Errorf("parse hash: got %d bytes, expected %d", len(b), HashLength)
	}
	copy(h[:], b)
	return h, nil
}

// String returns the hex encoding.
func (h Hash256) String() string {
	return hex.EncodeToString(h[:])
}

// Base58 returns the base58 encoding used in ledger explorers.
func (h Hash256) Base58() string {
	return base58.Encode(h[:])
}

// IsZero reports whether every byte is zero.
func (h Hash256) IsZero() bool {
	return h == Hash256{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash256) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash256) UnmarshalText(text []byte) error {
	parsed, err := ParseHash256(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Nonce is a caller-chosen single-use value. Uniqueness per subject is the
// only property the ledger relies on.
type Nonce [NonceLength]byte

// NewNonce returns a cryptographically random nonce.
func NewNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// ParseNonce decodes a 32-character hex string.
func ParseNonce(s string) (Nonce, error) {
	var n Nonce
	b, err := hex.DecodeString(s)
	if err != nil {
		return n, fmt.Errorf("parse nonce: %w", err)
	}
	if len(b) != NonceLength {
		return n, fmt.Errorf("parse nonce: got %d bytes, expected %d", len(b), NonceLength)
	}
	copy(n[:], b)
	return n, nil
}

// String returns the hex encoding.
func (n Nonce) String() string {
	return hex.EncodeToString(n[:])
}

// MarshalText implements encoding.TextMarshaler.
func (n Nonce) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *Nonce) UnmarshalText(text []byte) error {
	parsed, err := ParseNonce(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// Unix converts a time to the ledger's unix-seconds representation.
func Unix(t time.Time) uint64 {
	s := t.Unix()
	if s < 0 {
		return 0
	}
	return uint64(s)
}

// VerifierConfig is the singleton trust policy. Field order matches the
// ledger account layout.
type VerifierConfig struct {
	Admin              Identity `json:"admin"`
	AllowedIssuersRoot Hash256  `json:"allowed_issuers_root"`
	Version            uint32   `json:"version"`
}

// Attestation records that Subject proved the predicate committed by
// PredicateHash, vouched for by IssuerHash, valid until ExpiresAt.
type Attestation struct {
	Subject       Identity `json:"subject"`
	PredicateHash Hash256  `json:"predicate_hash"`
	IssuerHash    Hash256  `json:"issuer_hash"`
	VKID          Hash256  `json:"vk_id"`
	IssuedAt      uint64   `json:"issued_at"`
	ExpiresAt     uint64   `json:"expires_at"`
	LastNonce     Nonce    `json:"last_nonce"`
}

// IsLive reports whether the attestation is valid at now (unix seconds).
// Expiry is evaluated on read; nothing sweeps expired records.
func (a *Attestation) IsLive(now uint64) bool {
	return now < a.ExpiresAt
}

// Revoked reports whether the attestation was revoked by its subject.
func (a *Attestation) Revoked() bool {
	return a.ExpiresAt == 0
}

// NonceRecord marks Nonce as consumed for Subject. PredicateHash names the
// attestation whose commit consumed it.
type NonceRecord struct {
	Subject       Identity `json:"subject"`
	Nonce         Nonce    `json:"nonce"`
	PredicateHash Hash256  `json:"predicate_hash"`
	ConsumedAt    uint64   `json:"consumed_at"`
}

// MembershipProof is a Merkle inclusion proof for an issuer hash.
// ProofSet[0] is the leaf itself, followed by sibling hashes up to the root.
type MembershipProof struct {
	Index     uint64   `json:"index"`
	NumLeaves uint64   `json:"num_leaves"`
	ProofSet  [][]byte `json:"proof_set"`
}

// VerifyRequest is a single-claim verification request. The subject is
// supplied separately by the caller that authenticated it.
type VerifyRequest struct {
	Version       uint32           `json:"version"`
	VKID          Hash256          `json:"vk_id"`
	PredicateHash Hash256          `json:"predicate_hash"`
	IssuerHash    Hash256          `json:"issuer_hash"`
	ExpiresAt     uint64           `json:"expires_at"`
	Nonce         Nonce            `json:"nonce"`
	PublicInputs  []byte           `json:"public_inputs"`
	Proof         []byte           `json:"proof"`
	IssuerProof   *MembershipProof `json:"issuer_proof,omitempty"`
}
