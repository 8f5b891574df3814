// Package issuers maintains the Merkle set of trusted issuer hashes whose
// root is stored in the verifier policy.
package issuers

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/consensys/gnark-crypto/accumulator/merkletree"

	"github.com/oraculo/zkattest/pkg/attest"
)

// ErrNotMember is returned when proving an issuer that is not in the set.
var ErrNotMember = errors.New("issuers: not a member")

// Set is an immutable, sorted, deduplicated set of issuer hashes.
type Set struct {
	leaves []attest.Hash256
	index  map[attest.Hash256]uint64
	root   attest.Hash256
}

// NewSet builds a set from issuer hashes.
func NewSet(hashes []attest.Hash256) *Set {
	sorted := make([]attest.Hash256, len(hashes))
	copy(sorted, hashes)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})

	s := &Set{index: make(map[attest.Hash256]uint64, len(sorted))}
	for _, h := range sorted {
		if _, dup := s.index[h]; dup {
			continue
		}
		s.index[h] = uint64(len(s.leaves))
		s.leaves = append(s.leaves, h)
	}

	if len(s.leaves) > 0 {
		tree := merkletree.New(sha256.New())
		for _, leaf := range s.leaves {
			tree.Push(leaf[:])
		}
		copy(s.root[:], tree.Root())
	}
	return s
}

// FromNames builds a set from issuer names, committing each as sha256(name).
func FromNames(names ...string) *Set {
	hashes := make([]attest.Hash256, len(names))
	for i, n := range names {
		hashes[i] = attest.HashString(n)
	}
	return NewSet(hashes)
}

// Root returns the Merkle root. The empty set has the zero root.
func (s *Set) Root() attest.Hash256 {
	return s.root
}

// Len returns the number of issuers.
func (s *Set) Len() int {
	return len(s.leaves)
}

// Contains reports whether issuer is in the set.
func (s *Set) Contains(issuer attest.Hash256) bool {
	_, ok := s.index[issuer]
	return ok
}

// Prove builds an inclusion proof for issuer.
func (s *Set) Prove(issuer attest.Hash256) (*attest.MembershipProof, error) {
	idx, ok := s.index[issuer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotMember, issuer)
	}

	tree := merkletree.New(sha256.New())
	if err := tree.SetIndex(idx); err != nil {
		return nil, fmt.Errorf("set proof index: %w", err)
	}
	for _, leaf := range s.leaves {
		tree.Push(leaf[:])
	}
	_, proofSet, proofIndex, numLeaves := tree.Prove()

	return &attest.MembershipProof{
		Index:     proofIndex,
		NumLeaves: numLeaves,
		ProofSet:  proofSet,
	}, nil
}

// VerifyMembership checks that proof shows issuer under root. A zero root
// admits no issuer.
func VerifyMembership(root, issuer attest.Hash256, proof *attest.MembershipProof) bool {
	if root.IsZero() || proof == nil || len(proof.ProofSet) == 0 {
		return false
	}
	if !bytes.Equal(proof.ProofSet[0], issuer[:]) {
		return false
	}
	return merkletree.VerifyProof(sha256.New(), root[:], proof.ProofSet, proof.Index, proof.NumLeaves)
}

// MerkleVerifier checks issuer membership with Merkle inclusion proofs.
type MerkleVerifier struct{}

// IsMember implements the engine's issuer verifier.
func (MerkleVerifier) IsMember(root, issuer attest.Hash256, proof *attest.MembershipProof) bool {
	return VerifyMembership(root, issuer, proof)
}

// Parse reads one issuer per line. A 64-character hex line is taken as an
// issuer hash; any other line is an issuer name committed as sha256(name).
// Blank lines and lines starting with '#' are ignored.
func Parse(r io.Reader) (*Set, error) {
	var hashes []attest.Hash256
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if len(line) == 2*attest.HashLength {
			if h, err := attest.ParseHash256(line); err == nil {
				hashes = append(hashes, h)
				continue
			}
		}
		hashes = append(hashes, attest.HashString(line))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read issuers: %w", err)
	}
	return NewSet(hashes), nil
}

// LoadFile parses the issuer list at path.
func LoadFile(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open issuers file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}
