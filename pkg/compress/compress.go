// Package compress aggregates up to MaxBatch age/threshold claims into a
// single batch proof so they can be verified once.
package compress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/zeebo/blake3"

	"github.com/oraculo/zkattest/pkg/attest"
	"github.com/oraculo/zkattest/pkg/zkproof"
)

// MaxBatch is the circuit arity: the largest number of claims in one bundle.
const MaxBatch = zkproof.BatchArity

// SystemPlaceholder marks a bundle produced without a proving backend.
const SystemPlaceholder = "placeholder"

// Claim is one age statement to include in a batch.
type Claim struct {
	Age       int64  `json:"age"`
	Threshold int64  `json:"threshold"`
	Issuer    string `json:"issuer,omitempty"`
}

// Bundle is a compressed proof over 1..MaxBatch claims. It is not persisted.
type Bundle struct {
	// Claims are the unpadded claims in submission order.
	Claims         []Claim        `json:"claims"`
	Proof          []byte         `json:"proof"`
	PublicInputs   []byte         `json:"public_inputs"`
	PublicSignals  []string       `json:"public_signals"`
	CompressedHash attest.Hash256 `json:"compressed_hash"`
	BatchSize      int            `json:"batch_size"`
	ProofSystem    string         `json:"proof_system"`
	VKID           attest.Hash256 `json:"vk_id"`
	Placeholder    bool           `json:"placeholder,omitempty"`
}

// BackendUnavailableError is returned when no proof could be produced. It
// carries a placeholder bundle for callers that want to display the batch;
// the placeholder never verifies.
type BackendUnavailableError struct {
	Placeholder *Bundle
	Cause       error
}

// Error implements the error interface.
func (e *BackendUnavailableError) Error() string {
	if e.Cause == nil {
		return attest.ErrBackendUnavailable.Error()
	}
	return fmt.Sprintf("%s: %v", attest.ErrBackendUnavailable, e.Cause)
}

// Is makes BackendUnavailableError match attest.ErrBackendUnavailable.
func (e *BackendUnavailableError) Is(target error) bool {
	return target == attest.ErrBackendUnavailable
}

// Unwrap returns the backend failure.
func (e *BackendUnavailableError) Unwrap() error {
	return e.Cause
}

// Prover produces a batch proof over exactly MaxBatch slots.
type Prover interface {
	Prove(ctx context.Context, ages, thresholds []uint64) (*zkproof.BatchProof, error)
	System() string
}

// Outcome labels passed to a Recorder.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Recorder observes compression outcomes. size is the unpadded batch size.
type Recorder interface {
	ObserveBatch(result string, size int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveBatch(string, int) {}

// Compressor builds bundles. It holds no mutable state and is safe for
// concurrent use.
type Compressor struct {
	prover   Prover
	logger   *slog.Logger
	recorder Recorder
}

// New creates a Compressor. A nil prover makes every Compress call return a
// BackendUnavailableError. A nil recorder discards outcomes.
func New(prover Prover, logger *slog.Logger, rec Recorder) *Compressor {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Compressor{prover: prover, logger: logger, recorder: rec}
}

// Validate checks the batch preconditions without proving.
func Validate(claims []Claim) error {
	if len(claims) == 0 {
		return attest.ErrEmptyBatch
	}
	if len(claims) > MaxBatch {
		return fmt.Errorf("%w: %d claims, max %d", attest.ErrBatchTooLarge, len(claims), MaxBatch)
	}
	for i, c := range claims {
		if c.Age < 0 || c.Threshold < 0 {
			return &attest.ClaimError{Index: i, Reason: "negative value"}
		}
		if c.Age < c.Threshold {
			return &attest.ClaimError{
				Index:  i,
				Reason: fmt.Sprintf("age %d below threshold %d", c.Age, c.Threshold),
			}
		}
	}
	return nil
}

// Compress validates claims, pads them to MaxBatch with zero claims and
// proves the batch. CompressedHash depends on claim order: callers that need
// order independence must sort claims first.
func (c *Compressor) Compress(ctx context.Context, claims []Claim) (*Bundle, error) {
	if err := Validate(claims); err != nil {
		c.recorder.ObserveBatch(ResultRejected, len(claims))
		return nil, err
	}

	ages := make([]uint64, MaxBatch)
	thresholds := make([]uint64, MaxBatch)
	for i, cl := range claims {
		ages[i] = uint64(cl.Age)
		thresholds[i] = uint64(cl.Threshold)
	}

	bundle := &Bundle{
		Claims:         append([]Claim(nil), claims...),
		CompressedHash: HashClaims(claims),
		BatchSize:      len(claims),
	}

	if c.prover == nil {
		return nil, c.unavailable(bundle, errors.New("no prover configured"))
	}

	proof, err := c.prover.Prove(ctx, ages, thresholds)
	if err != nil {
		if ctx.Err() != nil {
			c.recorder.ObserveBatch(ResultError, len(claims))
			return nil, err
		}
		return nil, c.unavailable(bundle, err)
	}

	bundle.Proof = proof.Proof
	bundle.PublicInputs = proof.PublicInputs
	bundle.PublicSignals = proof.PublicSignals
	bundle.ProofSystem = c.prover.System()
	bundle.VKID = proof.VKID

	c.recorder.ObserveBatch(ResultAccepted, len(claims))
	c.logger.Debug("batch compressed",
		"batch_size", bundle.BatchSize,
		"compressed_hash", bundle.CompressedHash.String(),
	)
	return bundle, nil
}

func (c *Compressor) unavailable(bundle *Bundle, cause error) error {
	bundle.Placeholder = true
	bundle.ProofSystem = SystemPlaceholder
	bundle.PublicSignals = []string{strconv.Itoa(bundle.BatchSize)}

	c.recorder.ObserveBatch(ResultError, bundle.BatchSize)
	c.logger.Warn("batch prover unavailable, returning placeholder",
		"batch_size", bundle.BatchSize,
		"error", cause,
	)
	return &BackendUnavailableError{Placeholder: bundle, Cause: cause}
}

// HashClaims computes the BLAKE3 hash over "age-threshold" entries joined
// with '|' in the given order.
func HashClaims(claims []Claim) attest.Hash256 {
	h := blake3.New()
	for i, c := range claims {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(strconv.FormatInt(c.Age, 10) + "-" + strconv.FormatInt(c.Threshold, 10)))
	}
	var out attest.Hash256
	copy(out[:], h.Sum(nil))
	return out
}

// ValidateBundleShape performs structural checks only. It does not verify
// the proof.
func ValidateBundleShape(b *Bundle) bool {
	switch {
	case b == nil:
		return false
	case b.BatchSize < 1 || b.BatchSize > MaxBatch:
		return false
	case len(b.Claims) != b.BatchSize:
		return false
	case len(b.Proof) == 0 || len(b.PublicSignals) == 0:
		return false
	case b.CompressedHash.IsZero():
		return false
	case b.CompressedHash != HashClaims(b.Claims):
		return false
	}
	return true
}

// Savings estimates verification cost of a batch against individual proofs.
// It is a planning aid and plays no part in admission.
type Savings struct {
	IndividualCost int64   `json:"individual_cost"`
	CompressedCost int64   `json:"compressed_cost"`
	Savings        int64   `json:"savings"`
	SavingsPct     float64 `json:"savings_pct"`
}

// Cost units per proof verification.
const (
	IndividualProofCost = 100_000
	CompressedProofCost = 150_000
)

// EstimateSavings returns the cost comparison for batchSize claims.
func EstimateSavings(batchSize int) Savings {
	individual := int64(batchSize) * IndividualProofCost
	s := Savings{
		IndividualCost: individual,
		CompressedCost: CompressedProofCost,
		Savings:        individual - CompressedProofCost,
	}
	if individual > 0 {
		s.SavingsPct = float64(s.Savings) / float64(individual) * 100
	}
	return s
}
