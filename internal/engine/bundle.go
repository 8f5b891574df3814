package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/oraculo/zkattest/pkg/attest"
	"github.com/oraculo/zkattest/pkg/compress"
	"github.com/oraculo/zkattest/pkg/zkproof"
)

// VerifyBundle verifies a compressed batch proof. Placeholder bundles and
// bundles whose public thresholds differ from their claims are rejected with
// attest.ErrInvalidProof. Nothing is written to the ledger.
func (e *Engine) VerifyBundle(ctx context.Context, b *compress.Bundle) error {
	err := e.verifyBundle(ctx, b)
	outcome := classify(err)
	e.metrics.Verifications.WithLabelValues(GateBundle, outcome).Inc()

	if err != nil {
		e.logger.Info("bundle rejected", "result", outcome, "error", err)
		return err
	}
	e.logger.Info("bundle verified",
		"batch_size", b.BatchSize,
		"compressed_hash", b.CompressedHash.String(),
	)
	return nil
}

func (e *Engine) verifyBundle(ctx context.Context, b *compress.Bundle) error {
	if b == nil {
		return fmt.Errorf("%w: empty bundle", attest.ErrInvalidProof)
	}
	if b.Placeholder || b.ProofSystem == compress.SystemPlaceholder {
		return fmt.Errorf("%w: placeholder bundle", attest.ErrInvalidProof)
	}
	if !compress.ValidateBundleShape(b) {
		return fmt.Errorf("%w: malformed bundle", attest.ErrInvalidProof)
	}
	if sb, ok := e.backend.(SystemBackend); ok {
		if system, _ := sb.System(b.VKID); system != zkproof.SystemGroth16 {
			return fmt.Errorf("%w: %s is not a batch key", attest.ErrInvalidProof, b.VKID)
		}
	}
	if err := checkThresholds(b); err != nil {
		return err
	}

	valid, err := e.backend.Verify(ctx, b.VKID, b.PublicInputs, b.Proof)
	if err != nil {
		return fmt.Errorf("verify bundle: %w", err)
	}
	if !valid {
		return attest.ErrInvalidProof
	}
	return nil
}

// checkThresholds requires the proof's public thresholds to be the claims'
// thresholds followed by zero padding.
func checkThresholds(b *compress.Bundle) error {
	signals, err := zkproof.PublicSignals(b.PublicInputs)
	if err != nil {
		return fmt.Errorf("%w: decode public inputs: %v", attest.ErrInvalidProof, err)
	}
	if len(signals) != compress.MaxBatch {
		return fmt.Errorf("%w: %d public thresholds, expected %d", attest.ErrInvalidProof, len(signals), compress.MaxBatch)
	}
	for i, s := range signals {
		want := "0"
		if i < len(b.Claims) {
			want = strconv.FormatInt(b.Claims[i].Threshold, 10)
		}
		if s != want {
			return fmt.Errorf("%w: threshold %d is %s, claim says %s", attest.ErrInvalidProof, i, s, want)
		}
	}
	return nil
}
