// Package engine runs single-claim verification requests through the gate
// pipeline and commits the resulting attestation.
//
// A request moves Received -> PolicyChecked -> NonceReserved ->
// ProofVerified -> Committed, or ends Rejected at the first failing gate.
// Only the commit step writes to the ledger, and it writes the nonce record
// and the attestation in one transaction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oraculo/zkattest/internal/attestation"
	"github.com/oraculo/zkattest/internal/events"
	"github.com/oraculo/zkattest/internal/ledger"
	"github.com/oraculo/zkattest/internal/metrics"
	"github.com/oraculo/zkattest/internal/nonce"
	"github.com/oraculo/zkattest/internal/policy"
	"github.com/oraculo/zkattest/pkg/attest"
	"github.com/oraculo/zkattest/pkg/zkproof"
)

// Backend verifies a proof against public inputs under the verifying key
// vkID. It returns false with a nil error for a proof that does not verify.
// An error means verification did not complete.
type Backend interface {
	Verify(ctx context.Context, vkID attest.Hash256, publicInputs, proof []byte) (bool, error)
}

// BindingBackend is a Backend that can decode the subject, nonce and
// threshold a proof was generated for. When the engine's backend implements
// it, every proof must carry a binding that matches the request, and the
// request's predicate must be the one the threshold proves.
type BindingBackend interface {
	Backend
	Binding(vkID attest.Hash256, publicInputs []byte) (zkproof.Binding, bool)
}

// SystemBackend is a Backend that knows the proof system of each key.
// When the engine's backend implements it, bundles must name a batch key.
type SystemBackend interface {
	Backend
	System(vkID attest.Hash256) (string, bool)
}

// IssuerVerifier checks issuer membership under an allowed issuers root.
type IssuerVerifier interface {
	IsMember(root, issuer attest.Hash256, proof *attest.MembershipProof) bool
}

// State is the position of a request in the pipeline.
type State int

const (
	StateReceived State = iota
	StatePolicyChecked
	StateNonceReserved
	StateProofVerified
	StateCommitted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StatePolicyChecked:
		return "policy_checked"
	case StateNonceReserved:
		return "nonce_reserved"
	case StateProofVerified:
		return "proof_verified"
	case StateCommitted:
		return "committed"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Gate labels used in metrics and logs.
const (
	GatePolicy  = "policy"
	GateVersion = "version"
	GateExpiry  = "expiry"
	GateIssuer  = "issuer"
	GateNonce   = "nonce"
	GateProof   = "proof"
	GateCommit  = "commit"
	GateBundle  = "bundle"
)

// Result is the outcome of an accepted request.
type Result struct {
	Attestation *attest.Attestation
	Handle      attestation.Handle
	State       State
}

// Config wires an Engine. Store, Policy, Nonces, Attestations, Backend and
// Issuers are required.
type Config struct {
	Store        ledger.Store
	Policy       *policy.Store
	Nonces       *nonce.Ledger
	Attestations *attestation.Store
	Backend      Backend
	Issuers      IssuerVerifier

	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// Clock is the host clock. Defaults to time.Now.
	Clock func() time.Time

	// CommitAttempts bounds commit retries on ledger conflicts.
	CommitAttempts int
}

// Engine is the proof verification engine. It is safe for concurrent use.
type Engine struct {
	store        ledger.Store
	policy       *policy.Store
	nonces       *nonce.Ledger
	attestations *attestation.Store
	backend      Backend
	issuers      IssuerVerifier
	publisher    events.Publisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	clock        func() time.Time
	attempts     int
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("engine: ledger store is required")
	case cfg.Policy == nil:
		return nil, errors.New("engine: policy store is required")
	case cfg.Nonces == nil:
		return nil, errors.New("engine: nonce ledger is required")
	case cfg.Attestations == nil:
		return nil, errors.New("engine: attestation store is required")
	case cfg.Backend == nil:
		return nil, errors.New("engine: proof backend is required")
	case cfg.Issuers == nil:
		return nil, errors.New("engine: issuer verifier is required")
	}

	e := &Engine{
		store:        cfg.Store,
		policy:       cfg.Policy,
		nonces:       cfg.Nonces,
		attestations: cfg.Attestations,
		backend:      cfg.Backend,
		issuers:      cfg.Issuers,
		publisher:    cfg.Publisher,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		clock:        cfg.Clock,
		attempts:     cfg.CommitAttempts,
	}
	if e.publisher == nil {
		e.publisher = events.Nop{}
	}
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.attempts < 1 {
		e.attempts = ledger.DefaultAttempts
	}
	return e, nil
}

// Verify runs req for subject through every gate and, if all pass, commits
// the attestation. On rejection nothing is written and the nonce stays
// unconsumed.
func (e *Engine) Verify(ctx context.Context, subject attest.Identity, req *attest.VerifyRequest) (*Result, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty request", attest.ErrInvalidProof)
	}
	start := time.Now()
	res, gate, err := e.verify(ctx, subject, req)
	outcome := classify(err)

	e.metrics.Verifications.WithLabelValues(gate, outcome).Inc()
	e.metrics.VerifyDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		e.logger.Info("verification rejected",
			"subject", subject.String(),
			"predicate_hash", req.PredicateHash.String(),
			"gate", gate,
			"result", outcome,
			"error", err,
		)
		return nil, err
	}

	e.logger.Info("identity verified",
		"subject", subject.String(),
		"predicate_hash", req.PredicateHash.String(),
		"expires_at", req.ExpiresAt,
		"duration", time.Since(start),
	)
	if err := e.publisher.Publish(ctx, events.IdentityVerified(res.Attestation)); err != nil {
		e.logger.Warn("failed to publish verification event", "error", err)
	}
	return res, nil
}

func (e *Engine) verify(ctx context.Context, subject attest.Identity, req *attest.VerifyRequest) (*Result, string, error) {
	now := attest.Unix(e.clock())

	cfg, err := e.policy.Get(ctx)
	if err != nil {
		return nil, GatePolicy, fmt.Errorf("load verifier config: %w", err)
	}
	if err := CheckVersion(cfg, req); err != nil {
		return nil, GateVersion, err
	}
	if err := CheckExpiry(req, now); err != nil {
		return nil, GateExpiry, err
	}
	if err := e.CheckIssuer(cfg, req); err != nil {
		return nil, GateIssuer, err
	}

	release, err := e.ReserveNonce(ctx, subject, req)
	if err != nil {
		return nil, GateNonce, err
	}
	defer release()

	if err := e.CheckProof(ctx, subject, req); err != nil {
		return nil, GateProof, err
	}

	res, err := e.commit(ctx, subject, req, now)
	if err != nil {
		return nil, GateCommit, err
	}
	return res, GateCommit, nil
}

// CheckVersion is gate 1.
func CheckVersion(cfg *attest.VerifierConfig, req *attest.VerifyRequest) error {
	if req.Version != cfg.Version {
		return fmt.Errorf("%w: request version %d, policy version %d", attest.ErrVersionMismatch, req.Version, cfg.Version)
	}
	return nil
}

// CheckExpiry is gate 2. now is the host clock in unix seconds.
func CheckExpiry(req *attest.VerifyRequest, now uint64) error {
	if req.ExpiresAt <= now {
		return fmt.Errorf("%w: expires_at %d, now %d", attest.ErrExpired, req.ExpiresAt, now)
	}
	return nil
}

// CheckIssuer is gate 3.
func (e *Engine) CheckIssuer(cfg *attest.VerifierConfig, req *attest.VerifyRequest) error {
	if !e.issuers.IsMember(cfg.AllowedIssuersRoot, req.IssuerHash, req.IssuerProof) {
		return fmt.Errorf("%w: %s", attest.ErrUntrustedIssuer, req.IssuerHash)
	}
	return nil
}

// ReserveNonce is gate 4. It fails if the nonce is already consumed on the
// ledger or reserved by a request in flight. On success the caller must
// call release once the request has finished.
func (e *Engine) ReserveNonce(ctx context.Context, subject attest.Identity, req *attest.VerifyRequest) (release func(), err error) {
	release, err = e.nonces.Reserve(subject, req.Nonce)
	if err != nil {
		return nil, err
	}

	rec, err := e.nonces.Lookup(ctx, subject, req.Nonce)
	switch {
	case errors.Is(err, attest.ErrNotFound):
		return release, nil
	case err != nil:
		release()
		return nil, fmt.Errorf("lookup nonce: %w", err)
	}

	release()
	return nil, e.replay(ctx, subject, req, rec.PredicateHash)
}

// replay builds the rejection for a consumed nonce, attaching the committed
// attestation when the request repeats the triple that produced it.
func (e *Engine) replay(ctx context.Context, subject attest.Identity, req *attest.VerifyRequest, consumedBy attest.Hash256) error {
	rerr := &attest.ReplayError{Subject: subject, Nonce: req.Nonce}
	if consumedBy != req.PredicateHash {
		return rerr
	}
	att, err := e.attestations.Fetch(ctx, subject, req.PredicateHash)
	if err == nil && att.LastNonce == req.Nonce {
		rerr.Committed = att
	}
	return rerr
}

// CheckProof is gate 5. It has no side effects.
func (e *Engine) CheckProof(ctx context.Context, subject attest.Identity, req *attest.VerifyRequest) error {
	if len(req.Proof) == 0 || len(req.PublicInputs) == 0 {
		return fmt.Errorf("%w: missing proof or public inputs", attest.ErrInvalidProof)
	}

	if bb, ok := e.backend.(BindingBackend); ok {
		got, ok := bb.Binding(req.VKID, req.PublicInputs)
		if !ok {
			return fmt.Errorf("%w: proof carries no subject binding", attest.ErrInvalidProof)
		}
		if !got.Equal(zkproof.BindingFor(subject, req.Nonce)) {
			return fmt.Errorf("%w: proof bound to another subject or nonce", attest.ErrInvalidProof)
		}
		if got.Predicate() != req.PredicateHash {
			return fmt.Errorf("%w: proof establishes %s, request claims %s",
				attest.ErrInvalidProof, attest.AgePredicate(got.Threshold), req.PredicateHash)
		}
	}

	valid, err := e.backend.Verify(ctx, req.VKID, req.PublicInputs, req.Proof)
	if err != nil {
		return fmt.Errorf("verify proof: %w", err)
	}
	if !valid {
		return attest.ErrInvalidProof
	}
	return nil
}

func (e *Engine) commit(ctx context.Context, subject attest.Identity, req *attest.VerifyRequest, now uint64) (*Result, error) {
	att := &attest.Attestation{
		Subject:       subject,
		PredicateHash: req.PredicateHash,
		IssuerHash:    req.IssuerHash,
		VKID:          req.VKID,
		IssuedAt:      now,
		ExpiresAt:     req.ExpiresAt,
		LastNonce:     req.Nonce,
	}

	var h attestation.Handle
	err := ledger.UpdateRetry(ctx, e.store, e.attempts, func(tx ledger.Txn) error {
		if err := e.nonces.ConsumeTx(tx, subject, req.Nonce, req.PredicateHash, now); err != nil {
			return err
		}
		var err error
		h, err = e.attestations.UpsertTx(tx, att)
		return err
	})
	switch {
	case errors.Is(err, attest.ErrNonceReused):
		// Another process committed the same nonce after our lookup.
		rec, lerr := e.nonces.Lookup(ctx, subject, req.Nonce)
		if lerr != nil {
			return nil, err
		}
		return nil, e.replay(ctx, subject, req, rec.PredicateHash)
	case errors.Is(err, ledger.ErrConflict):
		return nil, fmt.Errorf("%w: commit attestation: %v", attest.ErrStorageConflict, err)
	case err != nil:
		return nil, fmt.Errorf("commit attestation: %w", err)
	}

	return &Result{Attestation: att, Handle: h, State: StateCommitted}, nil
}

// Confirm returns the attestation committed for (subject, predicate, nonce).
// It lets a caller whose Verify outcome was lost learn whether the commit
// happened. It returns attest.ErrNotFound if the triple was never committed
// or the attestation has since been replaced by a later nonce.
func (e *Engine) Confirm(ctx context.Context, subject attest.Identity, predicate attest.Hash256, n attest.Nonce) (*attest.Attestation, error) {
	att, err := e.attestations.Fetch(ctx, subject, predicate)
	if err != nil {
		return nil, err
	}
	if att.LastNonce != n {
		return nil, attest.ErrNotFound
	}
	return att, nil
}

// classify maps an outcome to a metrics result label.
func classify(err error) string {
	switch {
	case err == nil:
		return metrics.ResultAccepted
	case errors.Is(err, attest.ErrVersionMismatch),
		errors.Is(err, attest.ErrExpired),
		errors.Is(err, attest.ErrUntrustedIssuer),
		errors.Is(err, attest.ErrNonceReused),
		errors.Is(err, attest.ErrInvalidProof):
		return metrics.ResultRejected
	default:
		return metrics.ResultError
	}
}
