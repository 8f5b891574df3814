// Package attest defines the shared data model of the attestation core: hashes,
// nonces, identities, the on-ledger records and the error taxonomy.
//
// All errors implement the standard error interface and can be matched with
// errors.Is() and errors.As().
package attest

import (
	"errors"
	"fmt"
)

// Kind is a categorized error in the attestation core.
// Using a string type allows for easy serialization and comparison
// while providing a clear error message.
type Kind string

// Error kinds. Gates 1-4 of the verification engine and the batch
// preconditions are logical errors; InvalidProof is terminal for a proof;
// StorageConflict is the only retriable class.
const (
	// ErrVersionMismatch indicates the request targets a different policy version.
	ErrVersionMismatch Kind = "version_mismatch"

	// ErrExpired indicates expires_at is not in the future according to the host clock.
	ErrExpired Kind = "expired"

	// ErrUntrustedIssuer indicates the issuer is not a member of the allowed issuers root.
	ErrUntrustedIssuer Kind = "untrusted_issuer"

	// ErrNonceReused indicates the nonce was already consumed for the subject.
	ErrNonceReused Kind = "nonce_reused"

	// ErrInvalidProof indicates the proof did not verify against the public inputs.
	ErrInvalidProof Kind = "invalid_proof"

	// ErrInvalidClaim indicates a batch claim failed its logical precondition.
	// The concrete error is a *ClaimError carrying the offending index.
	ErrInvalidClaim Kind = "invalid_claim"

	// ErrEmptyBatch indicates a batch with no claims.
	ErrEmptyBatch Kind = "empty_batch"

	// ErrBatchTooLarge indicates a batch larger than MaxBatch.
	ErrBatchTooLarge Kind = "batch_too_large"

	// ErrUnauthorized indicates the caller is not allowed to perform the mutation.
	ErrUnauthorized Kind = "unauthorized"

	// ErrAlreadyInitialized indicates a config already exists at the config address.
	ErrAlreadyInitialized Kind = "already_initialized"

	// ErrNotFound indicates no record exists at the derived address.
	ErrNotFound Kind = "not_found"

	// ErrStorageConflict indicates a transient ledger conflict. Safe to retry.
	ErrStorageConflict Kind = "storage_conflict"

	// ErrBackendUnavailable indicates the proving backend could not be used.
	ErrBackendUnavailable Kind = "backend_unavailable"
)

// Error implements the error interface for Kind.
func (k Kind) Error() string {
	return string(k)
}

// IsRetriable reports whether err may succeed when retried without a new proof.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrStorageConflict)
}

// ClaimError reports a batch claim that failed validation before proving.
type ClaimError struct {
	Index  int
	Reason string
}

// Error implements the error interface.
func (e *ClaimError) Error() string {
	return fmt.Sprintf("%s: claim %d: %s", ErrInvalidClaim, e.Index, e.Reason)
}

// Is makes ClaimError match ErrInvalidClaim.
func (e *ClaimError) Is(target error) bool {
	return target == ErrInvalidClaim
}

// ReplayError is returned when a nonce was already consumed for a subject.
// When the replayed request names the exact (subject, predicate_hash, nonce)
// triple that produced the current attestation, Committed holds that record so
// a caller retrying an ambiguous commit can recover it without a new nonce.
type ReplayError struct {
	Subject   Identity
	Nonce     Nonce
	Committed *Attestation
}

// Error implements the error interface.
func (e *ReplayError) Error() string {
	if e.Committed != nil {
		return fmt.Sprintf("%s: nonce %s already committed for %s", ErrNonceReused, e.Nonce, e.Subject)
	}
	return fmt.Sprintf("%s: nonce %s already used by %s", ErrNonceReused, e.Nonce, e.Subject)
}

// Is makes ReplayError match ErrNonceReused.
func (e *ReplayError) Is(target error) bool {
	return target == ErrNonceReused
}
