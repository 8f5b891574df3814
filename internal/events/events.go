// Package events publishes attestation lifecycle events.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/oraculo/zkattest/pkg/attest"
)

// Type names an event.
type Type string

const (
	TypeIdentityVerified   Type = "identity_verified"
	TypeAttestationRevoked Type = "attestation_revoked"
	TypeIssuersRootRotated Type = "issuers_root_rotated"
)

// Event is one lifecycle notification. Fields not relevant to Type are empty.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`

	Subject       string `json:"subject,omitempty"`
	PredicateHash string `json:"predicate_hash,omitempty"`
	IssuerHash    string `json:"issuer_hash,omitempty"`
	VKID          string `json:"vk_id,omitempty"`
	IssuedAt      uint64 `json:"issued_at,omitempty"`
	ExpiresAt     uint64 `json:"expires_at,omitempty"`
	Nonce         string `json:"nonce,omitempty"`

	Admin   string `json:"admin,omitempty"`
	OldRoot string `json:"old_root,omitempty"`
	NewRoot string `json:"new_root,omitempty"`
	Version uint32 `json:"version,omitempty"`
}

func newEvent(t Type) Event {
	return Event{ID: uuid.NewString(), Type: t, OccurredAt: time.Now().UTC()}
}

// IdentityVerified reports a committed attestation.
func IdentityVerified(a *attest.Attestation) Event {
	e := newEvent(TypeIdentityVerified)
	e.Subject = a.Subject.String()
	e.PredicateHash = a.PredicateHash.String()
	e.IssuerHash = a.IssuerHash.String()
	e.VKID = a.VKID.String()
	e.IssuedAt = a.IssuedAt
	e.ExpiresAt = a.ExpiresAt
	e.Nonce = a.LastNonce.String()
	return e
}

// AttestationRevoked reports a revocation by the subject.
func AttestationRevoked(subject attest.Identity, predicate attest.Hash256) Event {
	e := newEvent(TypeAttestationRevoked)
	e.Subject = subject.String()
	e.PredicateHash = predicate.String()
	return e
}

// IssuersRootRotated reports a trust policy change.
func IssuersRootRotated(cfg *attest.VerifierConfig, oldRoot attest.Hash256) Event {
	e := newEvent(TypeIssuersRootRotated)
	e.Admin = cfg.Admin.String()
	e.OldRoot = oldRoot.String()
	e.NewRoot = cfg.AllowedIssuersRoot.String()
	e.Version = cfg.Version
	return e
}

// Publisher delivers events. Publishing happens after the state change has
// committed, so a failed publish never rolls anything back.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	Logger *slog.Logger
}

// Publish implements Publisher.
func (p LogPublisher) Publish(ctx context.Context, e Event) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "event",
		"event_id", e.ID,
		"type", string(e.Type),
		"subject", e.Subject,
		"predicate_hash", e.PredicateHash,
	)
	return nil
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }
