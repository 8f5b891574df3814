package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/gagliardetto/solana-go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oraculo/zkattest/pkg/attest"
)

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
	closed   bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

type recorder struct {
	events []Event
	err    error
}

func (r *recorder) Publish(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func testAttestation() *attest.Attestation {
	return &attest.Attestation{
		Subject:       solana.NewWallet().PublicKey(),
		PredicateHash: attest.HashString("age>=18"),
		IssuerHash:    attest.HashString("dmv"),
		IssuedAt:      100,
		ExpiresAt:     200,
	}
}

func TestIdentityVerified(t *testing.T) {
	a := testAttestation()
	e := IdentityVerified(a)

	assert.Equal(t, TypeIdentityVerified, e.Type)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, a.Subject.String(), e.Subject)
	assert.Equal(t, a.PredicateHash.String(), e.PredicateHash)
	assert.Equal(t, uint64(200), e.ExpiresAt)

	other := IdentityVerified(a)
	assert.NotEqual(t, e.ID, other.ID, "event ids are unique")
}

func TestIssuersRootRotated(t *testing.T) {
	cfg := &attest.VerifierConfig{AllowedIssuersRoot: attest.HashString("new"), Version: 2}
	e := IssuersRootRotated(cfg, attest.HashString("old"))
	assert.Equal(t, attest.HashString("old").String(), e.OldRoot)
	assert.Equal(t, cfg.AllowedIssuersRoot.String(), e.NewRoot)
}

func TestAMQPPublisher_Publish(t *testing.T) {
	ch := &fakeChannel{}
	p := &AMQPPublisher{ch: ch, exchange: "attestations"}

	e := AttestationRevoked(solana.NewWallet().PublicKey(), attest.HashString("age>=18"))
	require.NoError(t, p.Publish(context.Background(), e))

	assert.Equal(t, "attestations", ch.exchange)
	assert.Equal(t, "zkattest.attestation_revoked", ch.key)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.Equal(t, e.ID, ch.msg.MessageId)

	var decoded Event
	require.NoError(t, json.Unmarshal(ch.msg.Body, &decoded))
	assert.Equal(t, e.Subject, decoded.Subject)

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

func TestAMQPPublisher_Error(t *testing.T) {
	p := &AMQPPublisher{ch: &fakeChannel{err: amqp.ErrClosed}, exchange: "x"}
	err := p.Publish(context.Background(), newEvent(TypeIdentityVerified))
	assert.ErrorIs(t, err, amqp.ErrClosed)
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := LogPublisher{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	require.NoError(t, p.Publish(context.Background(), IdentityVerified(testAttestation())))
	assert.Contains(t, buf.String(), `"type":"identity_verified"`)
}

func TestMulti(t *testing.T) {
	boom := errors.New("boom")
	a := &recorder{}
	b := &recorder{err: boom}
	c := &recorder{}

	err := Multi{a, b, c}.Publish(context.Background(), newEvent(TypeIdentityVerified))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.events, 1)
	assert.Len(t, c.events, 1, "a failing publisher does not stop the fan-out")

	assert.NoError(t, Multi{}.Publish(context.Background(), newEvent(TypeIdentityVerified)))
	assert.NoError(t, Nop{}.Publish(context.Background(), Event{}))
}
