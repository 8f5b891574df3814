package attest

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/near/borsh-go"
)

// Account names used for discriminators.
const (
	AccountVerifierConfig = "VerifierConfig"
	AccountAttestation    = "AttestationPda"
	AccountNonce          = "NoncePda"
)

// DiscriminatorLength is the length of the account type prefix.
const DiscriminatorLength = 8

// ErrDiscriminator is returned when account data does not carry the expected type prefix.
var ErrDiscriminator = errors.New("attest: account discriminator mismatch")

// Discriminator returns sha256("account:" + name)[:8], the prefix written in
// front of every encoded account.
func Discriminator(name string) [DiscriminatorLength]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [DiscriminatorLength]byte
	copy(d[:], sum[:DiscriminatorLength])
	return d
}

func encodeAccount(name string, v interface{}) ([]byte, error) {
	body, err := borsh.Serialize(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	disc := Discriminator(name)
	out := make([]byte, 0, DiscriminatorLength+len(body))
	out = append(out, disc[:]...)
	return append(out, body...), nil
}

func decodeAccount(name string, data []byte, v interface{}) error {
	disc := Discriminator(name)
	if len(data) < DiscriminatorLength || !bytes.Equal(data[:DiscriminatorLength], disc[:]) {
		return fmt.Errorf("%w: expected %s", ErrDiscriminator, name)
	}
	if err := borsh.Deserialize(v, data[DiscriminatorLength:]); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// EncodeConfig serializes a VerifierConfig account.
func EncodeConfig(c *VerifierConfig) ([]byte, error) {
	return encodeAccount(AccountVerifierConfig, *c)
}

// DecodeConfig deserializes a VerifierConfig account.
func DecodeConfig(data []byte) (*VerifierConfig, error) {
	var c VerifierConfig
	if err := decodeAccount(AccountVerifierConfig, data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// EncodeAttestation serializes an Attestation account.
func EncodeAttestation(a *Attestation) ([]byte, error) {
	return encodeAccount(AccountAttestation, *a)
}

// DecodeAttestation deserializes an Attestation account.
func DecodeAttestation(data []byte) (*Attestation, error) {
	var a Attestation
	if err := decodeAccount(AccountAttestation, data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// EncodeNonce serializes a NonceRecord account.
func EncodeNonce(n *NonceRecord) ([]byte, error) {
	return encodeAccount(AccountNonce, *n)
}

// DecodeNonce deserializes a NonceRecord account.
func DecodeNonce(data []byte) (*NonceRecord, error) {
	var n NonceRecord
	if err := decodeAccount(AccountNonce, data, &n); err != nil {
		return nil, err
	}
	return &n, nil
}
