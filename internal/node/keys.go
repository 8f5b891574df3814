package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gagliardetto/solana-go"

	"github.com/oraculo/zkattest/pkg/attest"
)

// Keypair is a principal key loaded from a solana keygen file.
type Keypair struct {
	Private solana.PrivateKey
	Public  attest.Identity
}

// LoadKeypair reads a solana keygen JSON file.
func LoadKeypair(path string) (*Keypair, error) {
	priv, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("load keypair %s: %w", path, err)
	}
	return &Keypair{Private: priv, Public: priv.PublicKey()}, nil
}

// LoadOrCreateKeypair loads path, generating and saving a new keypair in
// solana keygen format when the file does not exist.
func LoadOrCreateKeypair(path string) (kp *Keypair, created bool, err error) {
	if _, err := os.Stat(path); err == nil {
		kp, err := LoadKeypair(path)
		return kp, false, err
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	w := solana.NewWallet()
	if err := saveKeypair(path, w.PrivateKey); err != nil {
		return nil, false, err
	}
	return &Keypair{Private: w.PrivateKey, Public: w.PublicKey()}, true, nil
}

func saveKeypair(path string, priv solana.PrivateKey) error {
	raw := make([]int, len(priv))
	for i, b := range priv {
		raw[i] = int(b)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
