package zkproof

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/plonk"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/consensys/gnark/frontend/cs/scs"
	"github.com/gofrs/flock"
)

// Key file names inside a key directory.
const (
	AgeProvingKeyFile     = "age.pk"
	AgeVerifyingKeyFile   = "age.vk"
	BatchProvingKeyFile   = "batch.pk"
	BatchVerifyingKeyFile = "batch.vk"

	// SetupLockFile serializes key setup between processes.
	SetupLockFile = "setup.lock"
)

// LoadOrSetupAgeCircuit loads the age circuit keys from dir, running setup
// and saving the keys on first use. Processes sharing dir agree on vk_id.
func LoadOrSetupAgeCircuit(dir string) (*CompiledAgeCircuit, error) {
	pkPath := filepath.Join(dir, AgeProvingKeyFile)
	vkPath := filepath.Join(dir, AgeVerifyingKeyFile)

	unlock, err := lockKeyDir(dir)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !exists(pkPath) || !exists(vkPath) {
		compiled, err := CompileAgeCircuit()
		if err != nil {
			return nil, err
		}
		if err := saveKeys(dir, pkPath, compiled.ProvingKey, vkPath, compiled.VerifyingKey); err != nil {
			return nil, err
		}
		return compiled, nil
	}

	var circuit AgeCircuit
	cs, err := frontend.Compile(ecc.BN254.ScalarField(), scs.NewBuilder, &circuit)
	if err != nil {
		return nil, fmt.Errorf("compile age circuit: %w", err)
	}

	pk := plonk.NewProvingKey(ecc.BN254)
	if err := readKey(pkPath, pk); err != nil {
		return nil, err
	}
	vk := plonk.NewVerifyingKey(ecc.BN254)
	if err := readKey(vkPath, vk); err != nil {
		return nil, err
	}
	id, err := KeyID(vk)
	if err != nil {
		return nil, err
	}

	return &CompiledAgeCircuit{ConstraintSystem: cs, ProvingKey: pk, VerifyingKey: vk, VKID: id}, nil
}

// LoadOrSetupBatchCircuit is LoadOrSetupAgeCircuit for the batch circuit.
func LoadOrSetupBatchCircuit(dir string) (*CompiledBatchCircuit, error) {
	pkPath := filepath.Join(dir, BatchProvingKeyFile)
	vkPath := filepath.Join(dir, BatchVerifyingKeyFile)

	unlock, err := lockKeyDir(dir)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !exists(pkPath) || !exists(vkPath) {
		compiled, err := CompileBatchCircuit()
		if err != nil {
			return nil, err
		}
		if err := saveKeys(dir, pkPath, compiled.ProvingKey, vkPath, compiled.VerifyingKey); err != nil {
			return nil, err
		}
		return compiled, nil
	}

	var circuit BatchAgeCircuit
	cs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &circuit)
	if err != nil {
		return nil, fmt.Errorf("compile batch circuit: %w", err)
	}

	pk := groth16.NewProvingKey(ecc.BN254)
	if err := readKey(pkPath, pk); err != nil {
		return nil, err
	}
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if err := readKey(vkPath, vk); err != nil {
		return nil, err
	}
	id, err := KeyID(vk)
	if err != nil {
		return nil, err
	}

	return &CompiledBatchCircuit{ConstraintSystem: cs, ProvingKey: pk, VerifyingKey: vk, VKID: id}, nil
}

// lockKeyDir takes the setup lock of dir, blocking while another process
// holds it. A process that waited finds the keys saved by the holder.
func lockKeyDir(dir string) (unlock func(), err error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	fl := flock.New(filepath.Join(dir, SetupLockFile))
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("lock key directory: %w", err)
	}
	return func() { _ = fl.Unlock() }, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func saveKeys(dir, pkPath string, pk io.WriterTo, vkPath string, vk io.WriterTo) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	// The verifying key goes last: its presence marks a complete pair.
	if err := writeKey(pkPath, pk); err != nil {
		return err
	}
	return writeKey(vkPath, vk)
}

func writeKey(path string, key io.WriterTo) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	if _, err := key.WriteTo(w); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := errors.Join(w.Flush(), tmp.Sync(), tmp.Close()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}

func readKey(path string, key io.ReaderFrom) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := key.ReadFrom(bufio.NewReader(f)); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}
