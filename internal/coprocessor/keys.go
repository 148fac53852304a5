// keys.go - Groth16 key management for the reveal circuit.
//
// Keys are generated once and cached on disk; a missing or unreadable pair
// triggers a fresh setup.

package coprocessor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
)

const (
	provingKeyFile   = "reveal_proving.key"
	verifyingKeyFile = "reveal_verifying.key"
)

// curve is the pairing curve the reveal circuit is proven on.
var curve = ecc.BLS12_377

// Keys bundles the compiled reveal circuit with its Groth16 keys.
type Keys struct {
	CCS constraint.ConstraintSystem
	PK  groth16.ProvingKey
	VK  groth16.VerifyingKey
}

// CompileRevealCircuit compiles RevealCircuit to R1CS.
func CompileRevealCircuit() (constraint.ConstraintSystem, error) {
	var circuit RevealCircuit
	ccs, err := frontend.Compile(curve.ScalarField(), r1cs.NewBuilder, &circuit)
	if err != nil {
		return nil, fmt.Errorf("coprocessor: compile reveal circuit: %w", err)
	}
	return ccs, nil
}

// LoadOrSetupKeys compiles the circuit and loads its keys from dir, running a
// fresh setup when they are absent. An empty dir keeps the keys in memory only.
func LoadOrSetupKeys(dir string) (*Keys, error) {
	ccs, err := CompileRevealCircuit()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return setupKeys(ccs)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	pkPath := filepath.Join(dir, provingKeyFile)
	vkPath := filepath.Join(dir, verifyingKeyFile)

	pk := groth16.NewProvingKey(curve)
	vk := groth16.NewVerifyingKey(curve)
	if readKey(pkPath, pk) == nil && readKey(vkPath, vk) == nil {
		return &Keys{CCS: ccs, PK: pk, VK: vk}, nil
	}

	keys, err := setupKeys(ccs)
	if err != nil {
		return nil, err
	}
	if err := writeKey(pkPath, keys.PK); err != nil {
		return nil, err
	}
	if err := writeKey(vkPath, keys.VK); err != nil {
		return nil, err
	}
	return keys, nil
}

func setupKeys(ccs constraint.ConstraintSystem) (*Keys, error) {
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, fmt.Errorf("coprocessor: groth16 setup: %w", err)
	}
	return &Keys{CCS: ccs, PK: pk, VK: vk}, nil
}

func readKey(path string, key io.ReaderFrom) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := key.ReadFrom(f); err != nil {
		return fmt.Errorf("coprocessor: read %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeKey writes through a temporary file so a crash never leaves a
// truncated key behind.
func writeKey(path string, key io.WriterTo) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := key.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("coprocessor: write %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
