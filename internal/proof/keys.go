// keys.go - Circuit compilation and Groth16 key management.

package proof

import (
	"errors"
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

// Keys bundles a compiled circuit with its proving and verifying keys.
type Keys struct {
	Arity Arity
	CCS   constraint.ConstraintSystem
	PK    groth16.ProvingKey
	VK    groth16.VerifyingKey
}

// Compile builds the constraint system of one transfer shape.
func Compile(arity Arity) (constraint.ConstraintSystem, error) {
	circuit, err := NewCircuit(arity)
	if err != nil {
		return nil, err
	}
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, circuit)
	if err != nil {
		return nil, fmt.Errorf("circuit compilation failed: %w", err)
	}
	return ccs, nil
}

// Setup compiles the circuit and runs a fresh Groth16 setup. The result is
// only as trustworthy as the randomness of this process.
func Setup(arity Arity) (*Keys, error) {
	ccs, err := Compile(arity)
	if err != nil {
		return nil, err
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, fmt.Errorf("groth16 setup failed: %w", err)
	}
	return &Keys{Arity: arity, CCS: ccs, PK: pk, VK: vk}, nil
}

func keyPaths(dir string, arity Arity) (pkPath, vkPath string) {
	base := fmt.Sprintf("transfer%d", arity)
	return filepath.Join(dir, base+".pk"), filepath.Join(dir, base+".vk")
}

// SaveKeys writes the proving and verifying keys under dir.
func SaveKeys(dir string, keys *Keys) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	pkPath, vkPath := keyPaths(dir, keys.Arity)
	if err := writeTo(pkPath, keys.PK); err != nil {
		return fmt.Errorf("could not save proving key: %w", err)
	}
	if err := writeTo(vkPath, keys.VK); err != nil {
		return fmt.Errorf("could not save verifying key: %w", err)
	}
	return nil
}

func writeTo(path string, v io.WriterTo) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = v.WriteTo(f)
	return err
}

// LoadVerifyingKey reads the verifying key of one shape from dir.
func LoadVerifyingKey(dir string, arity Arity) (groth16.VerifyingKey, error) {
	_, vkPath := keyPaths(dir, arity)
	f, err := os.Open(vkPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("could not read verifying key: %w", err)
	}
	return vk, nil
}

// LoadKeys reads both keys of one shape from dir and recompiles the circuit.
func LoadKeys(dir string, arity Arity) (*Keys, error) {
	pkPath, _ := keyPaths(dir, arity)
	f, err := os.Open(pkPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pk := groth16.NewProvingKey(ecc.BN254)
	if _, err := pk.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("could not read proving key: %w", err)
	}
	vk, err := LoadVerifyingKey(dir, arity)
	if err != nil {
		return nil, err
	}
	ccs, err := Compile(arity)
	if err != nil {
		return nil, err
	}
	return &Keys{Arity: arity, CCS: ccs, PK: pk, VK: vk}, nil
}

// SetupOrLoadKeys loads the keys of one shape from dir, or runs a setup and
// saves them if they are missing.
func SetupOrLoadKeys(dir string, arity Arity) (*Keys, error) {
	keys, err := LoadKeys(dir, arity)
	if err == nil {
		return keys, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	keys, err = Setup(arity)
	if err != nil {
		return nil, err
	}
	if err := SaveKeys(dir, keys); err != nil {
		return nil, err
	}
	return keys, nil
}
