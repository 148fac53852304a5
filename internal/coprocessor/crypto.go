// crypto.go - MiMC commitments and randomness for ciphertext records.

package coprocessor

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr/mimc"

	"confvault/internal/fhe"
)

// commit computes MiMC(value, blinding). The result is a canonical scalar field
// element, which is also the ciphertext's handle.
func commit(value uint64, blinding *fr.Element) fhe.Handle {
	h := mimc.NewMiMC()
	var v fr.Element
	v.SetUint64(value)
	vb := v.Bytes()
	bb := blinding.Bytes()
	h.Write(vb[:])
	h.Write(bb[:])
	var out fhe.Handle
	copy(out[:], h.Sum(nil))
	return out
}

// randomBlinding draws a uniformly random scalar field element.
func randomBlinding() (fr.Element, error) {
	var e fr.Element
	if _, err := e.SetRandom(); err != nil {
		return e, fmt.Errorf("coprocessor: draw blinding: %w", err)
	}
	return e, nil
}

// handleScalar interprets a handle as a field element. Handles at or above the
// modulus are never produced by commit and are rejected.
func handleScalar(h fhe.Handle) (*big.Int, bool) {
	n := new(big.Int).SetBytes(h[:])
	if n.Cmp(fr.Modulus()) >= 0 {
		return nil, false
	}
	return n, true
}
