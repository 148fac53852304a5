package coprocessor

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// RevealCircuit proves that a public handle opens to a public cleartext.
type RevealCircuit struct {
	// Public
	Handle    frontend.Variable `gnark:",public"`
	Cleartext frontend.Variable `gnark:",public"`

	// Private
	Blinding frontend.Variable
}

func (c *RevealCircuit) Define(api frontend.API) error {
	// Cleartext must be a 64-bit unsigned integer.
	api.ToBinary(c.Cleartext, 64)

	hasher, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	hasher.Write(c.Cleartext, c.Blinding)
	api.AssertIsEqual(c.Handle, hasher.Sum())
	return nil
}
