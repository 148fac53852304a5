// Package coprocessor implements an in-process confidential-computation engine.
//
// Overview:
//   - Ciphertexts are records (value, blinding) addressed by the handle MiMC(value, blinding)
//   - Homomorphic addition produces a fresh record, wrapping modulo 2^64
//   - Every handle carries an ACL; engine calls are made through a principal-bound Session
//   - Public reveal returns the cleartext with a Groth16 proof that the handle opens to it
//
// Security Model:
//   - MiMC over the BLS12-377 scalar field binds a handle to its value; the blinding hides it
//   - Reveal proofs are Groth16 (gnark) over the circuit Handle = MiMC(Cleartext, Blinding),
//     with Cleartext range-checked to 64 bits
//   - Verification is pure: it needs only the handle, the claimed cleartext and the proof
//
// The coprocessor stands in for an external engine. The ledger only sees it through
// the fhe.Engine interface.
package coprocessor
