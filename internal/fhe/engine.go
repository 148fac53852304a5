package fhe

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	// ErrUnknownHandle is returned when a handle does not reference a live ciphertext.
	ErrUnknownHandle = errors.New("fhe: unknown handle")
	// ErrAccessDenied is returned when the calling principal is not on a handle's ACL.
	ErrAccessDenied = errors.New("fhe: access denied")
	// ErrNotRevealable is returned when a public reveal is requested for an unmarked handle.
	ErrNotRevealable = errors.New("fhe: handle not publicly revealable")
)

// Engine is the capability set the ledger needs from a confidential-computation
// engine. Implementations act on behalf of a single calling principal.
type Engine interface {
	// Encrypt turns a plaintext into a fresh handle owned by the caller.
	Encrypt(ctx context.Context, value uint64) (Handle, error)
	// Add returns a handle to the encrypted sum of a and b, wrapping modulo 2^64.
	Add(ctx context.Context, a, b Handle) (Handle, error)
	// GrantAccess lets principal request decryption of h. Idempotent.
	GrantAccess(ctx context.Context, h Handle, principal common.Address) error
	// MarkPubliclyRevealable allows anyone to obtain h's cleartext and a proof.
	// Idempotent and one-directional.
	MarkPubliclyRevealable(ctx context.Context, h Handle) error
	// VerifyRevealProof reports whether proof attests that h decrypts to cleartext.
	VerifyRevealProof(ctx context.Context, h Handle, cleartext uint64, proof []byte) (bool, error)
}

// Reveal is one public decryption result.
type Reveal struct {
	Handle    Handle        `json:"handle"`
	Cleartext uint64        `json:"cleartext"`
	Proof     hexutil.Bytes `json:"proof"`
}

// Revealer performs public decryption of handles that were marked revealable.
// Anyone may call it; the ledger itself never does.
type Revealer interface {
	PublicReveal(ctx context.Context, handles []Handle) ([]Reveal, error)
}
