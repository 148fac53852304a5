// handle.go - Opaque references to ciphertexts held by a confidential-computation engine.
//
// A Handle never carries plaintext. The ledger only stores, compares and forwards
// handles; producing or opening one is the engine's job.

package fhe

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// HandleLength is the size of a handle in bytes.
const HandleLength = 32

// Handle identifies one encrypted 64-bit unsigned integer held by the engine.
// Two handles are equal iff they refer to the same ciphertext.
type Handle [HandleLength]byte

// NullHandle denotes "no value".
var NullHandle Handle

// IsNull reports whether h is the NULL handle.
func (h Handle) IsNull() bool { return h == NullHandle }

// Bytes returns a copy of the handle bytes.
func (h Handle) Bytes() []byte {
	out := make([]byte, HandleLength)
	copy(out, h[:])
	return out
}

// String returns the 0x-prefixed hex form.
func (h Handle) String() string { return hexutil.Encode(h[:]) }

// MarshalText implements encoding.TextMarshaler.
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Handle) UnmarshalText(text []byte) error {
	parsed, err := ParseHandle(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHandle decodes a 0x-prefixed hex handle.
func ParseHandle(s string) (Handle, error) {
	raw, err := hexutil.Decode(s)
	if err != nil {
		return NullHandle, fmt.Errorf("fhe: invalid handle %q: %w", s, err)
	}
	return HandleFromBytes(raw)
}

// HandleFromBytes copies b into a Handle. b must be exactly HandleLength bytes.
func HandleFromBytes(b []byte) (Handle, error) {
	var h Handle
	if len(b) != HandleLength {
		return h, fmt.Errorf("fhe: handle must be %d bytes, got %d", HandleLength, len(b))
	}
	copy(h[:], b)
	return h, nil
}
