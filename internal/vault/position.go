package vault

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"confvault/internal/fhe"
	"confvault/internal/storage"
)

var (
	positionPrefix = []byte("vault/pos/")
	requestPrefix  = []byte("vault/wreq/")
)

// Position is the custody record of one identity.
type Position struct {
	BalanceHandle         fhe.Handle
	UnlockTime            uint64
	PendingWithdrawHandle fhe.Handle
}

// State is the lifecycle stage of a position at a point in time.
type State string

const (
	StateEmpty         State = "empty"
	StateLocked        State = "locked"
	StateUnlockable    State = "unlockable"
	StatePendingReveal State = "pending_reveal"
)

// State derives the lifecycle stage at unix time now. A position reset by a
// finalized withdrawal holds an encrypted zero and reports StateUnlockable.
func (p Position) State(now uint64) State {
	switch {
	case p.BalanceHandle.IsNull():
		return StateEmpty
	case !p.PendingWithdrawHandle.IsNull():
		return StatePendingReveal
	case now < p.UnlockTime:
		return StateLocked
	default:
		return StateUnlockable
	}
}

func positionKey(id common.Address) []byte {
	return append(append([]byte{}, positionPrefix...), id.Bytes()...)
}

func requestKey(h fhe.Handle) []byte {
	return append(append([]byte{}, requestPrefix...), h.Bytes()...)
}

func loadPosition(db storage.Database, id common.Address) (Position, error) {
	raw, err := db.Get(positionKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return Position{}, nil
	}
	if err != nil {
		return Position{}, fmt.Errorf("vault: load position %s: %w", id.Hex(), err)
	}
	var p Position
	if err := rlp.DecodeBytes(raw, &p); err != nil {
		return Position{}, fmt.Errorf("vault: decode position %s: %w", id.Hex(), err)
	}
	return p, nil
}

func putPosition(b storage.Batch, id common.Address, p Position) error {
	raw, err := rlp.EncodeToBytes(&p)
	if err != nil {
		return fmt.Errorf("vault: encode position: %w", err)
	}
	b.Put(positionKey(id), raw)
	return nil
}

func lookupRequest(db storage.Database, h fhe.Handle) (common.Address, bool, error) {
	raw, err := db.Get(requestKey(h))
	if errors.Is(err, storage.ErrNotFound) {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, fmt.Errorf("vault: load withdraw request: %w", err)
	}
	if len(raw) != common.AddressLength {
		return common.Address{}, false, fmt.Errorf("%w: registry entry for %s", ErrCorruptState, h)
	}
	return common.BytesToAddress(raw), true, nil
}
