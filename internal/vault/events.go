package vault

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"confvault/internal/fhe"
)

const (
	EventTypeStaked            = "vault.staked"
	EventTypeWithdrawRequested = "vault.withdraw_requested"
	EventTypeWithdrawFinalized = "vault.withdraw_finalized"
)

// StakedEvent is emitted after a deposit is committed. The amount is public
// at deposit time.
type StakedEvent struct {
	Identity   common.Address
	Amount     *uint256.Int
	UnlockTime uint64
}

func (StakedEvent) EventType() string { return EventTypeStaked }

// WithdrawRequestedEvent announces the handle that may now be publicly revealed.
type WithdrawRequestedEvent struct {
	Identity common.Address
	Handle   fhe.Handle
}

func (WithdrawRequestedEvent) EventType() string { return EventTypeWithdrawRequested }

type WithdrawFinalizedEvent struct {
	Identity common.Address
	Amount   uint64
}

func (WithdrawFinalizedEvent) EventType() string { return EventTypeWithdrawFinalized }
