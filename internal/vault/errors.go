package vault

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Validation errors.
var (
	ErrDurationOutOfBounds = errors.New("vault: lock duration out of bounds")
	ErrZeroAmount          = errors.New("vault: deposit amount is zero")
	ErrAmountTooLarge      = errors.New("vault: deposit amount exceeds 64 bits")
)

// State-precondition errors.
var (
	ErrNoActiveStake                = errors.New("vault: no active stake")
	ErrStakeLocked                  = errors.New("vault: stake still locked")
	ErrWithdrawAlreadyPending       = errors.New("vault: withdrawal already pending")
	ErrWithdrawRequestAlreadyExists = errors.New("vault: withdraw request already exists for handle")
	ErrUnknownWithdrawRequest       = errors.New("vault: unknown withdraw request")
)

var (
	ErrUnauthorizedFinalizer = errors.New("vault: unauthorized finalizer")
	ErrInvalidRevealProof    = errors.New("vault: reveal proof rejected")
	ErrTransferFailed        = errors.New("vault: transfer failed")
	ErrReentrantCall         = errors.New("vault: re-entrant call rejected")
	ErrCorruptState          = errors.New("vault: ledger state inconsistent")
)

type DurationOutOfBoundsError struct {
	Duration uint64
	Max      uint64
}

func (e *DurationOutOfBoundsError) Error() string {
	return fmt.Sprintf("%v: %ds not in [1, %d]", ErrDurationOutOfBounds, e.Duration, e.Max)
}

func (e *DurationOutOfBoundsError) Unwrap() error { return ErrDurationOutOfBounds }

type AmountTooLargeError struct {
	Amount *uint256.Int
}

func (e *AmountTooLargeError) Error() string {
	return fmt.Sprintf("%v: %s", ErrAmountTooLarge, e.Amount.Dec())
}

func (e *AmountTooLargeError) Unwrap() error { return ErrAmountTooLarge }

// StakeLockedError reports the time of the rejected request and the unlock time.
type StakeLockedError struct {
	Now        uint64
	UnlockTime uint64
}

func (e *StakeLockedError) Error() string {
	return fmt.Sprintf("%v: now %d, unlocks at %d", ErrStakeLocked, e.Now, e.UnlockTime)
}

func (e *StakeLockedError) Unwrap() error { return ErrStakeLocked }

type UnauthorizedFinalizerError struct {
	Caller   common.Address
	Expected common.Address
}

func (e *UnauthorizedFinalizerError) Error() string {
	return fmt.Sprintf("%v: have %s, want %s", ErrUnauthorizedFinalizer, e.Caller.Hex(), e.Expected.Hex())
}

func (e *UnauthorizedFinalizerError) Unwrap() error { return ErrUnauthorizedFinalizer }

// TransferFailedError wraps the payout error. The pending request is intact.
type TransferFailedError struct {
	To     common.Address
	Amount uint64
	Err    error
}

func (e *TransferFailedError) Error() string {
	return fmt.Sprintf("%v: pay %d to %s: %v", ErrTransferFailed, e.Amount, e.To.Hex(), e.Err)
}

func (e *TransferFailedError) Unwrap() []error { return []error{ErrTransferFailed, e.Err} }

// Error kinds, stable strings for metrics labels and transport status mapping.
const (
	KindValidation    = "validation"
	KindPrecondition  = "precondition"
	KindAuthorization = "authorization"
	KindIntegrity     = "integrity"
	KindResource      = "resource"
	KindInternal      = "internal"
)

// Kind classifies err. A nil error has no kind.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDurationOutOfBounds), errors.Is(err, ErrZeroAmount), errors.Is(err, ErrAmountTooLarge):
		return KindValidation
	case errors.Is(err, ErrNoActiveStake), errors.Is(err, ErrStakeLocked), errors.Is(err, ErrWithdrawAlreadyPending),
		errors.Is(err, ErrWithdrawRequestAlreadyExists), errors.Is(err, ErrUnknownWithdrawRequest),
		errors.Is(err, ErrReentrantCall):
		return KindPrecondition
	case errors.Is(err, ErrUnauthorizedFinalizer):
		return KindAuthorization
	case errors.Is(err, ErrInvalidRevealProof):
		return KindIntegrity
	case errors.Is(err, ErrTransferFailed):
		return KindResource
	default:
		return KindInternal
	}
}
