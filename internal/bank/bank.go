// Package bank keeps cleartext native-asset balances. It moves deposits into
// the custody account and pays withdrawals out of it.
package bank

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"confvault/internal/storage"
)

var (
	balancePrefix = []byte("bank/bal/")
	depositPrefix = []byte("bank/dep/")
)

var (
	ErrInsufficientFunds = errors.New("bank: insufficient balance")
	ErrBalanceOverflow   = errors.New("bank: balance overflow")
	ErrSelfTransfer      = errors.New("bank: transfer to self")
)

// ErrDepositLimit is returned by Escrow when an owner's open deposits would
// exceed what a 64-bit encrypted balance can hold.
var ErrDepositLimit = errors.New("bank: deposit total exceeds 2^64-1")

type Bank struct {
	mu  sync.Mutex
	db  storage.Database
	log zerolog.Logger
}

func New(db storage.Database, log zerolog.Logger) *Bank {
	return &Bank{db: db, log: log}
}

func balanceKey(addr common.Address) []byte {
	return append(append([]byte{}, balancePrefix...), addr.Bytes()...)
}

func (b *Bank) load(addr common.Address) (*uint256.Int, error) {
	raw, err := b.db.Get(balanceKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("bank: load %s: %w", addr.Hex(), err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("bank: corrupt balance for %s", addr.Hex())
	}
	return new(uint256.Int).SetBytes32(raw), nil
}

func depositKey(addr common.Address) []byte {
	return append(append([]byte{}, depositPrefix...), addr.Bytes()...)
}

func (b *Bank) deposited(owner common.Address) (uint64, error) {
	raw, err := b.db.Get(depositKey(owner))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("bank: load deposits of %s: %w", owner.Hex(), err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("bank: corrupt deposit total for %s", owner.Hex())
	}
	return binary.BigEndian.Uint64(raw), nil
}

func putDeposited(batch storage.Batch, owner common.Address, total uint64) {
	if total == 0 {
		batch.Delete(depositKey(owner))
		return
	}
	batch.Put(depositKey(owner), binary.BigEndian.AppendUint64(nil, total))
}

func encode(v *uint256.Int) []byte {
	raw := v.Bytes32()
	return raw[:]
}

// Balance returns the spendable balance of addr.
func (b *Bank) Balance(addr common.Address) (*uint256.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load(addr)
}

// Deposited returns the total owner has escrowed into custody since its
// last payout.
func (b *Bank) Deposited(owner common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deposited(owner)
}

// Allocation is one genesis credit.
type Allocation struct {
	Address common.Address
	Amount  *uint256.Int
}

// Credit mints amount into addr.
func (b *Bank) Credit(addr common.Address, amount *uint256.Int) error {
	_, err := b.ApplyGenesis(nil, []Allocation{{Address: addr, Amount: amount}})
	return err
}

// ApplyGenesis credits every allocation and records marker in one batch. If
// marker is already present nothing is written and applied is false. A nil
// marker always applies.
func (b *Bank) ApplyGenesis(marker []byte, allocs []Allocation) (applied bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if marker != nil {
		done, err := b.db.Has(marker)
		if err != nil {
			return false, err
		}
		if done {
			return false, nil
		}
	}

	totals := make(map[common.Address]*uint256.Int, len(allocs))
	var order []common.Address
	for _, a := range allocs {
		cur, ok := totals[a.Address]
		if !ok {
			bal, err := b.load(a.Address)
			if err != nil {
				return false, err
			}
			cur = bal
			totals[a.Address] = cur
			order = append(order, a.Address)
		}
		if _, overflow := cur.AddOverflow(cur, a.Amount); overflow {
			return false, fmt.Errorf("%w: credit %s", ErrBalanceOverflow, a.Address.Hex())
		}
	}

	batch := b.db.NewBatch()
	for _, addr := range order {
		batch.Put(balanceKey(addr), encode(totals[addr]))
	}
	if marker != nil {
		batch.Put(marker, []byte{1})
	}
	if err := batch.Write(); err != nil {
		return false, fmt.Errorf("bank: commit credits: %w", err)
	}
	return true, nil
}

// stageTransfer adds a transfer to batch. Caller holds b.mu and issues at
// most one transfer per batch.
func (b *Bank) stageTransfer(batch storage.Batch, from, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if from == to {
		return ErrSelfTransfer
	}
	fromBal, err := b.load(from)
	if err != nil {
		return err
	}
	if fromBal.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from.Hex(), fromBal.Dec(), amount.Dec())
	}
	toBal, err := b.load(to)
	if err != nil {
		return err
	}
	nextTo, overflow := new(uint256.Int).AddOverflow(toBal, amount)
	if overflow {
		return ErrBalanceOverflow
	}
	batch.Put(balanceKey(from), encode(new(uint256.Int).Sub(fromBal, amount)))
	batch.Put(balanceKey(to), encode(nextTo))
	return nil
}

// Transfer moves amount from one account to another in a single batch.
// A zero amount is a no-op.
func (b *Bank) Transfer(from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.db.NewBatch()
	if err := b.stageTransfer(batch, from, to, amount); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("bank: commit transfer: %w", err)
	}
	b.log.Debug().Str("from", from.Hex()).Str("to", to.Hex()).Str("amount", amount.Dec()).Msg("transfer")
	return nil
}

// deposit moves amount into custody and adds it to owner's open deposits.
func (b *Bank) deposit(owner, custody common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	total, err := b.deposited(owner)
	if err != nil {
		return err
	}
	if !amount.IsUint64() || amount.Uint64() > math.MaxUint64-total {
		return fmt.Errorf("%w: %s has %d open, deposits %s", ErrDepositLimit, owner.Hex(), total, amount.Dec())
	}
	batch := b.db.NewBatch()
	if err := b.stageTransfer(batch, owner, custody, amount); err != nil {
		return err
	}
	putDeposited(batch, owner, total+amount.Uint64())
	if err := batch.Write(); err != nil {
		return fmt.Errorf("bank: commit deposit: %w", err)
	}
	return nil
}

func (b *Bank) refund(owner, custody common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	total, err := b.deposited(owner)
	if err != nil {
		return err
	}
	batch := b.db.NewBatch()
	if err := b.stageTransfer(batch, custody, owner, amount); err != nil {
		return err
	}
	if v := amount.Uint64(); v < total {
		putDeposited(batch, owner, total-v)
	} else {
		putDeposited(batch, owner, 0)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("bank: commit refund: %w", err)
	}
	return nil
}

// Escrow moves amount from owner into custody and runs fn. If fn fails the
// deposit is refunded and fn's error returned. The owner's open deposits are
// capped at 2^64-1 so the encrypted balance they fund cannot wrap.
func (b *Bank) Escrow(ctx context.Context, owner, custody common.Address, amount *uint256.Int, fn func(context.Context) error) error {
	if owner == custody {
		return ErrSelfTransfer
	}
	if err := b.deposit(owner, custody, amount); err != nil {
		return err
	}
	fnErr := fn(ctx)
	if fnErr == nil {
		return nil
	}
	if err := b.refund(owner, custody, amount); err != nil {
		b.log.Error().Err(err).Str("owner", owner.Hex()).Str("amount", amount.Dec()).Msg("escrow refund failed")
		return errors.Join(fnErr, fmt.Errorf("bank: refund: %w", err))
	}
	return fnErr
}

// Payout pays withdrawals out of a custody account.
type Payout struct {
	bank    *Bank
	custody common.Address
}

// Payer returns a Payout drawing on custody.
func (b *Bank) Payer(custody common.Address) *Payout {
	return &Payout{bank: b, custody: custody}
}

// Pay transfers amount from custody to to and closes to's open deposits. The
// ledger pays the whole balance, so nothing stays open afterwards.
func (p *Payout) Pay(ctx context.Context, to common.Address, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := p.bank
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.db.NewBatch()
	if err := b.stageTransfer(batch, p.custody, to, uint256.NewInt(amount)); err != nil {
		return err
	}
	putDeposited(batch, to, 0)
	if err := batch.Write(); err != nil {
		return fmt.Errorf("bank: commit payout: %w", err)
	}
	b.log.Debug().Str("to", to.Hex()).Uint64("amount", amount).Msg("payout")
	return nil
}
