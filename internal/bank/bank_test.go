package bank

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"confvault/internal/storage"
)

var (
	custody = common.HexToAddress("0x00000000000000000000000000000000000c0ffe")
	alice   = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func requireBalance(t *testing.T, b *Bank, addr common.Address, want uint64) {
	t.Helper()
	bal, err := b.Balance(addr)
	require.NoError(t, err)
	require.Equal(t, want, bal.Uint64(), "balance of %s", addr.Hex())
}

func TestTransfer(t *testing.T) {
	b := New(storage.NewMemDB(), zerolog.Nop())
	require.NoError(t, b.Credit(alice, uint256.NewInt(100)))

	t.Run("moves funds", func(t *testing.T) {
		require.NoError(t, b.Transfer(alice, bob, uint256.NewInt(40)))
		requireBalance(t, b, alice, 60)
		requireBalance(t, b, bob, 40)
	})

	t.Run("insufficient funds", func(t *testing.T) {
		err := b.Transfer(bob, alice, uint256.NewInt(41))
		require.ErrorIs(t, err, ErrInsufficientFunds)
		requireBalance(t, b, bob, 40)
	})

	t.Run("zero is a no-op", func(t *testing.T) {
		require.NoError(t, b.Transfer(custody, alice, new(uint256.Int)))
		requireBalance(t, b, custody, 0)
	})

	t.Run("self transfer", func(t *testing.T) {
		require.ErrorIs(t, b.Transfer(alice, alice, uint256.NewInt(1)), ErrSelfTransfer)
	})

	t.Run("credit overflow", func(t *testing.T) {
		maxU256 := new(uint256.Int).SetAllOne()
		require.NoError(t, b.Credit(custody, maxU256))
		require.ErrorIs(t, b.Credit(custody, uint256.NewInt(1)), ErrBalanceOverflow)
		require.ErrorIs(t, b.Transfer(alice, custody, uint256.NewInt(1)), ErrBalanceOverflow)
		requireBalance(t, b, alice, 60)
	})
}

func TestEscrow(t *testing.T) {
	ctx := context.Background()
	b := New(storage.NewMemDB(), zerolog.Nop())
	require.NoError(t, b.Credit(alice, uint256.NewInt(10)))

	t.Run("commits on success", func(t *testing.T) {
		var seen uint64
		err := b.Escrow(ctx, alice, custody, uint256.NewInt(4), func(context.Context) error {
			bal, err := b.Balance(custody)
			seen = bal.Uint64()
			return err
		})
		require.NoError(t, err)
		require.Equal(t, uint64(4), seen)
		requireBalance(t, b, alice, 6)
		requireBalance(t, b, custody, 4)
	})

	t.Run("refunds on failure", func(t *testing.T) {
		boom := errors.New("stake rejected")
		err := b.Escrow(ctx, alice, custody, uint256.NewInt(5), func(context.Context) error { return boom })
		require.ErrorIs(t, err, boom)
		requireBalance(t, b, alice, 6)
		requireBalance(t, b, custody, 4)
	})

	t.Run("insufficient funds skips fn", func(t *testing.T) {
		called := false
		err := b.Escrow(ctx, alice, custody, uint256.NewInt(7), func(context.Context) error {
			called = true
			return nil
		})
		require.ErrorIs(t, err, ErrInsufficientFunds)
		require.False(t, called)
	})
}

func TestPayout(t *testing.T) {
	b := New(storage.NewMemDB(), zerolog.Nop())
	require.NoError(t, b.Credit(custody, uint256.NewInt(3)))
	pay := b.Payer(custody)

	require.NoError(t, pay.Pay(context.Background(), alice, 2))
	requireBalance(t, b, alice, 2)
	require.ErrorIs(t, pay.Pay(context.Background(), alice, 2), ErrInsufficientFunds)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, pay.Pay(ctx, alice, 1), context.Canceled)
	requireBalance(t, b, custody, 1)
}

func TestBalancesPersist(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bank")
	db, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	require.NoError(t, New(db, zerolog.Nop()).Credit(alice, uint256.NewInt(77)))
	require.NoError(t, db.Close())

	db, err = storage.NewLevelDB(dir)
	require.NoError(t, err)
	defer db.Close()
	requireBalance(t, New(db, zerolog.Nop()), alice, 77)
}

func requireDeposited(t *testing.T, b *Bank, owner common.Address, want uint64) {
	t.Helper()
	got, err := b.Deposited(owner)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestEscrowDepositLimit(t *testing.T) {
	ctx := context.Background()
	b := New(storage.NewMemDB(), zerolog.Nop())
	require.NoError(t, b.Credit(alice, new(uint256.Int).SetAllOne()))
	ok := func(context.Context) error { return nil }
	top := uint256.NewInt(^uint64(0))

	require.NoError(t, b.Escrow(ctx, alice, custody, uint256.NewInt(^uint64(0)-1), ok))
	requireDeposited(t, b, alice, ^uint64(0)-1)

	t.Run("last unit fits", func(t *testing.T) {
		require.NoError(t, b.Escrow(ctx, alice, custody, uint256.NewInt(1), ok))
		requireDeposited(t, b, alice, ^uint64(0))
		requireBalance(t, b, custody, ^uint64(0))
	})

	t.Run("one more is refused before fn", func(t *testing.T) {
		called := false
		err := b.Escrow(ctx, alice, custody, uint256.NewInt(1), func(context.Context) error {
			called = true
			return nil
		})
		require.ErrorIs(t, err, ErrDepositLimit)
		require.False(t, called)
		requireBalance(t, b, custody, ^uint64(0))
	})

	t.Run("payout closes deposits", func(t *testing.T) {
		require.NoError(t, b.Payer(custody).Pay(ctx, alice, ^uint64(0)))
		requireDeposited(t, b, alice, 0)
		requireBalance(t, b, custody, 0)
	})

	t.Run("refund reopens room", func(t *testing.T) {
		boom := errors.New("stake rejected")
		require.ErrorIs(t, b.Escrow(ctx, alice, custody, top, func(context.Context) error { return boom }), boom)
		requireDeposited(t, b, alice, 0)
		require.NoError(t, b.Escrow(ctx, alice, custody, top, ok))
		requireDeposited(t, b, alice, ^uint64(0))
	})

	t.Run("amount above 64 bits", func(t *testing.T) {
		huge := new(uint256.Int).Lsh(uint256.NewInt(1), 64)
		require.ErrorIs(t, b.Escrow(ctx, bob, custody, huge, ok), ErrDepositLimit)
	})
}

// failingDB commits nothing through batches.
type failingDB struct {
	storage.Database
}

type failingBatch struct {
	storage.Batch
}

func (f failingDB) NewBatch() storage.Batch { return failingBatch{f.Database.NewBatch()} }

func (failingBatch) Write() error { return errors.New("disk full") }

func TestApplyGenesis(t *testing.T) {
	marker := []byte("genesis")
	allocs := []Allocation{
		{Address: alice, Amount: uint256.NewInt(5)},
		{Address: bob, Amount: uint256.NewInt(7)},
		{Address: alice, Amount: uint256.NewInt(1)},
	}

	t.Run("all or nothing", func(t *testing.T) {
		db := storage.NewMemDB()
		_, err := New(failingDB{db}, zerolog.Nop()).ApplyGenesis(marker, allocs)
		require.Error(t, err)

		b := New(db, zerolog.Nop())
		requireBalance(t, b, alice, 0)
		requireBalance(t, b, bob, 0)
		has, err := db.Has(marker)
		require.NoError(t, err)
		require.False(t, has)

		applied, err := b.ApplyGenesis(marker, allocs)
		require.NoError(t, err)
		require.True(t, applied)
		requireBalance(t, b, alice, 6)
		requireBalance(t, b, bob, 7)
	})

	t.Run("applied once", func(t *testing.T) {
		b := New(storage.NewMemDB(), zerolog.Nop())
		applied, err := b.ApplyGenesis(marker, allocs)
		require.NoError(t, err)
		require.True(t, applied)
		applied, err = b.ApplyGenesis(marker, allocs)
		require.NoError(t, err)
		require.False(t, applied)
		requireBalance(t, b, alice, 6)
	})
}
